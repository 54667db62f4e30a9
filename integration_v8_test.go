//go:build !windows

package jsloop_test

import (
	"context"
	"testing"
	"time"

	jsloop "github.com/FoxNick/hako-sub001"
	v8engine "github.com/FoxNick/hako-sub001/engines/v8go"
	"github.com/stretchr/testify/require"
)

// TestIntegration_LoopWithV8 tests basic script execution on a loop-owned V8
// engine, including the loop-driven microtask checkpoint.
func TestIntegration_LoopWithV8(t *testing.T) {
	loop := jsloop.NewEventLoop(jsloop.WithEngineFactory(v8engine.NewFactory()))
	require.NoError(t, loop.Start())
	defer func() {
		loop.StopAsync()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, loop.WaitForExit(ctx))
	}()

	d := loop.Dispatcher()
	v8Engine := loop.Engine().(*v8engine.Engine)

	err := d.Invoke(context.Background(), func() error {
		_, err := v8Engine.Eval(&jsloop.Script{
			FileName: "promise.js",
			Content:  `var greeting = ""; Promise.resolve("Hello, V8!").then(v => { greeting = v; });`,
		})
		return err
	})
	require.NoError(t, err)

	// The microtask checkpoint between items resolved the promise.
	result, err := jsloop.InvokeValue(context.Background(), d, func() (string, error) {
		value, err := v8Engine.Eval(&jsloop.Script{FileName: "read.js", Content: "greeting"})
		if err != nil {
			return "", err
		}
		return value.String(), nil
	})
	require.NoError(t, err)
	require.Equal(t, "Hello, V8!", result)
}
