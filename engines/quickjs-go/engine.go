// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"fmt"

	jsloop "github.com/FoxNick/hako-sub001"
	"github.com/buke/quickjs-go"
)

// Engine implements the jsloop.Engine interface over a QuickJS runtime and
// context. Promise jobs are drained at evaluation boundaries (EvalAwait),
// so the adapter reports no separately pending microtasks.
type Engine struct {
	Runtime *quickjs.Runtime // QuickJS runtime instance
	Ctx     *quickjs.Context // QuickJS context instance
	Option  *EngineOption    // Engine configuration options
}

// NewFactory returns a jsloop.EngineFactory that creates QuickJS engines
// with the given options.
func NewFactory(opts ...Option) jsloop.EngineFactory {
	return func() (jsloop.Engine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates a new QuickJS engine instance with the given options.
func newEngine(opts ...Option) (*Engine, error) {
	rt := quickjs.NewRuntime()
	ctx := rt.NewContext()

	e := &Engine{
		Runtime: rt,
		Ctx:     ctx,
		Option: &EngineOption{
			MemoryLimit:   0,  // no limit
			GCThreshold:   -1, // no threshold
			Timeout:       0,  // no timeout
			MaxStackSize:  0,  // default stack size
			AwaitPromises: true,
		},
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return e, nil
}

// Eval runs a script, awaiting a returned promise when AwaitPromises is
// set, and unmarshals the completion value into out when out is non-nil.
// Loop goroutine only.
func (e *Engine) Eval(script *jsloop.Script, out interface{}) error {
	if script == nil {
		return fmt.Errorf("script cannot be nil")
	}
	value := e.Ctx.Eval(script.Content,
		quickjs.EvalFileName(script.FileName),
		quickjs.EvalAwait(e.Option.AwaitPromises))
	defer value.Free()
	if value.IsException() {
		return fmt.Errorf("failed to execute script %s: %w", script.FileName, e.Ctx.Exception())
	}
	if out == nil {
		return nil
	}
	if err := e.Ctx.Unmarshal(value, out); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

// PendingJobs implements jsloop.Engine. Evaluation drains the job queue, so
// nothing is left pending between work items.
func (e *Engine) PendingJobs() bool {
	return false
}

// RunJobs implements jsloop.Engine.
func (e *Engine) RunJobs(max int) (int, error) {
	return 0, nil
}

// Close releases the context and runtime.
func (e *Engine) Close() error {
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Runtime != nil {
		e.Runtime.Close()
		e.Runtime = nil
	}
	return nil
}
