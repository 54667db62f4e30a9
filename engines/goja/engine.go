// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package gojaengine

import (
	"fmt"

	jsloop "github.com/FoxNick/hako-sub001"
	"github.com/dop251/goja"
)

// Engine implements the jsloop.Engine interface over a goja runtime. Goja
// drains its promise job queue before returning from the outermost Go->JS
// call, so the adapter never has separately pending microtasks; the loop's
// flush hook is a no-op here.
//
// The runtime is not safe for concurrent use: every Eval must arrive via
// the owning loop's dispatcher.
type Engine struct {
	// VM is the goja runtime. Exposed for advanced configuration; touch it
	// only from the loop goroutine.
	VM *goja.Runtime

	// Option holds the engine configuration.
	Option *EngineOption
}

// NewFactory returns a jsloop.EngineFactory for creating goja engines.
func NewFactory(opts ...Option) jsloop.EngineFactory {
	return func() (jsloop.Engine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates a new goja engine instance.
func newEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		VM:     goja.New(),
		Option: &EngineOption{},
	}

	// Default field name mapper; user options may override it.
	e.VM.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return e, nil
}

// Eval runs a script and returns its completion value. Loop goroutine only.
func (e *Engine) Eval(script *jsloop.Script) (goja.Value, error) {
	if script == nil {
		return nil, fmt.Errorf("script cannot be nil")
	}
	value, err := e.VM.RunScript(script.FileName, script.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to run script %s: %w", script.FileName, err)
	}
	return value, nil
}

// PendingJobs implements jsloop.Engine. Goja runs promise reactions before
// control returns to Go, so nothing is ever left pending.
func (e *Engine) PendingJobs() bool {
	return false
}

// RunJobs implements jsloop.Engine.
func (e *Engine) RunJobs(max int) (int, error) {
	return 0, nil
}

// Close implements jsloop.Engine. Goja runtimes are garbage collected; an
// interrupt stops any script that might still be running.
func (e *Engine) Close() error {
	if e.VM != nil {
		e.VM.Interrupt("engine closed")
		e.VM = nil
	}
	return nil
}
