//go:build !windows

// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package v8engine

import (
	"fmt"

	jsloop "github.com/FoxNick/hako-sub001"
	"github.com/tommie/v8go"
)

// Engine implements the jsloop.Engine interface using the V8 engine. V8
// does not expose a pending-microtask query, so the adapter tracks a dirty
// flag: any evaluation marks the context dirty and the next RunJobs call
// performs a microtask checkpoint.
type Engine struct {
	// Iso is the V8 Isolate, a single-threaded VM instance. Exposed for
	// advanced configuration; touch it only from the loop goroutine.
	Iso *v8go.Isolate

	// Ctx is the V8 Context, the execution environment.
	Ctx *v8go.Context

	// Option holds the engine-specific configuration.
	Option *EngineOption

	dirty bool // evaluation happened since the last microtask checkpoint
}

// NewFactory creates a new jsloop.EngineFactory for the V8 engine.
func NewFactory(opts ...Option) jsloop.EngineFactory {
	return func() (jsloop.Engine, error) {
		return newEngine(opts...)
	}
}

// newEngine creates and initializes a new V8 engine instance.
func newEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		Option: &EngineOption{},
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	iso := v8go.NewIsolate()
	if iso == nil {
		return nil, fmt.Errorf("failed to create v8 isolate")
	}
	e.Iso = iso

	ctx := v8go.NewContext(iso)
	if ctx == nil {
		iso.Dispose()
		return nil, fmt.Errorf("failed to create v8 context")
	}
	e.Ctx = ctx

	return e, nil
}

// Eval runs a script and returns its completion value. Loop goroutine only.
func (e *Engine) Eval(script *jsloop.Script) (*v8go.Value, error) {
	if script == nil {
		return nil, fmt.Errorf("script cannot be nil")
	}
	value, err := e.Ctx.RunScript(script.Content, script.FileName)
	e.dirty = true
	if err != nil {
		return nil, fmt.Errorf("failed to run script %s: %w", script.FileName, err)
	}
	return value, nil
}

// PendingJobs implements jsloop.Engine.
func (e *Engine) PendingJobs() bool {
	return e.dirty
}

// RunJobs implements jsloop.Engine by performing a microtask checkpoint,
// which drains all queued microtasks regardless of max.
func (e *Engine) RunJobs(max int) (int, error) {
	if !e.dirty {
		return 0, nil
	}
	e.Ctx.PerformMicrotaskCheckpoint()
	e.dirty = false
	return 1, nil
}

// Close releases all resources associated with the V8 engine.
func (e *Engine) Close() error {
	if e.Ctx != nil {
		e.Ctx.Close()
		e.Ctx = nil
	}
	if e.Iso != nil {
		e.Iso.Dispose()
		e.Iso = nil
	}
	return nil
}
