// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

// Script is a piece of source code identified by a file name for debugging.
type Script struct {
	Content  string // Script content
	FileName string // Script file name for debugging purposes
}

// Engine is the narrow surface the event loop needs from a script engine:
// a way to know whether microtasks (promise jobs) are pending, and a way to
// run one batch of them. Everything else about the engine - value
// representation, module loading, bytecode execution - is opaque to the
// scheduler.
//
// Engine methods are only ever called from the loop goroutine.
type Engine interface {
	// PendingJobs reports whether the engine has queued microtasks.
	PendingJobs() bool

	// RunJobs executes up to max pending microtasks (max <= 0 means no
	// limit) and returns the number executed. A returned error is surfaced
	// through the loop's unhandled-error event; it does not stop the loop.
	RunJobs(max int) (int, error)

	// Close releases the engine and its resources.
	Close() error
}

// EngineFactory creates engine instances; used by Group to give each loop
// its own isolated engine.
type EngineFactory func() (Engine, error)
