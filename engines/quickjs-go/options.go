// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package quickjsengine

import (
	"fmt"
)

// EngineOption holds configuration options for a QuickJS engine instance.
type EngineOption struct {
	Timeout       uint64 // Script execution timeout in seconds (0 = no timeout)
	MemoryLimit   uint64 // Memory limit in bytes (0 = no limit)
	GCThreshold   int64  // GC threshold in bytes (-1 = disable, 0 = default)
	MaxStackSize  uint64 // Stack size in bytes (0 = default)
	CanBlock      bool   // Whether the runtime can block (for async operations)
	AwaitPromises bool   // Await promise results during Eval
}

// Option configures a QuickJS engine during construction.
type Option func(*Engine) error

// WithGCThreshold sets the garbage collection threshold for the engine.
// Use -1 to disable automatic GC, 0 for default, or a positive value for a
// custom threshold.
func WithGCThreshold(threshold int64) Option {
	return func(e *Engine) error {
		if threshold < -1 {
			return fmt.Errorf("invalid GC threshold: %d", threshold)
		}
		e.Option.GCThreshold = threshold
		e.Runtime.SetGCThreshold(threshold)
		return nil
	}
}

// WithMemoryLimit sets the memory limit for the runtime in bytes. If limit
// is 0, there is no memory limit.
func WithMemoryLimit(limit uint64) Option {
	return func(e *Engine) error {
		e.Option.MemoryLimit = limit
		e.Runtime.SetMemoryLimit(limit)
		return nil
	}
}

// WithTimeout sets the script execution timeout in seconds. If timeout is
// 0, there is no timeout.
func WithTimeout(timeout uint64) Option {
	return func(e *Engine) error {
		e.Option.Timeout = timeout
		e.Runtime.SetExecuteTimeout(timeout)
		return nil
	}
}

// WithMaxStackSize sets the stack size for the runtime in bytes. If size is
// 0, the default stack size is used.
func WithMaxStackSize(size uint64) Option {
	return func(e *Engine) error {
		e.Option.MaxStackSize = size
		e.Runtime.SetMaxStackSize(size)
		return nil
	}
}

// WithCanBlock enables or disables blocking operations in the runtime.
func WithCanBlock(canBlock bool) Option {
	return func(e *Engine) error {
		e.Option.CanBlock = canBlock
		e.Runtime.SetCanBlock(canBlock)
		return nil
	}
}

// WithAwaitPromises controls whether Eval awaits promise completion values.
func WithAwaitPromises(await bool) Option {
	return func(e *Engine) error {
		e.Option.AwaitPromises = await
		return nil
	}
}
