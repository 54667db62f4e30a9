// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned when an operation requires a running event
	// loop but the dispatcher is not bound to one.
	ErrNotStarted = errors.New("jsloop: event loop not started")

	// ErrLoopClosed is returned for work submitted to a loop that has shut
	// down, and is used to fail items still queued when the loop exits.
	ErrLoopClosed = errors.New("jsloop: event loop closed")

	// ErrNotLoopGoroutine is returned by VerifyAccess and loop-only
	// operations when called from a foreign goroutine.
	ErrNotLoopGoroutine = errors.New("jsloop: not on the loop goroutine")

	// ErrOrphaned is returned by operations that require a live loop when
	// the dispatcher has been orphaned.
	ErrOrphaned = errors.New("jsloop: dispatcher is orphaned")

	// ErrRegistryDisposed is returned when registering a timer on a
	// disposed registry.
	ErrRegistryDisposed = errors.New("jsloop: timer registry disposed")

	// ErrInvalidDelay is returned for negative timeout delays and
	// non-positive interval periods.
	ErrInvalidDelay = errors.New("jsloop: invalid timer delay")
)

// PanicError wraps a panic recovered from a payload or timer callback so it
// can propagate through the scheduler as an ordinary error.
type PanicError struct {
	Value interface{}
}

func newPanicError(value interface{}) error {
	if err, ok := value.(error); ok {
		return err
	}
	return &PanicError{Value: value}
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("jsloop: panic in payload: %v", e.Value)
}
