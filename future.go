// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"context"
	"sync"
)

// Future is a single-assignment completion handle for asynchronous work.
// It is completed exactly once; later attempts are ignored. Callers may
// block on Await, select on Done, or poll Result after Done is closed.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	err       error
	completed bool
	listeners []func()
}

// NewFuture creates an incomplete future. Payload code that performs its own
// asynchronous completion (see Dispatcher.InvokeDeferred) creates one of
// these and completes it when the inner operation finishes.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// completedFuture returns a future already completed with the given result.
func completedFuture[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Complete(value, err)
	return f
}

// Complete resolves the future with a value, or faults it if err is non-nil.
// It reports whether this call performed the completion; a future can only
// be completed once.
func (f *Future[T]) Complete(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.value = value
	f.err = err
	f.completed = true
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	// Listeners run outside the lock; they may complete other futures.
	for _, fn := range listeners {
		fn()
	}
	return true
}

// Done returns a channel closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future completes or ctx is canceled. Cancellation
// only abandons the wait; the underlying work may still run and complete the
// future later.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome. It is only valid after Done is closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}

// onComplete registers fn to run when the future completes. If it already
// completed, fn runs immediately on the calling goroutine.
func (f *Future[T]) onComplete(fn func()) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		fn()
		return
	}
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}
