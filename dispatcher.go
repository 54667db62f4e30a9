// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Dispatcher modes. Uninitialized rejects all calls; Bound routes work
// through the loop; Orphaned executes everything inline on the calling
// goroutine so teardown code can finish after the loop is gone.
const (
	modeUninitialized int32 = iota
	modeBound
	modeOrphaned
)

// Dispatcher gives any goroutine a uniform way to run code on the loop
// goroutine: synchronously (Invoke), asynchronously (InvokeAsync,
// InvokeDeferred), fire-and-forget (Post), and cooperatively (Yield).
// It owns no engine state; it holds a reference to its loop and a mode flag.
type Dispatcher struct {
	mode   atomic.Int32
	loop   *EventLoop
	logger *slog.Logger
}

func newDispatcher(loop *EventLoop) *Dispatcher {
	return &Dispatcher{loop: loop, logger: loop.logger}
}

// bind transitions Uninitialized -> Bound; called once by EventLoop.Start.
func (d *Dispatcher) bind() {
	d.mode.CompareAndSwap(modeUninitialized, modeBound)
}

// reset transitions Bound -> Uninitialized at loop shutdown. An orphaned
// dispatcher stays orphaned.
func (d *Dispatcher) reset() {
	d.mode.CompareAndSwap(modeBound, modeUninitialized)
}

// Orphan switches the dispatcher to inline execution on the calling
// goroutine. This is a one-way escape valve for teardown paths that must
// keep working without a live loop; it is never entered implicitly.
func (d *Dispatcher) Orphan() {
	d.mode.Store(modeOrphaned)
}

// CheckAccess reports whether the caller is on the loop goroutine. In
// orphaned mode every goroutine has access.
func (d *Dispatcher) CheckAccess() bool {
	switch d.mode.Load() {
	case modeOrphaned:
		return true
	case modeBound:
		return d.loop.onLoop()
	default:
		return false
	}
}

// VerifyAccess returns ErrNotLoopGoroutine when the caller may not touch
// engine-affine state. Engine-facing APIs call this to fail fast instead of
// corrupting single-threaded engine state.
func (d *Dispatcher) VerifyAccess() error {
	if !d.CheckAccess() {
		return ErrNotLoopGoroutine
	}
	return nil
}

// Invoke runs the action on the loop goroutine and blocks until it
// completes or ctx is canceled. Calls made from the loop goroutine itself
// execute inline, so reentrant host callbacks cannot deadlock. On
// cancellation the wait aborts but the queued payload may still run later.
// Payload errors and recovered panics are returned unwrapped.
func (d *Dispatcher) Invoke(ctx context.Context, action func() error) error {
	if action == nil {
		return errors.New("jsloop: nil action")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	switch d.mode.Load() {
	case modeOrphaned:
		return capture(action)
	case modeUninitialized:
		return ErrNotStarted
	}
	if d.loop.onLoop() {
		return capture(action)
	}

	done := make(chan error, 1)
	item := &workItem{
		kind: kindBlockingAction,
		run:  func() { done <- capture(action) },
		fail: func(err error) { done <- err },
	}
	if err := d.loop.queue.push(item); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InvokeValue runs a value-producing payload on the dispatcher's loop
// goroutine and blocks for the result. It is the function form of
// Dispatcher.Invoke (methods cannot be generic).
func InvokeValue[T any](ctx context.Context, d *Dispatcher, fn func() (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, errors.New("jsloop: nil function")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	switch d.mode.Load() {
	case modeOrphaned:
		return captureValue(fn)
	case modeUninitialized:
		return zero, ErrNotStarted
	}
	if d.loop.onLoop() {
		return captureValue(fn)
	}

	var result T
	done := make(chan error, 1)
	item := &workItem{
		kind: kindBlockingFunc,
		// The channel send publishes the captured value to the waiter.
		run: func() {
			value, err := captureValue(fn)
			if err == nil {
				result = value
			}
			done <- err
		},
		fail: func(err error) { done <- err },
	}
	if err := d.loop.queue.push(item); err != nil {
		return zero, err
	}
	select {
	case err := <-done:
		if err != nil {
			return zero, err
		}
		return result, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// InvokeAsync enqueues the action and returns a future completed when it
// has run. It always enqueues, even from the loop goroutine, so the action
// keeps its ordering relative to async work already queued. Cancel the wait
// through the ctx passed to Future.Await; the payload itself is not
// interrupted.
func (d *Dispatcher) InvokeAsync(action func() error) *Future[struct{}] {
	if action == nil {
		return completedFuture(struct{}{}, errors.New("jsloop: nil action"))
	}
	switch d.mode.Load() {
	case modeOrphaned:
		return completedFuture(struct{}{}, capture(action))
	case modeUninitialized:
		return completedFuture(struct{}{}, ErrNotStarted)
	}
	fut := NewFuture[struct{}]()
	item := &workItem{
		kind: kindPostedFunc,
		run:  func() { fut.Complete(struct{}{}, capture(action)) },
		fail: func(err error) { fut.Complete(struct{}{}, err) },
	}
	if err := d.loop.queue.push(item); err != nil {
		fut.Complete(struct{}{}, err)
	}
	return fut
}

// InvokeAsyncValue enqueues a value-producing payload and returns a future
// for its result.
func InvokeAsyncValue[T any](d *Dispatcher, fn func() (T, error)) *Future[T] {
	var zero T
	if fn == nil {
		return completedFuture(zero, errors.New("jsloop: nil function"))
	}
	switch d.mode.Load() {
	case modeOrphaned:
		return completedFuture(captureValue(fn))
	case modeUninitialized:
		return completedFuture(zero, ErrNotStarted)
	}
	fut := NewFuture[T]()
	item := &workItem{
		kind: kindPostedFunc,
		run: func() {
			value, err := captureValue(fn)
			fut.Complete(value, err)
		},
		fail: func(err error) { fut.Complete(zero, err) },
	}
	if err := d.loop.queue.push(item); err != nil {
		fut.Complete(zero, err)
	}
	return fut
}

// InvokeDeferred enqueues an async payload: the function runs on the loop
// goroutine and returns an inner future for work it has only started. The
// returned future completes when that inner future completes, not when the
// function returns.
func (d *Dispatcher) InvokeDeferred(fn func() (*Future[struct{}], error)) *Future[struct{}] {
	return invokeDeferred(d, fn, kindAsyncAction)
}

// InvokeDeferredValue is the value-producing form of InvokeDeferred.
func InvokeDeferredValue[T any](d *Dispatcher, fn func() (*Future[T], error)) *Future[T] {
	return invokeDeferred(d, fn, kindAsyncFunc)
}

func invokeDeferred[T any](d *Dispatcher, fn func() (*Future[T], error), kind workKind) *Future[T] {
	var zero T
	if fn == nil {
		return completedFuture(zero, errors.New("jsloop: nil function"))
	}
	fut := NewFuture[T]()
	chain := func() {
		inner, err := captureValue(fn)
		if err != nil || inner == nil {
			fut.Complete(zero, err)
			return
		}
		inner.onComplete(func() {
			value, err := inner.Result()
			fut.Complete(value, err)
		})
	}
	switch d.mode.Load() {
	case modeOrphaned:
		chain()
		return fut
	case modeUninitialized:
		fut.Complete(zero, ErrNotStarted)
		return fut
	}
	item := &workItem{
		kind: kind,
		run:  chain,
		fail: func(err error) { fut.Complete(zero, err) },
	}
	if err := d.loop.queue.push(item); err != nil {
		fut.Complete(zero, err)
	}
	return fut
}

// Post submits fire-and-forget work. Failures go to the loop's
// unhandled-error event instead of the caller; in orphaned mode the action
// runs inline and its error is swallowed (logged at debug).
func (d *Dispatcher) Post(action func() error) {
	if action == nil {
		return
	}
	switch d.mode.Load() {
	case modeOrphaned:
		if err := capture(action); err != nil {
			d.logger.Debug("Orphaned post failed", "error", err)
		}
		return
	case modeUninitialized:
		d.logger.Error("Post rejected: dispatcher not bound")
		return
	}
	item := &workItem{
		kind: kindPostedAction,
		run: func() {
			if err := capture(action); err != nil {
				d.loop.reportUnhandled(err)
			}
		},
	}
	if err := d.loop.queue.push(item); err != nil {
		d.logger.Debug("Post dropped: loop closed", "error", err)
	}
}

// PostDeferred submits a fire-and-forget async payload. The inner future's
// eventual failure, if any, goes to the unhandled-error event.
func (d *Dispatcher) PostDeferred(fn func() (*Future[struct{}], error)) {
	if fn == nil {
		return
	}
	fut := d.InvokeDeferred(fn)
	fut.onComplete(func() {
		if _, err := fut.Result(); err != nil {
			d.reportAsync(err)
		}
	})
}

// reportAsync routes an error to the loop's unhandled channel when bound,
// or the debug log otherwise.
func (d *Dispatcher) reportAsync(err error) {
	if d.mode.Load() == modeBound {
		d.loop.reportUnhandled(err)
		return
	}
	d.logger.Debug("Dropped async failure", "error", err)
}

// Yield re-enqueues the continuation as a drain-forcing work item, giving
// pending microtasks and due timers a chance to run before it resumes. It
// may only be called from the loop goroutine, from inside an in-progress
// payload; the returned future completes after the continuation has run.
// Other queued items may execute between the yield and the resume.
func (d *Dispatcher) Yield(continuation func()) (*Future[struct{}], error) {
	switch d.mode.Load() {
	case modeOrphaned:
		// No loop exists to resume on.
		return nil, ErrOrphaned
	case modeUninitialized:
		return nil, ErrNotStarted
	}
	if !d.loop.onLoop() {
		return nil, ErrNotLoopGoroutine
	}
	if continuation == nil {
		return nil, errors.New("jsloop: nil continuation")
	}
	fut := NewFuture[struct{}]()
	item := &workItem{
		kind:          kindYield,
		requiresDrain: true,
		run: func() {
			err := capture(func() error { continuation(); return nil })
			if err != nil {
				d.loop.reportUnhandled(err)
			}
			fut.Complete(struct{}{}, err)
		},
		fail: func(err error) { fut.Complete(struct{}{}, err) },
	}
	if err := d.loop.queue.push(item); err != nil {
		return nil, err
	}
	return fut, nil
}
