// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

// workKind identifies the completion contract of a queued work item.
type workKind int

const (
	kindBlockingAction workKind = iota // Invoke: caller blocks on a result channel
	kindBlockingFunc                   // InvokeValue: blocking, value-producing payload
	kindPostedAction                   // Post: fire-and-forget
	kindPostedFunc                     // InvokeAsync/InvokeAsyncValue: future-completing payload
	kindAsyncAction                    // InvokeDeferred: payload returns an inner future
	kindAsyncFunc                      // InvokeDeferredValue: deferred, value-producing payload
	kindYield                          // Yield: continuation resumed after a drain
)

// String returns the string representation of a workKind.
func (k workKind) String() string {
	switch k {
	case kindBlockingAction:
		return "blocking-action"
	case kindBlockingFunc:
		return "blocking-func"
	case kindPostedAction:
		return "posted-action"
	case kindPostedFunc:
		return "posted-func"
	case kindAsyncAction:
		return "async-action"
	case kindAsyncFunc:
		return "async-func"
	case kindYield:
		return "yield"
	default:
		return "unknown"
	}
}

// workItem is the atomic unit submitted to the event loop. It is created on
// the submitting goroutine, consumed exactly once by the loop goroutine, and
// never reused. The payload closure owns result delivery; fail is used by
// the loop to fault the completion of items that will never run (shutdown).
type workItem struct {
	kind workKind
	run  func()      // executes the payload and routes its result
	fail func(error) // faults the completion without running (nil for posted items)

	// requiresDrain forces a microtask flush and timer advance immediately
	// before run; set only for yield items.
	requiresDrain bool
}

// capture runs an action and converts a panic into an error.
func capture(action func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	return action()
}

// captureValue runs a value-producing payload and converts a panic into an
// error.
func captureValue[T any](fn func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	value, err = fn()
	return
}
