// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// NoDeadline is returned by ProcessTimers when the registry has no pending
// timer, meaning the loop may sleep indefinitely.
const NoDeadline = time.Duration(-1)

// TimerID identifies a timer within one registry. Ids are assigned
// monotonically and never reused for the registry's lifetime.
type TimerID uint64

// TimerCallback is an owned reference to a script callback. The registry
// holds the reference for the timer's lifetime and calls Release exactly
// once when the entry is disposed; the caller's own reference is
// independent.
type TimerCallback interface {
	// Invoke runs the callback. It is only called from the loop goroutine.
	Invoke() error

	// Release frees the owned reference.
	Release()
}

// TimerFunc adapts a plain function to TimerCallback with a no-op Release.
type TimerFunc func() error

// Invoke implements TimerCallback.
func (f TimerFunc) Invoke() error { return f() }

// Release implements TimerCallback.
func (f TimerFunc) Release() {}

// timerEntry is one pending setTimeout/setInterval registration.
type timerEntry struct {
	id        TimerID
	callback  TimerCallback
	executeAt time.Time
	interval  time.Duration // one-shot when zero
	repeating bool
	cleared   bool // removed from the active set; skip rescheduling
	released  bool // callback reference released (exactly-once guard)
}

// TimerRegistry emulates setTimeout/setInterval semantics for a single
// execution context on top of the loop goroutine. Registration and
// cancellation are safe from any goroutine; ProcessTimers and the callbacks
// it runs stay on the loop goroutine, so no callback ever executes
// concurrently with another timer operation on the same context.
//
// Canceled and fired entries are parked on a pending-disposal list and
// released on the next pass rather than immediately, because cancellation
// may race a callback that is still executing.
type TimerRegistry struct {
	mu       sync.Mutex
	clock    func() time.Time
	logger   *slog.Logger
	wake     func() // set while attached to a loop; nudges its queue
	nextID   TimerID
	active   map[TimerID]*timerEntry
	disposal []*timerEntry
	invoking *timerEntry // entry whose callback is executing right now
	disposed bool
}

// RegistryOption configures a TimerRegistry.
type RegistryOption func(*TimerRegistry)

// WithRegistryClock overrides the time source, mainly for tests that
// simulate elapsed time.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *TimerRegistry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRegistryLogger configures the logger used for dropped timers and
// disposal failures.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *TimerRegistry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewTimerRegistry creates an empty registry.
func NewTimerRegistry(opts ...RegistryOption) *TimerRegistry {
	r := &TimerRegistry{
		clock:  time.Now,
		logger: slog.Default(),
		active: make(map[TimerID]*timerEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetTimeout registers a one-shot timer due after delay and returns its id.
// A delay of zero is due immediately on the next pass.
func (r *TimerRegistry) SetTimeout(callback TimerCallback, delay time.Duration) (TimerID, error) {
	if delay < 0 {
		return 0, ErrInvalidDelay
	}
	return r.register(callback, delay, 0)
}

// SetInterval registers a repeating timer with the given period and returns
// its id. The period must be positive.
func (r *TimerRegistry) SetInterval(callback TimerCallback, interval time.Duration) (TimerID, error) {
	if interval <= 0 {
		return 0, ErrInvalidDelay
	}
	return r.register(callback, interval, interval)
}

func (r *TimerRegistry) register(callback TimerCallback, delay, interval time.Duration) (TimerID, error) {
	if callback == nil {
		return 0, errors.New("jsloop: nil timer callback")
	}
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return 0, ErrRegistryDisposed
	}
	r.nextID++
	id := r.nextID
	if _, exists := r.active[id]; exists {
		// Ids are monotonic, so a collision indicates registry corruption.
		r.mu.Unlock()
		return 0, fmt.Errorf("jsloop: timer id %d already active", id)
	}
	r.active[id] = &timerEntry{
		id:        id,
		callback:  callback,
		executeAt: r.clock().Add(delay),
		interval:  interval,
		repeating: interval > 0,
	}
	wake := r.wake
	r.mu.Unlock()

	// A sleeping loop must recompute its deadline for the new entry.
	if wake != nil {
		wake()
	}
	return id, nil
}

// ClearTimer cancels a timer. The entry moves to the pending-disposal list;
// its callback reference is released on the next ProcessTimers pass, since
// the callback may still be mid-invocation on the loop goroutine. Returns
// whether the id was active. Clearing is best-effort against a pass that
// already selected the entry: the callback may fire once more, never again
// afterwards.
func (r *TimerRegistry) ClearTimer(id TimerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.active[id]
	if !ok {
		return false
	}
	delete(r.active, id)
	entry.cleared = true
	r.disposal = append(r.disposal, entry)
	return true
}

// ProcessTimers runs all callbacks that are due, reschedules repeating
// entries, and returns the smallest non-negative delay until the next due
// time, or NoDeadline when nothing is pending. Must be called from the loop
// goroutine only.
//
// Due entries are selected as a snapshot sorted by due time; timers added
// or cleared by the callbacks themselves affect later passes, except that
// an entry cleared mid-pass is not rescheduled. A callback failure drops
// the offending timer (one-shot or repeating) and the pass continues.
// Intervals that fall multiple periods behind fire once per pass and
// reschedule relative to now; missed periods are skipped.
func (r *TimerRegistry) ProcessTimers() time.Duration {
	r.mu.Lock()
	toRelease := r.takeDisposalLocked()
	if r.disposed {
		r.mu.Unlock()
		r.releaseAll(toRelease)
		return NoDeadline
	}
	now := r.clock()
	var due []*timerEntry
	for _, entry := range r.active {
		if !entry.executeAt.After(now) {
			due = append(due, entry)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].executeAt.Before(due[j].executeAt)
	})
	r.mu.Unlock()

	r.releaseAll(toRelease)

	for _, entry := range due {
		r.mu.Lock()
		if r.disposed {
			r.mu.Unlock()
			return NoDeadline
		}
		if entry.cleared {
			r.mu.Unlock()
			continue
		}
		r.invoking = entry
		r.mu.Unlock()

		err := capture(entry.callback.Invoke)

		r.mu.Lock()
		r.invoking = nil
		if r.disposed {
			// A Dispose raced the callback; it skipped this entry's
			// release, so drain the disposal list here.
			toRelease := r.takeDisposalLocked()
			r.mu.Unlock()
			r.releaseAll(toRelease)
			return NoDeadline
		}
		switch {
		case entry.cleared:
			// Cleared from within its own callback or concurrently; the
			// clear already queued the entry for disposal.
		case err != nil:
			r.logger.Error("Timer callback failed, dropping timer",
				"id", entry.id,
				"repeating", entry.repeating,
				"error", err)
			delete(r.active, entry.id)
			entry.cleared = true
			r.disposal = append(r.disposal, entry)
		case entry.repeating:
			entry.executeAt = r.clock().Add(entry.interval)
		default:
			delete(r.active, entry.id)
			entry.cleared = true
			r.disposal = append(r.disposal, entry)
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed || len(r.active) == 0 {
		return NoDeadline
	}
	now = r.clock()
	next := NoDeadline
	for _, entry := range r.active {
		delay := entry.executeAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if next < 0 || delay < next {
			next = delay
		}
	}
	return next
}

// Pending returns the number of active timers.
func (r *TimerRegistry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Dispose cancels every active timer, releases all callback references, and
// aggregates any release failures into one error. It is idempotent; a
// second call releases nothing and returns nil. A callback that is executing
// when Dispose runs is not released here: the ProcessTimers pass running it
// releases it once the invocation returns.
func (r *TimerRegistry) Dispose() error {
	r.mu.Lock()
	r.disposed = true
	for id, entry := range r.active {
		delete(r.active, id)
		entry.cleared = true
		r.disposal = append(r.disposal, entry)
	}
	toRelease := r.takeDisposalLocked()
	r.mu.Unlock()

	var errs []error
	for _, entry := range toRelease {
		if err := releaseEntry(entry); err != nil {
			errs = append(errs, fmt.Errorf("timer %d: %w", entry.id, err))
		}
	}
	return errors.Join(errs...)
}

// takeDisposalLocked claims the pending-disposal entries, marking each
// released so a concurrent Dispose cannot release the same callback twice.
// An entry whose callback is executing right now is left on the list: its
// reference must not be freed under a running Invoke, so the loop pass that
// is running it releases it afterwards. Caller must hold r.mu.
func (r *TimerRegistry) takeDisposalLocked() []*timerEntry {
	if len(r.disposal) == 0 {
		return nil
	}
	var claimed []*timerEntry
	var kept []*timerEntry
	for _, entry := range r.disposal {
		if entry == r.invoking {
			kept = append(kept, entry)
			continue
		}
		if !entry.released {
			entry.released = true
			claimed = append(claimed, entry)
		}
	}
	r.disposal = kept
	return claimed
}

// releaseAll releases claimed entries, logging failures.
func (r *TimerRegistry) releaseAll(entries []*timerEntry) {
	for _, entry := range entries {
		if err := releaseEntry(entry); err != nil {
			r.logger.Error("Timer callback release failed",
				"id", entry.id,
				"error", err)
		}
	}
}

// releaseEntry releases one callback reference, converting a panic into an
// error.
func releaseEntry(entry *timerEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newPanicError(r)
		}
	}()
	entry.callback.Release()
	return nil
}
