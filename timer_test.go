// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source for timer tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// releaseTracker counts Invoke and Release calls on a timer callback.
type releaseTracker struct {
	mu       sync.Mutex
	invoked  int
	released int
	invokeFn func() error
}

func (r *releaseTracker) Invoke() error {
	r.mu.Lock()
	r.invoked++
	fn := r.invokeFn
	r.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

func (r *releaseTracker) Release() {
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
}

func (r *releaseTracker) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invoked, r.released
}

func newTestRegistry(clock *fakeClock) *TimerRegistry {
	return NewTimerRegistry(WithRegistryClock(clock.Now))
}

// TestTimerRegistry_SetTimeoutZeroDelay tests that a zero-delay timeout
// fires exactly once on the next pass and leaves no deadline behind.
func TestTimerRegistry_SetTimeoutZeroDelay(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	calls := 0
	if _, err := r.SetTimeout(TimerFunc(func() error { calls++; return nil }), 0); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}

	if next := r.ProcessTimers(); next != NoDeadline {
		t.Errorf("expected NoDeadline after firing, got %v", next)
	}
	if calls != 1 {
		t.Errorf("expected 1 invocation, got %d", calls)
	}

	// A second pass must not fire the one-shot again.
	if next := r.ProcessTimers(); next != NoDeadline {
		t.Errorf("expected NoDeadline on idle pass, got %v", next)
	}
	if calls != 1 {
		t.Errorf("one-shot fired again, total %d", calls)
	}
}

// TestTimerRegistry_DelayValidation tests delay and interval validation.
func TestTimerRegistry_DelayValidation(t *testing.T) {
	r := newTestRegistry(newFakeClock())

	if _, err := r.SetTimeout(TimerFunc(func() error { return nil }), -time.Millisecond); !errors.Is(err, ErrInvalidDelay) {
		t.Errorf("expected ErrInvalidDelay for negative delay, got %v", err)
	}
	if _, err := r.SetInterval(TimerFunc(func() error { return nil }), 0); !errors.Is(err, ErrInvalidDelay) {
		t.Errorf("expected ErrInvalidDelay for zero interval, got %v", err)
	}
	if _, err := r.SetTimeout(nil, 0); err == nil {
		t.Error("expected error for nil callback")
	}
}

// TestTimerRegistry_MonotonicIds tests that ids are unique and increasing.
func TestTimerRegistry_MonotonicIds(t *testing.T) {
	r := newTestRegistry(newFakeClock())

	var last TimerID
	for i := 0; i < 100; i++ {
		id, err := r.SetTimeout(TimerFunc(func() error { return nil }), time.Hour)
		if err != nil {
			t.Fatalf("SetTimeout failed: %v", err)
		}
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

// TestTimerRegistry_DueOrdering tests that callbacks due in one pass run in
// non-decreasing due-time order.
func TestTimerRegistry_DueOrdering(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	var order []int
	for i, delay := range []time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond} {
		n := i
		if _, err := r.SetTimeout(TimerFunc(func() error {
			order = append(order, n)
			return nil
		}), delay); err != nil {
			t.Fatalf("SetTimeout failed: %v", err)
		}
	}

	clock.Advance(10 * time.Millisecond)
	if next := r.ProcessTimers(); next != NoDeadline {
		t.Errorf("expected NoDeadline, got %v", next)
	}

	// Registration order was 3ms, 1ms, 2ms; execution order must follow
	// due times.
	want := []int{1, 2, 0}
	if len(order) != len(want) {
		t.Fatalf("expected %d invocations, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: got callback %d, want %d", i, order[i], want[i])
		}
	}
}

// TestTimerRegistry_IntervalCatchUp tests the interval catch-up policy: a
// pass fires a behind-schedule interval once and reschedules from now,
// skipping the missed periods.
func TestTimerRegistry_IntervalCatchUp(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	calls := 0
	if _, err := r.SetInterval(TimerFunc(func() error { calls++; return nil }), 10*time.Millisecond); err != nil {
		t.Fatalf("SetInterval failed: %v", err)
	}

	clock.Advance(35 * time.Millisecond)
	next := r.ProcessTimers()
	if calls != 1 {
		t.Errorf("expected exactly 1 invocation per pass, got %d", calls)
	}
	if next != 10*time.Millisecond {
		t.Errorf("expected reschedule 10ms from now, got %v", next)
	}

	// Each subsequent elapsed period fires once more.
	clock.Advance(10 * time.Millisecond)
	r.ProcessTimers()
	if calls != 2 {
		t.Errorf("expected 2 invocations, got %d", calls)
	}
}

// TestTimerRegistry_NextDelay tests that ProcessTimers reports the smallest
// remaining delay.
func TestTimerRegistry_NextDelay(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	if _, err := r.SetTimeout(TimerFunc(func() error { return nil }), 50*time.Millisecond); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	if _, err := r.SetTimeout(TimerFunc(func() error { return nil }), 20*time.Millisecond); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}

	if next := r.ProcessTimers(); next != 20*time.Millisecond {
		t.Errorf("expected 20ms next delay, got %v", next)
	}
}

// TestTimerRegistry_ClearTimer tests cancellation before firing.
func TestTimerRegistry_ClearTimer(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	cb := &releaseTracker{}
	id, err := r.SetTimeout(cb, time.Millisecond)
	if err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	if !r.ClearTimer(id) {
		t.Fatal("ClearTimer should report the id as active")
	}
	if r.ClearTimer(id) {
		t.Error("second ClearTimer should report inactive")
	}

	clock.Advance(10 * time.Millisecond)
	r.ProcessTimers()

	invoked, released := cb.counts()
	if invoked != 0 {
		t.Errorf("cleared timer fired %d times", invoked)
	}
	if released != 1 {
		t.Errorf("callback released %d times, want 1", released)
	}
}

// TestTimerRegistry_ClearFromOwnCallback tests that a repeating timer that
// clears itself from within its callback is not rescheduled.
func TestTimerRegistry_ClearFromOwnCallback(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	calls := 0
	var id TimerID
	cb := &releaseTracker{}
	cb.invokeFn = func() error {
		calls++
		r.ClearTimer(id)
		return nil
	}
	var err error
	id, err = r.SetInterval(cb, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("SetInterval failed: %v", err)
	}

	clock.Advance(15 * time.Millisecond)
	if next := r.ProcessTimers(); next != NoDeadline {
		t.Errorf("expected NoDeadline after self-clear, got %v", next)
	}
	if calls != 1 {
		t.Errorf("expected 1 invocation, got %d", calls)
	}
	if r.Pending() != 0 {
		t.Errorf("active set should be empty, has %d", r.Pending())
	}

	// Disposal drains on the next pass; the reference is released once.
	clock.Advance(20 * time.Millisecond)
	r.ProcessTimers()
	if calls != 1 {
		t.Errorf("self-cleared interval fired again, total %d", calls)
	}
	if _, released := cb.counts(); released != 1 {
		t.Errorf("callback released %d times, want 1", released)
	}
}

// TestTimerRegistry_CallbackFailureDropsTimer tests that a failing callback
// drops its timer, repeating or not, and other timers keep running.
func TestTimerRegistry_CallbackFailureDropsTimer(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	if _, err := r.SetInterval(TimerFunc(func() error { return errors.New("boom") }), 5*time.Millisecond); err != nil {
		t.Fatalf("SetInterval failed: %v", err)
	}
	healthy := 0
	if _, err := r.SetInterval(TimerFunc(func() error { healthy++; return nil }), 5*time.Millisecond); err != nil {
		t.Fatalf("SetInterval failed: %v", err)
	}

	clock.Advance(6 * time.Millisecond)
	r.ProcessTimers()
	clock.Advance(6 * time.Millisecond)
	r.ProcessTimers()

	if healthy != 2 {
		t.Errorf("healthy interval fired %d times, want 2", healthy)
	}
	if r.Pending() != 1 {
		t.Errorf("expected only the healthy timer active, have %d", r.Pending())
	}
}

// TestTimerRegistry_PanicInCallback tests that a panicking callback is
// treated as a failure and dropped.
func TestTimerRegistry_PanicInCallback(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	if _, err := r.SetTimeout(TimerFunc(func() error { panic("timer panic") }), 0); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	if next := r.ProcessTimers(); next != NoDeadline {
		t.Errorf("expected NoDeadline, got %v", next)
	}
	if r.Pending() != 0 {
		t.Errorf("panicking timer still active")
	}
}

// TestTimerRegistry_DisposeIdempotent tests that disposal releases every
// callback exactly once and a second disposal is a no-op.
func TestTimerRegistry_DisposeIdempotent(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	cbs := []*releaseTracker{{}, {}, {}}
	for _, cb := range cbs {
		if _, err := r.SetTimeout(cb, time.Hour); err != nil {
			t.Fatalf("SetTimeout failed: %v", err)
		}
	}

	if err := r.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if err := r.Dispose(); err != nil {
		t.Fatalf("second Dispose failed: %v", err)
	}

	for i, cb := range cbs {
		if _, released := cb.counts(); released != 1 {
			t.Errorf("callback %d released %d times, want 1", i, released)
		}
	}

	if _, err := r.SetTimeout(TimerFunc(func() error { return nil }), 0); !errors.Is(err, ErrRegistryDisposed) {
		t.Errorf("expected ErrRegistryDisposed, got %v", err)
	}
	if next := r.ProcessTimers(); next != NoDeadline {
		t.Errorf("disposed registry returned deadline %v", next)
	}
}

// TestTimerRegistry_DisposeAggregatesFailures tests that release panics are
// collected into one composite error without short-circuiting cleanup.
func TestTimerRegistry_DisposeAggregatesFailures(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	ok := &releaseTracker{}
	if _, err := r.SetTimeout(panicReleaseCallback{}, time.Hour); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}
	if _, err := r.SetTimeout(ok, time.Hour); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}

	err := r.Dispose()
	if err == nil {
		t.Fatal("expected composite disposal error")
	}
	if _, released := ok.counts(); released != 1 {
		t.Errorf("healthy callback released %d times, want 1", released)
	}
}

// TestTimerRegistry_DisposeDuringCallback tests that a disposal racing a
// callback still in flight defers that callback's release until the
// invocation has returned.
func TestTimerRegistry_DisposeDuringCallback(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	entered := make(chan struct{})
	gate := make(chan struct{})
	cb := &releaseTracker{}
	cb.invokeFn = func() error {
		close(entered)
		<-gate
		return nil
	}
	if _, err := r.SetTimeout(cb, 0); err != nil {
		t.Fatalf("SetTimeout failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.ProcessTimers()
		close(done)
	}()

	<-entered
	if err := r.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	if _, released := cb.counts(); released != 0 {
		t.Errorf("callback released %d times while still executing", released)
	}

	close(gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessTimers never returned")
	}
	if _, released := cb.counts(); released != 1 {
		t.Errorf("callback released %d times, want exactly 1", released)
	}
}

type panicReleaseCallback struct{}

func (panicReleaseCallback) Invoke() error { return nil }
func (panicReleaseCallback) Release()      { panic("release failed") }
