// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// EventLoop owns the single goroutine allowed to touch the script engine.
// All other goroutines are pure producers into its submission queue; the
// loop interleaves queued work with engine microtask flushes and timer
// advances, and sleeps until new work arrives or the next timer is due.
type EventLoop struct {
	logger        *slog.Logger
	engine        Engine // optional; nil disables microtask flushing
	engineFactory EngineFactory
	clock         func() time.Time
	jobBatchSize  int

	queue      *workQueue
	dispatcher *Dispatcher
	registries sync.Map // *TimerRegistry -> struct{}

	loopGID atomic.Uint64 // goroutine id of the running loop, 0 when not running
	started atomic.Bool
	stopCh  chan struct{}
	stopped sync.Once
	initCh  chan error
	exit    *Future[struct{}]

	itemCount    atomic.Uint64 // executed work items (statistics)
	lastUsedNano atomic.Int64

	unhandledMu sync.Mutex
	unhandled   []func(error)
}

// Option configures an EventLoop.
type Option func(*EventLoop)

// WithLogger configures the logger for the loop.
func WithLogger(logger *slog.Logger) Option {
	return func(l *EventLoop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithEngine attaches an already built script engine whose microtasks the
// loop flushes. The loop takes ownership and closes the engine when it
// exits. Engines with thread-affine internals must be constructed on the
// loop goroutine instead; use WithEngineFactory for those.
func WithEngine(engine Engine) Option {
	return func(l *EventLoop) {
		l.engine = engine
	}
}

// WithEngineFactory defers engine construction to the loop goroutine: the
// factory runs on the locked OS thread before the loop accepts work. Cgo
// runtimes record the creating thread (stack bounds, isolate affinity), so
// this is the only safe way to attach them. A factory error fails Start.
// Takes precedence over WithEngine.
func WithEngineFactory(factory EngineFactory) Option {
	return func(l *EventLoop) {
		l.engineFactory = factory
	}
}

// WithClock overrides the time source used for statistics and for timer
// registries created through NewRegistry.
func WithClock(clock func() time.Time) Option {
	return func(l *EventLoop) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithJobBatchSize caps how many microtasks one RunJobs call may execute.
func WithJobBatchSize(size int) Option {
	return func(l *EventLoop) {
		if size > 0 {
			l.jobBatchSize = size
		}
	}
}

// NewEventLoop creates a loop with the given options. The loop does not run
// until Start is called.
func NewEventLoop(opts ...Option) *EventLoop {
	l := &EventLoop{
		logger:       slog.Default(),
		clock:        time.Now,
		jobBatchSize: 64,
		queue:        newWorkQueue(),
		stopCh:       make(chan struct{}),
		initCh:       make(chan error, 1),
		exit:         NewFuture[struct{}](),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.dispatcher = newDispatcher(l)
	return l
}

// Start spawns the loop goroutine and blocks until it is ready to accept
// work. The dispatcher transitions to bound exactly once here.
func (l *EventLoop) Start() error {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("jsloop: event loop already started")
	}
	go l.run()
	if err := <-l.initCh; err != nil {
		return fmt.Errorf("jsloop: loop initialization failed: %w", err)
	}
	l.dispatcher.bind()
	l.logger.Debug("Event loop started", "jobBatchSize", l.jobBatchSize)
	return nil
}

// Dispatcher returns the loop's dispatcher.
func (l *EventLoop) Dispatcher() *Dispatcher {
	return l.dispatcher
}

// Engine returns the loop's engine, nil when the loop runs without one.
// The value is stable once Start has returned; the engine itself may still
// only be touched from the loop goroutine.
func (l *EventLoop) Engine() Engine {
	return l.engine
}

// StopAsync requests shutdown and returns the exit future. Items still
// queued when the loop exits are failed with ErrLoopClosed; the future
// faults only if the scheduler's own control logic panicked.
func (l *EventLoop) StopAsync() *Future[struct{}] {
	l.stopped.Do(func() {
		close(l.stopCh)
		l.queue.signal()
		if !l.started.Load() {
			// Never ran; nothing will complete the future otherwise.
			l.exit.Complete(struct{}{}, nil)
		}
	})
	return l.exit
}

// WaitForExit blocks until the loop goroutine has ended or ctx is canceled.
func (l *EventLoop) WaitForExit(ctx context.Context) error {
	_, err := l.exit.Await(ctx)
	return err
}

// OnUnhandledError registers a handler for failures that have no caller to
// observe them: posted payload errors, microtask flush failures, and yield
// continuation errors. Handlers run on the loop goroutine.
func (l *EventLoop) OnUnhandledError(handler func(error)) {
	if handler == nil {
		return
	}
	l.unhandledMu.Lock()
	l.unhandled = append(l.unhandled, handler)
	l.unhandledMu.Unlock()
}

// NewRegistry creates a timer registry sharing the loop's clock and logger
// and attaches it to the loop.
func (l *EventLoop) NewRegistry() *TimerRegistry {
	r := NewTimerRegistry(WithRegistryClock(l.clock), WithRegistryLogger(l.logger))
	l.AttachRegistry(r)
	return r
}

// AttachRegistry adds an execution context's timer registry to the set the
// loop advances each pass.
func (l *EventLoop) AttachRegistry(r *TimerRegistry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.wake = l.queue.signal
	r.mu.Unlock()
	l.registries.Store(r, struct{}{})
	l.queue.signal()
}

// DetachRegistry removes a registry from the loop. The registry itself is
// not disposed.
func (l *EventLoop) DetachRegistry(r *TimerRegistry) {
	if r == nil {
		return
	}
	l.registries.Delete(r)
	r.mu.Lock()
	r.wake = nil
	r.mu.Unlock()
}

// ItemCount returns the number of work items executed so far (thread-safe).
func (l *EventLoop) ItemCount() uint64 {
	return l.itemCount.Load()
}

// LastUsed returns the time the loop last executed a work item (thread-safe).
func (l *EventLoop) LastUsed() time.Time {
	return time.Unix(0, l.lastUsedNano.Load())
}

// PendingItems returns the current submission queue length.
func (l *EventLoop) PendingItems() int {
	return l.queue.length()
}

// run is the loop goroutine body.
func (l *EventLoop) run() {
	// Lock to an OS thread: engines with thread-affine internals (V8
	// isolates, cgo runtimes) require a consistent execution thread.
	runtime.LockOSThread()
	l.loopGID.Store(currentGoroutineID())
	l.lastUsedNano.Store(l.clock().UnixNano())

	var fatal error
	defer func() {
		if r := recover(); r != nil {
			// A panic escaping the cycle body is a scheduler bug, not a
			// payload failure; it terminates the loop and faults the exit
			// future.
			fatal = newPanicError(r)
			l.logger.Error("Event loop terminated by internal panic", "error", fatal)
		}
		l.loopGID.Store(0)
		l.dispatcher.reset()
		for _, item := range l.queue.close() {
			if item.fail != nil {
				item.fail(ErrLoopClosed)
			}
		}
		if l.engine != nil {
			if err := l.engine.Close(); err != nil {
				l.logger.Error("Failed to close engine", "error", err)
			}
		}
		l.exit.Complete(struct{}{}, fatal)
	}()

	if l.engineFactory != nil {
		// Built here, on the locked thread, so thread-affine engine
		// internals are anchored to the goroutine that will use them.
		// A factory panic must reach Start as an error, not strand it
		// on the handshake.
		engine, err := captureValue(l.engineFactory)
		if err != nil {
			l.initCh <- fmt.Errorf("engine factory: %w", err)
			close(l.initCh)
			return
		}
		l.engine = engine
	}

	l.initCh <- nil
	close(l.initCh)

	l.cycle()
}

// cycle repeats the drain/flush/advance/sleep round until shutdown.
func (l *EventLoop) cycle() {
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		items := l.queue.drain()
		executed := len(items) > 0
		for _, item := range items {
			if item.requiresDrain {
				// A yield continuation must observe flushed microtasks and
				// advanced timers before it resumes.
				l.flushJobs()
				l.advanceTimers()
			}
			l.runItem(item)
		}

		// Flush again after the full pass so no newly queued host callback
		// ever observes stale microtasks, then capture the next deadline.
		l.flushJobs()
		next := l.advanceTimers()

		if executed || next == 0 {
			continue
		}

		select {
		case <-l.stopCh:
			return
		default:
		}
		l.queue.wait(next, l.stopCh)
	}
}

// runItem executes one work item. Payload panics are recovered inside the
// item's own closure; a panic here would be a scheduler bug and is allowed
// to escape to the fatal handler.
func (l *EventLoop) runItem(item *workItem) {
	item.run()
	l.itemCount.Add(1)
	l.lastUsedNano.Store(l.clock().UnixNano())
}

// flushJobs runs engine microtask batches until none are pending. Failures
// surface through the unhandled-error event; the loop keeps running.
func (l *EventLoop) flushJobs() {
	if l.engine == nil {
		return
	}
	for l.engine.PendingJobs() {
		n, err := l.engine.RunJobs(l.jobBatchSize)
		if err != nil {
			l.reportUnhandled(fmt.Errorf("jsloop: microtask flush: %w", err))
			return
		}
		if n == 0 {
			// Engine reports pending work it will not run; bail out rather
			// than spin.
			return
		}
	}
}

// advanceTimers processes due timers on every attached registry and returns
// the minimum next-due delay, or NoDeadline when no registry has one.
func (l *EventLoop) advanceTimers() time.Duration {
	next := NoDeadline
	l.registries.Range(func(key, _ interface{}) bool {
		delay := key.(*TimerRegistry).ProcessTimers()
		if delay >= 0 && (next < 0 || delay < next) {
			next = delay
		}
		return true
	})
	return next
}

// reportUnhandled delivers an error to the registered handlers, or logs it
// when none are registered.
func (l *EventLoop) reportUnhandled(err error) {
	l.unhandledMu.Lock()
	handlers := l.unhandled
	l.unhandledMu.Unlock()
	if len(handlers) == 0 {
		l.logger.Error("Unhandled event loop error", "error", err)
		return
	}
	for _, handler := range handlers {
		handler(err)
	}
}

// onLoop reports whether the calling goroutine is the loop goroutine.
func (l *EventLoop) onLoop() bool {
	gid := l.loopGID.Load()
	return gid != 0 && gid == currentGoroutineID()
}

// currentGoroutineID parses the goroutine id from the runtime stack header.
// A plain identity comparison is all the scheduler needs, so the cost is
// acceptable on the access-check paths.
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
