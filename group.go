// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Group runs several event loops, one isolated engine each, so a host can
// spread independent script workloads over multiple runtimes. Loop selection
// is lock-free round-robin with a pending-load threshold; loops that exceed
// an execution budget are retired and replaced with a fresh engine.
type Group struct {
	factory EngineFactory
	logger  *slog.Logger

	size          uint32
	maxExecutions uint64 // retire a loop after this many items; 0 disables
	pendingLimit  int    // skip loops with more queued items than this
	checkInterval time.Duration

	loops           sync.Map     // uint32 -> *EventLoop
	loopIDs         atomic.Value // *[]uint32, copy-on-write round-robin list
	loopCount       atomic.Uint32
	roundRobinIndex atomic.Uint32
	loopIDCounter   atomic.Uint32
	stopSupervise   chan struct{}
	stopOnce        sync.Once
	started         atomic.Bool
}

// GroupOption configures a Group.
type GroupOption func(*Group)

// WithGroupSize sets how many loops the group runs.
func WithGroupSize(size uint32) GroupOption {
	return func(g *Group) {
		if size > 0 {
			g.size = size
		}
	}
}

// WithGroupLogger configures the logger for the group and its loops.
func WithGroupLogger(logger *slog.Logger) GroupOption {
	return func(g *Group) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGroupMaxExecutions retires a loop (and its engine) after it has
// executed the given number of work items. Zero disables retirement.
func WithGroupMaxExecutions(max uint64) GroupOption {
	return func(g *Group) {
		g.maxExecutions = max
	}
}

// WithGroupPendingLimit sets the queued-item count above which a loop is
// skipped during selection.
func WithGroupPendingLimit(limit int) GroupOption {
	return func(g *Group) {
		if limit > 0 {
			g.pendingLimit = limit
		}
	}
}

// WithGroupCheckInterval sets how often the supervisor scans for loops to
// retire.
func WithGroupCheckInterval(interval time.Duration) GroupOption {
	return func(g *Group) {
		if interval > 0 {
			g.checkInterval = interval
		}
	}
}

// NewGroup creates a group whose loops each own an engine built by factory.
// A nil factory is allowed; the loops then run without microtask flushing.
func NewGroup(factory EngineFactory, opts ...GroupOption) *Group {
	g := &Group{
		factory:       factory,
		logger:        slog.Default(),
		size:          1,
		pendingLimit:  64,
		checkInterval: 30 * time.Second,
		stopSupervise: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	emptyIDs := make([]uint32, 0)
	g.loopIDs.Store(&emptyIDs)
	return g
}

// Start spins up the configured number of loops.
func (g *Group) Start() error {
	if !g.started.CompareAndSwap(false, true) {
		return fmt.Errorf("jsloop: group already started")
	}
	for i := uint32(0); i < g.size; i++ {
		if _, err := g.createLoop(); err != nil {
			return fmt.Errorf("jsloop: failed to create loop %d: %w", i, err)
		}
	}
	if g.maxExecutions > 0 {
		go g.supervise()
	}
	g.logger.Debug("Loop group started",
		"size", g.size,
		"maxExecutions", g.maxExecutions,
		"pendingLimit", g.pendingLimit)
	return nil
}

// Stop shuts every loop down and waits for them to exit, aggregating any
// exit failures.
func (g *Group) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() { close(g.stopSupervise) })

	var errs []error
	g.loops.Range(func(key, value interface{}) bool {
		loop := value.(*EventLoop)
		loop.StopAsync()
		if err := loop.WaitForExit(ctx); err != nil {
			errs = append(errs, err)
		}
		return true
	})

	g.loops = sync.Map{}
	emptyIDs := make([]uint32, 0)
	g.loopIDs.Store(&emptyIDs)
	g.loopCount.Store(0)

	g.logger.Debug("Loop group stopped")
	return errors.Join(errs...)
}

// Size returns the current number of live loops (thread-safe).
func (g *Group) Size() uint32 {
	return g.loopCount.Load()
}

// Dispatcher selects a loop and returns its dispatcher.
func (g *Group) Dispatcher() (*Dispatcher, error) {
	loop := g.selectLoop()
	if loop == nil {
		return nil, ErrNotStarted
	}
	return loop.Dispatcher(), nil
}

// Invoke runs the action on a group-selected loop and blocks for the
// result.
func (g *Group) Invoke(ctx context.Context, action func() error) error {
	d, err := g.Dispatcher()
	if err != nil {
		return err
	}
	return d.Invoke(ctx, action)
}

// createLoop starts a loop that builds its own engine and publishes it for
// selection. The factory is handed to the loop rather than called here:
// engines must be constructed on the goroutine that will run them.
func (g *Group) createLoop() (*EventLoop, error) {
	opts := []Option{WithLogger(g.logger)}
	if g.factory != nil {
		opts = append(opts, WithEngineFactory(g.factory))
	}
	loop := NewEventLoop(opts...)
	if err := loop.Start(); err != nil {
		return nil, err
	}

	id := g.loopIDCounter.Add(1)
	g.loops.Store(id, loop)
	g.addLoopToList(id)
	g.loopCount.Add(1)
	return loop, nil
}

// addLoopToList adds a loop id to the round-robin list using copy-on-write.
func (g *Group) addLoopToList(id uint32) {
	for {
		oldPtr := g.loopIDs.Load().(*[]uint32)
		oldIDs := *oldPtr
		newIDs := make([]uint32, len(oldIDs)+1)
		copy(newIDs, oldIDs)
		newIDs[len(oldIDs)] = id
		if g.loopIDs.CompareAndSwap(oldPtr, &newIDs) {
			return
		}
	}
}

// removeLoopFromList removes a loop id from the round-robin list using
// copy-on-write.
func (g *Group) removeLoopFromList(id uint32) {
	for {
		oldPtr := g.loopIDs.Load().(*[]uint32)
		oldIDs := *oldPtr
		newIDs := make([]uint32, 0, len(oldIDs))
		for _, existing := range oldIDs {
			if existing != id {
				newIDs = append(newIDs, existing)
			}
		}
		if g.loopIDs.CompareAndSwap(oldPtr, &newIDs) {
			return
		}
	}
}

// selectLoop picks the next loop in round-robin order, skipping loops whose
// submission queue is over the pending limit; when all are busy the
// round-robin choice wins anyway.
func (g *Group) selectLoop() *EventLoop {
	ids := *g.loopIDs.Load().(*[]uint32)
	n := len(ids)
	if n == 0 {
		return nil
	}
	start := g.roundRobinIndex.Add(1) % uint32(n)
	for i := 0; i < n; i++ {
		id := ids[(start+uint32(i))%uint32(n)]
		if value, ok := g.loops.Load(id); ok {
			loop := value.(*EventLoop)
			if loop.PendingItems() < g.pendingLimit {
				return loop
			}
		}
	}
	if value, ok := g.loops.Load(ids[start]); ok {
		return value.(*EventLoop)
	}
	return nil
}

// supervise periodically retires loops that exceeded the execution budget
// and replaces them with fresh engines.
func (g *Group) supervise() {
	ticker := time.NewTicker(g.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.retireExhausted()
		case <-g.stopSupervise:
			return
		}
	}
}

// retireExhausted swaps out every loop past the execution budget. The
// replacement is published before the old loop is stopped so selection
// never goes empty.
func (g *Group) retireExhausted() {
	type retiree struct {
		id   uint32
		loop *EventLoop
	}
	var toRetire []retiree
	g.loops.Range(func(key, value interface{}) bool {
		id := key.(uint32)
		loop := value.(*EventLoop)
		if loop.ItemCount() >= g.maxExecutions {
			toRetire = append(toRetire, retiree{id: id, loop: loop})
		}
		return true
	})

	for _, r := range toRetire {
		if _, err := g.createLoop(); err != nil {
			g.logger.Error("Failed to create replacement loop", "error", err)
			return
		}
		if _, loaded := g.loops.LoadAndDelete(r.id); loaded {
			g.removeLoopFromList(r.id)
			g.loopCount.Add(^uint32(0)) // -1
		}
		executed := r.loop.ItemCount()
		go func(loop *EventLoop) {
			loop.StopAsync()
			if err := loop.WaitForExit(context.Background()); err != nil {
				g.logger.Error("Retired loop exited with error", "error", err)
			}
			g.logger.Debug("Loop retired",
				"reason", "max executions reached",
				"executions", executed)
		}(r.loop)
	}
}
