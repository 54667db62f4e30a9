// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package jsloop

import (
	"sync"
	"time"
)

// workQueue is the unbounded multi-producer single-consumer submission
// queue. Producers append under a mutex and nudge the capacity-1 wake
// channel; the loop goroutine drains the whole slice in one swap. A stale
// wake token is harmless - the loop simply finds the queue empty and sleeps
// again.
type workQueue struct {
	mu     sync.Mutex
	items  []*workItem
	wake   chan struct{}
	closed bool
}

func newWorkQueue() *workQueue {
	return &workQueue{
		wake: make(chan struct{}, 1),
	}
}

// push enqueues an item. It fails with ErrLoopClosed once the queue is
// closed so that no producer can submit work that will never run.
func (q *workQueue) push(item *workItem) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrLoopClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signal()
	return nil
}

// signal makes a pending or future wait return. Non-blocking.
func (q *workQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain removes and returns all queued items in submission order.
func (q *workQueue) drain() []*workItem {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// length returns the number of queued items.
func (q *workQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wait blocks until the queue is signaled, the timeout elapses, or stop is
// closed. A negative timeout means wait indefinitely; zero returns at once.
func (q *workQueue) wait(timeout time.Duration, stop <-chan struct{}) {
	if timeout == 0 {
		return
	}
	if timeout < 0 {
		select {
		case <-q.wake:
		case <-stop:
		}
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.wake:
	case <-timer.C:
	case <-stop:
	}
}

// close marks the queue closed and returns any leftover items so the loop
// can fail their completions.
func (q *workQueue) close() []*workItem {
	q.mu.Lock()
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}
