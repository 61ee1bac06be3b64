// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkgroup

import "sync"

// Executor is the per-stream I/O executor that drives packet reception and
// heap assembly, out of scope for this module. A member stream posts
// AsyncFlushUntil work onto its own executor so that the group thread never
// has to acquire a member's queue lock directly.
//
// Executor implementations must run posted tasks in the order they were
// submitted, on a single logical thread of execution per stream, matching
// the single-threaded dispatch model assumed for each member.
type Executor interface {
	// Post enqueues fn to run asynchronously. Post must not block the
	// caller on fn's completion.
	Post(fn func())

	// Close stops accepting new work and waits for queued tasks to
	// finish running.
	Close()
}

// goroutineExecutor is a minimal Executor backed by a single worker
// goroutine draining a task channel: a buffered command channel, a
// WaitGroup tracking the worker, and a close that drains the channel before
// returning.
type goroutineExecutor struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// NewGoroutineExecutor starts an Executor backed by one worker goroutine
// with a queue of the given depth.
func NewGoroutineExecutor(queueDepth int) Executor {
	if queueDepth < 1 {
		queueDepth = 1
	}

	e := &goroutineExecutor{tasks: make(chan func(), queueDepth)}

	e.wg.Add(1)

	go e.run()

	return e
}

func (e *goroutineExecutor) run() {
	defer e.wg.Done()

	for fn := range e.tasks {
		fn()
	}
}

func (e *goroutineExecutor) Post(fn func()) {
	e.tasks <- fn
}

func (e *goroutineExecutor) Close() {
	close(e.tasks)
	e.wg.Wait()
}
