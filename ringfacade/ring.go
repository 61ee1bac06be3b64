// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ringfacade layers a ring-buffer facade over a chunkgroup.StreamGroup:
// allocate/ready become blocking pop/push against a free ring and a data
// ring, and chunks that become ready after the rings themselves have
// stopped are diverted into a graveyard released on the thread that calls
// Stop.
package ringfacade

import (
	"sync"
	"sync/atomic"

	"github.com/siderolabs/gen/optional"
)

// Ring is a bounded, thread-safe queue of T, shareable across groups. Push
// blocks while full; Pop blocks while empty. Stop wakes every blocked
// caller: a blocked Push returns false, a blocked Pop returns an empty
// Option.
type Ring[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []T
	capacity int

	producers atomic.Int32
	stopped   atomic.Bool
}

// NewRing constructs an empty ring of the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	r := &Ring[T]{capacity: capacity}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)

	return r
}

// NewFilledRing constructs a ring pre-loaded with items, its capacity fixed
// at len(items). This is the shape a free ring takes: a fixed pool of
// pre-allocated chunks handed out by Pop and returned by Push.
func NewFilledRing[T any](items []T) *Ring[T] {
	r := NewRing[T](len(items))
	r.items = append(r.items, items...)

	return r
}

// Push blocks while the ring is full, then enqueues v. It returns false
// without enqueueing if the ring was stopped either before or while
// blocked.
func (r *Ring[T]) Push(v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.items) >= r.capacity && !r.stopped.Load() {
		r.notFull.Wait()
	}

	if r.stopped.Load() {
		return false
	}

	r.items = append(r.items, v)
	r.notEmpty.Signal()

	return true
}

// Pop blocks while the ring is empty, then dequeues the oldest item. It
// returns an empty Option if the ring was stopped and drained.
func (r *Ring[T]) Pop() optional.Optional[T] {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.items) == 0 && !r.stopped.Load() {
		r.notEmpty.Wait()
	}

	if len(r.items) == 0 {
		return optional.None[T]()
	}

	v := r.items[0]
	r.items = r.items[1:]
	r.notFull.Signal()

	return optional.Some(v)
}

// Stop wakes every blocked Push/Pop. Idempotent.
func (r *Ring[T]) Stop() {
	if r.stopped.Swap(true) {
		return
	}

	r.mu.Lock()
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
	r.mu.Unlock()
}

// Stopped reports whether Stop has been called.
func (r *Ring[T]) Stopped() bool {
	return r.stopped.Load()
}

// AddProducer registers one more producer expected to Push onto this ring.
func (r *Ring[T]) AddProducer() {
	r.producers.Add(1)
}

// RemoveProducer deregisters one producer and returns the number remaining.
func (r *Ring[T]) RemoveProducer() int32 {
	return r.producers.Add(-1)
}

// Len reports the number of items currently queued.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.items)
}
