// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chunkgroup implements the concurrent window manager for a
// multi-stream chunked packet receiver: several independent input streams,
// each assigning heaps to chunk ids, share a common chunk-address space
// managed by a StreamGroup.
package chunkgroup

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/relaygrid/chunkgroup/chunkstats"
)

// Hooks is a capability interface installed into a StreamGroup at
// construction, giving an implementor three extension points over the
// group's lifecycle. This replaces the inheritance-based subclass hooks of
// the original design with explicit composition; ringfacade.Facade (see the
// ringfacade package) is the canonical implementor.
type Hooks interface {
	// StreamAdded is called once, under the group mutex, right after a
	// new member stream is appended to the group.
	StreamAdded(s *GroupMemberStream)

	// StreamStopReceived is called exactly once per member, while that
	// member's own queue lock is held, when the member reports that its
	// input has ended.
	StreamStopReceived(s *GroupMemberStream)

	// StreamPreStop is called for every member, outside any per-member
	// lock, before the group calls that member's own Stop.
	StreamPreStop(s *GroupMemberStream)
}

// NopHooks is a Hooks implementation that does nothing, used when a group
// needs no extension behavior (the identity facade).
type NopHooks struct{}

func (NopHooks) StreamAdded(*GroupMemberStream)        {}
func (NopHooks) StreamStopReceived(*GroupMemberStream) {}
func (NopHooks) StreamPreStop(*GroupMemberStream)      {}

// StreamGroup is the aggregate root described by this module's
// specification: it owns the chunk window, the member stream list, and the
// group mutex and condition variable coordinating reference counting and
// eviction across them.
type StreamGroup struct {
	cfg Config

	mu   sync.Mutex
	cond *sync.Cond

	window     *chunkWindow
	pending    []*Chunk
	readyID    int64
	delivering bool

	members     []*GroupMemberStream
	liveStreams int

	hooks Hooks
	stats chunkstats.BatchStats

	stopped atomic.Bool
}

// New constructs a StreamGroup from the given options, applying defaults
// for anything not set. It fails if the resulting configuration is
// invalid: a non-positive MaxChunks, or a missing Allocate/Ready callback.
func New(opts ...Option) (*StreamGroup, error) {
	return NewWithHooks(NopHooks{}, opts...)
}

// NewWithHooks constructs a StreamGroup with a caller-supplied Hooks
// implementation, the extension point ringfacade.Facade uses to layer ring
// semantics over the base group.
func NewWithHooks(hooks Hooks, opts ...Option) (*StreamGroup, error) {
	cfg := defaultConfig()

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if hooks == nil {
		hooks = NopHooks{}
	}

	g := &StreamGroup{
		cfg:    cfg,
		window: newChunkWindow(cfg.MaxChunks),
		hooks:  hooks,
	}
	g.cond = sync.NewCond(&g.mu)

	return g, nil
}

// Size returns the number of member streams currently owned by the group.
// Safe without the mutex provided the caller does not mutate membership
// (via AddStream) concurrently.
func (g *StreamGroup) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.members)
}

// At returns the i'th member stream. Panics if i is out of range.
func (g *StreamGroup) At(i int) *GroupMemberStream {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.members[i]
}

// Streams returns a snapshot slice of the group's current member streams.
func (g *StreamGroup) Streams() []*GroupMemberStream {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*GroupMemberStream, len(g.members))
	copy(out, g.members)

	return out
}

// Stopped reports whether Stop has been called; it turns true as soon as
// the first Stop call begins, before that call has drained the window.
func (g *StreamGroup) Stopped() bool {
	return g.stopped.Load()
}

// Stats returns the group's running batch statistics snapshot.
func (g *StreamGroup) Stats() chunkstats.Snapshot {
	return g.stats.Snapshot()
}

// AddStream constructs a new member stream under the group mutex, appends
// it to the member list, increments the live-stream count, and invokes the
// StreamAdded hook. place must be non-nil: it is the per-heap scatter-write
// function the member stream uses to copy payload bytes into a chunk.
//
// Streams may be added only before any member starts receiving, or between
// quiescent periods; concurrent AddStream and packet reception on other
// members is undefined.
func (g *StreamGroup) AddStream(executor Executor, place PlaceFunc) (*GroupMemberStream, error) {
	if place == nil {
		return nil, ErrMissingPlace
	}

	if g.stopped.Load() {
		return nil, ErrClosed
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	s := newGroupMemberStream(g, executor, place)
	g.members = append(g.members, s)
	g.liveStreams++

	g.hooks.StreamAdded(s)

	return s, nil
}

// streamStopReceived is invoked by a member, while that member's own queue
// lock is held, exactly once, when its input source has ended. This is the
// single documented exception to the rule that a member's queue lock is
// never held while acquiring the group mutex.
func (g *StreamGroup) streamStopReceived(s *GroupMemberStream) {
	g.mu.Lock()
	g.liveStreams--
	remaining := g.liveStreams
	g.mu.Unlock()

	g.hooks.StreamStopReceived(s)

	if remaining == 0 {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	}
}

// Stop is terminal: it asks every member to stop, waits for all of them to
// report stopped, then drains the window, delivering any remaining chunks
// to the Ready callback in ascending order regardless of refcount. Calling
// Stop a second time is a no-op.
func (g *StreamGroup) Stop() {
	if g.stopped.Swap(true) {
		return
	}

	g.mu.Lock()
	members := make([]*GroupMemberStream, len(g.members))
	copy(members, g.members)
	g.mu.Unlock()

	for _, m := range members {
		g.hooks.StreamPreStop(m)
	}

	for _, m := range members {
		m.stop()
	}

	g.mu.Lock()
	g.cond.Broadcast()
	g.mu.Unlock()

	g.drainWindowOnStop()
}

// drainWindowOnStop flushes every remaining chunk out of the window and
// delivers it in ascending id order, regardless of refcount: by the time
// Stop reaches this point every member has stopped and released its
// outstanding refs, so remaining refcounts are expected to be zero, but the
// drain does not block waiting for that to become true.
func (g *StreamGroup) drainWindowOnStop() {
	g.mu.Lock()
	remaining := g.window.flushUntil(g.window.tailID)
	g.pending = append(g.pending, remaining...)
	toDeliver := g.pending
	g.pending = nil
	g.mu.Unlock()

	for _, c := range toDeliver {
		g.deliverFinal(c)
	}
}

// deliverFinal delivers a chunk at shutdown without re-acquiring the group
// mutex. By this point getChunk hands out no new references (it checks
// g.stopped) and every member has stopped and released the references it
// tracked; releaseChunk itself does not check g.stopped.
func (g *StreamGroup) deliverFinal(c *Chunk) {
	g.cfg.Logger.Debug("delivering chunk on shutdown", zap.Int64("chunk_id", c.ChunkID), zap.Uint32("ref_count", c.RefCount()))

	g.readyID = c.ChunkID + 1
	g.cfg.Ready(c, &g.stats)

	if g.cfg.StatsSink != nil {
		g.cfg.StatsSink(g.stats.Snapshot())
	}
}
