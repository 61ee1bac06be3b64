// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkgroup

import (
	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
)

// getChunk implements the group chunk manager's public contract: given a
// stream's request for chunkID, advance the window, allocate a missing
// chunk, and return a refcount-incremented pointer. requester identifies
// the calling member stream so that, under lossless eviction, every OTHER
// member can be told to flush without touching requester's own queue lock.
//
// getChunk acquires the group mutex for its whole duration except while
// waiting on the ready condition variable (which releases the mutex for the
// duration of the wait), while flushOthers posts flushes to the other
// members, and while drainReadyLocked runs Ready callbacks. It does not
// hold the mutex across any user callback except Allocate, which is called here by contract: Allocate must
// not suspend.
func (g *StreamGroup) getChunk(chunkID int64, requester *GroupMemberStream) *Chunk {
	g.mu.Lock()

	if g.stopped.Load() {
		g.mu.Unlock()

		return nil
	}

	if chunkID < g.window.headID {
		g.mu.Unlock()
		g.stats.HeapsTooOld.Add(1)
		g.cfg.Logger.Debug("dropping heap for chunk below window", zap.Int64("chunk_id", chunkID), zap.Int64("head_id", g.window.headID))

		return nil
	}

	var evicted []*Chunk
	if chunkID >= g.window.tailID {
		evicted = g.window.extendTo(chunkID)
	}

	c := g.window.lookup(chunkID)
	if c == nil {
		c = g.cfg.Allocate(chunkID, &g.stats)
		if c == nil {
			if len(evicted) > 0 {
				g.pending = append(g.pending, evicted...)
				g.admitEviction(chunkID, evicted, requester)
			}

			g.mu.Unlock()
			g.cfg.Logger.Debug("allocate returned no chunk, dropping heap", zap.Int64("chunk_id", chunkID))

			return nil
		}

		c.ChunkID = chunkID
		g.window.set(chunkID, c)
		g.stats.ChunksAllocated.Add(1)
	}

	c.retain()
	g.stats.HeapsAccepted.Add(1)

	if len(evicted) > 0 {
		g.pending = append(g.pending, evicted...)
		g.admitEviction(chunkID, evicted, requester)
	}

	g.mu.Unlock()

	return c
}

// admitEviction handles chunks displaced by a window advance, per the
// configured eviction policy. Called with g.mu held; chunkID is the id that
// triggered the advance, used as the lossless flush floor. evicted is the
// batch of chunks this call just appended to g.pending.
func (g *StreamGroup) admitEviction(chunkID int64, evicted []*Chunk, requester *GroupMemberStream) {
	switch g.cfg.EvictionMode {
	case EvictionLossy:
		g.stats.ChunksEvictedLossy.Add(uint64(len(evicted)))
		g.logEvicted("lossy", evicted)
		g.drainReadyLocked()
	case EvictionLossless:
		g.flushOthers(chunkID, requester)

		for _, ev := range evicted {
			for ev.RefCount() != 0 {
				g.cond.Wait()

				if g.stopped.Load() {
					return
				}
			}
		}

		g.stats.ChunksEvictedLossless.Add(uint64(len(evicted)))
		g.logEvicted("lossless", evicted)
		g.drainReadyLocked()
	}
}

func (g *StreamGroup) logEvicted(policy string, evicted []*Chunk) {
	g.cfg.Logger.Debug("chunks left the window",
		zap.String("policy", policy),
		zap.Int64s("chunk_ids", xslices.Map(evicted, func(c *Chunk) int64 { return c.ChunkID })),
	)
}

// flushOthers asks every member stream other than requester to
// asynchronously release refs on heaps below chunkID, so a lossless wait on
// those refs cannot deadlock. Called with g.mu held; it releases the mutex
// while posting to each member's executor and re-acquires it before
// returning, so a full executor queue blocks only the poster, not every
// other caller of getChunk/releaseChunk.
func (g *StreamGroup) flushOthers(chunkID int64, requester *GroupMemberStream) {
	others := make([]*GroupMemberStream, 0, len(g.members))

	for _, m := range g.members {
		if m != requester {
			others = append(others, m)
		}
	}

	g.mu.Unlock()

	for _, m := range others {
		m.AsyncFlushUntil(chunkID)
	}

	g.mu.Lock()
}

// drainReadyLocked delivers the longest deliverable prefix of g.pending (in
// ascending ChunkID order) to the Ready callback, looping until nothing more
// is deliverable. Only one goroutine ever runs the loop body at a time
// (guarded by g.delivering): a caller that finds delivery already underway
// just returns, trusting the active loop to pick up the chunk it freed on
// its next pass. This is what keeps Ready invocations both serialized and
// strictly ordered, since two overlapping unlocked Ready calls could
// otherwise race past each other. The mutex is released for the duration of
// each Ready call and re-acquired before the next loop check: user
// callbacks, other than Allocate, never run under the group mutex.
func (g *StreamGroup) drainReadyLocked() {
	if g.delivering {
		return
	}

	g.delivering = true
	defer func() { g.delivering = false }()

	for {
		var deliverable []*Chunk

		for len(g.pending) > 0 && g.pending[0].RefCount() == 0 {
			deliverable = append(deliverable, g.pending[0])
			g.pending = g.pending[1:]
		}

		if len(deliverable) == 0 {
			return
		}

		g.mu.Unlock()

		for _, c := range deliverable {
			g.deliver(c)
		}

		g.mu.Lock()
	}
}

// deliver invokes the Ready callback and the stats sink for a single chunk,
// maintaining the group's monotonic readyID counter.
func (g *StreamGroup) deliver(c *Chunk) {
	if c.ChunkID < g.readyID {
		g.cfg.Logger.Error("ready callback invoked out of order",
			zap.Int64("chunk_id", c.ChunkID), zap.Int64("ready_id", g.readyID))
	}

	g.readyID = c.ChunkID + 1

	g.cfg.Ready(c, &g.stats)

	if g.cfg.StatsSink != nil {
		g.cfg.StatsSink(g.stats.Snapshot())
	}
}

// releaseChunk implements the group chunk manager's release half: decrement
// the refcount, and if it reached zero, wake any waiter and, if the chunk
// has already left the window, deliver it via the ready path.
func (g *StreamGroup) releaseChunk(c *Chunk) {
	if !c.release() {
		return
	}

	g.mu.Lock()
	g.cond.Broadcast()

	if g.window.lookup(c.ChunkID) == nil {
		g.drainReadyLocked()
	}

	g.mu.Unlock()
}
