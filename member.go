// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkgroup

import "sync"

// PlaceFunc scatter-writes one heap's payload into a chunk. heapIndex and
// the byte layout it implies are computed by the per-stream reassembler,
// out of scope for this module; PlaceFunc is the only point at which this
// module's caller actually touches chunk bytes.
type PlaceFunc func(c *Chunk, heapIndex uint64, payload []byte)

// outstandingEntry tracks how many of this member's currently in-flight
// heaps are holding a reference to a given chunk. Many heaps commonly
// resolve to the same chunk id, so a plain map[id]*Chunk is not enough to
// know how many releases are still owed when flushing or stopping.
type outstandingEntry struct {
	chunk *Chunk
	count int
}

// GroupMemberStream is a thin adapter plugging one input stream's heap
// completion events into the group. It is constructed only by
// StreamGroup.AddStream and destroyed only by the group.
type GroupMemberStream struct {
	group    *StreamGroup
	executor Executor
	place    PlaceFunc

	// queueMu guards outstanding and stopped, standing in for the
	// per-stream reassembler's own heap-queue lock; real reassembly state
	// lives in the out-of-scope collaborator this type adapts.
	queueMu     sync.Mutex
	outstanding map[int64]*outstandingEntry
	stopped     bool
}

func newGroupMemberStream(g *StreamGroup, executor Executor, place PlaceFunc) *GroupMemberStream {
	return &GroupMemberStream{
		group:       g,
		executor:    executor,
		place:       place,
		outstanding: make(map[int64]*outstandingEntry),
	}
}

// CompleteHeap is called by the per-stream reassembler when a heap whose
// metadata assigns it to chunkID has finished reassembling. On a nil chunk
// return the heap is discarded; otherwise payload is scatter-written via
// PlaceFunc and exactly one release is issued. CompleteHeap may be called
// concurrently for distinct heaps, including heaps that resolve to the same
// chunkID.
func (s *GroupMemberStream) CompleteHeap(chunkID int64, heapIndex uint64, payload []byte) {
	s.queueMu.Lock()

	if s.stopped {
		s.queueMu.Unlock()

		return
	}

	s.queueMu.Unlock()

	c := s.group.getChunk(chunkID, s)
	if c == nil {
		return
	}

	if !s.track(chunkID, c) {
		// stop() raced ahead of us; we never took ownership, so we alone
		// are responsible for this reference.
		s.group.releaseChunk(c)

		return
	}

	s.place(c, heapIndex, payload)

	if s.untrack(chunkID) {
		s.group.releaseChunk(c)
	}
}

// track registers one more outstanding reference to c under chunkID. It
// returns false if the member has already stopped, in which case the
// caller retains sole ownership of the reference it holds.
func (s *GroupMemberStream) track(chunkID int64, c *Chunk) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if s.stopped {
		return false
	}

	e := s.outstanding[chunkID]
	if e == nil {
		e = &outstandingEntry{chunk: c}
		s.outstanding[chunkID] = e
	}

	e.count++

	return true
}

// untrack removes one outstanding reference for chunkID. It returns false
// if flushUntil or stop already claimed this reference out from under the
// caller, in which case they, not the caller, are responsible for
// releasing it.
func (s *GroupMemberStream) untrack(chunkID int64) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	e, ok := s.outstanding[chunkID]
	if !ok {
		return false
	}

	e.count--
	if e.count <= 0 {
		delete(s.outstanding, chunkID)
	}

	return true
}

// AsyncFlushUntil posts a task onto the member's I/O executor that, when
// run, releases every outstanding chunk reference this member holds whose
// id is below chunkID. The group calls this to unblock a lossless advance
// without touching this member's queue lock from the group's own thread.
func (s *GroupMemberStream) AsyncFlushUntil(chunkID int64) {
	s.executor.Post(func() {
		s.flushUntil(chunkID)
	})
}

func (s *GroupMemberStream) flushUntil(chunkID int64) {
	for _, c := range s.takeOutstandingBelow(chunkID) {
		s.group.releaseChunk(c)
	}
}

// takeOutstandingBelow removes and returns, expanded one entry per held
// reference, every outstanding chunk this member holds with id < chunkID.
func (s *GroupMemberStream) takeOutstandingBelow(chunkID int64) []*Chunk {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	var refs []*Chunk

	for id, e := range s.outstanding {
		if id < chunkID {
			for i := 0; i < e.count; i++ {
				refs = append(refs, e.chunk)
			}

			delete(s.outstanding, id)
		}
	}

	return refs
}

// stop drains this member's outstanding heaps (each producing a normal
// release), reports stream_stop_received to the group while holding this
// member's own queue lock — the single documented exception to never
// holding a member lock while acquiring the group mutex — and transitions
// to terminal. Called exactly once, by the group, from Stop.
func (s *GroupMemberStream) stop() {
	s.queueMu.Lock()

	if s.stopped {
		s.queueMu.Unlock()

		return
	}

	s.stopped = true

	var toRelease []*Chunk

	for id, e := range s.outstanding {
		for i := 0; i < e.count; i++ {
			toRelease = append(toRelease, e.chunk)
		}

		delete(s.outstanding, id)
	}

	s.group.streamStopReceived(s)

	s.queueMu.Unlock()

	for _, c := range toRelease {
		s.group.releaseChunk(c)
	}

	s.executor.Close()
}
