// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chunkstats provides the batch-statistics counters passed through
// the group's allocate/ready callbacks as the opaque batch_stats parameter
// described by the chunk stream group specification. The group itself
// interprets none of these counters; it only increments them on the
// protocol events described below.
package chunkstats

import "sync/atomic"

// BatchStats accumulates counts of protocol-level events for one chunk
// stream group. All fields are safe for concurrent use.
type BatchStats struct {
	HeapsAccepted         atomic.Uint64
	HeapsTooOld           atomic.Uint64
	ChunksAllocated       atomic.Uint64
	ChunksEvictedLossy    atomic.Uint64
	ChunksEvictedLossless atomic.Uint64
}

// Snapshot is a point-in-time, non-atomic copy of BatchStats suitable for
// logging or export.
type Snapshot struct {
	HeapsAccepted         uint64
	HeapsTooOld           uint64
	ChunksAllocated       uint64
	ChunksEvictedLossy    uint64
	ChunksEvictedLossless uint64
}

// Snapshot takes a consistent-enough snapshot of the counters for reporting.
func (s *BatchStats) Snapshot() Snapshot {
	return Snapshot{
		HeapsAccepted:         s.HeapsAccepted.Load(),
		HeapsTooOld:           s.HeapsTooOld.Load(),
		ChunksAllocated:       s.ChunksAllocated.Load(),
		ChunksEvictedLossy:    s.ChunksEvictedLossy.Load(),
		ChunksEvictedLossless: s.ChunksEvictedLossless.Load(),
	}
}
