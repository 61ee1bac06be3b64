// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkgroup

import "sync/atomic"

// Chunk is a fixed-shape buffer aggregating the heaps whose heap counters
// fall in the range owned by ChunkID. Data is opaque to the group: it is
// produced by the user's Allocate callback and mutated only by member
// streams via their place function.
//
// The refcount is embedded rather than routed through a shared-ownership
// wrapper: a control-block allocation per chunk would dominate the hot path,
// and a chunk must be able to outlive the group (in the ring facade's
// graveyard), which rules out a scheme tied to the group's own lifetime.
type Chunk struct {
	// Data is the opaque buffer returned by the allocate callback.
	Data any

	// ChunkID is this chunk's position in the group's chunk-id space.
	ChunkID int64

	refCount atomic.Uint32
}

// NewChunk wraps data under the given chunk id with a zero refcount. The
// manager increments the refcount to one on the allocating get_chunk call.
func NewChunk(chunkID int64, data any) *Chunk {
	return &Chunk{ChunkID: chunkID, Data: data}
}

// RefCount returns the current reference count. Intended for tests and
// diagnostics; callers must not use it to make allocation decisions, as it
// is racy with concurrent retain/release.
func (c *Chunk) RefCount() uint32 {
	return c.refCount.Load()
}

// retain increments the refcount. Called once per successful get_chunk.
func (c *Chunk) retain() {
	c.refCount.Add(1)
}

// release decrements the refcount and reports whether it reached zero.
// Called once per release_chunk.
func (c *Chunk) release() bool {
	return c.refCount.Add(^uint32(0)) == 0
}
