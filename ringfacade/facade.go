// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ringfacade

import (
	"sync"

	"go.uber.org/zap"

	"github.com/relaygrid/chunkgroup"
	"github.com/relaygrid/chunkgroup/chunkstats"
)

// Facade replaces a StreamGroup's allocate/ready callbacks with push/pop
// against a free ring and a data ring, diverting chunks that become ready
// after the data ring has stopped into a graveyard released by Stop. It
// implements chunkgroup.Hooks; pass it to chunkgroup.NewWithHooks.
type Facade struct {
	free *Ring[*chunkgroup.Chunk]
	data *Ring[*chunkgroup.Chunk]

	graveyard graveyard[*chunkgroup.Chunk]
	destroy   func(*chunkgroup.Chunk)

	logger *zap.Logger

	stopOnce sync.Once
}

// FacadeOption configures a Facade at construction.
type FacadeOption func(*Facade)

// WithDestroy installs a function run, on the calling goroutine, against
// every chunk recovered from the graveyard when Stop is called. The
// default is a no-op: by contract a chunk survives until this point, and
// what "destroy" means is a decision for the caller, not this package.
func WithDestroy(fn func(*chunkgroup.Chunk)) FacadeOption {
	return func(f *Facade) {
		f.destroy = fn
	}
}

// WithLogger sets the facade's logger, independent of the StreamGroup's own.
func WithLogger(logger *zap.Logger) FacadeOption {
	return func(f *Facade) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New constructs a Facade fronting the given free and data rings. free is
// typically built with NewFilledRing, pre-loaded with the pool of chunks
// the group is allowed to hand out; data is typically built with NewRing,
// empty, sized to the consumer's desired buffering.
func New(free, data *Ring[*chunkgroup.Chunk], opts ...FacadeOption) *Facade {
	f := &Facade{
		free:    free,
		data:    data,
		destroy: func(*chunkgroup.Chunk) {},
		logger:  zap.NewNop(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Allocate implements chunkgroup.AllocateFunc: a blocking pop from the free
// ring. If the free ring has stopped, it returns nil, the "no chunk"
// sentinel the group treats as a dropped heap.
func (f *Facade) Allocate(chunkID int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
	c, ok := f.free.Pop().Get()
	if !ok {
		return nil
	}

	c.ChunkID = chunkID

	return c
}

// Ready implements chunkgroup.ReadyFunc: a blocking push onto the data
// ring. If the data ring has stopped, the chunk is diverted into the
// graveyard instead of being dropped.
func (f *Facade) Ready(c *chunkgroup.Chunk, _ *chunkstats.BatchStats) {
	if f.data.Push(c) {
		return
	}

	f.logger.Debug("data ring stopped, diverting chunk to graveyard", zap.Int64("chunk_id", c.ChunkID))
	f.graveyard.add(c)
}

// StreamAdded implements chunkgroup.Hooks: registers one producer on the
// data ring.
func (f *Facade) StreamAdded(*chunkgroup.GroupMemberStream) {
	f.data.AddProducer()
}

// StreamStopReceived implements chunkgroup.Hooks: deregisters one producer
// from the data ring, stopping it once the last producer is gone so a
// consumer blocked on data.Pop learns the stream has ended rather than
// blocking forever.
func (f *Facade) StreamStopReceived(*chunkgroup.GroupMemberStream) {
	if f.data.RemoveProducer() == 0 {
		f.data.Stop()
	}
}

// StreamPreStop implements chunkgroup.Hooks: stops both rings, so that any
// consumer blocked on the data ring and any producer blocked on the free
// ring wake immediately rather than waiting for every member to drain.
// Called once per member but only acts on the first call.
func (f *Facade) StreamPreStop(*chunkgroup.GroupMemberStream) {
	f.stopRings()
}

func (f *Facade) stopRings() {
	f.stopOnce.Do(func() {
		f.free.Stop()
		f.data.Stop()
	})
}

// Stop stops both rings, delegates to group's own Stop, then releases the
// graveyard by running destroy against every chunk it holds — on this call's
// goroutine, so that a caller whose destroy function needs to run under a
// specific thread-affine lock can rely on that happening here.
func (f *Facade) Stop(group *chunkgroup.StreamGroup) {
	f.stopRings()
	group.Stop()

	for _, c := range f.graveyard.drain() {
		f.destroy(c)
	}
}

// DataRing exposes the data ring for consumers to Pop from.
func (f *Facade) DataRing() *Ring[*chunkgroup.Chunk] {
	return f.data
}

// FreeRing exposes the free ring for a seed producer, or for tests, to push
// Chunks onto.
func (f *Facade) FreeRing() *Ring[*chunkgroup.Chunk] {
	return f.free
}
