// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkgroup_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/relaygrid/chunkgroup"
	"github.com/relaygrid/chunkgroup/chunkstats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// readySpy records every chunk id delivered to Ready, and fails the test if
// they ever arrive out of order.
type readySpy struct {
	t  *testing.T
	mu sync.Mutex

	ids  []int64
	last int64

	first bool
}

func newReadySpy(t *testing.T) *readySpy {
	t.Helper()

	return &readySpy{t: t, first: true}
}

func (r *readySpy) ready(c *chunkgroup.Chunk, _ *chunkstats.BatchStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.first {
		assert.Greaterf(r.t, c.ChunkID, r.last, "chunk delivered out of order: %d after %d", c.ChunkID, r.last)
	}

	r.first = false
	r.last = c.ChunkID
	r.ids = append(r.ids, c.ChunkID)
}

func (r *readySpy) delivered() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int64, len(r.ids))
	copy(out, r.ids)

	return out
}

func countingAllocate(n *int) chunkgroup.AllocateFunc {
	return func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
		*n++

		return chunkgroup.NewChunk(id, make([]byte, 0))
	}
}

// TestScenarioS1 covers one stream, max_chunks=2, heaps with chunk ids
// 0,1,2,0. Ready sequence: 0,1 (trailing 0 too old), then 2 at group stop.
func TestScenarioS1(t *testing.T) {
	t.Parallel()

	spy := newReadySpy(t)
	allocs := 0

	g, err := chunkgroup.New(
		chunkgroup.WithMaxChunks(2),
		chunkgroup.WithAllocate(countingAllocate(&allocs)),
		chunkgroup.WithReady(spy.ready),
	)
	require.NoError(t, err)

	executor := chunkgroup.NewGoroutineExecutor(4)
	s, err := g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
	require.NoError(t, err)

	for _, id := range []int64{0, 1, 2, 0} {
		s.CompleteHeap(id, 0, nil)
	}

	g.Stop()

	assert.Equal(t, []int64{0, 1, 2}, spy.delivered())
	assert.Equal(t, 3, allocs)
}

// TestScenarioS5 covers max_chunks=4, a single stream submitting ids
// 10..15 with immediate release. Ready sequence: 10..15.
func TestScenarioS5(t *testing.T) {
	t.Parallel()

	spy := newReadySpy(t)

	g, err := chunkgroup.New(
		chunkgroup.WithMaxChunks(4),
		chunkgroup.WithAllocate(func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
			return chunkgroup.NewChunk(id, nil)
		}),
		chunkgroup.WithReady(spy.ready),
	)
	require.NoError(t, err)

	executor := chunkgroup.NewGoroutineExecutor(4)
	s, err := g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
	require.NoError(t, err)

	for id := int64(10); id <= 15; id++ {
		s.CompleteHeap(id, 0, nil)
	}

	g.Stop()

	assert.Equal(t, []int64{10, 11, 12, 13, 14, 15}, spy.delivered())
}

// TestScenarioS6 covers add_stream followed immediately by stop with no
// packets: ready is never invoked, allocate is never invoked.
func TestScenarioS6(t *testing.T) {
	t.Parallel()

	readyCalled := false
	allocCalled := false

	g, err := chunkgroup.New(
		chunkgroup.WithAllocate(func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
			allocCalled = true

			return chunkgroup.NewChunk(id, nil)
		}),
		chunkgroup.WithReady(func(*chunkgroup.Chunk, *chunkstats.BatchStats) {
			readyCalled = true
		}),
	)
	require.NoError(t, err)

	executor := chunkgroup.NewGoroutineExecutor(4)
	_, err = g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
	require.NoError(t, err)

	g.Stop()

	assert.False(t, readyCalled)
	assert.False(t, allocCalled)
}

// TestStopIsIdempotent checks that calling Stop twice is a no-op after
// the first call.
func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	deliveries := 0

	g, err := chunkgroup.New(
		chunkgroup.WithAllocate(func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
			return chunkgroup.NewChunk(id, nil)
		}),
		chunkgroup.WithReady(func(*chunkgroup.Chunk, *chunkstats.BatchStats) {
			deliveries++
		}),
	)
	require.NoError(t, err)

	executor := chunkgroup.NewGoroutineExecutor(4)
	s, err := g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
	require.NoError(t, err)

	s.CompleteHeap(0, 0, nil)

	g.Stop()
	g.Stop()

	assert.Equal(t, 1, deliveries)
	assert.True(t, g.Stopped())
}

// TestAddStreamAfterStopFails checks that adding a member to a stopped group
// is rejected rather than silently leaking an executor that the group will
// never stop.
func TestAddStreamAfterStopFails(t *testing.T) {
	t.Parallel()

	g, err := chunkgroup.New(
		chunkgroup.WithAllocate(func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
			return chunkgroup.NewChunk(id, nil)
		}),
		chunkgroup.WithReady(func(*chunkgroup.Chunk, *chunkstats.BatchStats) {}),
	)
	require.NoError(t, err)

	g.Stop()

	executor := chunkgroup.NewGoroutineExecutor(1)
	defer executor.Close() // AddStream rejects it, so nothing else will ever close it

	_, err = g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
	assert.ErrorIs(t, err, chunkgroup.ErrClosed)
}

// TestRefcountConservation checks that, across many concurrent member
// streams hammering a small window, every chunk eventually delivered has
// exactly as many get_chunk calls as release_chunk calls.
func TestRefcountConservation(t *testing.T) {
	t.Parallel()

	const (
		numStreams    = 6
		heapsPerChunk = 5
		numChunks     = 40
	)

	spy := newReadySpy(t)

	g, err := chunkgroup.New(
		chunkgroup.WithMaxChunks(3),
		chunkgroup.WithEvictionMode(chunkgroup.EvictionLossless),
		chunkgroup.WithAllocate(func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
			return chunkgroup.NewChunk(id, nil)
		}),
		chunkgroup.WithReady(func(c *chunkgroup.Chunk, stats *chunkstats.BatchStats) {
			// every get_chunk on a delivered chunk has been matched by a
			// release_chunk, so no reference is left outstanding.
			assert.Zerof(t, c.RefCount(), "chunk %d delivered with outstanding refs", c.ChunkID)
			spy.ready(c, stats)
		}),
	)
	require.NoError(t, err)

	var (
		streams   []*chunkgroup.GroupMemberStream
		executors []chunkgroup.Executor
	)

	for i := 0; i < numStreams; i++ {
		executor := chunkgroup.NewGoroutineExecutor(16)
		executors = append(executors, executor)

		s, err := g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
		require.NoError(t, err)

		streams = append(streams, s)
	}

	var eg errgroup.Group

	for si, s := range streams {
		s := s
		si := si

		eg.Go(func() error {
			for c := 0; c < numChunks; c++ {
				for h := 0; h < heapsPerChunk; h++ {
					s.CompleteHeap(int64(c), uint64(si*1000+h), nil)
				}
			}

			return nil
		})
	}

	require.NoError(t, eg.Wait())

	g.Stop()

	delivered := spy.delivered()
	require.NotEmpty(t, delivered)

	for i := 1; i < len(delivered); i++ {
		require.Greater(t, delivered[i], delivered[i-1], "delivery order must be strictly ascending")
	}
}

func TestMultipleStreamsSharingAChunkID(t *testing.T) {
	t.Parallel()

	spy := newReadySpy(t)

	g, err := chunkgroup.New(
		chunkgroup.WithMaxChunks(2),
		chunkgroup.WithAllocate(func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
			return chunkgroup.NewChunk(id, nil)
		}),
		chunkgroup.WithReady(spy.ready),
	)
	require.NoError(t, err)

	var wg sync.WaitGroup

	streams := make([]*chunkgroup.GroupMemberStream, 4)

	for i := range streams {
		executor := chunkgroup.NewGoroutineExecutor(4)
		s, err := g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
		require.NoError(t, err)
		streams[i] = s
	}

	for i, s := range streams {
		wg.Add(1)

		go func(i int, s *chunkgroup.GroupMemberStream) {
			defer wg.Done()

			for h := 0; h < 10; h++ {
				s.CompleteHeap(0, uint64(i*10+h), nil)
			}
		}(i, s)
	}

	wg.Wait()
	g.Stop()

	assert.Equal(t, []int64{0}, spy.delivered())
}

func ExampleStreamGroup() {
	g, err := chunkgroup.New(
		chunkgroup.WithMaxChunks(2),
		chunkgroup.WithAllocate(func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
			return chunkgroup.NewChunk(id, nil)
		}),
		chunkgroup.WithReady(func(c *chunkgroup.Chunk, _ *chunkstats.BatchStats) {
			fmt.Println("ready:", c.ChunkID)
		}),
	)
	if err != nil {
		panic(err)
	}

	executor := chunkgroup.NewGoroutineExecutor(4)

	s, err := g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
	if err != nil {
		panic(err)
	}

	s.CompleteHeap(0, 0, nil)
	s.CompleteHeap(1, 0, nil)

	g.Stop()

	// Output:
	// ready: 0
	// ready: 1
}

// TestStressPacedProducers drives several member streams submitting heaps
// at a rate-limited pace, the way circular_test.go paces its writer against
// a streaming reader, and checks that the group's own running statistics
// stay internally consistent under that load: every submitted heap is
// counted exactly once, either as accepted or as too-old, and delivery stays
// strictly ascending per readySpy.
func TestStressPacedProducers(t *testing.T) {
	t.Parallel()

	const (
		numStreams = 4
		numChunks  = 200
	)

	spy := newReadySpy(t)

	g, err := chunkgroup.New(
		chunkgroup.WithMaxChunks(3),
		chunkgroup.WithEvictionMode(chunkgroup.EvictionLossy),
		chunkgroup.WithAllocate(func(id int64, _ *chunkstats.BatchStats) *chunkgroup.Chunk {
			return chunkgroup.NewChunk(id, nil)
		}),
		chunkgroup.WithReady(spy.ready),
	)
	require.NoError(t, err)

	var eg errgroup.Group

	for i := 0; i < numStreams; i++ {
		executor := chunkgroup.NewGoroutineExecutor(8)

		s, err := g.AddStream(executor, func(*chunkgroup.Chunk, uint64, []byte) {})
		require.NoError(t, err)

		eg.Go(func() error {
			limiter := rate.NewLimiter(rate.Limit(50_000), 500)
			ctx := context.Background()

			for c := 0; c < numChunks; c++ {
				heapSize := 10 + int(rand.Int32N(50))

				if err := limiter.WaitN(ctx, heapSize); err != nil {
					return err
				}

				s.CompleteHeap(int64(c), uint64(heapSize), nil) //nolint:gosec
			}

			return nil
		})
	}

	require.NoError(t, eg.Wait())

	g.Stop()

	stats := g.Stats()
	assert.Greater(t, stats.HeapsAccepted, uint64(0))
	assert.Equal(t, uint64(numStreams*numChunks), stats.HeapsAccepted+stats.HeapsTooOld)
	assert.GreaterOrEqual(t, stats.ChunksAllocated, uint64(1))

	delivered := spy.delivered()
	require.NotEmpty(t, delivered)

	for i := 1; i < len(delivered); i++ {
		require.Greater(t, delivered[i], delivered[i-1])
	}
}
