// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkgroup

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/relaygrid/chunkgroup/chunkstats"
)

// EvictionMode selects how the window behaves when it must advance past a
// chunk that still has outstanding references.
type EvictionMode int

const (
	// EvictionLossy removes an evicted chunk from the window immediately,
	// regardless of outstanding refcount; it is delivered once the last
	// reference drops. No blocking.
	EvictionLossy EvictionMode = iota

	// EvictionLossless blocks the advancing call until every evicted
	// chunk's refcount has reached zero via normal release, first asking
	// every other member stream to flush outstanding heaps below the new
	// window floor.
	EvictionLossless
)

// String implements fmt.Stringer.
func (m EvictionMode) String() string {
	switch m {
	case EvictionLossy:
		return "lossy"
	case EvictionLossless:
		return "lossless"
	default:
		return fmt.Sprintf("EvictionMode(%d)", int(m))
	}
}

// AllocateFunc produces a fresh chunk when the window needs a new slot for
// chunkID. It is called while the group mutex is held: AllocateFunc must not
// suspend, block on I/O, or call back into the group. Returning nil drops
// the triggering heap; this is not an error.
type AllocateFunc func(chunkID int64, stats *chunkstats.BatchStats) *Chunk

// ReadyFunc consumes a fully reconciled chunk, exactly once, in strictly
// ascending ChunkID order across the group.
type ReadyFunc func(c *Chunk, stats *chunkstats.BatchStats)

// Config defines settings for a StreamGroup.
type Config struct {
	Allocate AllocateFunc
	Ready    ReadyFunc

	// StatsSink, if set, is invoked once per delivered chunk with a
	// snapshot of the group's BatchStats.
	StatsSink func(chunkstats.Snapshot)

	Logger *zap.Logger

	MaxChunks    int
	EvictionMode EvictionMode
}

// defaultConfig returns default initial values.
func defaultConfig() Config {
	return Config{
		MaxChunks:    2,
		EvictionMode: EvictionLossy,
		Logger:       zap.NewNop(),
	}
}

func (c Config) validate() error {
	if c.MaxChunks < 1 {
		return ErrInvalidMaxChunks
	}

	if c.Allocate == nil {
		return ErrMissingAllocate
	}

	if c.Ready == nil {
		return ErrMissingReady
	}

	return nil
}

// Option allows setting Config fields at StreamGroup construction.
type Option func(*Config) error

// WithMaxChunks sets the window capacity; must be >= 1.
func WithMaxChunks(n int) Option {
	return func(cfg *Config) error {
		if n < 1 {
			return ErrInvalidMaxChunks
		}

		cfg.MaxChunks = n

		return nil
	}
}

// WithEvictionMode sets the eviction policy.
func WithEvictionMode(mode EvictionMode) Option {
	return func(cfg *Config) error {
		cfg.EvictionMode = mode

		return nil
	}
}

// WithAllocate sets the allocate callback.
func WithAllocate(fn AllocateFunc) Option {
	return func(cfg *Config) error {
		if fn == nil {
			return ErrMissingAllocate
		}

		cfg.Allocate = fn

		return nil
	}
}

// WithReady sets the ready callback.
func WithReady(fn ReadyFunc) Option {
	return func(cfg *Config) error {
		if fn == nil {
			return ErrMissingReady
		}

		cfg.Ready = fn

		return nil
	}
}

// WithStatsSink installs a callback invoked once per delivered chunk with a
// snapshot of the group's running statistics.
func WithStatsSink(fn func(chunkstats.Snapshot)) Option {
	return func(cfg *Config) error {
		cfg.StatsSink = fn

		return nil
	}
}

// WithLogger sets the logger for the group.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *Config) error {
		if logger == nil {
			logger = zap.NewNop()
		}

		cfg.Logger = logger

		return nil
	}
}
