// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chunkgroup

import "errors"

// ErrClosed is returned by AddStream on a stream group once Stop has been
// called.
var ErrClosed = errors.New("chunkgroup: group stopped")

// ErrInvalidMaxChunks is returned when a configuration requests a window
// capacity smaller than one chunk.
var ErrInvalidMaxChunks = errors.New("chunkgroup: max chunks must be >= 1")

// ErrMissingAllocate is returned when a group is constructed without an
// Allocate callback.
var ErrMissingAllocate = errors.New("chunkgroup: allocate callback is required")

// ErrMissingReady is returned when a group is constructed without a Ready
// callback.
var ErrMissingReady = errors.New("chunkgroup: ready callback is required")

// ErrMissingPlace is returned when a member stream is added without a place
// function installed.
var ErrMissingPlace = errors.New("chunkgroup: place function is required")
