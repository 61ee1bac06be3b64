// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ringfacade

import "sync"

// graveyard is a single-producer-multiple-slot container of chunks that
// became ready after the data ring had already stopped. It has no
// ordering requirement; membership is only ever added by the ready path
// post-shutdown and only ever cleared wholesale by drain.
type graveyard[T any] struct {
	mu    sync.Mutex
	items []T
}

func (g *graveyard[T]) add(v T) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.items = append(g.items, v)
}

// drain empties the graveyard and returns everything it held.
func (g *graveyard[T]) drain() []T {
	g.mu.Lock()
	defer g.mu.Unlock()

	items := g.items
	g.items = nil

	return items
}
