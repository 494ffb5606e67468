// Copyright 2024 The VeridianOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package frame

import "sync/atomic"

// Guard owns a contiguous run of frames and releases them back to the
// allocator exactly once, on Close. This is the Go rendering of the
// original allocator's RAII FrameGuard. It embeds atomic.Bool, so it is
// always handled as *Guard — a nil *Guard behaves like an already-closed,
// ownerless guard and is always safe to Close again.
type Guard struct {
	a      *Allocator
	start  Number
	count  int
	closed atomic.Bool
}

// Start returns the first frame this guard owns.
func (g *Guard) Start() Number { return g.start }

// Count returns the number of frames this guard owns.
func (g *Guard) Count() int { return g.count }

// Valid reports whether this guard still owns frames.
func (g *Guard) Valid() bool { return g != nil && g.a != nil && !g.closed.Load() }

// Close releases the guarded frames back to the allocator. It is safe to
// call more than once (or on a nil *Guard); only the first call on a
// non-nil, non-leaked Guard has effect.
func (g *Guard) Close() error {
	if g == nil || g.a == nil {
		return nil
	}
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	return g.a.free(g.start, g.count)
}

// Leak detaches the frames from this guard without freeing them, for
// callers that hand the range off to a caller-managed lifetime (e.g.
// installing it into a page table).
func (g *Guard) Leak() {
	g.closed.Store(true)
}

// Guards is a collection of *Guard released together, used when an
// operation allocates several discontiguous runs (e.g. one per NUMA node)
// that must be torn down as a unit on any later failure. Guard embeds
// atomic.Bool, so Guards holds pointers rather than values to avoid
// copying it.
type Guards []*Guard

// Close releases every guard in the set, continuing past the first error
// and returning the last one seen.
func (gs Guards) Close() error {
	var lastErr error
	for _, g := range gs {
		if err := g.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
