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

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veridian-os/core/pkg/kernelerr"
)

// Allocator is the top-level hybrid frame allocator: one or more NUMA
// nodes, each with a bitmap allocator for small runs and a buddy allocator
// for large ones, plus a node-independent reserved-region table. Reserved
// frames are marked used in the bitmap allocator; frames that fall inside
// a node's buddy region are not carved out of it (see node.markUsed), and
// Allocate does not check its results against the table. See spec.md
// section 4.1.
type Allocator struct {
	mu       sync.RWMutex
	nodes    []*node
	reserved []ReservedRegion

	stats struct {
		bitmapAllocs atomic.Uint64
		buddyAllocs  atomic.Uint64
		allocNanos   atomic.Uint64
	}

	log *logrus.Entry
}

// NodeSpec describes one NUMA node's frame range at construction time.
type NodeSpec struct {
	Start Number
	Count int
}

// New builds an Allocator over the given NUMA nodes, in order. Node 0 is
// used when a request has no NUMA hint.
func New(specs []NodeSpec, log *logrus.Entry) (*Allocator, error) {
	if len(specs) == 0 {
		return nil, kernelerr.New(subsystem, "New", kernelerr.CodeInvalidArgument)
	}
	if len(specs) > MaxNUMANodes {
		return nil, kernelerr.Wrap(subsystem, "New", kernelerr.CodeInvalidArgument,
			fmt.Errorf("%d nodes exceeds MaxNUMANodes=%d", len(specs), MaxNUMANodes))
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &Allocator{log: log.WithField("subsystem", subsystem)}
	for i, s := range specs {
		a.nodes = append(a.nodes, newNode(i, s.Start, s.Count))
	}
	a.log.WithField("nodes", len(specs)).Info("frame allocator initialized")
	return a, nil
}

// Allocate reserves count contiguous frames honoring hints, and returns a
// Guard that releases them on Close. A DMA zone hint never falls back to
// another zone (spec.md section 4.1, zone fallback rule); any other zone
// hint is best-effort and may be silently dropped if unsatisfiable.
func (a *Allocator) Allocate(count int, hints Hints) (*Guard, error) {
	if count <= 0 {
		return nil, invalidSize("Allocate", count)
	}

	start := time.Now()
	defer func() {
		a.stats.allocNanos.Add(uint64(time.Since(start).Nanoseconds()))
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	order := a.nodeOrder(hints.NUMANode)

	for _, idx := range order {
		n := a.nodes[idx]
		f, bitmap, buddy := n.allocate(count)
		if !bitmap && !buddy {
			continue
		}
		if hints.Zone != nil && !a.satisfiesZone(f, count, *hints.Zone) {
			n.free(f, count)
			if *hints.Zone == ZoneDMA {
				// DMA requests never fall back to a different zone or node.
				return nil, kernelerr.New(subsystem, "Allocate", kernelerr.CodeOutOfMemory)
			}
			continue
		}
		if bitmap {
			a.stats.bitmapAllocs.Add(1)
		} else {
			a.stats.buddyAllocs.Add(1)
		}
		return &Guard{a: a, start: f, count: count}, nil
	}
	if hints.Zone != nil && *hints.Zone != ZoneDMA {
		// No node satisfied a non-DMA zone hint: drop the hint and retry.
		for _, idx := range order {
			f, bitmap, buddy := a.nodes[idx].allocate(count)
			if bitmap {
				a.stats.bitmapAllocs.Add(1)
			} else if buddy {
				a.stats.buddyAllocs.Add(1)
			} else {
				continue
			}
			return &Guard{a: a, start: f, count: count}, nil
		}
	}
	return nil, kernelerr.New(subsystem, "Allocate", kernelerr.CodeOutOfMemory)
}

func (a *Allocator) satisfiesZone(start Number, count int, z Zone) bool {
	for i := 0; i < count; i++ {
		if !z.Contains(start + Number(i)) {
			return false
		}
	}
	return true
}

// nodeOrder returns node indices to try, starting with the hinted node if
// any, followed by the rest in ascending order.
func (a *Allocator) nodeOrder(hint *int) []int {
	order := make([]int, 0, len(a.nodes))
	if hint != nil && *hint >= 0 && *hint < len(a.nodes) {
		order = append(order, *hint)
	}
	for i := range a.nodes {
		if hint != nil && i == *hint {
			continue
		}
		order = append(order, i)
	}
	return order
}

// free releases count frames starting at start. It is unexported: callers
// release memory by closing the Guard Allocate returned.
func (a *Allocator) free(start Number, count int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.nodes {
		if n.contains(start) {
			if !n.free(start, count) {
				return kernelerr.New(subsystem, "free", kernelerr.CodeInvalidArgument)
			}
			return nil
		}
	}
	return kernelerr.New(subsystem, "free", kernelerr.CodeNotFound)
}

// AddReservedRegion records [start, end) and marks its frames used in the
// bitmap allocator, returning CodeAlreadyExists if it overlaps a prior
// region. Frames of the range that lie in a node's buddy region stay
// allocatable.
func (a *Allocator) AddReservedRegion(r ReservedRegion) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, existing := range a.reserved {
		if existing.overlaps(r) {
			return kernelerr.Wrap(subsystem, "AddReservedRegion", kernelerr.CodeAlreadyExists,
				fmt.Errorf("region %v overlaps existing %v", r, existing))
		}
	}
	for f := r.Start; f < r.End; f++ {
		for _, n := range a.nodes {
			if n.contains(f) {
				n.markUsed(f)
			}
		}
	}
	a.reserved = append(a.reserved, r)
	a.log.WithFields(logrus.Fields{
		"start": r.Start, "end": r.End, "description": r.Description,
	}).Debug("reserved frame region")
	return nil
}

// ReserveBootRegions carves out the standard set of early-boot reservations
// any architecture needs before general allocation begins: the first frame
// (commonly holding the real-mode IVT/BDA on x86), and the kernel image's
// own load range. This mirrors mark_standard_reserved_regions in the
// original allocator; callers add any architecture- or bootloader-specific
// regions (initrd, ACPI tables, framebuffer) with AddReservedRegion.
func (a *Allocator) ReserveBootRegions(kernelStart, kernelEnd Number) error {
	if err := a.AddReservedRegion(ReservedRegion{Start: 0, End: 1, Description: "null frame"}); err != nil {
		return err
	}
	if kernelEnd > kernelStart {
		return a.AddReservedRegion(ReservedRegion{
			Start: kernelStart, End: kernelEnd, Description: "kernel image",
		})
	}
	return nil
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var s Stats
	for _, n := range a.nodes {
		s.TotalFrames += uint64(n.total)
		s.FreeFrames += uint64(n.freeFrames())
	}
	s.BitmapAllocations = a.stats.bitmapAllocs.Load()
	s.BuddyAllocations = a.stats.buddyAllocs.Load()
	s.CumulativeAllocNanos = a.stats.allocNanos.Load()
	return s
}
