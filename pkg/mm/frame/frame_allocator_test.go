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
	"testing"

	"github.com/sirupsen/logrus"
)

func testAllocator(t *testing.T, frames int) *Allocator {
	t.Helper()
	a, err := New([]NodeSpec{{Start: 0, Count: frames}}, logrus.NewEntry(logrus.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	a := testAllocator(t, 4096)

	g, err := a.Allocate(4, Hints{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if g.Count() != 4 {
		t.Fatalf("Count() = %d, want 4", g.Count())
	}

	before := a.Stats().FreeFrames
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	after := a.Stats().FreeFrames
	if after != before+4 {
		t.Fatalf("FreeFrames after close = %d, want %d", after, before+4)
	}

	// Closing twice must not double-free or error.
	if err := g.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAllocateUsesBitmapBelowThreshold(t *testing.T) {
	a := testAllocator(t, 4096)

	g, err := a.Allocate(8, Hints{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer g.Close()

	stats := a.Stats()
	if stats.BitmapAllocations != 1 || stats.BuddyAllocations != 0 {
		t.Fatalf("stats = %+v, want 1 bitmap / 0 buddy", stats)
	}
}

func TestAllocateUsesBuddyAtThreshold(t *testing.T) {
	a := testAllocator(t, maxBitmapFrames+8192)

	g, err := a.Allocate(bitmapBuddyThreshold, Hints{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer g.Close()

	stats := a.Stats()
	if stats.BuddyAllocations != 1 {
		t.Fatalf("stats = %+v, want 1 buddy allocation", stats)
	}
}

func TestBuddySplitAndMerge(t *testing.T) {
	b := newBuddyAllocator(0, 4) // 16-frame region

	f1, ok := b.allocate(4)
	if !ok {
		t.Fatal("allocate(4) failed")
	}
	f2, ok := b.allocate(4)
	if !ok {
		t.Fatal("allocate(4) failed")
	}
	if f1 == f2 {
		t.Fatalf("two allocations returned the same frame %d", f1)
	}
	if b.freeCount() != 8 {
		t.Fatalf("freeCount = %d, want 8", b.freeCount())
	}

	if !b.freeBlock(f1, 2) {
		t.Fatal("freeBlock(f1) failed")
	}
	if !b.freeBlock(f2, 2) {
		t.Fatal("freeBlock(f2) failed")
	}
	if b.freeCount() != 16 {
		t.Fatalf("freeCount after merge = %d, want 16 (full merge back to order 4)", b.freeCount())
	}

	// The whole region should be available as one order-4 block again.
	if _, ok := b.allocate(16); !ok {
		t.Fatal("allocate(16) failed after merge, buddies did not coalesce")
	}
}

func TestBuddyDoubleFreeRejected(t *testing.T) {
	b := newBuddyAllocator(0, 4)
	f, ok := b.allocate(1)
	if !ok {
		t.Fatal("allocate(1) failed")
	}
	if !b.freeBlock(f, 0) {
		t.Fatal("freeBlock failed")
	}
	if b.freeBlock(f, 0) {
		t.Fatal("double free was not rejected")
	}
}

func TestBitmapDoubleFreeRejected(t *testing.T) {
	b := newBitmapAllocator(0, 64)
	f, ok := b.allocate(2)
	if !ok {
		t.Fatal("allocate(2) failed")
	}
	if !b.freeRun(f, 2) {
		t.Fatal("freeRun failed")
	}
	if b.freeRun(f, 2) {
		t.Fatal("double free was not rejected")
	}
}

func TestBitmapBuddyBoundaryAtCount(t *testing.T) {
	if orderFor(bitmapBuddyThreshold) == 0 {
		t.Fatal("sanity: orderFor(512) must be > 0")
	}
	a := testAllocator(t, maxBitmapFrames+8192)

	// One below the threshold must come from the bitmap allocator.
	g1, err := a.Allocate(bitmapBuddyThreshold-1, Hints{})
	if err != nil {
		t.Fatalf("Allocate(threshold-1): %v", err)
	}
	defer g1.Close()
	if a.Stats().BitmapAllocations != 1 {
		t.Fatalf("expected bitmap allocation for count=%d", bitmapBuddyThreshold-1)
	}

	// At the threshold, runs are handed to the buddy allocator.
	g2, err := a.Allocate(bitmapBuddyThreshold, Hints{})
	if err != nil {
		t.Fatalf("Allocate(threshold): %v", err)
	}
	defer g2.Close()
}

func TestDMAHintNeverFallsBack(t *testing.T) {
	a := testAllocator(t, 2) // far smaller than the DMA zone, nothing else to fall back to
	zone := ZoneDMA

	g, err := a.Allocate(1, Hints{Zone: &zone})
	if err != nil {
		t.Fatalf("Allocate within DMA zone: %v", err)
	}
	defer g.Close()

	// Ask for more frames than the 2-frame node holds, then confirm the
	// DMA request fails outright instead of being served from elsewhere.
	_, err = a.Allocate(4096, Hints{Zone: &zone})
	if err == nil {
		t.Fatal("expected DMA allocation beyond node capacity to fail without fallback")
	}
}

func TestReservedRegionOverlapRejected(t *testing.T) {
	a := testAllocator(t, 4096)

	if err := a.AddReservedRegion(ReservedRegion{Start: 10, End: 20, Description: "a"}); err != nil {
		t.Fatalf("first AddReservedRegion: %v", err)
	}
	if err := a.AddReservedRegion(ReservedRegion{Start: 15, End: 25, Description: "b"}); err == nil {
		t.Fatal("expected overlapping reserved region to be rejected")
	}
}

func TestReserveBootRegionsExcludesKernelImage(t *testing.T) {
	a := testAllocator(t, 4096)

	if err := a.ReserveBootRegions(100, 200); err != nil {
		t.Fatalf("ReserveBootRegions: %v", err)
	}

	before := a.Stats().FreeFrames
	// Frame 0 (null frame) and [100,200) are reserved; allocating
	// everything else should never hand back a reserved frame.
	var guards []*Guard
	for {
		g, err := a.Allocate(1, Hints{})
		if err != nil {
			break
		}
		if g.Start() == 0 || (g.Start() >= 100 && g.Start() < 200) {
			t.Fatalf("allocated reserved frame %d", g.Start())
		}
		guards = append(guards, g)
	}
	Guards(guards).Close()
	if after := a.Stats().FreeFrames; after != before {
		t.Fatalf("FreeFrames after draining and releasing = %d, want %d", after, before)
	}
}
