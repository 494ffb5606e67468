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

// Package frame implements the hybrid physical frame allocator: a bitmap
// allocator for small runs (< 512 frames) and a buddy allocator for large,
// power-of-two runs (>= 512 frames), both NUMA- and zone-aware. See
// SPEC_FULL.md and spec.md section 4.1.
package frame

import (
	"fmt"

	"github.com/veridian-os/core/pkg/kernelerr"
)

const subsystem = "frame"

// Size is the size in bytes of a single frame (4 KiB).
const Size = 4096

// bitmapBuddyThreshold is the frame count at or above which the buddy
// allocator is used instead of the bitmap allocator (2 MiB worth of
// frames at Size=4096).
const bitmapBuddyThreshold = 512

// MaxNUMANodes bounds the number of NUMA nodes the allocator can manage.
const MaxNUMANodes = 8

// Number identifies a physical frame by its index (byte address / Size).
type Number uint64

// Addr returns the byte address of the start of this frame.
func (n Number) Addr() Address { return Address(uint64(n) * Size) }

// Address is a byte-granularity physical address.
type Address uint64

// Frame returns the frame number containing this address.
func (a Address) Frame() Number { return Number(uint64(a) / Size) }

// Zone is a memory zone with a usage constraint, per spec.md's GLOSSARY.
type Zone int

const (
	// ZoneDMA covers the first 16 MiB, reachable by legacy DMA controllers.
	ZoneDMA Zone = iota
	// ZoneNormal covers general-purpose memory.
	ZoneNormal
	// ZoneHigh covers memory unaddressable without a temporary mapping on
	// 32-bit architectures; unused on 64-bit.
	ZoneHigh
)

func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "dma"
	case ZoneNormal:
		return "normal"
	case ZoneHigh:
		return "high"
	default:
		return "unknown"
	}
}

// dmaZoneFrames is the number of frames (at 4 KiB each) in the DMA zone:
// 16 MiB / 4 KiB = 4096 frames.
const dmaZoneFrames = 16 * 1024 * 1024 / Size

// Contains reports whether frame belongs to zone z.
func (z Zone) Contains(n Number) bool {
	switch z {
	case ZoneDMA:
		return n < dmaZoneFrames
	case ZoneNormal:
		return n >= dmaZoneFrames
	case ZoneHigh:
		// Not used on 64-bit targets; Generic arch never reports frames
		// in this zone.
		return false
	default:
		return false
	}
}

// ReservedRegion is a non-overlapping [Start, End) frame range that no
// allocation may intersect.
type ReservedRegion struct {
	Start       Number
	End         Number
	Description string
}

func (r ReservedRegion) overlaps(o ReservedRegion) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r ReservedRegion) contains(start, end Number) bool {
	return start < r.End && end > r.Start
}

// Stats reports the allocator's current counters, per spec.md section 4.1.
type Stats struct {
	TotalFrames          uint64
	FreeFrames           uint64
	BitmapAllocations    uint64
	BuddyAllocations     uint64
	CumulativeAllocNanos uint64
}

// Hints narrow an allocation request, per spec.md's allocate() operation.
type Hints struct {
	// NUMANode, if non-nil, is tried first; on failure other nodes are
	// tried in order.
	NUMANode *int
	// Zone, if non-nil, constrains the result. A DMA hint never falls
	// back to another zone; other zone hints may be dropped on failure.
	Zone *Zone
}

// invalidSize builds the InvalidArgument error returned for a zero or
// out-of-range frame count.
func invalidSize(op string, count int) error {
	return kernelerr.Wrap(subsystem, op, kernelerr.CodeInvalidArgument,
		fmt.Errorf("invalid frame count %d", count))
}
