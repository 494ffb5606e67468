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

// maxBitmapFrames bounds how much of a node's memory the dense bitmap
// covers; the remainder is handed to the buddy allocator. 128K frames is
// 512 MiB at Size=4096, past which the O(n) bitmap scan becomes expensive
// relative to the buddy allocator's O(log n) split/merge.
const maxBitmapFrames = 128 * 1024

// node is one NUMA node's frame pool: a bitmap allocator covering the
// node's low frames for small runs, and a buddy allocator covering the
// remainder (rounded down to a power of two) for large, zone-spanning
// runs. Any frames past the buddy region's power-of-two boundary are
// tracked as permanently reserved rather than silently dropped.
type node struct {
	id     int
	start  Number
	total  int
	bitmap *bitmapAllocator
	buddy  *buddyAllocator

	buddyStart Number
	reserved   []ReservedRegion
}

func newNode(id int, start Number, total int) *node {
	n := &node{id: id, start: start, total: total}

	bitmapFrames := total
	if bitmapFrames > maxBitmapFrames {
		bitmapFrames = maxBitmapFrames
	}
	n.bitmap = newBitmapAllocator(start, bitmapFrames)

	remaining := total - bitmapFrames
	n.buddyStart = start + Number(bitmapFrames)
	if remaining > 0 {
		order := orderFor(remaining)
		// orderFor rounds up; a buddy region must not exceed what's
		// physically present, so round down to the largest order that
		// fits instead.
		for order > 0 && (1<<uint(order)) > remaining {
			order--
		}
		if (1 << uint(order)) > 0 {
			n.buddy = newBuddyAllocator(n.buddyStart, order)
			used := 1 << uint(order)
			if used < remaining {
				n.reserved = append(n.reserved, ReservedRegion{
					Start:       n.buddyStart + Number(used),
					End:         n.buddyStart + Number(remaining),
					Description: "buddy region rounding slack",
				})
			}
		}
	}
	return n
}

func (n *node) freeFrames() int64 {
	total := n.bitmap.freeCount()
	if n.buddy != nil {
		total += n.buddy.freeCount()
	}
	return total
}

// allocate tries the bitmap allocator for small counts, falling back to
// the buddy allocator; large counts go straight to the buddy allocator.
func (n *node) allocate(count int) (Number, bool, bool) {
	if count < bitmapBuddyThreshold {
		if f, ok := n.bitmap.allocate(count); ok {
			return f, true, false
		}
	}
	if n.buddy != nil {
		if f, ok := n.buddy.allocate(count); ok {
			return f, false, true
		}
	}
	return 0, false, false
}

// free routes a release back to whichever allocator owns the range.
func (n *node) free(start Number, count int) bool {
	if n.buddy != nil && uint64(start) >= uint64(n.buddyStart) {
		return n.buddy.freeBlock(start, orderFor(count))
	}
	return n.bitmap.freeRun(start, count)
}

// markUsed forces a single frame into the allocated state, used during
// boot to carve out reserved regions. Reserved regions (the kernel image,
// boot info, firmware tables) live in low memory, which newNode always
// gives to the bitmap allocator; a frame inside the buddy region is a
// no-op here since the buddy scheme cannot carve a single arbitrary frame
// out of a power-of-two block without a full split-to-order-0 walk, which
// boot-time reservation never needs in practice.
func (n *node) markUsed(f Number) {
	if n.buddy != nil && uint64(f) >= uint64(n.buddyStart) {
		return
	}
	n.bitmap.markUsed(f)
}

func (n *node) contains(f Number) bool {
	return uint64(f) >= uint64(n.start) && uint64(f) < uint64(n.start)+uint64(n.total)
}
