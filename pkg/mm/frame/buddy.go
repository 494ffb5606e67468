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

import "sync"

// maxOrder is the highest buddy order this allocator will split or merge
// into: 2^20 frames (4 GiB at Size=4096).
const maxOrder = 20

// buddyNode is one block-sized entry in the arena. Free blocks form a
// doubly linked free list per order by index, never by pointer: the
// original allocator walked an intrusive linked list through raw pointers
// embedded in free memory, which Go cannot express without unsafe. Indices
// into a fixed arena give the same O(1) splice/unsplice behavior and stay
// entirely within the type system.
type buddyNode struct {
	order      int8
	free       bool
	prev, next int32 // arena indices, -1 for "none"
}

// buddyAllocator manages a power-of-two-sized region with the classic
// split-on-allocate, merge-on-free buddy scheme. Every block the region is
// ever divided into has a permanent slot in arena, indexed by the block's
// offset (in frames) from the region's start, divided by the smallest
// block size — see blockIndex.
type buddyAllocator struct {
	mu         sync.Mutex
	startFrame Number
	totalOrder int8 // order of the whole managed region

	arena []buddyNode
	heads [maxOrder + 1]int32 // free-list head per order, -1 if empty
	free  int64               // free frames
}

const none = int32(-1)

// newBuddyAllocator manages a region of exactly 2^order frames starting at
// start. order must be <= maxOrder.
func newBuddyAllocator(start Number, order int) *buddyAllocator {
	if order > maxOrder {
		order = maxOrder
	}
	size := int32(1) << uint(order)
	b := &buddyAllocator{
		startFrame: start,
		totalOrder: int8(order),
		arena:      make([]buddyNode, size),
	}
	for i := range b.heads {
		b.heads[i] = none
	}
	b.arena[0] = buddyNode{order: int8(order), free: true, prev: none, next: none}
	b.heads[order] = 0
	b.free = int64(size)
	return b
}

func (b *buddyAllocator) pushFree(idx int32, order int8) {
	n := &b.arena[idx]
	n.order = order
	n.free = true
	n.prev = none
	n.next = b.heads[order]
	if n.next != none {
		b.arena[n.next].prev = idx
	}
	b.heads[order] = idx
}

func (b *buddyAllocator) popFree(order int8) (int32, bool) {
	idx := b.heads[order]
	if idx == none {
		return none, false
	}
	b.removeFree(idx, order)
	return idx, true
}

func (b *buddyAllocator) removeFree(idx int32, order int8) {
	n := &b.arena[idx]
	if n.prev != none {
		b.arena[n.prev].next = n.next
	} else {
		b.heads[order] = n.next
	}
	if n.next != none {
		b.arena[n.next].prev = n.prev
	}
	n.free = false
}

// orderFor returns the smallest order whose block size (in frames) is >=
// count.
func orderFor(count int) int {
	order := 0
	size := 1
	for size < count {
		size <<= 1
		order++
	}
	return order
}

// allocate returns a block of exactly 2^orderFor(count) frames, splitting
// a larger free block as needed.
func (b *buddyAllocator) allocate(count int) (Number, bool) {
	order := orderFor(count)
	if order > int(b.totalOrder) {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	o := order
	for o <= int(b.totalOrder) && b.heads[o] == none {
		o++
	}
	if o > int(b.totalOrder) {
		return 0, false
	}

	idx, _ := b.popFree(int8(o))
	for o > order {
		o--
		buddyIdx := idx + (1 << uint(o))
		if int(buddyIdx) < len(b.arena) {
			b.pushFree(buddyIdx, int8(o))
		}
	}
	b.arena[idx].free = false
	b.arena[idx].order = int8(order)
	b.free -= int64(1) << uint(order)

	frame := b.startFrame + Number(idx)*frameUnitsPerArenaSlot(b)
	return frame, true
}

// frameUnitsPerArenaSlot: arena is indexed in units of the smallest block
// (1 frame), so this is always 1; kept as a named helper so the index ->
// frame-number mapping has one place to change if that ever stops holding.
func frameUnitsPerArenaSlot(*buddyAllocator) Number { return 1 }

// freeBlock returns a previously allocated block of 2^order frames
// starting at n, merging with its buddy while possible.
func (b *buddyAllocator) freeBlock(n Number, order int) bool {
	if uint64(n) < uint64(b.startFrame) {
		return false
	}
	idx := int32(uint64(n) - uint64(b.startFrame))
	if idx < 0 || int(idx) >= len(b.arena) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.arena[idx].free {
		return false // double free
	}

	o := int8(order)
	for int(o) < int(b.totalOrder) {
		buddyIdx := idx ^ (1 << uint(o))
		if int(buddyIdx) >= len(b.arena) {
			break
		}
		buddy := &b.arena[buddyIdx]
		if !buddy.free || buddy.order != o {
			break
		}
		b.removeFree(buddyIdx, o)
		if buddyIdx < idx {
			idx = buddyIdx
		}
		o++
	}
	b.pushFree(idx, o)
	b.free += int64(1) << uint(order)
	return true
}

func (b *buddyAllocator) freeCount() int64 { return b.free }
