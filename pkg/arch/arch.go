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

// Package arch declares the interfaces the kernel core requires from
// architecture bring-up code (x86_64, AArch64, RISC-V64) and contains no
// per-architecture implementation: those live in per-architecture packages
// that are out of scope for this module (see spec.md section 1). Tests and
// cmd/veridianctl use the Generic implementation in this package, which is
// architecture-agnostic and safe to run on any host.
package arch

import "sync/atomic"

// InterruptGuard is returned by DisableInterrupts and restores the prior
// interrupt state when Release is called. Nesting is legal: only the
// outermost Release re-enables interrupts, mirroring the preemption
// counter discipline described in spec.md section 5.
type InterruptGuard interface {
	Release()
}

// PageTable abstracts the architecture's page-table type far enough for
// the scheduler's lazy-TLB logic (spec.md section 4.2 step 4) to compare
// roots without knowing their representation.
type PageTable interface {
	// Root returns an opaque, comparable identity for this page table
	// (e.g. the physical address that would be loaded into CR3/TTBR0/satp).
	Root() uintptr
	Map(vaddr, paddr uintptr, flags uint64) error
	Unmap(vaddr uintptr) error
}

// ContextSwitcher saves one register set and loads another. The core never
// inspects register contents; it only orchestrates when a switch happens.
type ContextSwitcher interface {
	// Switch saves the currently-running register set into out and loads
	// in. It does not return until the task that owns out is scheduled
	// again.
	Switch(out, in uintptr)
	// Load restores a register set without saving one first, used once at
	// boot to dispatch the first task.
	Load(in uintptr)
}

// CPU is the set of primitives the core needs from whichever architecture
// layer is running underneath it.
type CPU interface {
	// DisableInterrupts masks interrupts on the calling CPU and returns a
	// guard that restores the prior state.
	DisableInterrupts() InterruptGuard
	// ID returns the logical CPU id the caller is currently executing on.
	ID() uint8
	// SetKernelStack installs the stack pointer used for kernel re-entry
	// from usermode (e.g. via the TSS on x86_64).
	SetKernelStack(sp uintptr)
	// ReloadAddressSpace loads pt as the active page table, the
	// architecture's CR3/TTBR0/satp write.
	ReloadAddressSpace(pt PageTable)
	Switcher() ContextSwitcher
}

// Generic is an architecture-agnostic CPU implementation that records a
// "disabled" flag instead of masking interrupts. It is what tests and
// cmd/veridianctl run against. It provides no mutual exclusion and does
// not count nesting: every guard's Release clears the flag.
type Generic struct {
	id       uint8
	disabled atomic.Bool
}

// NewGeneric returns a Generic CPU with the given logical id.
func NewGeneric(id uint8) *Generic { return &Generic{id: id} }

type genericGuard struct{ cpu *Generic }

func (g *genericGuard) Release() { g.cpu.disabled.Store(false) }

// DisableInterrupts implements CPU.
func (c *Generic) DisableInterrupts() InterruptGuard {
	c.disabled.Store(true)
	return &genericGuard{cpu: c}
}

// ID implements CPU.
func (c *Generic) ID() uint8 { return c.id }

// SetKernelStack implements CPU. Generic has no usermode re-entry path, so
// this is a no-op; the value is not recorded.
func (c *Generic) SetKernelStack(uintptr) {}

// ReloadAddressSpace implements CPU. Generic performs no real TLB
// invalidation and does not call any method of the PageTable it is given.
func (c *Generic) ReloadAddressSpace(PageTable) {}

// Switcher implements CPU.
func (c *Generic) Switcher() ContextSwitcher { return genericSwitcher{} }

type genericSwitcher struct{}

func (genericSwitcher) Switch(_, _ uintptr) {}
func (genericSwitcher) Load(_ uintptr)      {}
