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

// Package sched implements the per-CPU, work-stealing task scheduler: one
// run queue per logical CPU, four pluggable scheduling algorithms
// (round-robin, static priority, CFS-style fair share, and a hybrid of
// priority classes with CFS weighting of the Normal class), lazy TLB
// reload on context switch, and preemption rules layered by scheduling
// class. See SPEC_FULL.md and spec.md section 4.2.
package sched

import (
	"golang.org/x/sys/unix"
)

// SchedClass partitions tasks for preemption and weighting purposes,
// independent of the active SchedAlgorithm.
type SchedClass int

const (
	// ClassIdle runs only when no other task on the CPU is runnable.
	ClassIdle SchedClass = iota
	// ClassNormal is the default class; CFS/Hybrid algorithms weight it
	// by priority-derived vruntime.
	ClassNormal
	// ClassRealTime always preempts a ClassNormal or ClassIdle task.
	ClassRealTime
)

func (c SchedClass) String() string {
	switch c {
	case ClassIdle:
		return "idle"
	case ClassNormal:
		return "normal"
	case ClassRealTime:
		return "realtime"
	default:
		return "unknown"
	}
}

// ProcessState is a task's position in its lifecycle state machine.
type ProcessState int

const (
	StateReady ProcessState = iota
	StateRunning
	StateBlocked
	StateSleeping
	StateZombie
)

func (s ProcessState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSleeping:
		return "sleeping"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// PID identifies a task; TID identifies one thread of a (possibly
// multi-threaded) task sharing the same PID.
type PID uint64
type TID uint64

// WaitObject identifies what a Blocked or Sleeping task is waiting on (an
// IPC endpoint, a lock, a timer) from the scheduler's point of view — it
// never interprets the value, only carries it so Wake/Cancel callers can
// confirm they're waking the right task. Zero means "not waiting on
// anything in particular" (a pure timed sleep).
type WaitObject uint64

// WakeReason records why a task's most recent Blocked/Sleeping period
// ended, so the resumed operation can report event-vs-timeout to its
// caller (spec.md section 5).
type WakeReason int

const (
	// WakeNone is the zero value: the task has never been woken.
	WakeNone WakeReason = iota
	// WakeEvent means an explicit Wake call satisfied the wait.
	WakeEvent
	// WakeTimeout means the task's WakeDeadline passed before any Wake.
	WakeTimeout
	// WakeCancelled means the task was woken by Cancel, not by the event
	// or deadline it was waiting on; the resumed operation should report
	// an error to its caller rather than a result.
	WakeCancelled
)

func (r WakeReason) String() string {
	switch r {
	case WakeEvent:
		return "event"
	case WakeTimeout:
		return "timeout"
	case WakeCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// MinPriority and MaxPriority bound a task's static priority; lower
// numbers run first, matching the original nice-style convention.
const (
	MinPriority = 0
	MaxPriority = 139
	// defaultTimeSliceNanos is the quantum a Normal-class task runs
	// before tick() forces a reschedule under RoundRobin or Priority.
	defaultTimeSliceNanos = 10_000_000 // 10ms
)

// Task is one schedulable unit of execution.
type Task struct {
	PID   PID
	TID   TID
	Class SchedClass

	// Priority is the static priority in [MinPriority, MaxPriority];
	// lower runs first. Effective weight is derived via priorityWeight.
	Priority int

	State ProcessState

	// Affinity restricts which CPUs may run this task. An empty set
	// means "any CPU."
	Affinity unix.CPUSet

	// CurrentCPU is the logical CPU this task is assigned to, or -1 if
	// not yet placed.
	CurrentCPU int

	// VRuntime is the CFS-style virtual runtime accumulator: higher
	// means this task has run relatively more and should yield to
	// lower-vruntime tasks of the same class.
	VRuntime uint64

	// TimeSliceNanos counts down under RoundRobin/Priority scheduling.
	TimeSliceNanos int64

	// PageTableRoot and HasUserMappings drive the scheduler's lazy TLB
	// reload decision: a switch between two kernel-only tasks, or two
	// tasks sharing the same root, skips the address-space reload.
	PageTableRoot   uintptr
	HasUserMappings bool

	// KernelStackPtr is restored into the CPU's TSS-equivalent on
	// switch-in, via arch.CPU.SetKernelStack.
	KernelStackPtr uintptr

	// WaitObject is what this task is blocked on while State is
	// StateBlocked or StateSleeping; zero while not waiting.
	WaitObject WaitObject

	// WakeDeadline is the tick count at which the timer subsystem should
	// wake a StateSleeping task regardless of WaitObject; zero means no
	// deadline (a pure event wait, StateBlocked).
	WakeDeadline uint64

	// LastWake records why the most recent Blocked/Sleeping period ended.
	LastWake WakeReason
}

// priorityWeight maps a static priority to a CFS weight, higher priority
// (lower Priority value) producing a larger weight and thus a smaller
// vruntime increment per unit of actual runtime. This mirrors the
// original scheduler's priority_to_weight table shape without
// reproducing its exact constants, which spec.md leaves
// implementation-defined.
func priorityWeight(priority int) uint64 {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	// Weight halves every 20 priority steps, floored at 1, matching the
	// coarse "nice value doubles/halves CPU share" shape described in
	// spec.md section 4.2.
	shift := uint(priority / 20)
	w := uint64(1024) >> shift
	if w == 0 {
		w = 1
	}
	return w
}

// addVRuntime advances t's virtual runtime by runtimeNanos scaled
// inversely by its weight, per spec.md's CFS formula:
// vruntime += runtime * 1024 / weight(priority).
func (t *Task) addVRuntime(runtimeNanos int64) {
	if runtimeNanos <= 0 {
		return
	}
	w := priorityWeight(t.Priority)
	t.VRuntime += uint64(runtimeNanos) * 1024 / w
}
