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

package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/veridian-os/core/pkg/arch"
	"github.com/veridian-os/core/pkg/kernelerr"
)

const subsystem = "sched"

// SchedAlgorithm selects how the Normal class is ordered within a CPU's
// run queue; RealTime and Idle classes are scheduled the same way under
// every algorithm (see runQueue).
type SchedAlgorithm int

const (
	AlgRoundRobin SchedAlgorithm = iota
	AlgPriority
	AlgCfs
	AlgHybrid
)

func (a SchedAlgorithm) String() string {
	switch a {
	case AlgRoundRobin:
		return "round-robin"
	case AlgPriority:
		return "priority"
	case AlgCfs:
		return "cfs"
	case AlgHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// Metrics accumulates scheduler activity across all CPUs.
type Metrics struct {
	ContextSwitches uint64
	StealAttempts   uint64
	StealSuccesses  uint64
	Preemptions     uint64
}

// cpuState is one logical CPU's scheduling state.
type cpuState struct {
	mu      sync.Mutex
	rq      *runQueue
	current *Task
	cpu     arch.CPU
}

// Scheduler is the kernel-wide, per-CPU scheduler. One Scheduler instance
// owns every CPU's run queue and coordinates work stealing between them.
type Scheduler struct {
	alg SchedAlgorithm

	states []*cpuState
	pids   *PIDRegistry

	// sleepMu guards sleeping, the set of tasks currently StateSleeping
	// with a registered WakeDeadline, so ExpireTimers can scan it without
	// taking every CPU's lock.
	sleepMu  sync.Mutex
	sleeping []*Task

	metrics struct {
		contextSwitches atomic.Uint64
		stealAttempts   atomic.Uint64
		stealSuccesses  atomic.Uint64
		preemptions     atomic.Uint64
	}

	log *logrus.Entry
}

// New builds a Scheduler managing the given CPUs under alg.
func New(alg SchedAlgorithm, cpus []arch.CPU, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Scheduler{
		alg:  alg,
		pids: NewPIDRegistry(),
		log:  log.WithField("subsystem", subsystem),
	}
	for i, cpu := range cpus {
		s.states = append(s.states, &cpuState{rq: newRunQueue(i), cpu: cpu})
	}
	return s
}

// Enqueue places t on the least-loaded CPU permitted by t.Affinity (see
// chooseCPU; t.CurrentCPU is not consulted) and registers its PID. If the chosen CPU already has a
// running task that t should preempt (ShouldPreempt), the preemption is
// counted in Metrics; actually yielding the CPU happens at the next
// Tick/Schedule call, this scheduler has no synchronous IPI path.
func (s *Scheduler) Enqueue(t *Task) error {
	if t == nil {
		return kernelerr.New(subsystem, "Enqueue", kernelerr.CodeInvalidArgument)
	}
	cpu := s.chooseCPU(t)
	if cpu < 0 {
		return kernelerr.Wrap(subsystem, "Enqueue", kernelerr.CodeInvalidArgument,
			fmt.Errorf("no CPU satisfies affinity mask for pid %d", t.PID))
	}

	st := s.states[cpu]
	st.mu.Lock()
	st.rq.enqueue(t, s.alg)
	if st.current != nil && s.ShouldPreempt(st.current, t) {
		s.metrics.preemptions.Add(1)
	}
	st.mu.Unlock()

	s.pids.register(t)
	return nil
}

// chooseCPU picks the run queue with the fewest runnable tasks among
// those t.Affinity permits, the lowest CPU index winning a tie. It does
// not look at t.CurrentCPU. It returns -1 if no CPU is permitted.
func (s *Scheduler) chooseCPU(t *Task) int {
	best := -1
	bestLoad := -1
	for i, st := range s.states {
		if !cpuAllowed(t.Affinity, i) {
			continue
		}
		st.mu.Lock()
		load := st.rq.nrRunning
		st.mu.Unlock()
		if best == -1 || load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return best
}

// cpuAllowed reports whether cpu is permitted by set. An empty set (no
// bits configured, the Task zero value) means "any CPU."
func cpuAllowed(set unix.CPUSet, cpu int) bool {
	if set.Count() == 0 {
		return true
	}
	return set.IsSet(cpu)
}

// PickNext returns, without dequeuing, the task cpu should run next.
func (s *Scheduler) PickNext(cpu int) *Task {
	st := s.states[cpu]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rq.pickNext(s.alg)
}

// Tick accounts runtimeNanos of execution against the task currently
// running on cpu, advancing its vruntime and time slice, and reports
// whether a reschedule is now due.
func (s *Scheduler) Tick(cpu int, runtimeNanos int64) bool {
	st := s.states[cpu]
	st.mu.Lock()
	defer st.mu.Unlock()

	cur := st.current
	if cur == nil {
		return false
	}
	cur.addVRuntime(runtimeNanos)
	cur.TimeSliceNanos -= runtimeNanos

	switch s.alg {
	case AlgRoundRobin, AlgPriority:
		return cur.TimeSliceNanos <= 0
	default: // Cfs, Hybrid
		next := st.rq.pickNext(s.alg)
		return next != nil && next != cur && next.VRuntime < cur.VRuntime
	}
}

// ShouldPreempt reports whether candidate should preempt current,
// applying spec.md section 4.2's class-precedence rules: idle is never
// preempted into (running it is always an improvement over nothing);
// RealTime always preempts Normal/Idle; within the same class, lower
// vruntime (Cfs/Hybrid) or lower Priority value (RoundRobin/Priority)
// wins.
func (s *Scheduler) ShouldPreempt(current, candidate *Task) bool {
	if current == nil {
		return candidate != nil
	}
	if candidate == nil {
		return false
	}
	if candidate.Class != current.Class {
		return candidate.Class > current.Class
	}
	if candidate.Class == ClassIdle {
		return false
	}
	if s.alg == AlgCfs || s.alg == AlgHybrid {
		return candidate.VRuntime < current.VRuntime
	}
	return candidate.Priority < current.Priority
}

// Schedule runs one scheduling decision on cpu: it picks the next ready
// task, removes it from the run queue, and performs the context-switch
// handoff with the outgoing task (if any) returned to Ready and
// re-enqueued. It returns the task now current on cpu, or nil if the CPU
// has nothing to run (idle).
func (s *Scheduler) Schedule(cpu int) (*Task, error) {
	st := s.states[cpu]

	st.mu.Lock()
	next := st.rq.pickNext(s.alg)
	if next == nil {
		if st.current != nil && st.current.State != StateRunning {
			// The current task blocked, slept or exited: cpu goes idle.
			st.current = nil
		}
		st.mu.Unlock()
		return nil, nil
	}
	st.rq.remove(next, s.alg)
	prev := st.current
	st.current = next
	st.mu.Unlock()

	s.switchTo(cpu, st, prev, next)
	return next, nil
}

// switchTo performs the architecture-level handoff, applying lazy TLB
// reload: the page table is only reloaded when the incoming task has
// user mappings and its root differs from the outgoing task's (spec.md
// section 4.2 step 4). The outgoing task, if still StateRunning, is set
// to Ready and re-enqueued on the same CPU; no limit is placed on how
// soon it can be picked again.
func (s *Scheduler) switchTo(cpu int, st *cpuState, prev, next *Task) {
	guard := st.cpu.DisableInterrupts()
	defer guard.Release()

	if next.HasUserMappings && (prev == nil || !prev.HasUserMappings || prev.PageTableRoot != next.PageTableRoot) {
		st.cpu.ReloadAddressSpace(rootPageTable{root: next.PageTableRoot})
	}
	st.cpu.SetKernelStack(next.KernelStackPtr)

	next.State = StateRunning
	next.TimeSliceNanos = defaultTimeSliceNanos

	if prev != nil && prev != next {
		if prev.State == StateRunning {
			prev.State = StateReady
			st.mu.Lock()
			st.rq.enqueue(prev, s.alg)
			st.mu.Unlock()
		}
		st.cpu.Switcher().Switch(prev.KernelStackPtr, next.KernelStackPtr)
	} else {
		st.cpu.Switcher().Load(next.KernelStackPtr)
	}

	s.metrics.contextSwitches.Add(1)
	s.quiesce(cpu)
}

// quiesce signals that cpu has passed through a scheduling point, the
// RCU-style quiescent-state marker spec.md section 4.2 requires so
// readers of kernel data structures can determine a grace period has
// elapsed. This scheduler has no deferred-reclaim consumers, and quiesce
// does nothing: it records no state and runs no callbacks.
func (s *Scheduler) quiesce(int) {}

// rootPageTable adapts a bare root address into arch.PageTable for
// ReloadAddressSpace calls; the scheduler never maps or unmaps through
// it, only compares Root().
type rootPageTable struct{ root uintptr }

func (r rootPageTable) Root() uintptr                     { return r.root }
func (r rootPageTable) Map(uintptr, uintptr, uint64) error { return nil }
func (r rootPageTable) Unmap(uintptr) error               { return nil }

// Block transitions the task currently running on cpu to StateBlocked,
// waiting on obj, and yields cpu to the next ready task — spec.md section
// 4.2/5's suspend path ("Running -> Blocked ... on wake/timer"). The
// blocked task is not re-enqueued; only Wake or Cancel returns it to
// Ready. It returns the task now current on cpu, or nil if cpu goes idle.
func (s *Scheduler) Block(cpu int, obj WaitObject) (*Task, error) {
	st := s.states[cpu]
	st.mu.Lock()
	cur := st.current
	if cur == nil {
		st.mu.Unlock()
		return nil, kernelerr.New(subsystem, "Block", kernelerr.CodeInvalidState)
	}
	cur.State = StateBlocked
	cur.WaitObject = obj
	st.mu.Unlock()

	return s.Schedule(cpu)
}

// Sleep transitions the task currently running on cpu to StateSleeping
// until deadlineTick, registering it with ExpireTimers so a passed
// deadline wakes it even absent any event on obj (obj may be zero for a
// pure timed sleep). spec.md section 5's "sleeping task registers a
// deadline; the timer subsystem wakes it when the deadline passes."
func (s *Scheduler) Sleep(cpu int, obj WaitObject, deadlineTick uint64) (*Task, error) {
	st := s.states[cpu]
	st.mu.Lock()
	cur := st.current
	if cur == nil {
		st.mu.Unlock()
		return nil, kernelerr.New(subsystem, "Sleep", kernelerr.CodeInvalidState)
	}
	cur.State = StateSleeping
	cur.WaitObject = obj
	cur.WakeDeadline = deadlineTick
	st.mu.Unlock()

	s.sleepMu.Lock()
	s.sleeping = append(s.sleeping, cur)
	s.sleepMu.Unlock()

	return s.Schedule(cpu)
}

// Wake transitions t from Blocked or Sleeping back to Ready because the
// event it was waiting on arrived, and reports whether it should preempt
// the CPU it lands on — spec.md section 4.2's "on task wake-up a
// reschedule is triggered." This scheduler has no IPI path, so acting on
// a true preempt result (forcing a remote CPU to reschedule) is the
// caller's responsibility.
func (s *Scheduler) Wake(t *Task) (preempt bool, err error) {
	return s.wake(t, WakeEvent)
}

// Cancel is Wake, but records WakeCancelled instead of WakeEvent —
// spec.md section 5's "a blocked task can be cancelled by being
// signaled; cancellation moves it back to Ready with an error indication
// for the pending operation." The resumed operation inspects LastWake to
// tell cancellation apart from success.
func (s *Scheduler) Cancel(t *Task) (preempt bool, err error) {
	return s.wake(t, WakeCancelled)
}

func (s *Scheduler) wake(t *Task, reason WakeReason) (bool, error) {
	if t.State != StateBlocked && t.State != StateSleeping {
		return false, kernelerr.New(subsystem, "Wake", kernelerr.CodeInvalidState)
	}
	s.unregisterSleeper(t)

	t.WaitObject = 0
	t.WakeDeadline = 0
	t.LastWake = reason

	cpu := t.CurrentCPU
	if cpu < 0 || cpu >= len(s.states) || !cpuAllowed(t.Affinity, cpu) {
		cpu = s.chooseCPU(t)
		if cpu < 0 {
			return false, kernelerr.Wrap(subsystem, "Wake", kernelerr.CodeInvalidArgument,
				fmt.Errorf("no CPU satisfies affinity mask for pid %d", t.PID))
		}
	}

	st := s.states[cpu]
	st.mu.Lock()
	st.rq.enqueue(t, s.alg)
	preempt := st.current != nil && s.ShouldPreempt(st.current, t)
	if preempt {
		s.metrics.preemptions.Add(1)
	}
	st.mu.Unlock()

	return preempt, nil
}

func (s *Scheduler) unregisterSleeper(t *Task) {
	s.sleepMu.Lock()
	defer s.sleepMu.Unlock()
	for i, other := range s.sleeping {
		if other == t {
			s.sleeping = append(s.sleeping[:i], s.sleeping[i+1:]...)
			return
		}
	}
}

// ExpireTimers wakes every Sleeping task whose WakeDeadline is at or
// before nowTick, each with LastWake set to WakeTimeout — spec.md
// section 5's timer tick requirement to "fire scheduled wake-ups whose
// deadline is in the past." It returns the tasks woken this call; the
// caller (the architecture timer interrupt path) is expected to invoke
// this alongside per-CPU Tick.
func (s *Scheduler) ExpireTimers(nowTick uint64) []*Task {
	s.sleepMu.Lock()
	var due, remaining []*Task
	for _, t := range s.sleeping {
		if t.WakeDeadline != 0 && t.WakeDeadline <= nowTick {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	s.sleeping = remaining
	s.sleepMu.Unlock()

	for _, t := range due {
		s.wake(t, WakeTimeout)
	}
	return due
}

// Yield voluntarily relinquishes cpu: the running task returns to Ready
// (behind any other task at its priority, or ahead of higher-vruntime
// tasks under Cfs/Hybrid) and the next ready task, if any, takes over —
// spec.md section 6's sched_yield. If nothing else is runnable, the
// calling task keeps running.
func (s *Scheduler) Yield(cpu int) (*Task, error) {
	next, err := s.Schedule(cpu)
	if err != nil || next != nil {
		return next, err
	}
	st := s.states[cpu]
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current, nil
}

// Exit transitions the task running on cpu to StateZombie — it has
// finished running and will never be scheduled again — and yields the
// CPU. Removing it from the PID registry once its exit status has been
// collected is the caller's responsibility.
func (s *Scheduler) Exit(cpu int) (*Task, error) {
	st := s.states[cpu]
	st.mu.Lock()
	cur := st.current
	if cur == nil {
		st.mu.Unlock()
		return nil, kernelerr.New(subsystem, "Exit", kernelerr.CodeInvalidState)
	}
	cur.State = StateZombie
	st.mu.Unlock()

	return s.Schedule(cpu)
}

// SetAffinity updates t's CPU affinity mask (spec.md section 6's
// sched_set_affinity). A Ready task whose current CPU the new mask
// excludes is migrated immediately to a CPU the mask permits. A Running
// task is left in place until its next voluntary block/yield or
// involuntary preemption: forcibly evicting a task already executing on
// a remote CPU would require an IPI this software scheduler does not
// model.
func (s *Scheduler) SetAffinity(t *Task, mask unix.CPUSet) error {
	if mask.Count() > 0 {
		permitted := false
		for i := range s.states {
			if mask.IsSet(i) {
				permitted = true
				break
			}
		}
		if !permitted {
			return kernelerr.New(subsystem, "SetAffinity", kernelerr.CodeInvalidArgument)
		}
	}

	cpu := t.CurrentCPU
	if cpu < 0 || cpu >= len(s.states) {
		t.Affinity = mask
		return nil
	}

	st := s.states[cpu]
	st.mu.Lock()
	t.Affinity = mask
	migrate := t.State == StateReady && !cpuAllowed(mask, cpu) && st.rq.remove(t, s.alg)
	st.mu.Unlock()

	if !migrate {
		return nil
	}

	dest := s.chooseCPU(t)
	if dest < 0 {
		return kernelerr.New(subsystem, "SetAffinity", kernelerr.CodeInvalidState)
	}
	ds := s.states[dest]
	ds.mu.Lock()
	ds.rq.enqueue(t, s.alg)
	ds.mu.Unlock()
	return nil
}

// StealWork attempts to move one runnable, affinity-compatible task from
// the busiest neighbor CPU (nr_running >= 2, spec.md section 4.2) onto an
// idle cpu. It returns the stolen task, or nil if no neighbor qualifies —
// either because none has a spare task, or because every spare task's
// affinity excludes idleCPU ("dequeue one affinity-compatible task").
func (s *Scheduler) StealWork(idleCPU int) *Task {
	s.metrics.stealAttempts.Add(1)

	busiest := -1
	busiestLoad := 1 // require > 1 so the victim keeps at least one task
	for i, st := range s.states {
		if i == idleCPU {
			continue
		}
		st.mu.Lock()
		load := st.rq.nrRunning
		st.mu.Unlock()
		if load > busiestLoad {
			busiest, busiestLoad = i, load
		}
	}
	if busiest == -1 {
		return nil
	}

	victim := s.states[busiest]
	victim.mu.Lock()
	t := victim.rq.pickStealable(s.alg, idleCPU)
	if t == nil {
		victim.mu.Unlock()
		return nil
	}
	victim.rq.remove(t, s.alg)
	victim.mu.Unlock()

	dest := s.states[idleCPU]
	dest.mu.Lock()
	dest.rq.enqueue(t, s.alg)
	dest.mu.Unlock()

	s.metrics.stealSuccesses.Add(1)
	return t
}

// Metrics returns a snapshot of scheduler-wide counters.
func (s *Scheduler) Metrics() Metrics {
	return Metrics{
		ContextSwitches: s.metrics.contextSwitches.Load(),
		StealAttempts:   s.metrics.stealAttempts.Load(),
		StealSuccesses:  s.metrics.stealSuccesses.Load(),
		Preemptions:     s.metrics.preemptions.Load(),
	}
}

// Dump returns a deep copy of every CPU's currently running task and
// queue depth, safe for a caller to inspect without holding any
// scheduler lock afterward. Used by cmd/veridianctl's introspection
// subcommand.
func (s *Scheduler) Dump() []CPUSnapshot {
	snaps := make([]CPUSnapshot, len(s.states))
	for i, st := range s.states {
		st.mu.Lock()
		var cur *Task
		if st.current != nil {
			cur = deepcopy.Copy(st.current).(*Task)
		}
		snaps[i] = CPUSnapshot{CPU: i, Current: cur, NrRunning: st.rq.nrRunning}
		st.mu.Unlock()
	}
	return snaps
}

// CPUSnapshot is one CPU's state as of a Dump call.
type CPUSnapshot struct {
	CPU       int
	Current   *Task
	NrRunning int
}
