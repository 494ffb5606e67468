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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"

	"github.com/veridian-os/core/pkg/arch"
)

func testCPUs(n int) []arch.CPU {
	cpus := make([]arch.CPU, n)
	for i := range cpus {
		cpus[i] = arch.NewGeneric(uint8(i))
	}
	return cpus
}

func TestEnqueuePicksLeastLoadedCPU(t *testing.T) {
	s := New(AlgRoundRobin, testCPUs(2), logrus.NewEntry(logrus.New()))

	for i := 0; i < 3; i++ {
		task := &Task{PID: PID(i + 1), Class: ClassNormal, CurrentCPU: -1}
		if err := s.Enqueue(task); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	loads := []int{s.states[0].rq.nrRunning, s.states[1].rq.nrRunning}
	if (loads[0] != 2 || loads[1] != 1) && (loads[0] != 1 || loads[1] != 2) {
		t.Fatalf("load not balanced: %v", loads)
	}
}

func TestRoundRobinTimeSliceExpiry(t *testing.T) {
	s := New(AlgRoundRobin, testCPUs(1), logrus.NewEntry(logrus.New()))
	task := &Task{PID: 1, Class: ClassNormal, CurrentCPU: -1}
	s.Enqueue(task)
	s.Schedule(0)

	if due := s.Tick(0, defaultTimeSliceNanos/2); due {
		t.Fatal("reschedule due before time slice exhausted")
	}
	if due := s.Tick(0, defaultTimeSliceNanos); !due {
		t.Fatal("reschedule not due after time slice exhausted")
	}
}

func TestCFSPrefersLowerVRuntime(t *testing.T) {
	s := New(AlgCfs, testCPUs(1), logrus.NewEntry(logrus.New()))

	low := &Task{PID: 1, Class: ClassNormal, VRuntime: 10, CurrentCPU: -1}
	high := &Task{PID: 2, Class: ClassNormal, VRuntime: 1000, CurrentCPU: -1}
	s.Enqueue(high)
	s.Enqueue(low)

	next := s.PickNext(0)
	if next.PID != low.PID {
		t.Fatalf("PickNext = pid %d, want the lower-vruntime task (pid %d)", next.PID, low.PID)
	}
}

func TestShouldPreemptRealTimeAlwaysWins(t *testing.T) {
	s := New(AlgCfs, testCPUs(1), logrus.NewEntry(logrus.New()))
	normal := &Task{Class: ClassNormal}
	rt := &Task{Class: ClassRealTime}

	if !s.ShouldPreempt(normal, rt) {
		t.Fatal("real-time task should preempt a normal task")
	}
	if s.ShouldPreempt(rt, normal) {
		t.Fatal("normal task should not preempt a real-time task")
	}
}

func TestShouldPreemptIdleNeverPreemptedInto(t *testing.T) {
	s := New(AlgCfs, testCPUs(1), logrus.NewEntry(logrus.New()))
	idle := &Task{Class: ClassIdle}
	normal := &Task{Class: ClassNormal}

	if s.ShouldPreempt(idle, idle) {
		t.Fatal("idle should never preempt idle")
	}
	if !s.ShouldPreempt(idle, normal) {
		t.Fatal("any runnable task should preempt idle")
	}
}

func TestWorkStealingMovesFromBusiestNeighbor(t *testing.T) {
	s := New(AlgRoundRobin, testCPUs(2), logrus.NewEntry(logrus.New()))

	// Pack CPU 0 with three tasks, leave CPU 1 idle.
	for i := 0; i < 3; i++ {
		t0 := &Task{PID: PID(i + 1), Class: ClassNormal, CurrentCPU: 0}
		s.states[0].rq.enqueue(t0, s.alg)
	}

	stolen := s.StealWork(1)
	if stolen == nil {
		t.Fatal("StealWork returned nil, expected a stolen task from CPU 0")
	}
	if s.states[0].rq.nrRunning != 2 {
		t.Fatalf("CPU 0 nrRunning = %d, want 2 after steal", s.states[0].rq.nrRunning)
	}
	if s.states[1].rq.nrRunning != 1 {
		t.Fatalf("CPU 1 nrRunning = %d, want 1 after steal", s.states[1].rq.nrRunning)
	}
}

func TestWorkStealingRefusesWhenVictimHasOneOrFewer(t *testing.T) {
	s := New(AlgRoundRobin, testCPUs(2), logrus.NewEntry(logrus.New()))
	t0 := &Task{PID: 1, Class: ClassNormal, CurrentCPU: 0}
	s.states[0].rq.enqueue(t0, s.alg)

	if stolen := s.StealWork(1); stolen != nil {
		t.Fatal("expected no steal when victim has only one runnable task")
	}
}

func TestMetricsReflectContextSwitchesAndSteals(t *testing.T) {
	s := New(AlgRoundRobin, testCPUs(2), logrus.NewEntry(logrus.New()))

	for i := 0; i < 3; i++ {
		s.states[0].rq.enqueue(&Task{PID: PID(i + 1), Class: ClassNormal, CurrentCPU: 0}, s.alg)
	}
	if _, err := s.Schedule(0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.StealWork(1)

	want := Metrics{ContextSwitches: 1, StealAttempts: 1, StealSuccesses: 1}
	got := s.Metrics()
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Metrics{}, "Preemptions")); diff != "" {
		t.Fatalf("Metrics() mismatch (-want +got):\n%s", diff)
	}
}

func TestEnqueueCountsPreemptionOfBusyCPU(t *testing.T) {
	s := New(AlgCfs, testCPUs(1), logrus.NewEntry(logrus.New()))

	normal := &Task{PID: 1, Class: ClassNormal, CurrentCPU: -1}
	if err := s.Enqueue(normal); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := s.Schedule(0); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	rt := &Task{PID: 2, Class: ClassRealTime, CurrentCPU: -1}
	if err := s.Enqueue(rt); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if got := s.Metrics().Preemptions; got != 1 {
		t.Fatalf("Preemptions = %d, want 1 after a real-time task joined a busy CPU", got)
	}
}

func TestPIDRegistryRegisterAndLookup(t *testing.T) {
	r := NewPIDRegistry()
	task := &Task{PID: r.Next()}
	r.register(task)

	got, ok := r.Lookup(task.PID)
	if !ok || got != task {
		t.Fatalf("Lookup(%d) = %v, %v", task.PID, got, ok)
	}

	r.Remove(task.PID)
	if _, ok := r.Lookup(task.PID); ok {
		t.Fatal("task still registered after Remove")
	}
}

func TestSchedulerDumpIsIndependentCopy(t *testing.T) {
	s := New(AlgRoundRobin, testCPUs(1), logrus.NewEntry(logrus.New()))
	task := &Task{PID: 1, Class: ClassNormal, CurrentCPU: -1}
	s.Enqueue(task)
	s.Schedule(0)

	snaps := s.Dump()
	if len(snaps) != 1 || snaps[0].Current == nil {
		t.Fatalf("Dump() = %+v, want one CPU with a current task", snaps)
	}
	snaps[0].Current.VRuntime = 999999
	if s.states[0].current.VRuntime == 999999 {
		t.Fatal("mutating the Dump snapshot affected live scheduler state")
	}
}
