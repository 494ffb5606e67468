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
	"container/list"

	"github.com/google/btree"
)

// vruntimeItem orders *Task by VRuntime (ties broken by PID) inside the
// CFS run queue's btree, giving pick_next an O(log n) min-extract instead
// of the O(n) linear scan a flat queue would need.
type vruntimeItem struct {
	task *Task
}

func (a vruntimeItem) Less(than btree.Item) bool {
	b := than.(vruntimeItem)
	if a.task.VRuntime != b.task.VRuntime {
		return a.task.VRuntime < b.task.VRuntime
	}
	return a.task.PID < b.task.PID
}

// runQueue is one CPU's ready queue. RoundRobin and Priority algorithms
// use the priority-bucketed FIFO lists; CFS and Hybrid use the vruntime
// btree for the Normal class, with RealTime and Idle always kept in their
// own FIFO buckets regardless of algorithm (spec.md section 4.2: "real
// time always preempts; idle never preempted into").
type runQueue struct {
	cpu int

	realTime *list.List // FIFO of *Task
	idle     *list.List // FIFO of *Task

	// buckets[priority] is used by RoundRobin/Priority for the Normal
	// class; cfs is used by Cfs/Hybrid for the Normal class.
	buckets [MaxPriority + 1]*list.List
	cfs     *btree.BTree

	nrRunning int
}

func newRunQueue(cpu int) *runQueue {
	rq := &runQueue{
		cpu:      cpu,
		realTime: list.New(),
		idle:     list.New(),
		cfs:      btree.New(32),
	}
	return rq
}

func (rq *runQueue) bucket(priority int) *list.List {
	if rq.buckets[priority] == nil {
		rq.buckets[priority] = list.New()
	}
	return rq.buckets[priority]
}

// enqueue places t in the structure appropriate for its class and alg.
func (rq *runQueue) enqueue(t *Task, alg SchedAlgorithm) {
	t.State = StateReady
	t.CurrentCPU = rq.cpu
	rq.nrRunning++

	switch t.Class {
	case ClassRealTime:
		rq.realTime.PushBack(t)
	case ClassIdle:
		rq.idle.PushBack(t)
	default:
		if alg == AlgCfs || alg == AlgHybrid {
			rq.cfs.ReplaceOrInsert(vruntimeItem{task: t})
		} else {
			rq.bucket(t.Priority).PushBack(t)
		}
	}
}

// remove drops t from whichever structure currently holds it, used by
// work-stealing and explicit dequeue (e.g. a task blocking).
func (rq *runQueue) remove(t *Task, alg SchedAlgorithm) bool {
	var l *list.List
	switch t.Class {
	case ClassRealTime:
		l = rq.realTime
	case ClassIdle:
		l = rq.idle
	default:
		if alg == AlgCfs || alg == AlgHybrid {
			if rq.cfs.Delete(vruntimeItem{task: t}) != nil {
				rq.nrRunning--
				return true
			}
			return false
		}
		l = rq.bucket(t.Priority)
	}
	for e := l.Front(); e != nil; e = e.Next() {
		if e.Value.(*Task) == t {
			l.Remove(e)
			rq.nrRunning--
			return true
		}
	}
	return false
}

// pickNext selects the next task to run without removing it: RealTime
// FIFO first, then the Normal class per alg, then Idle.
func (rq *runQueue) pickNext(alg SchedAlgorithm) *Task {
	if e := rq.realTime.Front(); e != nil {
		return e.Value.(*Task)
	}

	if alg == AlgCfs || alg == AlgHybrid {
		var found *Task
		rq.cfs.Ascend(func(i btree.Item) bool {
			found = i.(vruntimeItem).task
			return false
		})
		if found != nil {
			return found
		}
	} else {
		for p := 0; p <= MaxPriority; p++ {
			b := rq.buckets[p]
			if b != nil && b.Len() > 0 {
				return b.Front().Value.(*Task)
			}
		}
	}

	if e := rq.idle.Front(); e != nil {
		return e.Value.(*Task)
	}
	return nil
}

// pickStealable returns, without removing it, the first runnable task
// whose Affinity permits destCPU — RealTime tasks are never considered
// (they stay pinned to their assigned CPU; spec.md section 4.2), Normal
// tasks are preferred, and Idle is only a last resort.
func (rq *runQueue) pickStealable(alg SchedAlgorithm, destCPU int) *Task {
	if alg == AlgCfs || alg == AlgHybrid {
		var found *Task
		rq.cfs.Ascend(func(i btree.Item) bool {
			t := i.(vruntimeItem).task
			if cpuAllowed(t.Affinity, destCPU) {
				found = t
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	} else {
		for p := 0; p <= MaxPriority; p++ {
			b := rq.buckets[p]
			if b == nil {
				continue
			}
			for e := b.Front(); e != nil; e = e.Next() {
				if t := e.Value.(*Task); cpuAllowed(t.Affinity, destCPU) {
					return t
				}
			}
		}
	}

	for e := rq.idle.Front(); e != nil; e = e.Next() {
		if t := e.Value.(*Task); cpuAllowed(t.Affinity, destCPU) {
			return t
		}
	}
	return nil
}
