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

import "sync"

// PIDRegistry maps live PIDs to their Task, and hands out the next unused
// PID. The PID-to-Task map is a sync.Map, so Lookup takes no lock; only
// Next serializes on a mutex.
type PIDRegistry struct {
	tasks sync.Map // PID -> *Task
	next  uint64
	mu    sync.Mutex
}

// NewPIDRegistry returns an empty registry. PID 1 is reserved for the
// init task by convention (spec.md section 4.3, root capability holder);
// Next() therefore starts at 2.
func NewPIDRegistry() *PIDRegistry {
	return &PIDRegistry{next: 2}
}

func (r *PIDRegistry) register(t *Task) {
	r.tasks.Store(t.PID, t)
}

// Lookup returns the Task registered under pid, if any.
func (r *PIDRegistry) Lookup(pid PID) (*Task, bool) {
	v, ok := r.tasks.Load(pid)
	if !ok {
		return nil, false
	}
	return v.(*Task), true
}

// Remove unregisters pid, called once a task reaches StateZombie and has
// been reaped.
func (r *PIDRegistry) Remove(pid PID) {
	r.tasks.Delete(pid)
}

// Next allocates and returns the next unused PID.
func (r *PIDRegistry) Next() PID {
	r.mu.Lock()
	defer r.mu.Unlock()
	pid := r.next
	r.next++
	return PID(pid)
}
