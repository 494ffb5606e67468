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

package mac

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mattbaird/jsonpatch"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DenialEvent is one MAC denial, handed to an AuditSink's Sink function.
type DenialEvent struct {
	SubjectType TypeName
	ObjectType  TypeName
	ObjectClass ClassName
	Permissions Permission
	Reason      string
}

// Sink delivers a batch of denial events to wherever audit records are
// kept (a log file, a ring buffer, a remote collector). It may fail
// transiently; AuditSink retries with backoff before dropping a batch.
type Sink func(ctx context.Context, events []DenialEvent) error

// AuditSink buffers MAC denial notifications, rate-limiting how often it
// flushes to its Sink so a runaway denial storm (a misbehaving task
// hammering a forbidden operation) cannot itself become a denial-of-
// service against the audit log. This is the Go rendering of spec.md
// section 4.4's "audit notification on denial" requirement.
type AuditSink struct {
	mu      sync.Mutex
	pending []DenialEvent
	sink    Sink
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewAuditSink returns an AuditSink that flushes to sink no more than
// once per interval, each flush batching every event buffered since the
// last one.
func NewAuditSink(sink Sink, interval time.Duration, log *logrus.Entry) *AuditSink {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AuditSink{
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		log:     log.WithField("subsystem", subsystem),
	}
}

// Notify records a denial for later flushing. It never blocks the caller
// on I/O: the event is buffered and Flush (or the background drain a
// caller may run) does the actual send.
func (a *AuditSink) Notify(e DenialEvent) {
	a.mu.Lock()
	a.pending = append(a.pending, e)
	a.mu.Unlock()

	if a.limiter.Allow() {
		go a.Flush(context.Background())
	}
}

// Flush sends every buffered event to the sink, retrying with
// exponential backoff on failure up to backoff's default elapsed-time
// budget before giving up and logging the drop.
func (a *AuditSink) Flush(ctx context.Context) {
	a.mu.Lock()
	events := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(events) == 0 || a.sink == nil {
		return
	}

	op := func() error { return a.sink(ctx, events) }
	if err := backoff.Retry(op, backoff.NewExponentialBackOff()); err != nil {
		a.log.WithError(err).WithField("dropped_events", len(events)).
			Warn("audit sink flush failed permanently, dropping batch")
	}
}

// PolicyDiff reports the JSON Patch operations needed to turn `before`
// into `after`, used to log exactly what a policy reload changed rather
// than dumping the full before/after snapshots.
func PolicyDiff(before, after *Snapshot) ([]jsonpatch.JsonPatchOperation, error) {
	beforeJSON, err := json.Marshal(before)
	if err != nil {
		return nil, err
	}
	afterJSON, err := json.Marshal(after)
	if err != nil {
		return nil, err
	}
	return jsonpatch.CreatePatch(beforeJSON, afterJSON)
}

// Snapshot is a JSON-serializable view of an Engine's policy tables, used
// only for diffing successive reloads via PolicyDiff.
type Snapshot struct {
	Rules       []PolicyRule       `json:"rules"`
	Transitions []DomainTransition `json:"transitions"`
	Roles       []Role             `json:"roles"`
}

// Snapshot captures e's current policy tables.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &Snapshot{
		Rules:       append([]PolicyRule(nil), e.rules[:e.numRules]...),
		Transitions: append([]DomainTransition(nil), e.transitions[:e.numTransitions]...),
		Roles:       append([]Role(nil), e.roles[:e.numRoles]...),
	}
}
