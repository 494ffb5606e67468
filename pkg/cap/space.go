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

package cap

import (
	"fmt"
	"sync"

	"github.com/veridian-os/core/pkg/kernelerr"
)

const subsystem = "cap"

// DefaultQuota is the number of live capabilities a Space may hold absent
// an explicit quota at construction, per spec.md section 4.3's per-task
// quota requirement.
const DefaultQuota = 4096

// Space is one task's capability space: every Token it holds resolves
// through this table, and inserts above the space's quota fail closed.
// Lookup, Insert, Derive, Revoke, and Check are linearizable with respect
// to each other via a single RWMutex, matching the "lookup must never
// observe a half-completed insert or revoke" invariant in spec.md
// section 4.3.
type Space struct {
	mu      sync.RWMutex
	entries []entry // indexed by Token.ID
	freeIDs []uint64
	quota   int
	live    int
}

// NewSpace returns an empty capability space bounded by quota capabilities.
func NewSpace(quota int) *Space {
	if quota <= 0 {
		quota = DefaultQuota
	}
	return &Space{quota: quota}
}

// Insert allocates a new Token naming obj with the given rights. It fails
// with CodeQuotaExceeded once the space holds quota live capabilities.
func (s *Space) Insert(obj ObjectRef, rights Rights) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(obj, rights)
}

func (s *Space) insertLocked(obj ObjectRef, rights Rights) (Token, error) {
	if s.live >= s.quota {
		return Token{}, kernelerr.New(subsystem, "Insert", kernelerr.CodeQuotaExceeded)
	}

	var id uint64
	if n := len(s.freeIDs); n > 0 {
		id = s.freeIDs[n-1]
		s.freeIDs = s.freeIDs[:n-1]
		s.entries[id].generation++
		s.entries[id].object = obj
		s.entries[id].rights = rights
		s.entries[id].valid = true
	} else {
		id = uint64(len(s.entries))
		s.entries = append(s.entries, entry{generation: 1, object: obj, rights: rights, valid: true})
	}
	s.live++

	return Token{ID: id, Generation: s.entries[id].generation, Tag: uint16(obj.Kind)}, nil
}

// Lookup resolves tok to the object it names, failing with
// CodeInvalidArgument if tok is out of range or its generation is stale
// (the slot was revoked and, possibly, reused).
func (s *Space) Lookup(tok Token) (ObjectRef, Rights, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(tok)
}

func (s *Space) lookupLocked(tok Token) (ObjectRef, Rights, error) {
	if int(tok.ID) >= len(s.entries) {
		return ObjectRef{}, 0, kernelerr.New(subsystem, "Lookup", kernelerr.CodeInvalidArgument)
	}
	e := s.entries[tok.ID]
	if !e.valid || e.generation != tok.Generation {
		return ObjectRef{}, 0, kernelerr.Wrap(subsystem, "Lookup", kernelerr.CodeInvalidArgument,
			fmt.Errorf("stale or revoked token %s", tok))
	}
	return e.object, e.rights, nil
}

// Check resolves tok and reports a PermissionDenied error if its rights
// do not cover required; callers that also need the object should use
// Lookup and compare rights themselves to avoid a second lock round trip.
func (s *Space) Check(tok Token, required Rights) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, rights, err := s.lookupLocked(tok)
	if err != nil {
		return err
	}
	if !rights.Has(required) {
		return kernelerr.Wrap(subsystem, "Check", kernelerr.CodePermissionDenied,
			fmt.Errorf("token %s has rights %s, missing %s", tok, rights, required&^rights))
	}
	return nil
}

// Derive creates a new Token for the same object as tok, with rights
// narrowed to narrowed&existingRights. It requires tok to carry
// RightGrant, and fails if narrowed would add any right tok's holder
// doesn't already have.
func (s *Space) Derive(tok Token, narrowed Rights) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, rights, err := s.lookupLocked(tok)
	if err != nil {
		return Token{}, err
	}
	if !rights.Has(RightGrant) {
		return Token{}, kernelerr.New(subsystem, "Derive", kernelerr.CodePermissionDenied)
	}
	if narrowed&^rights != 0 {
		return Token{}, kernelerr.Wrap(subsystem, "Derive", kernelerr.CodeInvalidArgument,
			fmt.Errorf("derived rights %s exceed source rights %s", narrowed, rights))
	}
	return s.insertLocked(obj, narrowed)
}

// Revoke invalidates tok's slot: the ID may be reused by a later Insert,
// but its generation advances, so any copy of tok still in circulation
// fails Lookup. This is the generation-based revocation spec.md section
// 4.3 requires in place of a global "capability is gone" broadcast. tok
// must carry RightRevoke ("rights to revoke require the REVOKE bit").
func (s *Space) Revoke(tok Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(tok.ID) >= len(s.entries) {
		return kernelerr.New(subsystem, "Revoke", kernelerr.CodeInvalidArgument)
	}
	e := &s.entries[tok.ID]
	if !e.valid || e.generation != tok.Generation {
		return kernelerr.New(subsystem, "Revoke", kernelerr.CodeInvalidArgument)
	}
	if !e.rights.Has(RightRevoke) {
		return kernelerr.Wrap(subsystem, "Revoke", kernelerr.CodePermissionDenied,
			fmt.Errorf("token %s has rights %s, missing %s", tok, e.rights, RightRevoke))
	}
	e.valid = false
	e.object = ObjectRef{}
	e.rights = 0
	s.freeIDs = append(s.freeIDs, tok.ID)
	s.live--
	return nil
}

// Live returns the number of currently valid capabilities in the space.
func (s *Space) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}
