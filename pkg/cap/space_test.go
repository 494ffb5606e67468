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

import "testing"

func TestInsertLookupCheck(t *testing.T) {
	s := NewSpace(0)
	tok, err := s.Insert(ObjectRef{Kind: ObjectMemory, Object: 42}, RightRead|RightWrite)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	obj, rights, err := s.Lookup(tok)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if obj.Object != 42 || rights != (RightRead|RightWrite) {
		t.Fatalf("Lookup = %+v, %s", obj, rights)
	}

	if err := s.Check(tok, RightRead); err != nil {
		t.Fatalf("Check(RightRead): %v", err)
	}
	if err := s.Check(tok, RightExecute); err == nil {
		t.Fatal("Check(RightExecute) should fail, token lacks it")
	}
}

func TestRevokeThenLookupFails(t *testing.T) {
	s := NewSpace(0)
	tok, _ := s.Insert(ObjectRef{Kind: ObjectEndpoint, Object: 1}, RightRead|RightRevoke)

	if err := s.Revoke(tok); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, err := s.Lookup(tok); err == nil {
		t.Fatal("Lookup succeeded on a revoked token")
	}

	// A fresh Insert may reuse the slot, but old copies of tok must
	// remain invalid because the generation has advanced.
	tok2, err := s.Insert(ObjectRef{Kind: ObjectEndpoint, Object: 2}, RightRead)
	if err != nil {
		t.Fatalf("Insert after revoke: %v", err)
	}
	if tok2.ID == tok.ID && tok2.Generation == tok.Generation {
		t.Fatal("reused slot kept the old generation")
	}
	if _, _, err := s.Lookup(tok); err == nil {
		t.Fatal("stale token resolved after its slot was reused")
	}
}

func TestRevokeRequiresRevokeRight(t *testing.T) {
	s := NewSpace(0)
	tok, _ := s.Insert(ObjectRef{Kind: ObjectEndpoint, Object: 1}, RightRead|RightWrite)

	if err := s.Revoke(tok); err == nil {
		t.Fatal("Revoke should fail without RightRevoke")
	}
	if _, _, err := s.Lookup(tok); err != nil {
		t.Fatalf("token should still resolve, Revoke must have been a no-op: %v", err)
	}
}

func TestQuotaExceeded(t *testing.T) {
	s := NewSpace(2)
	if _, err := s.Insert(ObjectRef{Object: 1}, RightRead); err != nil {
		t.Fatalf("Insert 1: %v", err)
	}
	if _, err := s.Insert(ObjectRef{Object: 2}, RightRead); err != nil {
		t.Fatalf("Insert 2: %v", err)
	}
	if _, err := s.Insert(ObjectRef{Object: 3}, RightRead); err == nil {
		t.Fatal("third Insert should have failed the quota of 2")
	}
}

func TestDeriveNarrowsRights(t *testing.T) {
	s := NewSpace(0)
	tok, _ := s.Insert(ObjectRef{Object: 7}, RightRead|RightWrite|RightGrant)

	narrow, err := s.Derive(tok, RightRead)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if _, rights, _ := s.Lookup(narrow); rights != RightRead {
		t.Fatalf("derived rights = %s, want read-only", rights)
	}

	if _, err := s.Derive(tok, RightRead|RightExecute); err == nil {
		t.Fatal("Derive should reject rights the source token doesn't hold")
	}

	noGrant, _ := s.Insert(ObjectRef{Object: 8}, RightRead)
	if _, err := s.Derive(noGrant, RightRead); err == nil {
		t.Fatal("Derive should require RightGrant on the source token")
	}
}

func TestRootSpaceHasAllRights(t *testing.T) {
	s, root, err := NewRootSpace(0, ObjectRef{Kind: ObjectTask, Object: 1})
	if err != nil {
		t.Fatalf("NewRootSpace: %v", err)
	}
	if err := s.Check(root, AllRights); err != nil {
		t.Fatalf("root capability missing rights: %v", err)
	}
}
