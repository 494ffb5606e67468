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

import "testing"

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := NewEngine(nil, nil)
	e.Enable()
	return e
}

func TestDisabledEngineAlwaysPermits(t *testing.T) {
	e := NewEngine(nil, nil) // not Enable()d
	err := e.CheckAccess(Request{
		Subject:     SecurityLabel{Type: "untrusted_t"},
		Object:      SecurityLabel{Type: "kernel_t"},
		Permissions: PermRead | PermWrite | PermExecute,
	})
	if err != nil {
		t.Fatalf("disabled engine denied access: %v", err)
	}
}

func TestDenyTakesPrecedenceOverAllow(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddRule(PolicyRule{SourceType: "a_t", TargetType: "b_t", Permissions: PermRead | PermWrite, Action: ActionAllow}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddRule(PolicyRule{SourceType: "a_t", TargetType: "b_t", Permissions: PermWrite, Action: ActionDeny}); err != nil {
		t.Fatal(err)
	}

	err := e.CheckAccess(Request{
		Subject: SecurityLabel{Type: "a_t"}, Object: SecurityLabel{Type: "b_t"},
		Permissions: PermWrite,
	})
	if err == nil {
		t.Fatal("expected deny rule to win over a broader allow rule")
	}

	// Read alone is not covered by any deny rule and should still pass.
	if err := e.CheckAccess(Request{
		Subject: SecurityLabel{Type: "a_t"}, Object: SecurityLabel{Type: "b_t"},
		Permissions: PermRead,
	}); err != nil {
		t.Fatalf("read should be allowed, deny rule only covers write: %v", err)
	}
}

func TestNoMatchingAllowRuleDenies(t *testing.T) {
	e := newTestEngine(t)
	err := e.CheckAccess(Request{
		Subject: SecurityLabel{Type: "a_t"}, Object: SecurityLabel{Type: "b_t"},
		Permissions: PermRead,
	})
	if err == nil {
		t.Fatal("expected default-deny when no rule matches")
	}
}

func TestMLSNoReadUp(t *testing.T) {
	e := newTestEngine(t)
	e.EnableMLS()
	if err := e.AddRule(PolicyRule{SourceType: "a_t", TargetType: "b_t", Permissions: PermRead, Action: ActionAllow}); err != nil {
		t.Fatal(err)
	}

	low := SecurityLabel{Type: "a_t", MLS: MlsLevel{Sensitivity: 1}}
	high := SecurityLabel{Type: "b_t", MLS: MlsLevel{Sensitivity: 5}}

	err := e.CheckAccess(Request{Subject: low, Object: high, Permissions: PermRead})
	if err == nil {
		t.Fatal("expected no-read-up to deny a low subject reading a high object")
	}

	err = e.CheckAccess(Request{
		Subject:     SecurityLabel{Type: "a_t", MLS: high.MLS},
		Object:      SecurityLabel{Type: "b_t", MLS: low.MLS},
		Permissions: PermRead,
	})
	if err != nil {
		t.Fatalf("a high subject reading a low object should be permitted: %v", err)
	}
}

func TestMLSNoWriteDown(t *testing.T) {
	e := newTestEngine(t)
	e.EnableMLS()
	if err := e.AddRule(PolicyRule{SourceType: "a_t", TargetType: "b_t", Permissions: PermWrite, Action: ActionAllow}); err != nil {
		t.Fatal(err)
	}

	high := SecurityLabel{Type: "a_t", MLS: MlsLevel{Sensitivity: 5}}
	low := SecurityLabel{Type: "b_t", MLS: MlsLevel{Sensitivity: 1}}

	if err := e.CheckAccess(Request{Subject: high, Object: low, Permissions: PermWrite}); err == nil {
		t.Fatal("expected no-write-down to deny a high subject writing a low object")
	}
}

func TestRBACPermissiveWithoutRoles(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddRule(PolicyRule{SourceType: "a_t", TargetType: "b_t", Permissions: PermRead, Action: ActionAllow}); err != nil {
		t.Fatal(err)
	}
	// No AddRole call at all: RBAC must not block this request.
	if err := e.CheckAccess(Request{
		Subject: SecurityLabel{Type: "a_t"}, SubjectUser: "nobody",
		Object: SecurityLabel{Type: "b_t"}, Permissions: PermRead,
	}); err != nil {
		t.Fatalf("RBAC should be permissive when no roles are configured: %v", err)
	}
}

func TestRBACDeniesUserWithoutMatchingRole(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddRule(PolicyRule{SourceType: "a_t", TargetType: "b_t", Permissions: PermRead, Action: ActionAllow}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddRole(Role{Name: "r1", AllowedTypes: []TypeName{"other_t"}}); err != nil {
		t.Fatal(err)
	}
	if err := e.AssignRoles("alice", "r1"); err != nil {
		t.Fatal(err)
	}

	err := e.CheckAccess(Request{
		Subject: SecurityLabel{Type: "a_t"}, SubjectUser: "alice",
		Object: SecurityLabel{Type: "b_t"}, Permissions: PermRead,
	})
	if err == nil {
		t.Fatal("expected RBAC to deny a_t for a user whose only role allows other_t")
	}
}

func TestDomainTransitionLookup(t *testing.T) {
	e := newTestEngine(t)
	if err := e.AddTransition(DomainTransition{
		SourceType: "init_t", TargetType: "service_exec_t", Class: "process", NewType: "service_t",
	}); err != nil {
		t.Fatal(err)
	}

	newType, ok := e.Transition("init_t", "service_exec_t", "process")
	if !ok || newType != "service_t" {
		t.Fatalf("Transition = %q, %v, want service_t, true", newType, ok)
	}

	if _, ok := e.Transition("init_t", "other_t", "process"); ok {
		t.Fatal("Transition matched a combination with no rule")
	}
}

func TestParsePolicyDefaultPolicyLoads(t *testing.T) {
	e := NewEngine(nil, nil)
	if err := e.LoadDefaultPolicy(); err != nil {
		t.Fatalf("LoadDefaultPolicy: %v", err)
	}
	if !e.Enabled() {
		t.Fatal("LoadDefaultPolicy should enable enforcement")
	}

	err := e.CheckAccess(Request{
		Subject: SecurityLabel{Type: "kernel_t"}, SubjectUser: "root",
		Object: SecurityLabel{Type: "kernel_t"}, Permissions: PermRead | PermWrite,
	})
	if err != nil {
		t.Fatalf("kernel_t should be able to act on itself: %v", err)
	}

	err = e.CheckAccess(Request{
		Subject: SecurityLabel{Type: "service_t"}, SubjectUser: "root",
		Object: SecurityLabel{Type: "kernel_t"}, Permissions: PermWrite,
	})
	if err == nil {
		t.Fatal("service_t should not be able to write kernel_t under the default policy")
	}

	newType, ok := e.Transition("init_t", "service_exec_t", "process")
	if !ok || newType != "service_t" {
		t.Fatalf("default policy transition = %q, %v", newType, ok)
	}
}

func TestParsePolicySpaceSeparatedPermissions(t *testing.T) {
	e := NewEngine(nil, nil)
	if err := e.ParsePolicy("allow user_t file_t {read write};"); err != nil {
		t.Fatalf("ParsePolicy with space-separated permissions: %v", err)
	}
	e.Enable()

	err := e.CheckAccess(Request{
		Subject: SecurityLabel{Type: "user_t"}, Object: SecurityLabel{Type: "file_t"},
		Permissions: PermRead | PermWrite,
	})
	if err != nil {
		t.Fatalf("expected the parsed rule to cover read+write: %v", err)
	}
}

func TestParsePolicyRejectsUnknownPermission(t *testing.T) {
	e := NewEngine(nil, nil)
	if err := e.ParsePolicy("allow a_t b_t { frobnicate };"); err == nil {
		t.Fatal("expected an error for an unknown permission name")
	}
}
