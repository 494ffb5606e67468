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

// Package mac implements the mandatory access control policy engine:
// SELinux-style type enforcement, Bell-LaPadula multi-level security,
// role-based access control, and domain transitions, loaded from a small
// policy-text grammar. See SPEC_FULL.md and spec.md section 4.4.
//
// The rule, transition, and role tables are fixed-size arrays scanned
// linearly rather than map-backed, so a CheckAccess call on the hot path
// never allocates; only loading or editing a policy does.
package mac

const subsystem = "mac"

// Fixed table capacities. Adding past one of these fails with
// CodeQuotaExceeded (see AddRule); ParsePolicy reports that failure
// wrapped in a CodeInvalidArgument error naming the line.
const (
	MaxRules       = 4096
	MaxTransitions = 1024
	MaxRoles       = 128
	MaxUsers       = 1024
	MaxCategories  = 64
)

// TypeName is a type-enforcement domain or type, e.g. "kernel_t", "init_t".
type TypeName string

// ClassName is the object class a rule or transition applies to, e.g.
// "process", "memory", "endpoint".
type ClassName string

// Permission is a bitmask of the operations a rule or check can name.
type Permission uint32

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExecute
	PermCreate
	PermDelete
	PermSearch
	PermConnect
	PermGrant
)

func (p Permission) String() string {
	if p == 0 {
		return "none"
	}
	names := []struct {
		bit Permission
		s   string
	}{
		{PermRead, "read"}, {PermWrite, "write"}, {PermExecute, "execute"},
		{PermCreate, "create"}, {PermDelete, "delete"}, {PermSearch, "search"},
		{PermConnect, "connect"}, {PermGrant, "grant"},
	}
	out := ""
	for _, n := range names {
		if p&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.s
		}
	}
	return out
}

// Action is what a PolicyRule does when it matches.
type Action int

const (
	ActionAllow Action = iota
	ActionDeny
)

func (a Action) String() string {
	if a == ActionDeny {
		return "deny"
	}
	return "allow"
}

// PolicyRule is one type-enforcement entry for a check whose (source,
// target) types match SourceType/TargetType: a Deny rule applies when the
// requested permissions intersect Permissions, an Allow rule only when
// Permissions covers every requested permission. Disabled rules are kept in the
// table (so re-enabling doesn't require reparsing) but never match.
type PolicyRule struct {
	SourceType  TypeName
	TargetType  TypeName
	Permissions Permission
	Action      Action
	Enabled     bool
}

// MlsLevel is a Bell-LaPadula security level: a linear sensitivity and a
// set of up to MaxCategories independent compartments.
type MlsLevel struct {
	Sensitivity uint8
	Categories  uint64
}

// Dominates reports whether level a dominates b: a's sensitivity is at
// least b's, and a's categories are a superset of b's.
func (a MlsLevel) Dominates(b MlsLevel) bool {
	return a.Sensitivity >= b.Sensitivity && (a.Categories&b.Categories) == b.Categories
}

// Equal reports whether a and b are the identical level (required for the
// Bell-LaPadula "no execute across sensitivity" rule).
func (a MlsLevel) Equal(b MlsLevel) bool {
	return a.Sensitivity == b.Sensitivity && a.Categories == b.Categories
}

// SecurityLabel is the full label attached to a subject or object: its
// type-enforcement type plus its MLS level.
type SecurityLabel struct {
	Type TypeName
	MLS  MlsLevel
}

// DomainTransition records that a subject of SourceType executing an
// object of TargetType in Class becomes NewType, spec.md's exec-time
// domain transition.
type DomainTransition struct {
	SourceType TypeName
	TargetType TypeName
	Class      ClassName
	NewType    TypeName
}

// Role restricts which types a role's members may act as subjects under.
type Role struct {
	Name         string
	AllowedTypes []TypeName
}

func (r Role) allows(t TypeName) bool {
	for _, at := range r.AllowedTypes {
		if at == t {
			return true
		}
	}
	return false
}
