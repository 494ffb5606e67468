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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/veridian-os/core/pkg/kernelerr"
)

// Engine is the policy database plus the enforcement toggle: type
// enforcement rules, domain transitions, and RBAC roles, scanned linearly
// out of fixed-capacity arrays, and user-to-role assignments, held in a
// map. MLS levels are not stored; they arrive on each Request's labels.
type Engine struct {
	mu sync.RWMutex

	rules    [MaxRules]PolicyRule
	numRules int

	transitions    [MaxTransitions]DomainTransition
	numTransitions int

	roles    [MaxRoles]Role
	numRoles int

	// userRoles maps a user name to the role names assigned to it. An
	// entry absent from this map, or an Engine with zero roles defined
	// at all, is permissive for RBAC purposes (spec.md's Open Question:
	// a deployment that doesn't configure RBAC should not be locked out
	// by type-enforcement-only policy).
	userRoles map[string][]string

	mlsEnabled bool
	enabled    bool

	audit *AuditSink
	log   *logrus.Entry
}

// NewEngine returns an empty, disabled Engine. Call Enable after loading
// a policy to begin enforcement.
func NewEngine(audit *AuditSink, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{
		userRoles: make(map[string][]string),
		audit:     audit,
		log:       log.WithField("subsystem", subsystem),
	}
}

// Enable turns on MAC enforcement; CheckAccess always permits everything
// while disabled, matching spec.md section 4.4's "policy engine may be
// administratively disabled" requirement.
func (e *Engine) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = true
}

// Disable turns off MAC enforcement.
func (e *Engine) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = false
}

// Enabled reports whether enforcement is currently active.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// EnableMLS turns on Bell-LaPadula level checking within CheckAccess.
func (e *Engine) EnableMLS()  { e.mu.Lock(); e.mlsEnabled = true; e.mu.Unlock() }
func (e *Engine) DisableMLS() { e.mu.Lock(); e.mlsEnabled = false; e.mu.Unlock() }

// AddRule appends a type-enforcement rule, failing with CodeQuotaExceeded
// once MaxRules is reached.
func (e *Engine) AddRule(r PolicyRule) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.numRules >= MaxRules {
		return kernelerr.New(subsystem, "AddRule", kernelerr.CodeQuotaExceeded)
	}
	r.Enabled = true
	e.rules[e.numRules] = r
	e.numRules++
	return nil
}

// AddTransition appends a domain transition entry.
func (e *Engine) AddTransition(t DomainTransition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.numTransitions >= MaxTransitions {
		return kernelerr.New(subsystem, "AddTransition", kernelerr.CodeQuotaExceeded)
	}
	e.transitions[e.numTransitions] = t
	e.numTransitions++
	return nil
}

// AddRole appends a role definition.
func (e *Engine) AddRole(r Role) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.numRoles >= MaxRoles {
		return kernelerr.New(subsystem, "AddRole", kernelerr.CodeQuotaExceeded)
	}
	e.roles[e.numRoles] = r
	e.numRoles++
	return nil
}

// AssignRoles records that user may act under the given role names.
func (e *Engine) AssignRoles(user string, roles ...string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.userRoles) >= MaxUsers {
		return kernelerr.New(subsystem, "AssignRoles", kernelerr.CodeQuotaExceeded)
	}
	e.userRoles[user] = append([]string(nil), roles...)
	return nil
}

// Request names one access-control decision: a subject with a security
// label and an RBAC user identity asking for Permissions on an object
// with its own security label, under ObjectClass.
type Request struct {
	Subject     SecurityLabel
	SubjectUser string
	Object      SecurityLabel
	ObjectClass ClassName
	Permissions Permission
}

// CheckAccess is the single entry point every syscall-boundary dispatch
// goes through (spec.md section 4.4). Evaluation order is: disabled
// engine permits everything; an explicit, enabled Deny rule matching any
// requested permission wins outright over any Allow (deny takes
// precedence, spec.md section 4.4); otherwise an explicit Allow rule must
// cover every requested permission; then, if MLS is enabled, Bell-LaPadula
// dominance is checked per permission; finally RBAC membership is
// checked, permissively passing if no roles are configured anywhere or
// for this user.
func (e *Engine) CheckAccess(req Request) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.enabled {
		return nil
	}

	if e.matchesDeny(req.Subject.Type, req.Object.Type, req.Permissions) {
		e.auditDeny(req, "type enforcement deny rule")
		return kernelerr.New(subsystem, "CheckAccess", kernelerr.CodePermissionDenied)
	}

	if !e.matchesAllow(req.Subject.Type, req.Object.Type, req.Permissions) {
		e.auditDeny(req, "no allow rule covers requested permissions")
		return kernelerr.New(subsystem, "CheckAccess", kernelerr.CodePermissionDenied)
	}

	if e.mlsEnabled {
		if err := bellLaPadula(req.Subject.MLS, req.Object.MLS, req.Permissions); err != nil {
			e.auditDeny(req, err.Error())
			return kernelerr.Wrap(subsystem, "CheckAccess", kernelerr.CodePermissionDenied, err)
		}
	}

	if !e.rbacAllows(req.SubjectUser, req.Subject.Type) {
		e.auditDeny(req, "RBAC: user's roles do not permit this type")
		return kernelerr.New(subsystem, "CheckAccess", kernelerr.CodePermissionDenied)
	}

	return nil
}

func (e *Engine) matchesDeny(source, target TypeName, perm Permission) bool {
	for i := 0; i < e.numRules; i++ {
		r := e.rules[i]
		if r.Enabled && r.Action == ActionDeny && r.SourceType == source && r.TargetType == target && r.Permissions&perm != 0 {
			return true
		}
	}
	return false
}

func (e *Engine) matchesAllow(source, target TypeName, perm Permission) bool {
	for i := 0; i < e.numRules; i++ {
		r := e.rules[i]
		if r.Enabled && r.Action == ActionAllow && r.SourceType == source && r.TargetType == target && r.Permissions&perm == perm {
			return true
		}
	}
	return false
}

// bellLaPadula applies the three classic rules per requested permission:
// no-read-up (subject must dominate object to read), no-write-down
// (object must dominate subject to write), and same-level-only execute.
func bellLaPadula(subject, object MlsLevel, perm Permission) error {
	if perm&PermRead != 0 && !subject.Dominates(object) {
		return fmt.Errorf("no-read-up: subject level does not dominate object level")
	}
	if perm&PermWrite != 0 && !object.Dominates(subject) {
		return fmt.Errorf("no-write-down: object level does not dominate subject level")
	}
	if perm&PermExecute != 0 && !subject.Equal(object) {
		return fmt.Errorf("execute requires equal sensitivity and categories")
	}
	return nil
}

// rbacAllows is permissive when no role has ever been defined, or when
// the user has no roles assigned; otherwise at least one of the user's
// roles must permit acting as subjectType.
func (e *Engine) rbacAllows(user string, subjectType TypeName) bool {
	if e.numRoles == 0 {
		return true
	}
	roleNames, ok := e.userRoles[user]
	if !ok || len(roleNames) == 0 {
		return true
	}
	for _, rn := range roleNames {
		for i := 0; i < e.numRoles; i++ {
			if e.roles[i].Name == rn && e.roles[i].allows(subjectType) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) auditDeny(req Request, reason string) {
	if e.audit == nil {
		return
	}
	e.audit.Notify(DenialEvent{
		SubjectType: req.Subject.Type,
		ObjectType:  req.Object.Type,
		ObjectClass: req.ObjectClass,
		Permissions: req.Permissions,
		Reason:      reason,
	})
}

// Transition looks up the domain a subject of sourceType transitions to
// after executing an object of targetType in class, returning
// (newType, true) if a transition rule matches, or ("", false) otherwise
// (meaning the subject's type is unchanged).
func (e *Engine) Transition(sourceType, targetType TypeName, class ClassName) (TypeName, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := 0; i < e.numTransitions; i++ {
		t := e.transitions[i]
		if t.SourceType == sourceType && t.TargetType == targetType && t.Class == class {
			return t.NewType, true
		}
	}
	return "", false
}
