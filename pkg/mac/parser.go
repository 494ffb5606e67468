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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/flock"

	"github.com/veridian-os/core/pkg/kernelerr"
)

// Policy text grammar, one statement per line, ';'-terminated, '#'
// starts a line comment:
//
//	allow <source> <target> { perm [perm...] };
//	deny  <source> <target> { perm [perm...] };
//	type_transition <source> <target> : <class> <new_type>;
//	role <name> types { type [type...] };
//	user <name> roles { role [role...] };
//
// Permission names are the lowercase form of the Permission constants
// (read, write, execute, create, delete, search, connect, grant). Names
// inside braces are whitespace-separated, matching the grammar; a comma
// is accepted as an additional separator for readability.

var permissionNames = map[string]Permission{
	"read": PermRead, "write": PermWrite, "execute": PermExecute,
	"create": PermCreate, "delete": PermDelete, "search": PermSearch,
	"connect": PermConnect, "grant": PermGrant,
}

// ParsePolicy parses policy text into rules, transitions, roles, and role
// assignments, loading them into e. It does not clear any existing
// tables first; callers that want a clean reload should build a fresh
// Engine.
func (e *Engine) ParsePolicy(text string) error {
	sc := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSuffix(strings.TrimSpace(line), ";")
		if err := e.parseStatement(line); err != nil {
			return kernelerr.Wrap(subsystem, "ParsePolicy", kernelerr.CodeInvalidArgument,
				fmt.Errorf("line %d: %w", lineNo, err))
		}
	}
	return sc.Err()
}

func (e *Engine) parseStatement(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "allow", "deny":
		return e.parseRule(fields)
	case "type_transition":
		return e.parseTransition(fields)
	case "role":
		return e.parseRole(line, fields)
	case "user":
		return e.parseUser(line, fields)
	default:
		return fmt.Errorf("unknown statement %q", fields[0])
	}
}

// parseRule parses "allow|deny SOURCE TARGET { perm,perm };" (braces may
// be their own fields or attached; Fields already split on whitespace).
func (e *Engine) parseRule(fields []string) error {
	if len(fields) < 4 {
		return fmt.Errorf("rule statement needs source, target, and a permission set")
	}
	source, target := fields[1], fields[2]
	permsField := strings.Join(fields[3:], " ")
	permsField = strings.TrimSpace(strings.Trim(permsField, "{}"))

	var perms Permission
	for _, name := range splitNames(permsField) {
		bit, ok := permissionNames[name]
		if !ok {
			return fmt.Errorf("unknown permission %q", name)
		}
		perms |= bit
	}

	action := ActionAllow
	if fields[0] == "deny" {
		action = ActionDeny
	}
	return e.AddRule(PolicyRule{
		SourceType:  TypeName(source),
		TargetType:  TypeName(target),
		Permissions: perms,
		Action:      action,
	})
}

// parseTransition parses "type_transition SOURCE TARGET : CLASS NEWTYPE;".
func (e *Engine) parseTransition(fields []string) error {
	if len(fields) != 6 || fields[3] != ":" {
		return fmt.Errorf("expected: type_transition SOURCE TARGET : CLASS NEWTYPE")
	}
	return e.AddTransition(DomainTransition{
		SourceType: TypeName(fields[1]),
		TargetType: TypeName(fields[2]),
		Class:      ClassName(fields[4]),
		NewType:    TypeName(fields[5]),
	})
}

// parseRole parses "role NAME types { t1,t2 };".
func (e *Engine) parseRole(line string, fields []string) error {
	if len(fields) < 2 {
		return fmt.Errorf("role statement needs a name")
	}
	name := fields[1]
	types, err := extractBraceList(line, "types")
	if err != nil {
		return err
	}
	allowed := make([]TypeName, len(types))
	for i, t := range types {
		allowed[i] = TypeName(t)
	}
	return e.AddRole(Role{Name: name, AllowedTypes: allowed})
}

// parseUser parses "user NAME roles { r1,r2 };".
func (e *Engine) parseUser(line string, fields []string) error {
	if len(fields) < 2 {
		return fmt.Errorf("user statement needs a name")
	}
	name := fields[1]
	roles, err := extractBraceList(line, "roles")
	if err != nil {
		return err
	}
	return e.AssignRoles(name, roles...)
}

// extractBraceList finds "keyword { a b c }" within line and returns the
// names inside the braces.
func extractBraceList(line, keyword string) ([]string, error) {
	idx := strings.Index(line, keyword)
	if idx < 0 {
		return nil, fmt.Errorf("expected keyword %q", keyword)
	}
	rest := line[idx+len(keyword):]
	open := strings.Index(rest, "{")
	shut := strings.Index(rest, "}")
	if open < 0 || shut < 0 || shut < open {
		return nil, fmt.Errorf("expected a brace-delimited list after %q", keyword)
	}
	return splitNames(rest[open+1 : shut]), nil
}

// splitNames splits a brace body into individual names on whitespace,
// the grammar's separator, also accepting a comma for readability.
func splitNames(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	return fields
}

// LoadPolicyFile reads and parses a policy file, holding an advisory file
// lock for the duration so a concurrent policy editor (or another kernel
// instance sharing the same policy file on disk) cannot observe or
// produce a half-written file.
func (e *Engine) LoadPolicyFile(path string) error {
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return kernelerr.Wrap(subsystem, "LoadPolicyFile", kernelerr.CodeInvalidState, err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return kernelerr.Wrap(subsystem, "LoadPolicyFile", kernelerr.CodeNotFound, err)
	}
	return e.ParsePolicy(string(data))
}
