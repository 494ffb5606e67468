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

package kernel

import (
	"github.com/veridian-os/core/pkg/cap"
	"github.com/veridian-os/core/pkg/kernelerr"
	"github.com/veridian-os/core/pkg/mac"
)

// OpRequest is one syscall-boundary request: a task presenting a
// capability token and asking to exercise some of its rights against an
// object with a given security label, as the caller's subject label and
// RBAC identity.
type OpRequest struct {
	Space       *cap.Space
	Token       cap.Token
	Required    cap.Rights
	Subject     mac.SecurityLabel
	SubjectUser string
	Object      mac.SecurityLabel
	ObjectClass mac.ClassName
	Permissions mac.Permission
}

// Authorize performs the two-stage check every privileged operation goes
// through before the underlying subsystem call executes (spec.md section
// 4.3/4.4's combined capability-then-MAC boundary): the capability token
// must resolve and carry Required rights, and the MAC engine must permit
// the requested Permissions on Object.
func (c *Core) Authorize(req OpRequest) (cap.ObjectRef, error) {
	obj, rights, err := req.Space.Lookup(req.Token)
	if err != nil {
		return cap.ObjectRef{}, err
	}
	if !rights.Has(req.Required) {
		return cap.ObjectRef{}, kernelerr.New(subsystem, "Authorize", kernelerr.CodePermissionDenied)
	}

	if err := c.MAC.CheckAccess(mac.Request{
		Subject:     req.Subject,
		SubjectUser: req.SubjectUser,
		Object:      req.Object,
		ObjectClass: req.ObjectClass,
		Permissions: req.Permissions,
	}); err != nil {
		return cap.ObjectRef{}, err
	}

	return obj, nil
}
