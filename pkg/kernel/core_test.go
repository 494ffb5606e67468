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
	"context"
	"testing"

	"github.com/veridian-os/core/pkg/cap"
	"github.com/veridian-os/core/pkg/mac"
	"github.com/veridian-os/core/pkg/mm/frame"
)

func testConfig() *Config {
	return &Config{
		Nodes:           []NodeConfig{{StartFrame: 0, FrameCount: 4096}},
		CPUCount:        2,
		Algorithm:       "hybrid",
		KernelImageLow:  1,
		KernelImageHigh: 16,
		CapSpaceQuota:   64,
	}
}

func TestBootWiresAllSubsystems(t *testing.T) {
	c, err := Boot(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if !c.MAC.Enabled() {
		t.Fatal("MAC engine should be enabled after boot")
	}

	g, err := c.Frames.Allocate(4, frame.Hints{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if g.Start() < 16 {
		t.Fatalf("allocated a frame inside the reserved kernel image range: %d", g.Start())
	}
	g.Close()
}

func TestAuthorizeDeniesWithoutRights(t *testing.T) {
	c, err := Boot(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	space := c.RootSpace()
	readOnly, err := space.Derive(c.RootToken(), cap.RightRead)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	_, err = c.Authorize(OpRequest{
		Space: space, Token: readOnly, Required: cap.RightWrite,
		Subject:     mac.SecurityLabel{Type: "kernel_t"},
		SubjectUser: "root",
		Object:      mac.SecurityLabel{Type: "kernel_t"},
		Permissions: mac.PermWrite,
	})
	if err == nil {
		t.Fatal("expected Authorize to deny a write with a read-only capability")
	}
}

func TestAuthorizeSucceedsWithRootToken(t *testing.T) {
	c, err := Boot(context.Background(), testConfig(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	_, err = c.Authorize(OpRequest{
		Space: c.RootSpace(), Token: c.RootToken(), Required: cap.RightWrite,
		Subject:     mac.SecurityLabel{Type: "kernel_t"},
		SubjectUser: "root",
		Object:      mac.SecurityLabel{Type: "kernel_t"},
		Permissions: mac.PermWrite,
	})
	if err != nil {
		t.Fatalf("Authorize with the root token and default policy: %v", err)
	}
}
