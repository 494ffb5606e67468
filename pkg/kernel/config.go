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

// Package kernel wires the frame allocator, scheduler, capability system,
// and MAC policy engine into a single bootable core, and provides the
// syscall-boundary dispatch every operation on those subsystems passes
// through. See SPEC_FULL.md.
package kernel

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/veridian-os/core/pkg/kernelerr"
	"github.com/veridian-os/core/pkg/mm/frame"
	"github.com/veridian-os/core/pkg/sched"
)

const subsystem = "kernel"

// NodeConfig is one NUMA node's frame range, as read from TOML.
type NodeConfig struct {
	StartFrame uint64 `toml:"start_frame"`
	FrameCount int    `toml:"frame_count"`
}

// Config is the boot-time configuration for a Core, loaded from a TOML
// file the way the teacher's tooling loads its own run configuration.
type Config struct {
	Nodes           []NodeConfig `toml:"nodes"`
	CPUCount        int          `toml:"cpu_count"`
	Algorithm       string       `toml:"scheduler_algorithm"`
	PolicyFile      string       `toml:"policy_file"`
	KernelImageLow  uint64       `toml:"kernel_image_start_frame"`
	KernelImageHigh uint64       `toml:"kernel_image_end_frame"`
	CapSpaceQuota   int          `toml:"cap_space_quota"`

	// DisableMLS turns off Bell-LaPadula level checking in CheckAccess.
	// spec.md section 4.4 lists the MLS dominance check as a mandatory
	// step of check_access_full, so it defaults on; this exists only for
	// deployments running a pure type-enforcement policy with no MLS
	// labels configured at all.
	DisableMLS bool `toml:"disable_mls"`
}

// LoadConfig parses a TOML config file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, kernelerr.Wrap(subsystem, "LoadConfig", kernelerr.CodeInvalidArgument, err)
	}
	if cfg.CPUCount <= 0 {
		cfg.CPUCount = 1
	}
	if cfg.CapSpaceQuota <= 0 {
		cfg.CapSpaceQuota = 4096
	}
	return &cfg, nil
}

func (c *Config) algorithm() (sched.SchedAlgorithm, error) {
	switch c.Algorithm {
	case "", "hybrid":
		return sched.AlgHybrid, nil
	case "round_robin":
		return sched.AlgRoundRobin, nil
	case "priority":
		return sched.AlgPriority, nil
	case "cfs":
		return sched.AlgCfs, nil
	default:
		return 0, fmt.Errorf("unknown scheduler_algorithm %q", c.Algorithm)
	}
}

func (c *Config) nodeSpecs() []frame.NodeSpec {
	specs := make([]frame.NodeSpec, len(c.Nodes))
	for i, n := range c.Nodes {
		specs[i] = frame.NodeSpec{Start: frame.Number(n.StartFrame), Count: n.FrameCount}
	}
	return specs
}
