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

package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/veridian-os/core/pkg/kernel"
)

// bootCmd loads a config file, boots a Core, and reports success. It
// exists mainly so the other commands share one loadCore helper and so a
// user can sanity-check a config file in isolation.
type bootCmd struct {
	configPath string
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot a kernel core from a config file" }
func (*bootCmd) Usage() string {
	return "boot -config <path>\n  Boot a kernel core and report its initial stats.\n"
}

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML boot configuration")
}

func (c *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	core, err := loadCore(ctx, c.configPath)
	if err != nil {
		logrus.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	printStats(core)
	return subcommands.ExitSuccess
}

// loadCore is the shared config-load-then-boot path every subcommand uses.
func loadCore(ctx context.Context, configPath string) (*kernel.Core, error) {
	if configPath == "" {
		return nil, fmt.Errorf("-config is required")
	}
	cfg, err := kernel.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return kernel.Boot(ctx, cfg, logrus.NewEntry(logrus.StandardLogger()))
}

func printStats(core *kernel.Core) {
	stats := core.Frames.Stats()
	fmt.Printf("frames: total=%d free=%d bitmap_allocs=%d buddy_allocs=%d\n",
		stats.TotalFrames, stats.FreeFrames, stats.BitmapAllocations, stats.BuddyAllocations)

	metrics := core.Sched.Metrics()
	fmt.Printf("sched: context_switches=%d steal_attempts=%d steal_successes=%d preemptions=%d\n",
		metrics.ContextSwitches, metrics.StealAttempts, metrics.StealSuccesses, metrics.Preemptions)

	fmt.Printf("mac: enabled=%v\n", core.MAC.Enabled())
}
