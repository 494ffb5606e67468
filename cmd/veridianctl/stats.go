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
)

// statsCmd boots a fresh core and dumps the scheduler's per-CPU snapshot
// of it; it runs no scenario first.
type statsCmd struct {
	configPath string
}

func (*statsCmd) Name() string     { return "stats" }
func (*statsCmd) Synopsis() string { return "boot a core and print per-CPU scheduler state" }
func (*statsCmd) Usage() string {
	return "stats -config <path>\n  Boot a core and dump each CPU's current task and queue depth.\n"
}

func (c *statsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML boot configuration")
}

func (c *statsCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	core, err := loadCore(ctx, c.configPath)
	if err != nil {
		logrus.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}

	for _, snap := range core.Sched.Dump() {
		pid := "none"
		if snap.Current != nil {
			pid = fmt.Sprintf("%d", snap.Current.PID)
		}
		fmt.Printf("cpu=%d current=%s nr_running=%d\n", snap.CPU, pid, snap.NrRunning)
	}
	return subcommands.ExitSuccess
}
