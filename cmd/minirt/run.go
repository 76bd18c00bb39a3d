// Copyright 2024 The minirt Authors.
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
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"minirt.dev/minirt/pkg/scenario"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	timeout time.Duration
	quiet   bool
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "run a scenario file and print its trace"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags] <scenario.yaml> - run a scenario and print its trace.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&r.timeout, "timeout", 0, "halt the scenario after this wall-clock duration; 0 means no limit.")
	f.BoolVar(&r.quiet, "quiet", false, "suppress the trace on stdout.")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := scenario.Load(f.Arg(0))
	if err != nil {
		logrus.Errorf("loading scenario: %v", err)
		return subcommands.ExitFailure
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	trace, err := scenario.NewRunner(cfg, logrus.StandardLogger()).Run(ctx)
	if err != nil && err != context.DeadlineExceeded && err != context.Canceled {
		logrus.Errorf("running scenario: %v", err)
		return subcommands.ExitFailure
	}

	if !r.quiet {
		enc := yaml.NewEncoder(os.Stdout)
		if encErr := enc.Encode(trace); encErr != nil {
			logrus.Errorf("encoding trace: %v", encErr)
			return subcommands.ExitFailure
		}
		enc.Close()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "scenario interrupted: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
