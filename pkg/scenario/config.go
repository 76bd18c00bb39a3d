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

// Package scenario loads declarative kernel workloads from YAML and runs
// them, producing a trace of every synchronization operation. It exists to
// exercise the kernel from the outside: a scenario declares semaphores,
// flag groups and threads, each thread a scripted sequence of steps, and
// the runner drives ticks into the kernel at a configurable rate while the
// threads execute.
package scenario

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"minirt.dev/minirt/pkg/kernel"
)

// Timeout is a tick count in scenario files. It unmarshals from an
// integer, or from the strings "forever" and "nowait".
type Timeout kernel.Ticks

// UnmarshalYAML implements yaml.Unmarshaler.
func (t *Timeout) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("timeout must be a scalar, got %v", n.Kind)
	}
	switch strings.ToLower(n.Value) {
	case "forever":
		*t = Timeout(kernel.Forever)
		return nil
	case "nowait", "":
		*t = Timeout(kernel.NoWait)
		return nil
	}
	v, err := strconv.ParseUint(n.Value, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", n.Value, err)
	}
	*t = Timeout(v)
	return nil
}

// Ticks converts to the kernel's tick type.
func (t Timeout) Ticks() kernel.Ticks { return kernel.Ticks(t) }

// SemaphoreConfig declares one counting semaphore.
type SemaphoreConfig struct {
	Name  string `yaml:"name"`
	Count uint16 `yaml:"count"`
	Max   uint16 `yaml:"max"`
}

// FlagGroupConfig declares one event flag group.
type FlagGroupConfig struct {
	Name    string      `yaml:"name"`
	Initial kernel.Bits `yaml:"initial"`
}

// Step is one scripted operation in a thread's sequence.
type Step struct {
	// Op selects the operation: take, give, wait, set, sleep, yield,
	// lock, unlock, suspend, resume, tick, halt. A tick step injects one
	// clock tick from simulated interrupt context, which lets a scenario
	// drive time deterministically instead of relying on the runner's
	// asynchronous tick source.
	Op string `yaml:"op"`

	// Object names the semaphore or flag group for take, give, wait and
	// set.
	Object string `yaml:"object"`

	// Thread names the target thread for suspend and resume. Empty means
	// the calling thread (legal for suspend only).
	Thread string `yaml:"thread"`

	// Timeout bounds take, wait and sleep.
	Timeout Timeout `yaml:"timeout"`

	// Value and Mask parameterize set.
	Value kernel.Bits `yaml:"value"`
	Mask  kernel.Bits `yaml:"mask"`

	// Want, All and Clear parameterize wait.
	Want  kernel.Bits `yaml:"want"`
	All   bool        `yaml:"all"`
	Clear bool        `yaml:"clear"`

	// Repeat runs the step this many times; zero means once.
	Repeat int `yaml:"repeat"`
}

// ThreadConfig declares one scripted thread.
type ThreadConfig struct {
	Name      string `yaml:"name"`
	Priority  uint8  `yaml:"priority"`
	Suspended bool   `yaml:"suspended"`
	Steps     []Step `yaml:"steps"`
}

// Config is the root of a scenario file.
type Config struct {
	Name string `yaml:"name"`

	// TickHz is the rate at which the runner injects clock ticks. Zero
	// means as fast as possible.
	TickHz int `yaml:"tick_hz"`

	// Ticks is how many clock ticks the runner injects. Zero disables
	// the tick source.
	Ticks uint64 `yaml:"ticks"`

	// HaltAfterTicks stops the kernel once the tick budget is spent,
	// waking any threads still blocked. Without it the scenario ends
	// when every thread returns.
	HaltAfterTicks bool `yaml:"halt_after_ticks"`

	Semaphores []SemaphoreConfig `yaml:"semaphores"`
	FlagGroups []FlagGroupConfig `yaml:"flag_groups"`
	Threads    []ThreadConfig    `yaml:"threads"`
}

var stepOps = map[string]bool{
	"take":    true,
	"give":    true,
	"wait":    true,
	"set":     true,
	"sleep":   true,
	"yield":   true,
	"lock":    true,
	"unlock":  true,
	"suspend": true,
	"resume":  true,
	"tick":    true,
	"halt":    true,
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a scenario file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if len(cfg.Threads) == 0 {
		return fmt.Errorf("scenario %q declares no threads", cfg.Name)
	}
	objects := make(map[string]string)
	for _, s := range cfg.Semaphores {
		if s.Name == "" {
			return fmt.Errorf("semaphore with empty name")
		}
		if prev, ok := objects[s.Name]; ok {
			return fmt.Errorf("object %q declared twice (%s and semaphore)", s.Name, prev)
		}
		objects[s.Name] = "semaphore"
	}
	for _, f := range cfg.FlagGroups {
		if f.Name == "" {
			return fmt.Errorf("flag group with empty name")
		}
		if prev, ok := objects[f.Name]; ok {
			return fmt.Errorf("object %q declared twice (%s and flag group)", f.Name, prev)
		}
		objects[f.Name] = "flag group"
	}
	threads := make(map[string]bool)
	for _, t := range cfg.Threads {
		if t.Name == "" {
			return fmt.Errorf("thread with empty name")
		}
		if threads[t.Name] {
			return fmt.Errorf("thread %q declared twice", t.Name)
		}
		threads[t.Name] = true
	}
	for _, t := range cfg.Threads {
		for i, s := range t.Steps {
			if !stepOps[s.Op] {
				return fmt.Errorf("thread %q step %d: unknown op %q", t.Name, i, s.Op)
			}
			switch s.Op {
			case "take", "give":
				if objects[s.Object] != "semaphore" {
					return fmt.Errorf("thread %q step %d: %q is not a semaphore", t.Name, i, s.Object)
				}
			case "wait", "set":
				if objects[s.Object] != "flag group" {
					return fmt.Errorf("thread %q step %d: %q is not a flag group", t.Name, i, s.Object)
				}
			case "suspend", "resume":
				if s.Thread != "" && !threads[s.Thread] {
					return fmt.Errorf("thread %q step %d: unknown thread %q", t.Name, i, s.Thread)
				}
				if s.Op == "resume" && s.Thread == "" {
					return fmt.Errorf("thread %q step %d: resume needs a target thread", t.Name, i)
				}
			}
		}
	}
	return nil
}
