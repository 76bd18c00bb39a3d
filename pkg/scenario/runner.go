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

package scenario

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"minirt.dev/minirt/pkg/kernel"
)

// Event is one entry in a scenario trace: an operation a scripted thread
// performed, its outcome, and the tick at which it completed.
type Event struct {
	Tick   uint64      `yaml:"tick"`
	Thread string      `yaml:"thread"`
	Op     string      `yaml:"op"`
	Object string      `yaml:"object,omitempty"`
	Status string      `yaml:"status"`
	Bits   kernel.Bits `yaml:"bits,omitempty"`
}

// Runner executes one scenario. It is single-use: Run may be called once.
type Runner struct {
	cfg *Config
	log logrus.FieldLogger

	mu    sync.Mutex
	trace []Event
}

// NewRunner returns a runner for cfg. A nil logger falls back to the
// logrus standard logger.
func NewRunner(cfg *Config, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{cfg: cfg, log: log.WithField("scenario", cfg.Name)}
}

func (r *Runner) record(k *kernel.Kernel, thread, op, object string, err error, bits kernel.Bits) {
	status := "ok"
	if err != nil {
		status = err.Error()
	}
	ev := Event{
		Tick:   k.TickCount(),
		Thread: thread,
		Op:     op,
		Object: object,
		Status: status,
		Bits:   bits,
	}
	r.mu.Lock()
	r.trace = append(r.trace, ev)
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{
		"tick":   ev.Tick,
		"thread": ev.Thread,
		"op":     ev.Op,
		"object": ev.Object,
		"status": ev.Status,
	}).Debug("step")
}

// Run builds the kernel, scripted objects and threads, starts the tick
// source, and runs the scenario to completion. It returns the ordered
// trace of executed steps. Cancelling ctx halts the kernel, which fails
// any still-blocked steps and lets their threads run to completion.
func (r *Runner) Run(ctx context.Context) ([]Event, error) {
	k := kernel.New()

	sems := make(map[string]*kernel.Semaphore, len(r.cfg.Semaphores))
	for _, sc := range r.cfg.Semaphores {
		s := new(kernel.Semaphore)
		if err := s.Init(k, sc.Count, sc.Max); err != nil {
			return nil, fmt.Errorf("semaphore %q: %w", sc.Name, err)
		}
		sems[sc.Name] = s
	}
	groups := make(map[string]*kernel.FlagGroup, len(r.cfg.FlagGroups))
	for _, fc := range r.cfg.FlagGroups {
		g := new(kernel.FlagGroup)
		if err := g.Init(k, fc.Initial); err != nil {
			return nil, fmt.Errorf("flag group %q: %w", fc.Name, err)
		}
		groups[fc.Name] = g
	}

	threads := make(map[string]*kernel.Thread, len(r.cfg.Threads))
	for _, tc := range r.cfg.Threads {
		tc := tc
		entry := func(c *kernel.Context) {
			r.runSteps(c, k, tc, sems, groups, threads)
		}
		var (
			t   *kernel.Thread
			err error
		)
		if tc.Suspended {
			t, err = k.NewSuspendedThread(tc.Name, kernel.Priority(tc.Priority), entry)
		} else {
			t, err = k.NewThread(tc.Name, kernel.Priority(tc.Priority), entry)
		}
		if err != nil {
			return nil, fmt.Errorf("thread %q: %w", tc.Name, err)
		}
		threads[tc.Name] = t
	}

	runCtx, cancel := context.WithCancel(ctx)
	var eg errgroup.Group

	eg.Go(func() error {
		defer cancel()
		return k.Run()
	})
	eg.Go(func() error {
		// Halt the kernel if the caller gives up before the scenario
		// finishes on its own.
		<-runCtx.Done()
		if ctx.Err() != nil {
			k.Halt(nil)
		}
		return nil
	})
	if r.cfg.Ticks > 0 {
		eg.Go(func() error {
			limit := rate.Inf
			if r.cfg.TickHz > 0 {
				limit = rate.Limit(r.cfg.TickHz)
			}
			limiter := rate.NewLimiter(limit, 1)
			for i := uint64(0); i < r.cfg.Ticks; i++ {
				if err := limiter.Wait(runCtx); err != nil {
					// The kernel finished, or the caller cancelled;
					// either way the clock stops.
					return nil
				}
				k.Interrupt(func(c *kernel.Context) {
					k.Tick(c)
				})
			}
			if r.cfg.HaltAfterTicks {
				k.Halt(nil)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return r.trace, err
	}
	return r.trace, ctx.Err()
}

func (r *Runner) runSteps(c *kernel.Context, k *kernel.Kernel, tc ThreadConfig, sems map[string]*kernel.Semaphore, groups map[string]*kernel.FlagGroup, threads map[string]*kernel.Thread) {
	for _, s := range tc.Steps {
		n := s.Repeat
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			var (
				err  error
				bits kernel.Bits
			)
			switch s.Op {
			case "take":
				err = sems[s.Object].Take(c, s.Timeout.Ticks())
			case "give":
				err = sems[s.Object].Give(c)
			case "wait":
				opt := kernel.WaitAny
				if s.All {
					opt = kernel.WaitAll
				}
				if s.Clear {
					opt |= kernel.ClearOnExit
				}
				err = groups[s.Object].Wait(c, opt, s.Want, &bits, s.Timeout.Ticks())
			case "set":
				err = groups[s.Object].Set(c, s.Value, s.Mask)
			case "sleep":
				err = c.Sleep(s.Timeout.Ticks())
			case "yield":
				err = c.Yield()
			case "lock":
				err = c.LockSched()
			case "unlock":
				err = c.UnlockSched()
			case "suspend":
				t := threads[s.Thread]
				if s.Thread == "" {
					t = c.Thread()
				}
				err = t.Suspend(c)
			case "resume":
				err = threads[s.Thread].Resume(c)
			case "tick":
				err = c.Interrupt(func(ic *kernel.Context) {
					k.Tick(ic)
				})
			case "halt":
				k.Halt(c)
			}
			r.record(k, tc.Name, s.Op, s.Object, err, bits)
		}
	}
}
