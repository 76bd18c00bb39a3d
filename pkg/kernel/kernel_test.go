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

package kernel

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"minirt.dev/minirt/pkg/errors/kernelerr"
)

// recorder collects an ordered event trace from threads and handlers.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) check(t *testing.T, want []string) {
	t.Helper()
	if diff := cmp.Diff(want, r.list()); diff != "" {
		t.Errorf("event trace mismatch (-want +got):\n%s", diff)
	}
}

func TestRunNoThreads(t *testing.T) {
	k := New()
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestRunTwice(t *testing.T) {
	k := New()
	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := k.NewThread("main", 1, func(c *Context) {
		close(started)
		<-release
	}); err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- k.Run() }()
	<-started
	if err := k.Run(); err != kernelerr.InvalidValue {
		t.Errorf("second Run() got %v, want %v", err, kernelerr.InvalidValue)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestNewThreadValidation(t *testing.T) {
	k := New()
	if _, err := k.NewThread("bad", 1, nil); err != kernelerr.InvalidValue {
		t.Errorf("NewThread(nil entry) got %v, want %v", err, kernelerr.InvalidValue)
	}
}

func TestPriorityDispatchOrder(t *testing.T) {
	k := New()
	var r recorder
	for _, th := range []struct {
		name string
		prio Priority
	}{
		{"low", 1},
		{"high", 3},
		{"mid", 2},
	} {
		name := th.name
		if _, err := k.NewThread(name, th.prio, func(c *Context) {
			r.add(name)
		}); err != nil {
			t.Fatalf("NewThread(%q) failed: %v", name, err)
		}
	}
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"high", "mid", "low"})
}

func TestYieldRoundRobin(t *testing.T) {
	k := New()
	var r recorder
	body := func(name string) func(*Context) {
		return func(c *Context) {
			r.add(name + "1")
			if err := c.Yield(); err != nil {
				t.Errorf("Yield failed: %v", err)
			}
			r.add(name + "2")
			if err := c.Yield(); err != nil {
				t.Errorf("Yield failed: %v", err)
			}
			r.add(name + "3")
		}
	}
	k.NewThread("a", 2, body("a"))
	k.NewThread("b", 2, body("b"))
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"a1", "b1", "a2", "b2", "a3", "b3"})
}

func TestSpawnPreempts(t *testing.T) {
	k := New()
	var r recorder
	k.NewThread("low", 1, func(c *Context) {
		r.add("low1")
		if _, err := c.Spawn("high", 5, func(*Context) {
			r.add("high")
		}); err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
		r.add("low2")
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"low1", "high", "low2"})
}

func TestSleepTicks(t *testing.T) {
	k := New()
	var r recorder
	k.NewThread("sleeper", 5, func(c *Context) {
		r.add("sleep")
		if err := c.Sleep(2); err != nil {
			t.Errorf("Sleep failed: %v", err)
		}
		r.add("awake")
	})
	k.NewThread("ticker", 1, func(c *Context) {
		for i := 0; i < 2; i++ {
			r.add("tick")
			if err := c.Interrupt(func(ic *Context) {
				if err := k.Tick(ic); err != nil {
					t.Errorf("Tick failed: %v", err)
				}
			}); err != nil {
				t.Errorf("Interrupt failed: %v", err)
			}
		}
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"sleep", "tick", "tick", "awake"})
	if got := k.TickCount(); got != 2 {
		t.Errorf("TickCount() = %d, want 2", got)
	}
}

func TestSleepValidation(t *testing.T) {
	k := New()
	k.NewThread("main", 1, func(c *Context) {
		if err := c.Sleep(Forever); err != kernelerr.InvalidValue {
			t.Errorf("Sleep(Forever) got %v, want %v", err, kernelerr.InvalidValue)
		}
		if err := c.Sleep(NoWait); err != nil {
			t.Errorf("Sleep(NoWait) got %v, want nil", err)
		}
		if err := c.Interrupt(func(ic *Context) {
			if err := ic.Sleep(1); err != kernelerr.FromISR {
				t.Errorf("Sleep from ISR got %v, want %v", err, kernelerr.FromISR)
			}
		}); err != nil {
			t.Errorf("Interrupt failed: %v", err)
		}
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestSuspendResume(t *testing.T) {
	k := New()
	var r recorder
	var worker *Thread
	k.NewThread("low", 1, func(c *Context) {
		r.add("resuming")
		if err := worker.Resume(c); err != nil {
			t.Errorf("Resume failed: %v", err)
		}
		r.add("low-done")
	})
	var err error
	worker, err = k.NewThread("worker", 5, func(c *Context) {
		r.add("worker1")
		if err := c.Thread().Suspend(c); err != nil {
			t.Errorf("Suspend failed: %v", err)
		}
		r.add("worker2")
	})
	if err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"worker1", "resuming", "worker2", "low-done"})
}

func TestSuspendedThreadDoesNotStart(t *testing.T) {
	k := New()
	var r recorder
	worker, err := k.NewSuspendedThread("worker", 5, func(c *Context) {
		r.add("worker")
	})
	if err != nil {
		t.Fatalf("NewSuspendedThread failed: %v", err)
	}
	k.NewThread("low", 1, func(c *Context) {
		r.add("low1")
		if err := worker.Resume(c); err != nil {
			t.Errorf("Resume failed: %v", err)
		}
		r.add("low2")
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"low1", "worker", "low2"})
}

func TestResumeValidation(t *testing.T) {
	k := New()
	k.NewThread("main", 1, func(c *Context) {
		if err := c.Thread().Resume(c); err != kernelerr.InvalidValue {
			t.Errorf("self Resume got %v, want %v", err, kernelerr.InvalidValue)
		}
		if err := c.Thread().Suspend(nil); err != kernelerr.NullReference {
			t.Errorf("Suspend(nil) got %v, want %v", err, kernelerr.NullReference)
		}
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestSetPriorityPreempts(t *testing.T) {
	k := New()
	var r recorder
	var other *Thread
	var err error
	other, err = k.NewThread("other", 1, func(c *Context) {
		r.add("other")
	})
	if err != nil {
		t.Fatalf("NewThread failed: %v", err)
	}
	k.NewThread("main", 2, func(c *Context) {
		r.add("main1")
		// Raising the other thread above the caller preempts immediately.
		if err := other.SetPriority(c, 3); err != nil {
			t.Errorf("SetPriority failed: %v", err)
		}
		r.add("main2")
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"main1", "other", "main2"})
	prio, err := other.Priority(nil)
	if err != kernelerr.NullReference {
		t.Errorf("Priority(nil) got %v, want %v", err, kernelerr.NullReference)
	}
	_ = prio
}

func TestSchedulerLockDefersPreemption(t *testing.T) {
	k := New()
	var r recorder
	k.NewThread("main", 1, func(c *Context) {
		if err := c.LockSched(); err != nil {
			t.Fatalf("LockSched failed: %v", err)
		}
		if _, err := c.Spawn("high", 5, func(*Context) {
			r.add("high")
		}); err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
		r.add("locked")
		if err := c.UnlockSched(); err != nil {
			t.Fatalf("UnlockSched failed: %v", err)
		}
		r.add("unlocked")
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"locked", "high", "unlocked"})
}

func TestUnlockSchedUnbalanced(t *testing.T) {
	k := New()
	k.NewThread("main", 1, func(c *Context) {
		if err := c.UnlockSched(); err != kernelerr.InvalidValue {
			t.Errorf("UnlockSched got %v, want %v", err, kernelerr.InvalidValue)
		}
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestInterruptNesting(t *testing.T) {
	k := New()
	k.NewThread("main", 1, func(c *Context) {
		if err := c.Interrupt(func(ic *Context) {
			if k.isrDepth != 1 {
				t.Errorf("isrDepth = %d, want 1", k.isrDepth)
			}
			if err := ic.Interrupt(func(nc *Context) {
				if k.isrDepth != 2 {
					t.Errorf("nested isrDepth = %d, want 2", k.isrDepth)
				}
			}); err != nil {
				t.Errorf("nested Interrupt failed: %v", err)
			}
			if k.isrDepth != 1 {
				t.Errorf("isrDepth after nested = %d, want 1", k.isrDepth)
			}
		}); err != nil {
			t.Errorf("Interrupt failed: %v", err)
		}
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
}

func TestCriticalSectionDefersPreemption(t *testing.T) {
	k := New()
	var r recorder
	k.NewThread("main", 1, func(c *Context) {
		c.EnterCritical()
		if _, err := c.Spawn("high", 5, func(*Context) {
			r.add("high")
		}); err != nil {
			t.Fatalf("Spawn failed: %v", err)
		}
		r.add("masked")
		c.LeaveCritical()
		r.add("unmasked")
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"masked", "high", "unmasked"})
}

func TestSuspendAllResumeAll(t *testing.T) {
	k := New()
	var r recorder
	k.OnIdle(func(c *Context) {
		r.add("idle")
		if err := k.ResumeAll(c); err != nil {
			t.Errorf("ResumeAll failed: %v", err)
		}
	})
	k.NewThread("main", 2, func(c *Context) {
		r.add("main1")
		if err := k.SuspendAll(c); err != nil {
			t.Errorf("SuspendAll failed: %v", err)
		}
		r.add("main2")
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"main1", "idle", "main2"})
}

func TestHaltWakesBlockedThreads(t *testing.T) {
	k := New()
	var r recorder
	var s Semaphore
	if err := s.Init(k, 0, 1); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	k.NewThread("blocked", 5, func(c *Context) {
		r.add("take")
		if err := s.Take(c, Forever); err != kernelerr.Halted {
			t.Errorf("Take after halt got %v, want %v", err, kernelerr.Halted)
		}
		r.add("halted")
	})
	k.NewThread("stopper", 1, func(c *Context) {
		r.add("halt")
		k.Halt(c)
		r.add("stopper-done")
	})
	if err := k.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	r.check(t, []string{"take", "halt", "halted", "stopper-done"})
}
