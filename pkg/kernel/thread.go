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
	"minirt.dev/minirt/pkg/errors/kernelerr"
)

// threadState is a bitmask of conditions keeping a thread off the CPU. A
// thread is runnable iff no bits are set. Waiting, sleeping and suspension
// compose: a suspended waiter stays on its wait list, and a wait that is
// satisfied while suspended leaves the thread non-runnable until resumed.
type threadState uint8

const (
	// stateWaiting marks a thread enqueued on an event wait list.
	stateWaiting threadState = 1 << iota

	// stateSleeping marks a thread in a timed sleep.
	stateSleeping

	// stateSuspended marks a thread explicitly suspended.
	stateSuspended

	// stateExited marks a thread whose entry function has returned.
	stateExited
)

// Thread is a kernel thread. The zero value is not usable; threads are
// created with Kernel.NewThread or Context.Spawn. Each thread is backed by
// a goroutine, but the kernel dispatches at most one thread at a time.
type Thread struct {
	name  string
	k     *Kernel
	entry func(*Context)
	idle  bool

	// ctx is the thread's execution context, passed to its entry function
	// and used as its critical-section identity.
	ctx Context

	// cpu is the dispatch gate. A token is sent when the thread is given
	// the processor; the goroutine blocks receiving from it whenever the
	// thread is switched out.
	cpu chan struct{}

	// The fields below are protected by the kernel critical section.

	prio    Priority
	state   threadState
	seq     uint64 // readiness order, for FIFO dispatch within a priority
	queued  bool   // present in the ready queue
	timeout Ticks  // remaining ticks of the current wait or sleep
	waitErr error  // outcome of the current wait, published by the waker
	wait    *Event // wait list the thread is enqueued on, or nil
	w       waiter // wait-list entry, reused across waits
}

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// Priority returns the thread's current priority.
func (t *Thread) Priority(c *Context) (Priority, error) {
	if t == nil || c == nil {
		return 0, kernelerr.NullReference
	}
	k := t.k
	k.cs.enter(c)
	prio := t.prio
	k.cs.leave(c)
	return prio, nil
}

// rank orders threads for dispatch. The idle thread ranks below every
// priority an application thread can have.
func (t *Thread) rank() int16 {
	if t.idle {
		return -1
	}
	return int16(t.prio)
}

// run is the goroutine body backing a thread. It waits for its first
// dispatch, runs the entry function, and hands the processor back.
func (t *Thread) run() {
	<-t.cpu
	t.entry(&t.ctx)

	k := t.k
	c := &t.ctx
	k.cs.enter(c)
	t.state = stateExited
	t.timeout = 0
	k.live--
	next := k.pickNextLocked()
	k.running = next
	k.cs.release(c)
	k.dispatch(next)
}

// Suspend takes the thread off the CPU and out of scheduling until Resume.
// Suspending a waiting thread leaves it on its wait list. The idle thread
// cannot be suspended, and a thread cannot suspend itself while the
// scheduler is locked.
func (t *Thread) Suspend(c *Context) error {
	if t == nil || c == nil {
		return kernelerr.NullReference
	}
	k := t.k
	if t == k.idle {
		return kernelerr.FromIdle
	}
	self := t == c.thread
	if self && k.lockDepth > 0 {
		return kernelerr.SchedLocked
	}
	k.cs.enter(c)
	k.suspendLocked(t)
	if self {
		k.descheduleLocked(c)
	}
	k.opEpilogue(c)
	return nil
}

// Resume makes a suspended thread schedulable again. If the thread was
// also waiting or sleeping it stays blocked until that wait resolves.
// Resuming a thread that is not suspended is a no-op. A thread cannot
// resume itself, and the idle thread is never suspended.
func (t *Thread) Resume(c *Context) error {
	if t == nil || c == nil {
		return kernelerr.NullReference
	}
	k := t.k
	if t == c.thread || t == k.idle {
		return kernelerr.InvalidValue
	}
	k.cs.enter(c)
	if k.resumeLocked(t) {
		k.schedLocked(c)
	}
	k.opEpilogue(c)
	return nil
}

// SetPriority changes the thread's priority, repositioning it in the ready
// queue if it is ready. The change may cause an immediate preemption.
func (t *Thread) SetPriority(c *Context, prio Priority) error {
	if t == nil || c == nil {
		return kernelerr.NullReference
	}
	k := t.k
	if t == k.idle {
		return kernelerr.FromIdle
	}
	k.cs.enter(c)
	if t.prio != prio {
		if t.queued {
			k.ready.Delete(t)
			t.queued = false
			t.prio = prio
			k.readyLocked(t)
		} else {
			t.prio = prio
		}
		k.schedLocked(c)
	}
	k.opEpilogue(c)
	return nil
}

// suspendLocked implements Suspend for one thread. The caller is
// responsible for descheduling if t is the running thread.
//
// Precondition: the critical section is held; t is not the idle thread.
func (k *Kernel) suspendLocked(t *Thread) {
	if t.state&stateExited != 0 {
		return
	}
	if t.queued {
		k.ready.Delete(t)
		t.queued = false
	}
	t.state |= stateSuspended
}

// resumeLocked clears a thread's suspension and readies it if nothing else
// blocks it. It returns whether the thread now outranks the running one.
//
// Precondition: the critical section is held.
func (k *Kernel) resumeLocked(t *Thread) bool {
	if t.state&stateSuspended == 0 {
		return false
	}
	t.state &^= stateSuspended
	if t.state == 0 {
		k.readyLocked(t)
		return t.rank() > k.running.rank()
	}
	return false
}
