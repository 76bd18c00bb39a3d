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

// Context identifies the execution context making a kernel call: a thread
// (possibly the idle thread) or an interrupt frame. Ambient "current
// thread" globals are deliberately absent; every operation receives the
// caller's context explicitly. Contexts are handed out by the kernel (to
// thread entry functions, interrupt handlers and the idle hook) and must
// not be shared across goroutines.
type Context struct {
	k      *Kernel
	thread *Thread // nil for interrupt frames
	isr    bool

	// depth is the critical-section nesting depth held by this context.
	// It is meaningful only while the context owns the kernel's mask.
	depth int
}

// Kernel returns the kernel this context belongs to.
func (c *Context) Kernel() *Kernel { return c.k }

// Thread returns the thread making the call, or nil for an interrupt
// frame.
func (c *Context) Thread() *Thread { return c.thread }

// InInterrupt reports whether the context is an interrupt frame.
func (c *Context) InInterrupt() bool { return c.isr }

// EnterCritical masks interrupts. Calls nest; the mask is released when
// every EnterCritical has been balanced by LeaveCritical.
func (c *Context) EnterCritical() { c.k.cs.enter(c) }

// LeaveCritical unmasks one nesting level. Leaving the outermost level
// applies any reschedule that became due while the mask was held.
func (c *Context) LeaveCritical() { c.k.opEpilogue(c) }

// Yield hands the processor to a ready thread of equal or higher priority,
// if any. It is not callable from interrupt context or with the scheduler
// locked.
func (c *Context) Yield() error {
	if c == nil {
		return kernelerr.NullReference
	}
	if c.isr {
		return kernelerr.FromISR
	}
	if c.k.lockDepth > 0 {
		return kernelerr.SchedLocked
	}
	k := c.k
	k.cs.enter(c)
	if top, ok := k.ready.Max(); ok && top.rank() >= c.thread.rank() {
		k.preemptLocked(c)
	}
	k.opEpilogue(c)
	return nil
}

// Sleep suspends the calling thread for tout ticks. A zero timeout returns
// immediately; Forever is rejected because nothing can end such a sleep.
func (c *Context) Sleep(tout Ticks) error {
	if c == nil {
		return kernelerr.NullReference
	}
	if c.isr {
		return kernelerr.FromISR
	}
	if c.k.lockDepth > 0 {
		return kernelerr.SchedLocked
	}
	if c.thread == c.k.idle {
		return kernelerr.FromIdle
	}
	if tout == Forever {
		return kernelerr.InvalidValue
	}
	if tout == NoWait {
		return nil
	}
	k := c.k
	k.cs.enter(c)
	var err error
	if k.halted {
		err = kernelerr.Halted
	} else {
		t := c.thread
		t.state |= stateSleeping
		t.timeout = tout
		k.descheduleLocked(c)
		err = t.waitErr
	}
	k.opEpilogue(c)
	return err
}

// LockSched suspends preemption. Calls nest. While the scheduler is locked
// the running thread cannot block and cannot be preempted; interrupts are
// still delivered.
func (c *Context) LockSched() error {
	if c == nil {
		return kernelerr.NullReference
	}
	if c.isr {
		return kernelerr.FromISR
	}
	k := c.k
	k.cs.enter(c)
	k.lockDepth++
	k.cs.leave(c)
	return nil
}

// UnlockSched releases one level of scheduler lock. Releasing the last
// level applies any reschedule that became due while locked.
func (c *Context) UnlockSched() error {
	if c == nil {
		return kernelerr.NullReference
	}
	if c.isr {
		return kernelerr.FromISR
	}
	k := c.k
	k.cs.enter(c)
	if k.lockDepth == 0 {
		k.cs.leave(c)
		return kernelerr.InvalidValue
	}
	k.lockDepth--
	if k.lockDepth == 0 {
		k.schedLocked(c)
	}
	k.opEpilogue(c)
	return nil
}

// Spawn creates and readies a new thread at run time. If the new thread
// outranks the caller, the caller is preempted before Spawn returns; from
// interrupt context the switch is deferred to the next kernel entry of the
// running thread.
func (c *Context) Spawn(name string, prio Priority, entry func(*Context)) (*Thread, error) {
	if c == nil {
		return nil, kernelerr.NullReference
	}
	return c.k.newThread(c, name, prio, entry, false)
}
