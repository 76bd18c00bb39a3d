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

// Package kernel implements a hosted real-time microkernel: a preemptive,
// priority-based uniprocessor scheduler with counting semaphores and
// bitmask event-flag groups.
//
// Each kernel thread is backed by a goroutine, but the kernel enforces the
// single-running-thread discipline of a uniprocessor RTOS: exactly one
// thread executes at a time, handed the processor through a dispatch gate,
// and dispatch is strict highest-priority-first with FIFO order within a
// priority. Interrupt handlers are simulated with Interrupt, which runs a
// function in interrupt context, serialized against thread execution by
// the kernel's critical section.
//
// Preemption points: a thread that wakes a higher-priority thread (Give,
// Set, Resume, Spawn, ...) is switched out before its call returns. A wake
// performed in interrupt context takes effect when interrupt handling
// finishes if the interrupt was raised from the running thread, and
// otherwise at the running thread's next kernel entry; a thread that makes
// no kernel calls is not preempted. This is the usual compromise of
// hosting an RTOS on an operating system rather than bare metal.
package kernel

import (
	"sync/atomic"

	"github.com/google/btree"

	"minirt.dev/minirt/pkg/errors/kernelerr"
)

// Priority orders threads for dispatch. Higher values outrank lower ones.
// The idle thread ranks below priority 0.
type Priority uint8

// Ticks counts kernel clock ticks, the unit of every timeout.
type Ticks uint32

const (
	// NoWait makes a blocking operation a non-blocking probe.
	NoWait Ticks = 0

	// Forever disables the timeout of a blocking operation.
	Forever Ticks = ^Ticks(0)
)

// Kernel is the scheduler context: the running thread, the interrupt and
// scheduler-lock nesting counters, the ready queue and the tick clock. It
// replaces the ambient globals of a classic RTOS with one explicit object.
type Kernel struct {
	cs critical

	// ticks is the number of Tick calls processed. It may be read without
	// the critical section.
	ticks atomic.Uint64

	// The fields below are protected by the critical section, except as
	// noted on the legality checks that read the counters from the
	// running thread.

	running   *Thread
	idle      *Thread
	isrDepth  int
	lockDepth int

	// ready holds runnable threads that are not running, ordered by
	// (rank, readiness sequence) so that Max is the next thread to
	// dispatch.
	ready *btree.BTreeG[*Thread]
	seq   uint64

	threads  []*Thread // every created thread, in creation order
	live     int       // created threads whose entry has not returned
	started  bool
	halted   bool
	idleHook func(*Context)
}

// New creates a kernel with no threads. The caller adds threads with
// NewThread and then enters the scheduler with Run.
func New() *Kernel {
	k := &Kernel{}
	k.ready = btree.NewG(8, func(a, b *Thread) bool {
		if ar, br := a.rank(), b.rank(); ar != br {
			return ar < br
		}
		return a.seq > b.seq
	})
	idle := &Thread{
		name: "idle",
		k:    k,
		idle: true,
		cpu:  make(chan struct{}, 1),
	}
	idle.ctx = Context{k: k, thread: idle}
	idle.w.thread = idle
	k.idle = idle
	// running is never nil: before Run the idle thread stands in, so rank
	// comparisons made from pre-start interrupts are well defined.
	k.running = idle
	return k
}

// NewThread creates a thread and makes it ready. Threads created before
// Run wait for the scheduler to start; a thread created from a running
// context preempts its creator if it outranks it (see Context.Spawn).
func (k *Kernel) NewThread(name string, prio Priority, entry func(*Context)) (*Thread, error) {
	return k.newThread(nil, name, prio, entry, false)
}

// NewSuspendedThread creates a thread in the suspended state. It does not
// run until resumed.
func (k *Kernel) NewSuspendedThread(name string, prio Priority, entry func(*Context)) (*Thread, error) {
	return k.newThread(nil, name, prio, entry, true)
}

func (k *Kernel) newThread(c *Context, name string, prio Priority, entry func(*Context), suspended bool) (*Thread, error) {
	if entry == nil {
		return nil, kernelerr.InvalidValue
	}
	t := &Thread{
		name:  name,
		k:     k,
		entry: entry,
		prio:  prio,
		cpu:   make(chan struct{}, 1),
	}
	t.ctx = Context{k: k, thread: t}
	t.w.thread = t
	if c == nil {
		c = &Context{k: k}
	}
	k.cs.enter(c)
	if k.halted {
		k.cs.leave(c)
		return nil, kernelerr.Halted
	}
	k.threads = append(k.threads, t)
	k.live++
	if suspended {
		t.state = stateSuspended
	}
	// The goroutine must exist before any reschedule can dispatch to it.
	go t.run()
	if !suspended {
		k.readyLocked(t)
		k.schedLocked(c)
	}
	k.opEpilogue(c)
	return t, nil
}

// OnIdle installs a hook invoked each time the kernel goes idle, before it
// waits for an interrupt. The hook runs in the idle thread's context, so
// it may probe and signal but never block. It must be installed before
// Run.
func (k *Kernel) OnIdle(hook func(*Context)) {
	c := &Context{k: k}
	k.cs.enter(c)
	k.idleHook = hook
	k.cs.leave(c)
}

// Run turns the calling goroutine into the idle thread and enters the
// scheduler. It returns when every created thread has exited. Halt
// unblocks waiting threads so that well-behaved entry functions can
// observe the shutdown and return.
func (k *Kernel) Run() error {
	// The started check must not touch the idle context: a concurrent Run
	// would race with the idle thread's own critical-section bookkeeping.
	tc := &Context{k: k}
	k.cs.enter(tc)
	if k.started {
		k.cs.leave(tc)
		return kernelerr.InvalidValue
	}
	k.started = true
	k.cs.leave(tc)

	c := &k.idle.ctx
	k.cs.enter(c)
	k.running = k.idle
	// Threads readied before Run nudged the idle thread; drop any pending
	// token so the first handoff below cannot complete early.
	select {
	case <-k.idle.cpu:
	default:
	}
	for k.live > 0 {
		if _, ok := k.ready.Max(); ok {
			k.preemptLocked(c)
			continue
		}
		if hook := k.idleHook; hook != nil {
			k.cs.leave(c)
			hook(c)
			k.cs.enter(c)
			if _, ok := k.ready.Max(); ok || k.live == 0 {
				continue
			}
		}
		k.wfiLocked(c)
	}
	k.halted = true
	k.started = false
	k.cs.leave(c)
	return nil
}

// Halt initiates shutdown: every blocked thread is woken with the Halted
// outcome and every suspension is cleared, so all threads can run, observe
// the shutdown and exit. A nil context is accepted so that goroutines
// outside the kernel can halt it.
func (k *Kernel) Halt(c *Context) {
	if c == nil {
		c = &Context{k: k}
	}
	k.cs.enter(c)
	k.haltLocked()
	k.opEpilogue(c)
}

// Precondition: the critical section is held.
func (k *Kernel) haltLocked() {
	if k.halted {
		return
	}
	k.halted = true
	for _, t := range k.threads {
		if t.state&stateExited != 0 || t == k.running {
			continue
		}
		t.state &^= stateSuspended
		if t.state&stateWaiting != 0 {
			k.wakeLocked(&t.w, kernelerr.Halted)
		} else if t.state&stateSleeping != 0 {
			t.state &^= stateSleeping
			t.timeout = 0
			t.waitErr = kernelerr.Halted
		}
		if t.state == 0 && !t.queued {
			k.readyLocked(t)
		}
	}
}

// Interrupt runs fn in interrupt context, serialized against thread
// execution. It is the entry point for simulated hardware: external
// goroutines (timers, device models) call it to signal semaphores, set
// flags or deliver ticks. Handlers run with interrupts masked and must not
// block. A reschedule requested by the handler is applied at the running
// thread's next kernel entry.
func (k *Kernel) Interrupt(fn func(*Context)) {
	c := &Context{k: k, isr: true}
	k.cs.enter(c)
	k.isrDepth++
	fn(c)
	k.isrDepth--
	k.cs.leave(c)
}

// Interrupt raises a software interrupt from the calling context. From a
// thread, any reschedule requested by the handler is applied before the
// call returns, like a hardware interrupt taken on the running thread.
// From interrupt context the handler runs as a nested interrupt.
func (c *Context) Interrupt(fn func(*Context)) error {
	if c == nil {
		return kernelerr.NullReference
	}
	k := c.k
	if c.isr {
		k.isrDepth++
		fn(c)
		k.isrDepth--
		return nil
	}
	if c.depth > 0 {
		// Interrupts are masked by the caller's critical section.
		return kernelerr.InvalidValue
	}
	k.Interrupt(fn)
	k.cs.enter(c)
	k.opEpilogue(c)
	return nil
}

// Tick advances the kernel clock by one tick: timeouts of sleeping and
// waiting threads are decremented, expired waits resolve (sleep completes,
// waits fail with TimedOut), and a reschedule is requested if an expired
// thread outranks the running one. Tick is normally called from the timer
// interrupt via Interrupt.
func (k *Kernel) Tick(c *Context) error {
	if c == nil {
		return kernelerr.NullReference
	}
	k.cs.enter(c)
	k.tickLocked(c)
	k.opEpilogue(c)
	return nil
}

// TickCount returns the number of ticks processed so far.
func (k *Kernel) TickCount() uint64 {
	return k.ticks.Load()
}

// Precondition: the critical section is held.
func (k *Kernel) tickLocked(c *Context) {
	k.ticks.Add(1)
	resched := false
	for _, t := range k.threads {
		if t.timeout == 0 || t.timeout == Forever {
			continue
		}
		t.timeout--
		if t.timeout > 0 {
			continue
		}
		switch {
		case t.state&stateSleeping != 0:
			t.state &^= stateSleeping
			t.waitErr = nil
			if t.state == 0 {
				k.readyLocked(t)
				if t.rank() > k.running.rank() {
					resched = true
				}
			}
		case t.state&stateWaiting != 0:
			if k.wakeLocked(&t.w, kernelerr.TimedOut) {
				resched = true
			}
		}
	}
	if resched {
		k.schedLocked(c)
	}
}

// SuspendAll suspends every thread, including the caller when called from
// a thread. Only an interrupt handler, the idle hook or ResumeAll from one
// of those can undo it. Illegal with the scheduler locked unless called
// from the idle thread.
func (k *Kernel) SuspendAll(c *Context) error {
	if c == nil {
		return kernelerr.NullReference
	}
	if k.lockDepth > 0 && c.thread != k.idle {
		return kernelerr.SchedLocked
	}
	k.cs.enter(c)
	for _, t := range k.threads {
		k.suspendLocked(t)
	}
	if c.thread != nil && !c.thread.idle {
		k.descheduleLocked(c)
	}
	k.opEpilogue(c)
	return nil
}

// ResumeAll resumes every suspended thread and reschedules if any of them
// outranks the running thread.
func (k *Kernel) ResumeAll(c *Context) error {
	if c == nil {
		return kernelerr.NullReference
	}
	k.cs.enter(c)
	resched := false
	for _, t := range k.threads {
		if k.resumeLocked(t) {
			resched = true
		}
	}
	if resched {
		k.schedLocked(c)
	}
	k.opEpilogue(c)
	return nil
}

// readyLocked inserts t into the ready queue. If the idle thread is
// running it is nudged so that it dispatches the new arrival.
//
// Precondition: the critical section is held; t is runnable and neither
// queued nor running.
func (k *Kernel) readyLocked(t *Thread) {
	k.seq++
	t.seq = k.seq
	t.queued = true
	k.ready.ReplaceOrInsert(t)
	if k.running == k.idle {
		k.nudgeIdle()
	}
}

// pickNextLocked removes and returns the highest-ranked ready thread, or
// the idle thread when nothing is ready.
//
// Precondition: the critical section is held.
func (k *Kernel) pickNextLocked() *Thread {
	if t, ok := k.ready.DeleteMax(); ok {
		t.queued = false
		return t
	}
	return k.idle
}

// dispatch hands the processor to t. For regular threads the send cannot
// block: a thread holds at most one pending dispatch, because it must run
// to become dispatchable again. The idle thread is nudged instead, since
// it may already hold a pending wakeup.
func (k *Kernel) dispatch(t *Thread) {
	if t.idle {
		k.nudgeIdle()
		return
	}
	t.cpu <- struct{}{}
}

func (k *Kernel) nudgeIdle() {
	select {
	case k.idle.cpu <- struct{}{}:
	default:
	}
}

// descheduleLocked switches the calling thread out without requeueing it;
// the caller must already have recorded why the thread is not runnable
// (waiting, sleeping or suspended). The critical section is fully released
// across the switch and restored at the caller's nesting depth before
// return.
//
// Precondition: the critical section is held; c is the running thread and
// not the idle thread.
func (k *Kernel) descheduleLocked(c *Context) {
	t := c.thread
	next := k.pickNextLocked()
	k.running = next
	depth := k.cs.release(c)
	k.dispatch(next)
	<-t.cpu
	k.cs.reacquire(c, depth)
}

// preemptLocked switches the calling thread out in favor of the best ready
// thread, requeueing the caller (unless it is the idle thread, which is
// dispatched implicitly whenever nothing is ready).
//
// Precondition: the critical section is held; c is the running thread; the
// ready queue is not empty.
func (k *Kernel) preemptLocked(c *Context) {
	t := c.thread
	next := k.pickNextLocked()
	k.running = next
	if !t.idle {
		k.readyLocked(t)
	}
	depth := k.cs.release(c)
	k.dispatch(next)
	<-t.cpu
	k.cs.reacquire(c, depth)
}

// schedLocked evaluates whether a ready thread outranks the running one
// and preempts if so. The check is deferred while interrupts are being
// handled, while the scheduler is locked, and while the caller is inside a
// user critical section; in those cases it runs again at the next
// opportunity (interrupt return, UnlockSched, LeaveCritical).
//
// Precondition: the critical section is held.
func (k *Kernel) schedLocked(c *Context) {
	if k.isrDepth > 0 || k.lockDepth > 0 {
		return
	}
	if c.thread == nil || c.thread != k.running || c.depth > 1 {
		return
	}
	if top, ok := k.ready.Max(); ok && top.rank() > k.running.rank() {
		k.preemptLocked(c)
	}
}

// opEpilogue finishes a kernel operation: while still inside the critical
// section it applies any pending reschedule (or switches the caller out
// entirely if an interrupt handler made it non-runnable), then leaves.
func (k *Kernel) opEpilogue(c *Context) {
	if c.thread != nil && !c.isr && c.thread == k.running && c.depth == 1 {
		if c.thread.state != 0 {
			k.descheduleLocked(c)
		} else {
			k.schedLocked(c)
		}
	}
	k.cs.leave(c)
}

// wfiLocked blocks the idle thread until an interrupt or another event
// readies work. The critical section is released while waiting.
//
// Precondition: the critical section is held by the idle context.
func (k *Kernel) wfiLocked(c *Context) {
	depth := k.cs.release(c)
	<-k.idle.cpu
	k.cs.reacquire(c, depth)
}
