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
	"minirt.dev/minirt/pkg/ilist"
)

// waitKind tags what a blocked thread is waiting for, so the signalling
// side can resolve the wait without reinterpreting untyped state.
type waitKind uint8

const (
	// waitSem waits for one semaphore unit. Being woken means the unit
	// was granted; no further parameters are needed.
	waitSem waitKind = iota

	// waitFlag waits for a bit condition on a flag group. The entry
	// carries the wanted bits, the wait options and the result slot.
	waitFlag
)

// waiter is a wait-list entry. Each thread owns exactly one, embedded in
// its Thread, so enqueueing never allocates. The flag-wait parameters
// reference a local in the waiting thread's blocked call frame; they are
// valid only while the thread is enqueued, which is also the only interval
// during which the signalling side can see the entry.
type waiter struct {
	ilist.Entry
	thread *Thread
	kind   waitKind

	// Flag-wait parameters, meaningful only when kind is waitFlag.
	want Bits
	opt  FlagOption
	got  *Bits
}

// Event is the generic blocking primitive underlying semaphores and flag
// groups: a wait list of blocked threads, kept in priority order (highest
// first, FIFO within a priority).
type Event struct {
	k       *Kernel
	waiters ilist.List
}

// init binds the event to a kernel with an empty wait list.
func (e *Event) init(k *Kernel) {
	e.k = k
	e.waiters.Reset()
}

// enqueueLocked inserts w in priority order behind equal-priority waiters.
//
// Precondition: the critical section is held.
func (e *Event) enqueueLocked(w *waiter) {
	for it := e.waiters.Front(); it != nil; it = it.Next() {
		if it.(*waiter).thread.rank() < w.thread.rank() {
			e.waiters.InsertBefore(it, w)
			return
		}
	}
	e.waiters.PushBack(w)
}

// waitLocked enqueues the calling thread on the event and suspends it for
// up to tout ticks. The caller must have published the thread's wait
// parameters first. The critical section is fully released across the
// suspension and restored at the caller's nesting depth before return.
// The return value is the wait outcome: nil if signalled, TimedOut if the
// timeout expired, Halted if the kernel was halted.
//
// Precondition: the critical section is held; c is the running thread.
func (e *Event) waitLocked(c *Context, tout Ticks) error {
	t := c.thread
	e.enqueueLocked(&t.w)
	t.wait = e
	t.state |= stateWaiting
	t.timeout = tout
	e.k.descheduleLocked(c)
	return t.waitErr
}

// signalLocked wakes the highest-priority waiter, if any. It returns the
// woken thread and whether that thread now outranks the running one; the
// caller decides whether to reschedule.
//
// Precondition: the critical section is held.
func (e *Event) signalLocked() (*Thread, bool) {
	front := e.waiters.Front()
	if front == nil {
		return nil, false
	}
	w := front.(*waiter)
	preempt := e.k.wakeLocked(w, nil)
	return w.thread, preempt
}

// wakeLocked resolves w's wait with the given outcome: the entry is
// removed from its wait list, the outcome is published, and the thread is
// readied unless it is also suspended. It returns whether the woken thread
// outranks the running one.
//
// Precondition: the critical section is held; w is enqueued.
func (k *Kernel) wakeLocked(w *waiter, outcome error) bool {
	t := w.thread
	t.wait.waiters.Remove(w)
	t.wait = nil
	t.state &^= stateWaiting
	t.timeout = 0
	t.waitErr = outcome
	if t.state == 0 {
		k.readyLocked(t)
		return t.rank() > k.running.rank()
	}
	return false
}
