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

// Semaphore is a counting resource guard. The zero value is not usable;
// the owner of the storage calls Init exactly once before any other
// operation. There is no destroy operation: the object lives as long as
// its storage, and re-initializing a semaphore that threads are using is
// undefined behavior.
//
// 0 <= count <= max holds at every quiescent point. Units pass directly
// from giver to waiter when someone is blocked, so the count never
// reflects units in flight.
type Semaphore struct {
	event Event
	count uint16
	max   uint16
}

// Init initializes the semaphore with an initial count and a fixed
// capacity. max must be nonzero and count must not exceed it.
func (s *Semaphore) Init(k *Kernel, count, max uint16) error {
	if s == nil || k == nil {
		return kernelerr.NullReference
	}
	if max == 0 || count > max {
		return kernelerr.InvalidValue
	}
	c := &Context{k: k}
	k.cs.enter(c)
	s.event.init(k)
	s.count = count
	s.max = max
	k.cs.leave(c)
	return nil
}

// Take acquires one unit. If a unit is available it is taken immediately.
// Otherwise the caller blocks for up to tout ticks; with NoWait the call
// is a probe that fails with WouldBlock. Take is legal only from a thread:
// not from interrupt context, not with the scheduler locked, and the idle
// thread may only probe.
func (s *Semaphore) Take(c *Context, tout Ticks) error {
	if s == nil || c == nil || s.event.k == nil {
		return kernelerr.NullReference
	}
	if c.isr {
		return kernelerr.FromISR
	}
	k := s.event.k
	if k.lockDepth > 0 {
		return kernelerr.SchedLocked
	}
	if c.thread == k.idle && tout != NoWait {
		return kernelerr.FromIdle
	}
	k.cs.enter(c)
	var err error
	switch {
	case k.halted:
		err = kernelerr.Halted
	case s.count > 0:
		// Test and decrement are one atomic step; a gap would let two
		// takers both observe a positive count.
		s.count--
	case tout != NoWait:
		c.thread.w.kind = waitSem
		err = s.event.waitLocked(c, tout)
	default:
		err = kernelerr.WouldBlock
	}
	k.opEpilogue(c)
	return err
}

// Give releases one unit. If a thread is waiting, the highest-priority
// waiter is woken and the unit passes to it directly, without touching the
// count; the giver is preempted if the woken thread outranks it. With no
// waiter the count is incremented, and a Give that would exceed the
// capacity fails with Overflow: giving more units than were taken is an
// accounting bug the caller must see. Give never blocks and is legal from
// any context, including interrupt handlers and the idle thread.
func (s *Semaphore) Give(c *Context) error {
	if s == nil || c == nil || s.event.k == nil {
		return kernelerr.NullReference
	}
	k := s.event.k
	k.cs.enter(c)
	var err error
	if t, preempt := s.event.signalLocked(); t != nil {
		if preempt {
			k.schedLocked(c)
		}
	} else if s.count < s.max {
		s.count++
	} else {
		err = kernelerr.Overflow
	}
	k.opEpilogue(c)
	return err
}
