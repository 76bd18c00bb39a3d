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

// Bits is the bitmask held by a flag group. Every combination is valid
// application data.
type Bits uint32

// FlagOption selects the wait semantics of FlagGroup.Wait.
type FlagOption uint8

const (
	// WaitAny succeeds when at least one wanted bit is set. It is the
	// default.
	WaitAny FlagOption = 0

	// WaitAll requires every wanted bit to be set.
	WaitAll FlagOption = 1 << 0

	// ClearOnExit clears, from the group, exactly the bits that satisfied
	// this wait once it succeeds.
	ClearOnExit FlagOption = 1 << 1
)

// FlagGroup is a bitmask condition variable. The zero value is not usable;
// the owner of the storage calls Init exactly once before any other
// operation, with the same lifecycle contract as Semaphore.
type FlagGroup struct {
	event Event
	flags Bits
}

// Init initializes the group with an initial bitmask.
func (g *FlagGroup) Init(k *Kernel, initial Bits) error {
	if g == nil || k == nil {
		return kernelerr.NullReference
	}
	c := &Context{k: k}
	k.cs.enter(c)
	g.event.init(k)
	g.flags = initial
	k.cs.leave(c)
	return nil
}

// match evaluates the stored bitmask against one waiter's condition and
// returns the satisfying bits, or zero if the condition is not met.
func (g *FlagGroup) match(want Bits, opt FlagOption) Bits {
	r := g.flags & want
	if opt&WaitAll != 0 && r != want {
		r = 0
	}
	return r
}

// Wait blocks until the group satisfies the wanted bits: all of them with
// WaitAll, at least one with WaitAny. On success the satisfying bits are
// stored through got (which may be nil), and with ClearOnExit exactly
// those bits are cleared from the group. On the immediate-success path the
// clear happens in the same critical section that determined success; on
// the blocking path it is part of the signalling Set's combined clear.
// With NoWait an unsatisfied call fails with WouldBlock. The legality
// rules are those of Semaphore.Take.
func (g *FlagGroup) Wait(c *Context, opt FlagOption, want Bits, got *Bits, tout Ticks) error {
	if g == nil || c == nil || g.event.k == nil {
		return kernelerr.NullReference
	}
	if c.isr {
		return kernelerr.FromISR
	}
	k := g.event.k
	if k.lockDepth > 0 {
		return kernelerr.SchedLocked
	}
	if c.thread == k.idle && tout != NoWait {
		return kernelerr.FromIdle
	}
	k.cs.enter(c)
	var err error
	r := g.match(want, opt)
	switch {
	case k.halted:
		err = kernelerr.Halted
	case r != 0:
		if opt&ClearOnExit != 0 {
			g.flags &^= r
		}
	case tout != NoWait:
		w := &c.thread.w
		w.kind = waitFlag
		w.want = want
		w.opt = opt
		w.got = &r
		err = g.event.waitLocked(c, tout)
		w.got = nil
	default:
		err = kernelerr.WouldBlock
	}
	if err == nil && got != nil {
		*got = r
	}
	k.opEpilogue(c)
	return err
}

// Set atomically rewrites the masked part of the bitmask: for every bit in
// mask the stored bit takes the corresponding bit of value, so one call
// can set and clear disjoint bits. Every waiter is then evaluated against
// the new bitmask (a single Set can satisfy several independent waiters)
// in two passes: the first collects the satisfied waiters without touching
// the wait list, the second wakes them and accumulates the ClearOnExit
// bits, which are cleared in one combined step so that concurrent waiters
// are credited only for the bits that woke them. Set never blocks and is
// legal from any context.
func (g *FlagGroup) Set(c *Context, value, mask Bits) error {
	if g == nil || c == nil || g.event.k == nil {
		return kernelerr.NullReference
	}
	k := g.event.k
	k.cs.enter(c)
	g.flags ^= (g.flags ^ value) & mask

	type match struct {
		w *waiter
		r Bits
	}
	var buf [8]match
	satisfied := buf[:0]
	for it := g.event.waiters.Front(); it != nil; it = it.Next() {
		w := it.(*waiter)
		if r := g.match(w.want, w.opt); r != 0 {
			satisfied = append(satisfied, match{w, r})
		}
	}

	var clear Bits
	resched := false
	for _, m := range satisfied {
		*m.w.got = m.r
		if m.w.opt&ClearOnExit != 0 {
			clear |= m.r
		}
		if k.wakeLocked(m.w, nil) {
			resched = true
		}
	}
	g.flags &^= clear
	if resched {
		k.schedLocked(c)
	}
	k.opEpilogue(c)
	return nil
}
