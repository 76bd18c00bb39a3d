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
	"sync/atomic"
)

// critical is the kernel's interrupt mask. On real hardware this would be a
// CPU interrupt-disable with a nesting count; here it is a mutex whose
// ownership is tracked per execution context so that nested Enter/Leave
// pairs from the same context do not deadlock. All kernel object state is
// mutated only while it is held.
type critical struct {
	mu sync.Mutex

	// owner is the context currently holding the mask, or nil. It is read
	// without the mutex only to answer "do I already own this?", which is
	// stable for the asking context: only the owner can release its own
	// ownership.
	owner atomic.Pointer[Context]
}

// enter masks interrupts on behalf of c, nesting if c already holds the
// mask. The nesting depth lives on the context.
func (cs *critical) enter(c *Context) {
	if cs.owner.Load() == c {
		c.depth++
		return
	}
	cs.mu.Lock()
	cs.owner.Store(c)
	c.depth = 1
}

// leave unmasks one nesting level. The mask is released only when the
// outermost enter is balanced.
func (cs *critical) leave(c *Context) {
	if cs.owner.Load() != c || c.depth == 0 {
		panic("kernel: unbalanced critical section leave")
	}
	c.depth--
	if c.depth == 0 {
		cs.owner.Store(nil)
		cs.mu.Unlock()
	}
}

// release drops the mask entirely regardless of nesting depth and returns
// the depth that was held, for use across a thread suspension.
func (cs *critical) release(c *Context) int {
	if cs.owner.Load() != c {
		panic("kernel: releasing critical section not owned by caller")
	}
	depth := c.depth
	c.depth = 0
	cs.owner.Store(nil)
	cs.mu.Unlock()
	return depth
}

// reacquire restores the mask at the nesting depth saved by release.
func (cs *critical) reacquire(c *Context, depth int) {
	cs.mu.Lock()
	cs.owner.Store(c)
	c.depth = depth
}
