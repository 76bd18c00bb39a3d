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

// Package status defines the numeric status codes returned by kernel
// operations. They mirror the error taxonomy of a small RTOS: every kernel
// call reports exactly one of these, and callers are expected to branch on
// the code rather than on message text.
package status

// Code identifies the outcome of a kernel operation.
type Code uint8

// Kernel status codes.
const (
	// OK reports success.
	OK Code = iota

	// NullReference reports a missing object or output reference.
	NullReference

	// InvalidValue reports a malformed creation or call parameter.
	InvalidValue

	// FromISR reports a blocking call attempted from interrupt context.
	FromISR

	// SchedLocked reports a blocking call attempted while the scheduler
	// is locked.
	SchedLocked

	// FromIdle reports an operation that is illegal for the idle thread,
	// such as blocking or being suspended.
	FromIdle

	// WouldBlock reports a non-blocking call that was not immediately
	// satisfiable.
	WouldBlock

	// TimedOut reports a blocking call whose deadline elapsed unsatisfied.
	TimedOut

	// Overflow reports a semaphore give that would exceed the declared
	// capacity with no waiter to absorb the unit.
	Overflow

	// Halted reports an operation attempted after the kernel was halted.
	Halted
)

// String implements fmt.Stringer.String.
func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case NullReference:
		return "null reference"
	case InvalidValue:
		return "invalid value"
	case FromISR:
		return "illegal from interrupt"
	case SchedLocked:
		return "scheduler locked"
	case FromIdle:
		return "illegal for idle thread"
	case WouldBlock:
		return "would block"
	case TimedOut:
		return "timed out"
	case Overflow:
		return "overflow"
	case Halted:
		return "kernel halted"
	default:
		return "unknown"
	}
}
