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

// Package kernelerr defines the canonical error values returned by kernel
// operations. Each value is a singleton; callers compare against them by
// identity (err == kernelerr.TimedOut) or via the Code accessor when only
// the numeric status matters.
package kernelerr

import (
	"minirt.dev/minirt/pkg/errors"
	"minirt.dev/minirt/pkg/status"
)

// The canonical kernel errors. A nil error means status.OK.
var (
	NullReference = errors.New(status.NullReference, "null object or output reference")
	InvalidValue  = errors.New(status.InvalidValue, "invalid parameter")
	FromISR       = errors.New(status.FromISR, "blocking call from interrupt context")
	SchedLocked   = errors.New(status.SchedLocked, "blocking call with scheduler locked")
	FromIdle      = errors.New(status.FromIdle, "operation illegal for idle thread")
	WouldBlock    = errors.New(status.WouldBlock, "operation would block")
	TimedOut      = errors.New(status.TimedOut, "timed out")
	Overflow      = errors.New(status.Overflow, "semaphore capacity exceeded")
	Halted        = errors.New(status.Halted, "kernel halted")
)

// CodeOf returns the status code carried by err, or status.OK for nil.
// Errors that did not originate from this package map to InvalidValue.
func CodeOf(err error) status.Code {
	if err == nil {
		return status.OK
	}
	if e, ok := err.(*errors.Error); ok {
		return e.Code()
	}
	return status.InvalidValue
}
