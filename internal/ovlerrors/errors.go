// Copyright 2024 Google LLC
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

// Package ovlerrors carries the errno-surfacing error taxonomy shared by the
// rename2 planner and its collaborators.
package ovlerrors

import (
	"fmt"
	"syscall"
)

// Error wraps a syscall errno with the operation that produced it and,
// optionally, the lower-level error that caused it.
type Error struct {
	Errno syscall.Errno
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Errno, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Errno)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is(err, syscall.ENOENT) style comparisons against the
// carried errno.
func (e *Error) Is(target error) bool {
	if errno, ok := target.(syscall.Errno); ok {
		return e.Errno == errno
	}
	return false
}

// New constructs an Error for the given op/errno pair with no wrapped cause.
func New(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Errno: errno}
}

// Wrap constructs an Error for the given op/errno pair, retaining err as the
// underlying cause for %w-style unwrapping.
func Wrap(op string, errno syscall.Errno, err error) *Error {
	return &Error{Op: op, Errno: errno, Err: err}
}

// Errno extracts the carried errno from err, if any, walking the Unwrap
// chain. Returns (0, false) if err does not carry one.
func Errno(err error) (syscall.Errno, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Errno, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}
