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

// Package testhook implements component F: an interception point that sits
// in front of the planner's entire Rename2 request, used to inject fixed
// errors or delays in tests without touching the planner's own logic.
// Grounded on the MockLayer/RenameBehavior pattern used to fault-inject
// rename2 in the original implementation's test suite.
package testhook

import (
	"syscall"
	"time"

	"github.com/ovlfuse/overlayfs/internal/overlayops"
	"github.com/ovlfuse/overlayfs/internal/ovlerrors"
)

// Hook is consulted before the planner validates or resolves anything. real
// runs the planner's actual request handling; a hook that does not call
// real bypasses the planner entirely, performing no filesystem I/O and no
// registry mutation.
type Hook interface {
	Rename2(op *overlayops.Rename2Op, real func() (*overlayops.Rename2Result, error)) (*overlayops.Rename2Result, error)
}

// Forward is the identity hook: it calls straight through to the planner.
// The planner behaves as if no hook were installed at all when this is
// active.
type Forward struct{}

func (Forward) Rename2(op *overlayops.Rename2Op, real func() (*overlayops.Rename2Result, error)) (*overlayops.Rename2Result, error) {
	return real()
}

// FixedErrno always fails with Errno without calling real, so it never
// touches the filesystem or the registry. Useful for asserting that a
// planner case leaves no side effects when the underlying rename fails
// outright.
type FixedErrno struct {
	Errno syscall.Errno
}

func (h FixedErrno) Rename2(op *overlayops.Rename2Op, real func() (*overlayops.Rename2Result, error)) (*overlayops.Rename2Result, error) {
	return nil, ovlerrors.New("rename2", h.Errno)
}

// DelayThenForward sleeps for Delay before calling real, for exercising
// concurrent callers racing the same rename.
type DelayThenForward struct {
	Delay time.Duration
}

func (h DelayThenForward) Rename2(op *overlayops.Rename2Op, real func() (*overlayops.Rename2Result, error)) (*overlayops.Rename2Result, error) {
	time.Sleep(h.Delay)
	return real()
}
