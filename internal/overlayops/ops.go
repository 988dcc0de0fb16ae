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

// Package overlayops defines the operation structs the overlay filesystem
// exchanges with its planner, in the style of fuseops' *Op types: plain
// request/response structs with no behavior of their own.
package overlayops

import "github.com/ovlfuse/overlayfs/internal/registry"

// Rename2Op is the renameat2 request: move (Parent, Name) to (NewParent,
// NewName), honoring Flags (a bitwise-or of layer.NOREPLACE, layer.EXCHANGE,
// layer.WHITEOUT).
type Rename2Op struct {
	Parent    registry.InodeID
	Name      string
	NewParent registry.InodeID
	NewName   string
	Flags     uint32
}

// RenameOutcome classifies how a rename2 call was carried out, for metrics
// and logging.
type RenameOutcome int

const (
	OutcomeMoved RenameOutcome = iota
	OutcomeExchanged
	OutcomeNoop
	OutcomeRejectedExists
	OutcomeRejectedInvalid
	OutcomeFailed
)

func (o RenameOutcome) String() string {
	switch o {
	case OutcomeMoved:
		return "moved"
	case OutcomeExchanged:
		return "exchanged"
	case OutcomeNoop:
		return "noop"
	case OutcomeRejectedExists:
		return "rejected_exists"
	case OutcomeRejectedInvalid:
		return "rejected_invalid"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Rename2Result reports the outcome of a Rename2Op, including whether a
// whiteout was left behind at the source position.
type Rename2Result struct {
	Outcome        RenameOutcome
	WhiteoutLeft   bool
	OpaqueMarked   bool
	CopiedUpPaths  []registry.InodeID
}
