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

// Package overlay implements component E, the rename2 planner: the state
// machine that turns a renameat2 request into a validated, possibly
// copied-up, raw rename against the upper layer plus whatever whiteout and
// opaque-marker bookkeeping the union's invariants require afterward.
package overlay

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ovlfuse/overlayfs/clock"
	"github.com/ovlfuse/overlayfs/internal/copyup"
	"github.com/ovlfuse/overlayfs/internal/layer"
	"github.com/ovlfuse/overlayfs/internal/logger"
	"github.com/ovlfuse/overlayfs/internal/overlayops"
	"github.com/ovlfuse/overlayfs/internal/overlay/testhook"
	"github.com/ovlfuse/overlayfs/internal/ovlerrors"
	"github.com/ovlfuse/overlayfs/internal/registry"
	"github.com/ovlfuse/overlayfs/internal/whiteout"
)

// MetricsRecorder receives rename2 outcomes. Implemented by
// internal/monitor; kept as a narrow interface here so this package does not
// need to import the OpenTelemetry wiring.
type MetricsRecorder interface {
	RecordRename2(outcome overlayops.RenameOutcome, dur time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordRename2(overlayops.RenameOutcome, time.Duration) {}

// Planner carries out renameat2 requests against a layer stack.
//
// The case table it implements, indexed by (flags, destination presence,
// source/destination types):
//
//	-1. parent_src==parent_dst && name_src==name_dst     -> success, no
//	                                                         side effects
//	 0. flags has EXCHANGE|NOREPLACE, EXCHANGE|WHITEOUT, or an unknown bit
//	    set                                        -> EINVAL, no side effects
//	 1. plain, dest absent                         -> move; whiteout at src
//	                                                   iff a lower entry
//	                                                   still exists there
//	 2. plain, dest present, file-over-file         -> replace; same
//	                                                   whiteout rule as (1)
//	 3. plain, dest present, dir-over-empty-dir      -> replace; same
//	                                                   whiteout rule as (1)
//	 4. plain, dest present, dir-over-nonempty-dir   -> ENOTEMPTY
//	 5. plain, src is dir, dest exists non-dir       -> ENOTDIR
//	 6. plain, src is non-dir, dest exists dir       -> EISDIR
//	 7. NOREPLACE, dest absent                      -> same as (1)
//	 8. NOREPLACE, dest present                     -> EEXIST, no side
//	                                                   effects
//	 9. EXCHANGE, both present                      -> atomic swap; no
//	                                                   whiteout at either
//	                                                   position
//	10. EXCHANGE, either side absent                -> ENOENT, no side
//	                                                   effects
//	11. WHITEOUT set (only valid with plain/NOREPLACE) -> after a move that
//	                                                   would succeed under
//	                                                   (1)/(2)/(3)/(7), leave
//	                                                   a whiteout at src
//	                                                   unconditionally
//
// Under rows 1-3 and 7 without WHITEOUT, a failure to create the whiteout
// after the raw rename has succeeded is logged at WARNING and the move is
// still reported as successful, with WhiteoutLeft false.
//
// A directory moved to a new location (rows 1/3/7/9) whose new name also
// exists in a lower layer at its new parent is marked opaque there, so a
// lower directory's children do not leak in underneath it.
//
// RENAME_WHITEOUT is never forwarded to the backing filesystem: ordinary
// POSIX filesystems backing the upper layer do not implement it, so the
// planner performs the equivalent mknod itself after a successful raw
// rename.
type Planner struct {
	reg     *registry.Registry
	cu      *copyup.Engine
	metrics MetricsRecorder
	clock   clock.Clock
	hook    atomic.Pointer[testhook.Hook]
}

// NewPlanner returns a planner over reg, copying up through cu. A nil
// metrics recorder is replaced with a no-op; a nil hook leaves the planner
// unintercepted, equivalent to installing testhook.Forward{}.
func NewPlanner(reg *registry.Registry, cu *copyup.Engine, metrics MetricsRecorder, hook testhook.Hook) *Planner {
	if metrics == nil {
		metrics = noopRecorder{}
	}
	p := &Planner{reg: reg, cu: cu, metrics: metrics, clock: clock.RealClock{}}
	if hook != nil {
		p.SetHook(hook)
	}
	return p
}

// WithClock overrides the planner's time source, for tests that need
// deterministic rename2 latency measurements.
func (p *Planner) WithClock(c clock.Clock) *Planner {
	p.clock = c
	return p
}

// SetHook installs h as the planner's behavior-injection seam, consulted
// before any validation or resolution on every subsequent Rename2 call.
func (p *Planner) SetHook(h testhook.Hook) {
	p.hook.Store(&h)
}

// ClearHook removes any installed hook, reverting to unintercepted
// execution.
func (p *Planner) ClearHook() {
	p.hook.Store(nil)
}

func validateFlags(flags uint32) error {
	if flags&^uint32(layer.NOREPLACE|layer.EXCHANGE|layer.WHITEOUT) != 0 {
		return ovlerrors.New("rename2", syscall.EINVAL)
	}
	if flags&layer.EXCHANGE != 0 && flags&(layer.NOREPLACE|layer.WHITEOUT) != 0 {
		return ovlerrors.New("rename2", syscall.EINVAL)
	}
	return nil
}

// Rename2 executes op against the layer stack, returning the outcome. If a
// hook is installed, it is consulted first and may bypass the planner's own
// logic entirely.
func (p *Planner) Rename2(op *overlayops.Rename2Op) (*overlayops.Rename2Result, error) {
	if hp := p.hook.Load(); hp != nil {
		return (*hp).Rename2(op, func() (*overlayops.Rename2Result, error) {
			return p.rename2(op)
		})
	}
	return p.rename2(op)
}

func (p *Planner) rename2(op *overlayops.Rename2Op) (res *overlayops.Rename2Result, err error) {
	start := p.clock.Now()
	defer func() {
		outcome := overlayops.OutcomeFailed
		if res != nil {
			outcome = res.Outcome
		}
		p.metrics.RecordRename2(outcome, p.clock.Now().Sub(start))
	}()

	if err = validateFlags(op.Flags); err != nil {
		return &overlayops.Rename2Result{Outcome: overlayops.OutcomeRejectedInvalid}, err
	}

	if op.Parent == op.NewParent && op.Name == op.NewName {
		return &overlayops.Rename2Result{Outcome: overlayops.OutcomeNoop}, nil
	}

	unlock := p.reg.LockParents(op.Parent, op.NewParent)
	defer unlock()

	srcLookup, err := p.reg.Lookup(op.Parent, op.Name)
	if err != nil {
		return nil, err
	}
	if srcLookup.Status != registry.StatusFound {
		return nil, ovlerrors.New("rename2", syscall.ENOENT)
	}

	destLookup, err := p.reg.Lookup(op.NewParent, op.NewName)
	if err != nil {
		return nil, err
	}
	destPresent := destLookup.Status == registry.StatusFound

	if op.Flags&layer.EXCHANGE != 0 {
		if !destPresent {
			return nil, ovlerrors.New("rename2", syscall.ENOENT)
		}
		return p.doExchange(op, srcLookup.ID, destLookup.ID)
	}

	if destPresent {
		if op.Flags&layer.NOREPLACE != 0 {
			return &overlayops.Rename2Result{Outcome: overlayops.OutcomeRejectedExists},
				ovlerrors.New("rename2", syscall.EEXIST)
		}

		srcRec, err := p.reg.Resolve(srcLookup.ID)
		if err != nil {
			return nil, err
		}
		destRec, err := p.reg.Resolve(destLookup.ID)
		if err != nil {
			return nil, err
		}

		srcIsDir := srcRec.Kind == registry.Directory
		destIsDir := destRec.Kind == registry.Directory

		switch {
		case srcIsDir && !destIsDir:
			return nil, ovlerrors.New("rename2", syscall.ENOTDIR)
		case !srcIsDir && destIsDir:
			return nil, ovlerrors.New("rename2", syscall.EISDIR)
		case destIsDir:
			empty, err := p.reg.IsEmptyDir(destLookup.ID)
			if err != nil {
				return nil, err
			}
			if !empty {
				return nil, ovlerrors.New("rename2", syscall.ENOTEMPTY)
			}
		}
	}

	return p.doMove(op, srcLookup.ID)
}

func (p *Planner) doMove(op *overlayops.Rename2Op, srcID registry.InodeID) (*overlayops.Rename2Result, error) {
	if err := p.cu.EnsureUpper(op.Parent); err != nil {
		return nil, fmt.Errorf("rename2: copy up source parent: %w", err)
	}
	if err := p.cu.EnsureUpper(op.NewParent); err != nil {
		return nil, fmt.Errorf("rename2: copy up destination parent: %w", err)
	}
	if err := p.cu.EnsureUpper(srcID); err != nil {
		return nil, fmt.Errorf("rename2: copy up source: %w", err)
	}

	srcRec, err := p.reg.Resolve(srcID)
	if err != nil {
		return nil, err
	}

	lowerExisted, err := p.reg.LowerExists(op.Parent, op.Name)
	if err != nil {
		return nil, err
	}
	destShadowsLower, err := p.reg.LowerExists(op.NewParent, op.NewName)
	if err != nil {
		return nil, err
	}

	parentReal, err := p.reg.PhysicalPath(op.Parent, 0)
	if err != nil {
		return nil, err
	}
	newParentReal, err := p.reg.PhysicalPath(op.NewParent, 0)
	if err != nil {
		return nil, err
	}

	upper := p.reg.Layers[0]
	if err := upper.RawRename(parentReal, op.Name, newParentReal, op.NewName, 0); err != nil {
		return nil, err
	}

	if err := p.reg.Rename(srcID, op.NewParent, op.NewName); err != nil {
		return nil, err
	}

	leaveWhiteout := lowerExisted || op.Flags&layer.WHITEOUT != 0
	if leaveWhiteout {
		if err := whiteout.Create(upper, parentReal, op.Name); err != nil {
			if op.Flags&layer.WHITEOUT != 0 {
				return nil, fmt.Errorf("rename2: create whiteout at source: %w", err)
			}
			// The rename itself has already succeeded; undoing it is less safe
			// than letting the lower entry at the source reappear, so the
			// inconsistency is logged and the move is reported as done.
			logger.Warnf("rename2: moved %q but could not leave a whiteout at the source; the lower entry is visible again: %v", op.Name, err)
			leaveWhiteout = false
		}
	}

	opaqueMarked := false
	if srcRec.Kind == registry.Directory && destShadowsLower {
		newPath, err := p.reg.PhysicalPath(srcID, 0)
		if err != nil {
			return nil, fmt.Errorf("rename2: resolve moved directory for opaque marking: %w", err)
		}
		if err := whiteout.MarkOpaque(newPath); err != nil {
			return nil, fmt.Errorf("rename2: mark moved directory opaque: %w", err)
		}
		opaqueMarked = true
	}

	return &overlayops.Rename2Result{
		Outcome:      overlayops.OutcomeMoved,
		WhiteoutLeft: leaveWhiteout,
		OpaqueMarked: opaqueMarked,
	}, nil
}

func (p *Planner) doExchange(op *overlayops.Rename2Op, srcID, destID registry.InodeID) (*overlayops.Rename2Result, error) {
	if err := p.cu.EnsureUpper(op.Parent); err != nil {
		return nil, fmt.Errorf("rename2: copy up source parent: %w", err)
	}
	if err := p.cu.EnsureUpper(op.NewParent); err != nil {
		return nil, fmt.Errorf("rename2: copy up destination parent: %w", err)
	}
	if err := p.cu.EnsureUpper(srcID); err != nil {
		return nil, fmt.Errorf("rename2: copy up source: %w", err)
	}
	if err := p.cu.EnsureUpper(destID); err != nil {
		return nil, fmt.Errorf("rename2: copy up destination: %w", err)
	}

	srcRec, err := p.reg.Resolve(srcID)
	if err != nil {
		return nil, err
	}
	destRec, err := p.reg.Resolve(destID)
	if err != nil {
		return nil, err
	}

	srcHadLowerShadow, err := p.reg.LowerExists(op.Parent, op.Name)
	if err != nil {
		return nil, err
	}
	destHadLowerShadow, err := p.reg.LowerExists(op.NewParent, op.NewName)
	if err != nil {
		return nil, err
	}

	parentReal, err := p.reg.PhysicalPath(op.Parent, 0)
	if err != nil {
		return nil, err
	}
	newParentReal, err := p.reg.PhysicalPath(op.NewParent, 0)
	if err != nil {
		return nil, err
	}

	upper := p.reg.Layers[0]
	if err := upper.RawRename(parentReal, op.Name, newParentReal, op.NewName, layer.EXCHANGE); err != nil {
		return nil, err
	}

	if err := p.reg.Rename(srcID, op.NewParent, op.NewName); err != nil {
		return nil, err
	}
	if err := p.reg.Rename(destID, op.Parent, op.Name); err != nil {
		return nil, err
	}

	opaqueMarked := false
	if srcRec.Kind == registry.Directory && destHadLowerShadow {
		newPath, err := p.reg.PhysicalPath(srcID, 0)
		if err != nil {
			return nil, fmt.Errorf("rename2: resolve exchanged directory for opaque marking: %w", err)
		}
		if err := whiteout.MarkOpaque(newPath); err != nil {
			return nil, fmt.Errorf("rename2: mark exchanged directory opaque: %w", err)
		}
		opaqueMarked = true
	}
	if destRec.Kind == registry.Directory && srcHadLowerShadow {
		newPath, err := p.reg.PhysicalPath(destID, 0)
		if err != nil {
			return nil, fmt.Errorf("rename2: resolve exchanged directory for opaque marking: %w", err)
		}
		if err := whiteout.MarkOpaque(newPath); err != nil {
			return nil, fmt.Errorf("rename2: mark exchanged directory opaque: %w", err)
		}
		opaqueMarked = true
	}

	return &overlayops.Rename2Result{Outcome: overlayops.OutcomeExchanged, OpaqueMarked: opaqueMarked}, nil
}
