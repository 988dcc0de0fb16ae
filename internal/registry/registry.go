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

// Package registry implements component C, the Inode Registry: the map from
// overlay inode numbers to (layer, real-inode, link-count, parent, name)
// records described in spec section 4.C, grounded on the fileSystem.inodes
// bookkeeping and lookUpOrCreateInodeIfNotStale retry loop that the teacher
// uses to map GCS object generations onto stable inode identities.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/jacobsa/syncutil"
	"github.com/ovlfuse/overlayfs/internal/layer"
	"github.com/ovlfuse/overlayfs/internal/ovlerrors"
	"github.com/ovlfuse/overlayfs/internal/whiteout"
	"golang.org/x/sys/unix"
)

// InodeID is a process-wide overlay inode identity, stable for as long as
// its slot is live. Once Forget drops a slot's lookup count to zero, the ID
// goes on the free list and may be handed out again to a new entry.
type InodeID uint64

// RootInodeID is the identity of the union's root directory. No ID less than
// this is ever handed out, mirroring fuseops.RootInodeID in the teacher.
const RootInodeID InodeID = 1

// Kind classifies what an overlay inode's authoritative layer entry is.
type Kind int

const (
	Regular Kind = iota
	Directory
	Symlink
	WhiteoutMarker
	OpaqueMarker
	Other
)

// Record is the (layer, real-inode, link-count, parent, name) tuple C maps
// overlay inode numbers onto.
type Record struct {
	ID InodeID

	// LayerIx is the layer currently holding the authoritative copy. It
	// changes on copy-up (invariant 4).
	LayerIx int

	// RealIno is the kernel inode number on LayerIx.
	RealIno uint64

	// NlinkUpper is the link count as seen in the upper layer. Undefined
	// (reported as 0) if LayerIx != 0.
	NlinkUpper uint32

	Kind Kind

	Parent InodeID
	Name   string

	// relPath is the logical path relative to every layer's root. Layers
	// mirror the same relative namespace, so the physical path of this
	// entry on any layer i is layers[i].Path() + relPath.
	relPath string
}

// LookupStatus is the tri-state result of resolving a directory entry.
type LookupStatus int

const (
	StatusNotPresent LookupStatus = iota
	StatusWhitedOut
	StatusFound
)

// LookupResult is the outcome of Lookup: either the entry was found (with an
// ID), or it is absent for one of two distinguishable reasons (invariant 2
// in spec section 3).
type LookupResult struct {
	Status LookupStatus
	ID     InodeID
}

type slot struct {
	rec         Record
	lookupCount uint64
}

const numParentStripes = 64

// Registry is the process-wide overlay inode table. Index 0 of Layers is
// the upper (writable) layer; the rest are lowers in descending visibility
// priority.
type Registry struct {
	// Structural lock: guarded the way the teacher guards fileSystem.mu. It
	// may be acquired while holding per-parent locks from LockParents (the
	// planner does so), but never the other way round.
	mu syncutil.InvariantMutex

	Layers []*layer.Accessor

	slots     []*slot // index == InodeID; nil entries are free
	free      []InodeID
	byRelPath map[string]InodeID

	// Per-parent-directory stripe locks used by LockParents, selected by
	// parent ID modulo numParentStripes and acquired in ascending stripe
	// order to avoid deadlock.
	parentLocks [numParentStripes]sync.RWMutex
}

// New creates a registry over the given layer stack. layers[0] must be the
// upper, writable layer.
func New(layers []*layer.Accessor) *Registry {
	r := &Registry{
		Layers:    layers,
		slots:     make([]*slot, RootInodeID+1),
		byRelPath: make(map[string]InodeID),
	}
	r.slots[RootInodeID] = &slot{rec: Record{
		ID:      RootInodeID,
		LayerIx: 0,
		Kind:    Directory,
		relPath: "",
	}}
	r.byRelPath[""] = RootInodeID
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *Registry) checkInvariants() {
	if r.slots[RootInodeID] == nil {
		panic("registry: root inode missing")
	}
	if r.slots[RootInodeID].rec.Kind != Directory {
		panic("registry: root inode is not a directory")
	}
}

// physicalParent returns the real path of the directory at relative path
// parentRel on layer ix. ix must be a valid index into r.Layers.
func (r *Registry) physicalParent(parentRel string, ix int) string {
	return filepath.Join(r.Layers[ix].Path(), parentRel)
}

func joinRel(parentRel, name string) string {
	if parentRel == "" {
		return name
	}
	return parentRel + "/" + name
}

func kindOf(st unix.Stat_t) Kind {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return Directory
	case unix.S_IFLNK:
		return Symlink
	case unix.S_IFREG:
		return Regular
	default:
		return Other
	}
}

// Lookup resolves (parent, name) to an overlay inode, scanning layer 0 then
// 1..k. A whiteout marker in the upper layer short-circuits the scan
// (spec section 4.C "Resolution order").
func (r *Registry) Lookup(parent InodeID, name string) (LookupResult, error) {
	r.mu.Lock()
	parentRec, ok := r.recordLocked(parent)
	r.mu.Unlock()
	if !ok {
		return LookupResult{}, ovlerrors.New("lookup", syscall.ESTALE)
	}

	childRel := joinRel(parentRec.relPath, name)

	for ix, l := range r.Layers {
		parentReal := r.physicalParent(parentRec.relPath, ix)
		st, err := l.Lstat(parentReal, name)
		if err != nil {
			if errno, ok2 := ovlerrors.Errno(err); ok2 && errno == syscall.ENOENT {
				continue
			}
			return LookupResult{}, err
		}

		if ix == 0 && whiteout.IsWhiteout(st) {
			return LookupResult{Status: StatusWhitedOut}, nil
		}

		id := r.mintOrReuse(ix, st, childRel, parent, name)
		return LookupResult{Status: StatusFound, ID: id}, nil
	}

	return LookupResult{Status: StatusNotPresent}, nil
}

func (r *Registry) mintOrReuse(layerIx int, st unix.Stat_t, relPath string, parent InodeID, name string) InodeID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byRelPath[relPath]; ok {
		s := r.slots[existing]
		s.rec.LayerIx = layerIx
		s.rec.RealIno = st.Ino
		if layerIx == 0 {
			s.rec.NlinkUpper = uint32(st.Nlink)
		} else {
			s.rec.NlinkUpper = 0
		}
		s.lookupCount++
		return existing
	}

	rec := Record{
		LayerIx: layerIx,
		RealIno: st.Ino,
		Kind:    kindOf(st),
		Parent:  parent,
		Name:    name,
		relPath: relPath,
	}
	if layerIx == 0 {
		rec.NlinkUpper = uint32(st.Nlink)
	}

	var id InodeID
	if n := len(r.free); n != 0 {
		id = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		id = InodeID(len(r.slots))
		r.slots = append(r.slots, nil)
	}
	rec.ID = id
	r.slots[id] = &slot{rec: rec, lookupCount: 1}
	r.byRelPath[relPath] = id
	return id
}

func (r *Registry) recordLocked(id InodeID) (Record, bool) {
	if int(id) >= len(r.slots) || r.slots[id] == nil {
		return Record{}, false
	}
	return r.slots[id].rec, true
}

// Resolve is a point query: it never blocks across an I/O operation.
func (r *Registry) Resolve(id InodeID) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recordLocked(id)
	if !ok {
		return Record{}, ovlerrors.New("resolve", syscall.ESTALE)
	}
	return rec, nil
}

// RelPath returns the logical path of id, relative to every layer's root.
func (r *Registry) RelPath(id InodeID) (string, error) {
	rec, err := r.Resolve(id)
	if err != nil {
		return "", err
	}
	return rec.relPath, nil
}

// PhysicalPath returns the real path of id on layer ix, regardless of
// whether id is currently authoritative there.
func (r *Registry) PhysicalPath(id InodeID, ix int) (string, error) {
	rec, err := r.Resolve(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.Layers[ix].Path(), rec.relPath), nil
}

// Rekey updates id's authoritative layer and real inode number after a
// copy-up, preserving the logical overlay identity (invariant 4).
func (r *Registry) Rekey(id InodeID, newLayerIx int, newRealIno uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.slots[id]
	if s == nil {
		return ovlerrors.New("rekey", syscall.ESTALE)
	}
	s.rec.LayerIx = newLayerIx
	s.rec.RealIno = newRealIno
	return nil
}

// Forget decrements id's lookup count by n. If the count hits zero, the
// forward-map entry is removed and destroyed is true.
func (r *Registry) Forget(id InodeID, n uint64) (destroyed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slots[id]
	if s == nil {
		panic(fmt.Sprintf("registry: forget of unknown inode %v", id))
	}
	if n > s.lookupCount {
		panic(fmt.Sprintf("registry: forget(%v) exceeds lookup count %v", n, s.lookupCount))
	}
	s.lookupCount -= n
	if s.lookupCount == 0 {
		delete(r.byRelPath, s.rec.relPath)
		r.slots[id] = nil
		r.free = append(r.free, id)
		destroyed = true
	}
	return
}

// Rename updates the registry's bookkeeping after a successful raw rename:
// the entry at (oldParent, oldName) now lives at (newParent, newName). It
// does not perform any I/O.
func (r *Registry) Rename(id InodeID, newParent InodeID, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.slots[id]
	if s == nil {
		return ovlerrors.New("rename_bookkeeping", syscall.ESTALE)
	}

	newParentRec, ok := r.recordLocked(newParent)
	if !ok {
		return ovlerrors.New("rename_bookkeeping", syscall.ESTALE)
	}

	delete(r.byRelPath, s.rec.relPath)
	s.rec.Parent = newParent
	s.rec.Name = newName
	s.rec.relPath = joinRel(newParentRec.relPath, newName)
	r.byRelPath[s.rec.relPath] = id
	return nil
}

// LowerExists reports whether a directory entry named name exists at
// parentRel in any layer below the upper (index 0), independent of whether
// the upper currently shadows it with its own entry or a whiteout. This is
// the predicate the rename2 planner consults to decide whether a departing
// entry's old position needs a whiteout left behind.
func (r *Registry) LowerExists(parent InodeID, name string) (bool, error) {
	parentRec, err := r.Resolve(parent)
	if err != nil {
		return false, err
	}
	for ix := 1; ix < len(r.Layers); ix++ {
		parentReal := r.physicalParent(parentRec.relPath, ix)
		_, err := r.Layers[ix].Lstat(parentReal, name)
		if err == nil {
			return true, nil
		}
		if errno, ok := ovlerrors.Errno(err); ok && errno == syscall.ENOENT {
			continue
		}
		return false, err
	}
	return false, nil
}

// IsEmptyDir reports whether id, viewed as the merged union of every layer,
// has no child entries left once whiteouts and opaque-shadowed lower
// entries are accounted for. Used to enforce ENOTEMPTY on a rename2 that
// would replace a directory.
func (r *Registry) IsEmptyDir(id InodeID) (bool, error) {
	rec, err := r.Resolve(id)
	if err != nil {
		return false, err
	}

	seen := make(map[string]bool)
	whited := make(map[string]bool)

	for ix, l := range r.Layers {
		physical := filepath.Join(l.Path(), rec.relPath)
		entries, err := os.ReadDir(physical)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, err
		}

		if ix == 0 {
			opaque, err := whiteout.IsOpaqueDir(physical)
			if err != nil {
				return false, err
			}
			if opaque {
				// Entries below this directory in lower layers are
				// entirely masked; only the upper's own entries count.
				for _, e := range entries {
					if whited[e.Name()] {
						continue
					}
					st, err := l.Lstat(physical, e.Name())
					if err == nil && whiteout.IsWhiteout(st) {
						continue
					}
					seen[e.Name()] = true
				}
				return len(seen) == 0, nil
			}
		}

		for _, e := range entries {
			st, err := l.Lstat(physical, e.Name())
			if err != nil {
				continue
			}
			if ix == 0 && whiteout.IsWhiteout(st) {
				whited[e.Name()] = true
				continue
			}
			if whited[e.Name()] {
				continue
			}
			seen[e.Name()] = true
		}
	}

	return len(seen) == 0, nil
}

// LockParents acquires the stripe locks for a and b (ID modulo
// numParentStripes) in ascending stripe order, collapsing to a single
// acquisition when both fall in the same stripe. The returned function
// releases whatever was taken.
func (r *Registry) LockParents(a, b InodeID) (unlock func()) {
	ia, ib := a%numParentStripes, b%numParentStripes
	if ia == ib {
		r.parentLocks[ia].Lock()
		return func() { r.parentLocks[ia].Unlock() }
	}
	first, second := ia, ib
	if first > second {
		first, second = second, first
	}
	r.parentLocks[first].Lock()
	r.parentLocks[second].Lock()
	return func() {
		r.parentLocks[second].Unlock()
		r.parentLocks[first].Unlock()
	}
}
