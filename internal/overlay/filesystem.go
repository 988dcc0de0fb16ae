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

package overlay

import (
	"context"
	"os"
	"syscall"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/ovlfuse/overlayfs/internal/copyup"
	"github.com/ovlfuse/overlayfs/internal/overlayops"
	"github.com/ovlfuse/overlayfs/internal/overlay/testhook"
	"github.com/ovlfuse/overlayfs/internal/ovlerrors"
	"github.com/ovlfuse/overlayfs/internal/registry"
	"github.com/ovlfuse/overlayfs/internal/whiteout"
)

// Filesystem is the fuseutil.FileSystem implementation serving the union.
// It implements only the handful of operations the rename2 surface needs;
// everything else falls back to fuseutil.NotImplementedFileSystem, exactly
// the way the teacher leaves out operations its object store can't support.
type Filesystem struct {
	fuseutil.NotImplementedFileSystem

	Registry *registry.Registry
	CopyUp   *copyup.Engine
	Planner  *Planner
}

// New wires a registry, copy-up engine and planner into a servable
// filesystem.
func New(reg *registry.Registry, cu *copyup.Engine, metrics MetricsRecorder, hook testhook.Hook) *Filesystem {
	return &Filesystem{
		Registry: reg,
		CopyUp:   cu,
		Planner:  NewPlanner(reg, cu, metrics, hook),
	}
}

func (fs *Filesystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *Filesystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	result, err := fs.Registry.Lookup(registry.InodeID(op.Parent), op.Name)
	if err != nil {
		return err
	}
	switch result.Status {
	case registry.StatusNotPresent, registry.StatusWhitedOut:
		return ovlerrors.New("lookup", syscall.ENOENT)
	}

	attrs, err := fs.attributesFor(result.ID)
	if err != nil {
		return err
	}
	op.Entry = fuseops.ChildInodeEntry{
		Child:      fuseops.InodeID(result.ID),
		Attributes: attrs,
	}
	return nil
}

func (fs *Filesystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	attrs, err := fs.attributesFor(registry.InodeID(op.Inode))
	if err != nil {
		return err
	}
	op.Attributes = attrs
	return nil
}

func (fs *Filesystem) attributesFor(id registry.InodeID) (fuseops.InodeAttributes, error) {
	rec, err := fs.Registry.Resolve(id)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	path, err := fs.Registry.PhysicalPath(id, rec.LayerIx)
	if err != nil {
		return fuseops.InodeAttributes{}, err
	}
	st, err := os.Lstat(path)
	if err != nil {
		return fuseops.InodeAttributes{}, ovlerrors.Wrap("getattr", syscall.ENOENT, err)
	}

	mode := st.Mode().Perm()
	switch rec.Kind {
	case registry.Directory:
		mode |= os.ModeDir
	case registry.Symlink:
		mode |= os.ModeSymlink
	}

	nlink := uint32(1)
	if rec.LayerIx == 0 {
		nlink = rec.NlinkUpper
	}

	return fuseops.InodeAttributes{
		Size:   uint64(st.Size()),
		Nlink:  nlink,
		Mode:   mode,
		Mtime:  st.ModTime(),
		Ctime:  st.ModTime(),
		Crtime: st.ModTime(),
	}, nil
}

// Rename implements the standard, flagless rename surface that stock FUSE
// clients issue. It is equivalent to Rename2 with flags == 0.
func (fs *Filesystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	_, err := fs.Planner.Rename2(&overlayops.Rename2Op{
		Parent:    registry.InodeID(op.OldParent),
		Name:      op.OldName,
		NewParent: registry.InodeID(op.NewParent),
		NewName:   op.NewName,
	})
	return err
}

// Rename2 is the extended primitive this filesystem exists to serve; no
// stock Linux FUSE request carries renameat2's flags, so it is exposed for
// direct in-process callers rather than through fuseutil.FileSystem.
func (fs *Filesystem) Rename2(ctx context.Context, op *overlayops.Rename2Op) (*overlayops.Rename2Result, error) {
	return fs.Planner.Rename2(op)
}

func (fs *Filesystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	result, err := fs.Registry.Lookup(registry.InodeID(op.Parent), op.Name)
	if err != nil {
		return err
	}
	if result.Status != registry.StatusFound {
		return ovlerrors.New("unlink", syscall.ENOENT)
	}
	if err := fs.CopyUp.EnsureUpper(registry.InodeID(op.Parent)); err != nil {
		return err
	}
	lowerExisted, err := fs.Registry.LowerExists(registry.InodeID(op.Parent), op.Name)
	if err != nil {
		return err
	}
	parentReal, err := fs.Registry.PhysicalPath(registry.InodeID(op.Parent), 0)
	if err != nil {
		return err
	}
	if err := fs.Registry.Layers[0].Unlink(parentReal, op.Name, false); err != nil {
		return err
	}
	fs.Registry.Forget(result.ID, 1)
	if lowerExisted {
		return whiteout.Create(fs.Registry.Layers[0], parentReal, op.Name)
	}
	return nil
}

func (fs *Filesystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.Registry.Forget(registry.InodeID(op.Inode), uint64(op.N))
	return nil
}
