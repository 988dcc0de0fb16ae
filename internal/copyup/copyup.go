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

// Package copyup implements component D: materializing a lower-layer entry
// into the upper layer so it can be mutated in place. Concurrent callers
// racing to copy up the same inode are collapsed with singleflight, mirroring
// how the teacher de-duplicates concurrent GCS object fetches.
package copyup

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"

	"github.com/ovlfuse/overlayfs/internal/registry"
	"github.com/pkg/xattr"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"
)

// Engine materializes lower-layer entries into the upper layer.
type Engine struct {
	reg *registry.Registry
	sf  singleflight.Group
}

// New returns a copy-up engine operating over reg.
func New(reg *registry.Registry) *Engine {
	return &Engine{reg: reg}
}

// EnsureUpper guarantees that id's authoritative layer is the upper layer,
// recursively materializing ancestor directories first. A second caller
// arriving while a copy-up is in flight observes the already-materialized
// result rather than racing a duplicate copy.
func (e *Engine) EnsureUpper(id registry.InodeID) error {
	rec, err := e.reg.Resolve(id)
	if err != nil {
		return err
	}
	if rec.LayerIx == 0 {
		return nil
	}

	if rec.Parent != 0 && rec.Parent != id {
		if err := e.EnsureUpper(rec.Parent); err != nil {
			return fmt.Errorf("copy up parent of %v: %w", id, err)
		}
	}

	key := strconv.FormatUint(uint64(id), 10)
	_, err, _ = e.sf.Do(key, func() (interface{}, error) {
		rec, err := e.reg.Resolve(id)
		if err != nil {
			return nil, err
		}
		if rec.LayerIx == 0 {
			// Materialized by whichever goroutine's EnsureUpper(parent)
			// call raced us here first.
			return nil, nil
		}
		return nil, e.materialize(rec)
	})
	return err
}

func (e *Engine) materialize(rec registry.Record) error {
	lowerPath, err := e.reg.PhysicalPath(rec.ID, rec.LayerIx)
	if err != nil {
		return err
	}
	upperPath, err := e.reg.PhysicalPath(rec.ID, 0)
	if err != nil {
		return err
	}

	st, err := os.Lstat(lowerPath)
	if err != nil {
		return fmt.Errorf("copyup: stat lower %s: %w", lowerPath, err)
	}

	switch {
	case st.IsDir():
		err = os.Mkdir(upperPath, st.Mode().Perm())
	case st.Mode()&os.ModeSymlink != 0:
		var target string
		target, err = os.Readlink(lowerPath)
		if err == nil {
			err = os.Symlink(target, upperPath)
		}
	default:
		err = copyRegularFile(lowerPath, upperPath, st.Mode().Perm())
	}
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("copyup: materialize %s: %w", upperPath, err)
	}

	if err := preserveMetadata(lowerPath, upperPath, st); err != nil {
		return err
	}

	upperParent, err := e.reg.PhysicalPath(rec.Parent, 0)
	if err != nil {
		return err
	}
	newSt, err := e.reg.Layers[0].Lstat(upperParent, rec.Name)
	if err != nil {
		return fmt.Errorf("copyup: restat upper %s: %w", upperPath, err)
	}

	return e.reg.Rekey(rec.ID, 0, newSt.Ino)
}

func copyRegularFile(lowerPath, upperPath string, perm os.FileMode) error {
	src, err := os.Open(lowerPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(upperPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(upperPath)
		return err
	}
	return dst.Sync()
}

// preserveMetadata carries mode, ownership, modification time and extended
// attributes from the lower copy to the freshly materialized upper copy.
func preserveMetadata(lowerPath, upperPath string, st os.FileInfo) error {
	if st.Mode()&os.ModeSymlink == 0 {
		if err := os.Chmod(upperPath, st.Mode().Perm()); err != nil {
			return err
		}
	}

	if sysSt, ok := st.Sys().(*syscall.Stat_t); ok {
		if err := unix.Lchown(upperPath, int(sysSt.Uid), int(sysSt.Gid)); err != nil {
			return fmt.Errorf("copyup: chown %s: %w", upperPath, err)
		}
	}

	if err := os.Chtimes(upperPath, st.ModTime(), st.ModTime()); err != nil {
		return err
	}

	names, err := xattr.List(lowerPath)
	if err != nil {
		// Not all filesystems support xattrs; this is not fatal to copy-up.
		return nil
	}
	for _, name := range names {
		val, err := xattr.Get(lowerPath, name)
		if err != nil {
			continue
		}
		_ = xattr.Set(upperPath, name, val)
	}
	return nil
}
