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

// Package layer implements component A, the single-layer accessor: a thin
// wrapper around one directory tree contributing to the overlay union that
// performs raw rename, mknod and stat calls against it.
package layer

import (
	"fmt"
	"os"
	"syscall"

	"github.com/ovlfuse/overlayfs/internal/ovlerrors"
	"golang.org/x/sys/unix"
)

// Modifier flags for RawRename, matching the Linux renameat2 bit layout.
const (
	NOREPLACE = 0x1
	EXCHANGE  = 0x2
	WHITEOUT  = 0x4

	validFlags = NOREPLACE | EXCHANGE | WHITEOUT
)

// Accessor wraps one directory tree (index Ix in the layer stack; 0 is the
// upper, writable layer) and performs raw filesystem operations against it.
// Only the upper layer's Accessor is ever used for mutating calls.
type Accessor struct {
	root *os.File // O_DIRECTORY descriptor, base for *at syscalls
	path string
	Ix   int
}

// Open returns an Accessor rooted at dir, which must be a directory.
func Open(dir string, ix int) (*Accessor, error) {
	f, err := os.OpenFile(dir, os.O_RDONLY|syscall.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("layer.Open(%q): %w", dir, err)
	}
	return &Accessor{root: f, path: dir, Ix: ix}, nil
}

// Close releases the directory descriptor.
func (a *Accessor) Close() error {
	return a.root.Close()
}

// Path returns the root directory this accessor was opened against.
func (a *Accessor) Path() string {
	return a.path
}

// RawRename performs the atomic rename primitive with the given renameat2
// flags, passed through bit-for-bit to the host kernel. flags == 0 is the
// classical rename(2) behavior.
func (a *Accessor) RawRename(parentReal, name, newParentReal, newName string, flags uint32) error {
	if flags&^uint32(validFlags) != 0 {
		return ovlerrors.New("raw_rename", syscall.EINVAL)
	}

	oldDir, err := a.dirFD(parentReal)
	if err != nil {
		return err
	}
	defer oldDir.Close()

	newDir, err := a.dirFD(newParentReal)
	if err != nil {
		return err
	}
	defer newDir.Close()

	err = unix.Renameat2(int(oldDir.Fd()), name, int(newDir.Fd()), newName, flags)
	if err != nil {
		return ovlerrors.Wrap("raw_rename", errnoOf(err), err)
	}
	return nil
}

// Mknod creates a device-special node (used by the whiteout protocol) at
// (parentReal, name).
func (a *Accessor) Mknod(parentReal, name string, mode uint32, dev int) error {
	dir, err := a.dirFD(parentReal)
	if err != nil {
		return err
	}
	defer dir.Close()

	err = unix.Mknodat(int(dir.Fd()), name, mode, dev)
	if err != nil {
		return ovlerrors.Wrap("mknod", errnoOf(err), err)
	}
	return nil
}

// Lstat stats (parentReal, name) without following a trailing symlink.
func (a *Accessor) Lstat(parentReal, name string) (unix.Stat_t, error) {
	dir, err := a.dirFD(parentReal)
	if err != nil {
		return unix.Stat_t{}, err
	}
	defer dir.Close()

	var st unix.Stat_t
	err = unix.Fstatat(int(dir.Fd()), name, &st, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return unix.Stat_t{}, ovlerrors.Wrap("lstat", errnoOf(err), err)
	}
	return st, nil
}

// Unlink removes the directory entry (parentReal, name). If dir is true, the
// entry is removed as a (necessarily empty) directory.
func (a *Accessor) Unlink(parentReal, name string, dir bool) error {
	d, err := a.dirFD(parentReal)
	if err != nil {
		return err
	}
	defer d.Close()

	flags := 0
	if dir {
		flags = unix.AT_REMOVEDIR
	}
	err = unix.Unlinkat(int(d.Fd()), name, flags)
	if err != nil {
		return ovlerrors.Wrap("unlink", errnoOf(err), err)
	}
	return nil
}

// dirFD opens parentReal (an absolute path resolved by the caller from a
// registry record) as a directory descriptor suitable for the *at family.
func (a *Accessor) dirFD(parentReal string) (*os.File, error) {
	f, err := os.OpenFile(parentReal, os.O_RDONLY|syscall.O_DIRECTORY, 0)
	if err != nil {
		return nil, ovlerrors.Wrap("open_parent", errnoOf(err), err)
	}
	return f, nil
}

func errnoOf(err error) syscall.Errno {
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	if pe, ok := err.(*os.PathError); ok {
		if errno, ok := pe.Err.(syscall.Errno); ok {
			return errno
		}
	}
	return syscall.EIO
}
