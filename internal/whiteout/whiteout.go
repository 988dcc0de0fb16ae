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

// Package whiteout implements component B: encoding, decoding and
// recognizing whiteout and opaque markers, the filesystem-level artifacts
// that let the upper layer hide entries that still exist in a lower layer.
package whiteout

import (
	"github.com/ovlfuse/overlayfs/internal/layer"
	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"
)

// whiteoutMode is the mode passed to mknod when creating a whiteout: a
// character-special file with permission bits 0644.
const whiteoutMode = unix.S_IFCHR | 0o644

// opaqueXattr is the extended attribute used to mark a directory opaque.
// The kernel's own overlayfs uses a trusted.* xattr, but trusted.* requires
// CAP_SYS_ADMIN to write; since this filesystem runs as an ordinary FUSE
// daemon rather than in kernel context, it uses the unprivileged user.*
// namespace instead.
const opaqueXattr = "user.overlay.opaque"

// IsWhiteout reports whether st describes a whiteout marker: a
// character-special file with device number zero. This device==0 && S_IFCHR
// predicate is the canonical recognition rule; every other component defers
// to it rather than re-deriving it.
func IsWhiteout(st unix.Stat_t) bool {
	return st.Mode&unix.S_IFMT == unix.S_IFCHR && st.Rdev == 0
}

// Create creates a whiteout marker at (parentReal, name) in the upper layer:
// a character-special node, mode 0644, device 0.
func Create(upper *layer.Accessor, parentReal, name string) error {
	return upper.Mknod(parentReal, name, whiteoutMode, 0)
}

// IsOpaqueDir reports whether the directory at path carries the opaque
// marker, i.e. lower-layer contents beneath it are entirely masked.
func IsOpaqueDir(path string) (bool, error) {
	_, err := xattr.Get(path, opaqueXattr)
	if err != nil {
		if xattr.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkOpaque sets the opaque marker on the directory at path.
func MarkOpaque(path string) error {
	return xattr.Set(path, opaqueXattr, []byte("y"))
}

// ClearOpaque removes the opaque marker from the directory at path, if
// present. A missing marker is not an error.
func ClearOpaque(path string) error {
	err := xattr.Remove(path, opaqueXattr)
	if err != nil && !xattr.IsNotExist(err) {
		return err
	}
	return nil
}
