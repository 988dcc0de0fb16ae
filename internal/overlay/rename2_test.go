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

package overlay_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/ovlfuse/overlayfs/internal/copyup"
	"github.com/ovlfuse/overlayfs/internal/layer"
	"github.com/ovlfuse/overlayfs/internal/overlay"
	"github.com/ovlfuse/overlayfs/internal/overlayops"
	"github.com/ovlfuse/overlayfs/internal/ovlerrors"
	"github.com/ovlfuse/overlayfs/internal/registry"
	"github.com/ovlfuse/overlayfs/internal/whiteout"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type Rename2Suite struct {
	suite.Suite
	upper   *layer.Accessor
	lower   *layer.Accessor
	reg     *registry.Registry
	planner *overlay.Planner
}

func (s *Rename2Suite) SetupTest() {
	var err error
	s.upper, err = layer.Open(s.T().TempDir(), 0)
	require.NoError(s.T(), err)
	s.lower, err = layer.Open(s.T().TempDir(), 1)
	require.NoError(s.T(), err)

	s.reg = registry.New([]*layer.Accessor{s.upper, s.lower})
	cu := copyup.New(s.reg)
	s.planner = overlay.NewPlanner(s.reg, cu, nil, nil)
}

func (s *Rename2Suite) TearDownTest() {
	s.upper.Close()
	s.lower.Close()
}

func (s *Rename2Suite) writeUpper(name, content string) {
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.upper.Path(), name), []byte(content), 0644))
}

func (s *Rename2Suite) writeLower(name, content string) {
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.lower.Path(), name), []byte(content), 0644))
}

func (s *Rename2Suite) mkdirUpper(name string) {
	require.NoError(s.T(), os.Mkdir(filepath.Join(s.upper.Path(), name), 0755))
}

// Row 0: unknown flag bits are rejected before any side effect.
func (s *Rename2Suite) TestRow0_UnknownFlagIsEinval() {
	s.writeUpper("a", "x")
	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
		Flags: 0x8,
	})
	s.requireErrno(err, syscall.EINVAL)
	s.assertStillThere("a")
}

// Row 0: EXCHANGE|NOREPLACE is rejected.
func (s *Rename2Suite) TestRow0_ExchangeWithNoreplaceIsEinval() {
	s.writeUpper("a", "x")
	s.writeUpper("b", "y")
	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
		Flags: layer.EXCHANGE | layer.NOREPLACE,
	})
	s.requireErrno(err, syscall.EINVAL)
}

// Row 1: plain rename, destination absent -> moved, no whiteout (upper-only
// source has no lower shadow).
func (s *Rename2Suite) TestRow1_PlainMoveDestAbsent() {
	s.writeUpper("a", "x")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
	})
	s.Require().NoError(err)
	s.Equal(overlayops.OutcomeMoved, res.Outcome)
	s.False(res.WhiteoutLeft)
	s.assertGone("a")
	s.assertStillThere("b")
}

// Row 1 variant: source shadows a lower entry, so a whiteout must be left.
func (s *Rename2Suite) TestRow1_WhiteoutLeftWhenLowerShadowed() {
	// A flagless rename reports success even when the whiteout cannot be
	// created, so probe for CAP_MKNOD up front.
	if err := whiteout.Create(s.upper, s.upper.Path(), "probe"); err != nil {
		s.T().Skipf("whiteout creation requires CAP_MKNOD: %v", err)
	}
	require.NoError(s.T(), os.Remove(filepath.Join(s.upper.Path(), "probe")))

	s.writeLower("a", "lower content")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
	})
	s.Require().NoError(err)
	s.True(res.WhiteoutLeft)

	lookup, err := s.reg.Lookup(registry.RootInodeID, "a")
	s.Require().NoError(err)
	s.Equal(registry.StatusWhitedOut, lookup.Status)
}

// Row 2: plain rename, destination present, file-over-file -> replace.
func (s *Rename2Suite) TestRow2_FileOverFile() {
	s.writeUpper("a", "new")
	s.writeUpper("b", "old")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
	})
	s.Require().NoError(err)
	s.Equal(overlayops.OutcomeMoved, res.Outcome)

	got, err := os.ReadFile(filepath.Join(s.upper.Path(), "b"))
	s.Require().NoError(err)
	s.Equal("new", string(got))
}

// Row 3: plain rename, destination present, dir-over-empty-dir -> replace.
func (s *Rename2Suite) TestRow3_DirOverEmptyDir() {
	s.mkdirUpper("src")
	s.mkdirUpper("dst")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "src",
		NewParent: registry.RootInodeID, NewName: "dst",
	})
	s.Require().NoError(err)
	s.Equal(overlayops.OutcomeMoved, res.Outcome)
}

// Row 4: plain rename, destination present, dir-over-nonempty-dir ->
// ENOTEMPTY, no side effects.
func (s *Rename2Suite) TestRow4_DirOverNonEmptyDirIsEnotempty() {
	s.mkdirUpper("src")
	s.mkdirUpper("dst")
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.upper.Path(), "dst", "child"), nil, 0644))

	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "src",
		NewParent: registry.RootInodeID, NewName: "dst",
	})
	s.requireErrno(err, syscall.ENOTEMPTY)
	s.assertStillThere("src")
}

// Row 5: plain rename, src is dir, dest exists as non-dir -> ENOTDIR.
func (s *Rename2Suite) TestRow5_DirOverFileIsEnotdir() {
	s.mkdirUpper("src")
	s.writeUpper("dst", "x")

	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "src",
		NewParent: registry.RootInodeID, NewName: "dst",
	})
	s.requireErrno(err, syscall.ENOTDIR)
}

// Row 6: plain rename, src is non-dir, dest exists as dir -> EISDIR.
func (s *Rename2Suite) TestRow6_FileOverDirIsEisdir() {
	s.writeUpper("src", "x")
	s.mkdirUpper("dst")

	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "src",
		NewParent: registry.RootInodeID, NewName: "dst",
	})
	s.requireErrno(err, syscall.EISDIR)
}

// Row 7: NOREPLACE, destination absent -> behaves like a plain move.
func (s *Rename2Suite) TestRow7_NoreplaceDestAbsent() {
	s.writeUpper("a", "x")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
		Flags: layer.NOREPLACE,
	})
	s.Require().NoError(err)
	s.Equal(overlayops.OutcomeMoved, res.Outcome)
}

// Row 8: NOREPLACE, destination present -> EEXIST, no side effects.
func (s *Rename2Suite) TestRow8_NoreplaceDestPresentIsEexist() {
	s.writeUpper("a", "x")
	s.writeUpper("b", "y")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
		Flags: layer.NOREPLACE,
	})
	s.requireErrno(err, syscall.EEXIST)
	s.Equal(overlayops.OutcomeRejectedExists, res.Outcome)

	got, err := os.ReadFile(filepath.Join(s.upper.Path(), "b"))
	s.Require().NoError(err)
	s.Equal("y", string(got))
}

// Row 9: EXCHANGE, both present -> atomic swap, no whiteout either side.
func (s *Rename2Suite) TestRow9_ExchangeBothPresent() {
	s.writeUpper("a", "A")
	s.writeUpper("b", "B")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
		Flags: layer.EXCHANGE,
	})
	s.Require().NoError(err)
	s.Equal(overlayops.OutcomeExchanged, res.Outcome)
	s.False(res.WhiteoutLeft)

	gotA, err := os.ReadFile(filepath.Join(s.upper.Path(), "a"))
	s.Require().NoError(err)
	s.Equal("B", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(s.upper.Path(), "b"))
	s.Require().NoError(err)
	s.Equal("A", string(gotB))
}

// Row 10: EXCHANGE, either side absent -> ENOENT, no side effects.
func (s *Rename2Suite) TestRow10_ExchangeDestAbsentIsEnoent() {
	s.writeUpper("a", "A")
	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
		Flags: layer.EXCHANGE,
	})
	s.requireErrno(err, syscall.ENOENT)
	s.assertStillThere("a")
}

// Row 11: WHITEOUT set forces a whiteout at the source even though the
// source has no lower shadow, once the underlying move succeeds.
func (s *Rename2Suite) TestRow11_WhiteoutFlagForcesMarker() {
	s.writeUpper("a", "x")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
		Flags: layer.WHITEOUT,
	})
	if err != nil {
		s.T().Skipf("whiteout creation requires CAP_MKNOD: %v", err)
	}
	s.Require().NoError(err)
	s.True(res.WhiteoutLeft)

	lookup, err := s.reg.Lookup(registry.RootInodeID, "a")
	s.Require().NoError(err)
	s.Equal(registry.StatusWhitedOut, lookup.Status)
}

// Row 0 again: EXCHANGE|WHITEOUT is rejected.
func (s *Rename2Suite) TestRow0_ExchangeWithWhiteoutIsEinval() {
	s.writeUpper("a", "x")
	s.writeUpper("b", "y")
	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "b",
		Flags: layer.EXCHANGE | layer.WHITEOUT,
	})
	s.requireErrno(err, syscall.EINVAL)
}

func (s *Rename2Suite) TestRename2_SourceAbsentIsEnoent() {
	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "nope",
		NewParent: registry.RootInodeID, NewName: "b",
	})
	s.requireErrno(err, syscall.ENOENT)
}

// Same-path rename (same parent, same name) is a no-op success regardless
// of flags, and must not touch the filesystem.
func (s *Rename2Suite) TestRename2_SamePathIsNoop() {
	s.writeUpper("a", "x")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "a",
		Flags: layer.NOREPLACE,
	})
	s.Require().NoError(err)
	s.Equal(overlayops.OutcomeNoop, res.Outcome)
	s.assertStillThere("a")

	got, err := os.ReadFile(filepath.Join(s.upper.Path(), "a"))
	s.Require().NoError(err)
	s.Equal("x", string(got))
}

// Same-path rename still rejects an invalid flag combination: flag
// validation takes priority over the no-op short circuit.
func (s *Rename2Suite) TestRename2_SamePathStillValidatesFlags() {
	s.writeUpper("a", "x")
	_, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "a",
		NewParent: registry.RootInodeID, NewName: "a",
		Flags: layer.EXCHANGE | layer.NOREPLACE,
	})
	s.requireErrno(err, syscall.EINVAL)
}

// Moving a directory onto a new name that shadows a lower directory of the
// same name must mark the moved directory opaque at its destination, or
// the lower directory's children would leak in underneath it.
func (s *Rename2Suite) TestDirectoryMove_MarksDestinationOpaqueWhenShadowingLower() {
	s.mkdirUpper("src")
	require.NoError(s.T(), os.WriteFile(filepath.Join(s.upper.Path(), "src", "child"), nil, 0644))
	// An empty lower "dst" directory: the merged view sees it as present but
	// empty, so the dir-over-empty-dir case replaces it (row 3) rather than
	// failing ENOTEMPTY. Once replaced, the moved directory must be marked
	// opaque or the lower directory's (future) contents would leak in
	// underneath it.
	require.NoError(s.T(), os.Mkdir(filepath.Join(s.lower.Path(), "dst"), 0755))

	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "src",
		NewParent: registry.RootInodeID, NewName: "dst",
	})
	s.Require().NoError(err)
	s.True(res.OpaqueMarked)

	opaque, err := whiteout.IsOpaqueDir(filepath.Join(s.upper.Path(), "dst"))
	s.Require().NoError(err)
	s.True(opaque)
}

// Moving a directory when nothing in a lower layer shares the destination
// name leaves no opaque marker: there is nothing for it to shadow.
func (s *Rename2Suite) TestDirectoryMove_NoOpaqueMarkWithoutLowerShadow() {
	s.mkdirUpper("src")
	res, err := s.planner.Rename2(&overlayops.Rename2Op{
		Parent: registry.RootInodeID, Name: "src",
		NewParent: registry.RootInodeID, NewName: "dst",
	})
	s.Require().NoError(err)
	s.False(res.OpaqueMarked)

	opaque, err := whiteout.IsOpaqueDir(filepath.Join(s.upper.Path(), "dst"))
	s.Require().NoError(err)
	s.False(opaque)
}

func (s *Rename2Suite) requireErrno(err error, want syscall.Errno) {
	s.Require().Error(err)
	errno, ok := ovlerrors.Errno(err)
	s.Require().True(ok, "expected an errno-carrying error, got %v", err)
	s.Equal(want, errno)
}

func (s *Rename2Suite) assertGone(name string) {
	_, err := os.Lstat(filepath.Join(s.upper.Path(), name))
	s.True(os.IsNotExist(err))
}

func (s *Rename2Suite) assertStillThere(name string) {
	_, err := os.Lstat(filepath.Join(s.upper.Path(), name))
	s.NoError(err)
}

func TestRename2Suite(t *testing.T) {
	suite.Run(t, new(Rename2Suite))
}
