package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sycomix/fstransform/internal/fserr"
	"github.com/sycomix/fstransform/internal/probe"
)

func TestRole_String(t *testing.T) {
	assert.Equal(t, "device", RoleDevice.String())
	assert.Equal(t, "loop-file", RoleLoopFile.String())
	assert.Equal(t, "zero-file", RoleZeroFile.String())
	assert.Equal(t, "secondary-storage", RoleSecondaryStorage.String())
	assert.Equal(t, "primary-storage", RolePrimaryStorage.String())
	assert.Equal(t, "storage", RoleStorage.String())
	assert.Equal(t, "unknown", Role(99).String())
}

func newImageSet(t *testing.T) (dev, loop, zero string) {
	t.Helper()
	dir := t.TempDir()
	dev = filepath.Join(dir, "device.img")
	loop = filepath.Join(dir, "loop.img")
	zero = filepath.Join(dir, "zero.img")

	require.NoError(t, os.WriteFile(dev, make([]byte, 64*1024), 0o600))
	require.NoError(t, os.WriteFile(loop, []byte("loop-file payload"), 0o600))
	require.NoError(t, os.WriteFile(zero, []byte("zero-file payload"), 0o600))
	return dev, loop, zero
}

func TestOpen_ImageFiles(t *testing.T) {
	devPath, loopPath, zeroPath := newImageSet(t)

	s := &Set{}
	require.NoError(t, s.Open(devPath, loopPath, zeroPath))
	defer s.Close()

	assert.Equal(t, uint64(64*1024), s.Length())
	assert.NotNil(t, s.Device())
}

func TestOpen_MissingLoopFile(t *testing.T) {
	devPath, _, zeroPath := newImageSet(t)

	s := &Set{}
	err := s.Open(devPath, filepath.Join(t.TempDir(), "nope"), zeroPath)
	require.Error(t, err)
}

func TestReadExtents_AccumulatesBitmask(t *testing.T) {
	devPath, loopPath, zeroPath := newImageSet(t)

	s := &Set{}
	require.NoError(t, s.Open(devPath, loopPath, zeroPath))
	defer s.Close()

	loopV, freeV, bitmask, err := s.ReadExtents(probe.SeekHoleProbe{})
	require.NoError(t, err)

	// The device length always participates in the bitmask.
	assert.Equal(t, uint64(64*1024), bitmask&(64*1024))
	assert.NotEmpty(t, loopV)
	assert.NotEmpty(t, freeV)

	for _, e := range append(loopV, freeV...) {
		assert.LessOrEqual(t, e.PhysicalEnd(), s.Length())
	}
}

func TestReadExtents_AfterCloseExtents(t *testing.T) {
	devPath, loopPath, zeroPath := newImageSet(t)

	s := &Set{}
	require.NoError(t, s.Open(devPath, loopPath, zeroPath))
	defer s.Close()

	s.CloseExtents()
	_, _, _, err := s.ReadExtents(probe.SeekHoleProbe{})
	require.ErrorIs(t, err, fserr.ErrNotOpen)
}

func TestOpen_Twice(t *testing.T) {
	devPath, loopPath, zeroPath := newImageSet(t)

	s := &Set{}
	require.NoError(t, s.Open(devPath, loopPath, zeroPath))
	defer s.Close()

	err := s.Open(devPath, loopPath, zeroPath)
	require.ErrorIs(t, err, fserr.ErrAlreadyOpen)

	// The first open's descriptors are untouched.
	assert.Equal(t, uint64(64*1024), s.Length())
	assert.NotNil(t, s.Device())
}
