package persist

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/fserr"
)

func TestRoundTrip(t *testing.T) {
	var v extent.Vector[uint64]
	v.Append(4096, 0, 8192)
	v.Append(16384, 8192, 4096)
	const bitmask = uint64(0x7000)

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, v, bitmask))

	gotV, gotMask, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, bitmask, gotMask)

	want, err := v.ToMap()
	require.NoError(t, err)
	got, err := gotV.ToMap()
	require.NoError(t, err)
	assert.Equal(t, want.Extents(), got.Extents())
}

func TestRoundTripEmptyVector(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, nil, 0))

	gotV, gotMask, err := Load(&buf)
	require.NoError(t, err)
	assert.Zero(t, gotMask)
	assert.Empty(t, gotV)
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, _, err := Load(strings.NewReader("4096\n1 2 three\n"))
	require.ErrorIs(t, err, fserr.ErrInvalid)
}

func TestLoadRejectsTruncatedTriple(t *testing.T) {
	_, _, err := Load(strings.NewReader("4096\n1 2\n"))
	require.ErrorIs(t, err, fserr.ErrInvalid)
}

func TestLoadRejectsEmptyStream(t *testing.T) {
	_, _, err := Load(strings.NewReader(""))
	require.ErrorIs(t, err, fserr.ErrInvalid)
}

func TestSaveFileLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extents")

	var v extent.Vector[uint64]
	v.Append(12288, 4096, 4096)
	require.NoError(t, SaveFile(path, v, 0x1000))

	gotV, gotMask, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), gotMask)
	assert.Equal(t, v, gotV)
}
