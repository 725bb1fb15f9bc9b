package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_AllocatesLowestFreeID(t *testing.T) {
	root := t.TempDir()

	j1, err := Init(root, 0, 0, false)
	require.NoError(t, err)
	defer j1.Quit()
	assert.Equal(t, uint(1), j1.ID())

	j2, err := Init(root, 0, 0, false)
	require.NoError(t, err)
	defer j2.Quit()
	assert.Equal(t, uint(2), j2.ID())

	// Freeing job 1 makes its id the lowest again.
	j1.Quit()
	require.NoError(t, os.RemoveAll(filepath.Join(root, ".fstransform", "job.1")))

	j3, err := Init(root, 0, 0, false)
	require.NoError(t, err)
	defer j3.Quit()
	assert.Equal(t, uint(1), j3.ID())
}

func TestInit_Paths(t *testing.T) {
	root := t.TempDir()

	j, err := Init(root, 0, 4096, false)
	require.NoError(t, err)
	defer j.Quit()

	sep := string(os.PathSeparator)
	assert.True(t, len(j.Dir()) > 0 && j.Dir()[len(j.Dir())-1] == sep[0], "job dir must end with the separator")
	assert.Equal(t, filepath.Join(root, ".fstransform", "job.1")+sep, j.Dir())
	assert.Equal(t, j.Dir()+"extents", j.ExtentsPath())
	assert.Equal(t, filepath.Join(root, ".fstransform", "job.1.storage"), j.SecondaryStoragePath())
	assert.Equal(t, uint64(4096), j.StorageSize())
	assert.False(t, j.StorageSizeExact())

	assert.DirExists(t, filepath.Join(root, ".fstransform", "job.1"))
	assert.FileExists(t, j.Dir()+"fstransform.log")
}

func TestInit_ResumePinsStorageSize(t *testing.T) {
	root := t.TempDir()

	j1, err := Init(root, 0, 8192, false)
	require.NoError(t, err)
	j1.Quit()

	// Resuming job 1 accepts the existing directory and makes the
	// budget exact.
	j2, err := Init(root, 1, 8192, false)
	require.NoError(t, err)
	defer j2.Quit()
	assert.Equal(t, uint(1), j2.ID())
	assert.True(t, j2.StorageSizeExact())
}

func TestQuit_KeepsDirectory(t *testing.T) {
	root := t.TempDir()

	j, err := Init(root, 0, 0, false)
	require.NoError(t, err)
	dir := j.Dir()
	j.Quit()

	assert.DirExists(t, dir)
}
