package mover

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"
)

func TestCheckpoint_OpenClose(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	cp, err := OpenCheckpoint("/src", "/dst")
	require.NoError(t, err)
	require.NotNil(t, cp)

	assert.FileExists(t, cp.Path())
	require.NoError(t, cp.Close())
}

func TestCheckpoint_MarkAndCheck(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	cp, err := OpenCheckpoint("/src", "/dst")
	require.NoError(t, err)
	defer cp.Close()

	st := &unix.Stat_t{Size: 100}
	st.Mtim.Sec = 12345

	assert.False(t, cp.IsCompleted("file.txt", st))

	require.NoError(t, cp.MarkCompleted("file.txt", st, "abc123"))
	assert.True(t, cp.IsCompleted("file.txt", st))

	// Size change invalidates the record.
	other := &unix.Stat_t{Size: 200}
	other.Mtim.Sec = 12345
	assert.False(t, cp.IsCompleted("file.txt", other))

	// Mtime change invalidates the record.
	other = &unix.Stat_t{Size: 100}
	other.Mtim.Sec = 99999
	assert.False(t, cp.IsCompleted("file.txt", other))

	// Different path is unknown.
	assert.False(t, cp.IsCompleted("other.txt", st))
}

func TestCheckpoint_ReopenSameRoots(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	cp, err := OpenCheckpoint("/src", "/dst")
	require.NoError(t, err)
	require.NoError(t, cp.Close())

	// Same roots re-open fine.
	cp, err = OpenCheckpoint("/src", "/dst")
	require.NoError(t, err)
	require.NoError(t, cp.Close())
}

func TestCheckpoint_MoveRecordsCompletedFiles(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.Mkdir(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "f.txt"), []byte("payload"), 0o644))
	// Whole-second mtime: the record keeps the source's timestamp and
	// the move reproduces it with a zeroed sub-second field.
	mtime := time.Unix(1700000000, 0)
	require.NoError(t, os.Chtimes(filepath.Join(src, "f.txt"), mtime, mtime))

	cp, err := OpenCheckpoint(src, dst)
	require.NoError(t, err)
	defer cp.Close()

	m := New(false, cp)
	old := unix.Umask(0)
	defer unix.Umask(old)
	require.NoError(t, m.move(src, dst))

	got, err := os.ReadFile(filepath.Join(dst, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.NoDirExists(t, src)

	// The completed record is keyed by the source path.
	st := &unix.Stat_t{}
	// Stat the moved file to recover size/mtime; the record matches
	// what the source had, which the move preserved.
	require.NoError(t, unix.Lstat(filepath.Join(dst, "f.txt"), st))
	assert.True(t, cp.IsCompleted(filepath.Join(src, "f.txt"), st))
}

func TestCheckpoint_Remove(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", t.TempDir())

	cp, err := OpenCheckpoint("/a", "/b")
	require.NoError(t, err)
	path := cp.Path()
	require.NoError(t, cp.Close())
	cp2, err := OpenCheckpoint("/a", "/b")
	require.NoError(t, err)
	require.NoError(t, cp2.Remove())
	cp2.Close()
	assert.NoFileExists(t, path)
}
