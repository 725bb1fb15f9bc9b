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

// buildTree creates the scenario source tree: a regular file, a
// symlink to it, a fifo, and a hard link pair.
func buildTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.Mkdir(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("alpha\n"), 0o644))
	require.NoError(t, os.Chmod(filepath.Join(root, "a.txt"), 0o644))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "link")))
	require.NoError(t, unix.Mkfifo(filepath.Join(root, "pipe"), 0o600))
	require.NoError(t, os.Link(filepath.Join(root, "a.txt"), filepath.Join(root, "b.txt")))

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o711))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "nested.txt"), []byte("nested\n"), 0o600))
}

func lstat(t *testing.T, path string) *unix.Stat_t {
	t.Helper()
	var st unix.Stat_t
	require.NoError(t, unix.Lstat(path, &st))
	return &st
}

// TestMove_RecursiveAcrossFilesystems drives the full recursive path
// (rename is not attempted) and checks the tree is reproduced
// faithfully with the source removed.
func TestMove_RecursiveAcrossFilesystems(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	buildTree(t, src)

	mtime := time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(filepath.Join(src, "a.txt"), mtime, mtime))
	srcStat := lstat(t, filepath.Join(src, "a.txt"))

	m := New(false, nil)
	old := unix.Umask(0)
	defer unix.Umask(old)
	require.NoError(t, m.move(src, dst))

	// Source tree is gone.
	assert.NoDirExists(t, src)

	// Regular file: content, mode, mtime (seconds; usec is zeroed).
	data, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha\n", string(data))

	got := lstat(t, filepath.Join(dst, "a.txt"))
	assert.Equal(t, srcStat.Mode, got.Mode)
	assert.Equal(t, srcStat.Uid, got.Uid)
	assert.Equal(t, srcStat.Gid, got.Gid)
	assert.Equal(t, mtime.Unix(), got.Mtim.Sec)

	// Symlink target preserved, conventional argument order.
	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)

	// Fifo recreated.
	pipe := lstat(t, filepath.Join(dst, "pipe"))
	assert.Equal(t, uint32(unix.S_IFIFO), pipe.Mode&unix.S_IFMT)

	// Hard link pair shares one inode at the target.
	a := lstat(t, filepath.Join(dst, "a.txt"))
	b := lstat(t, filepath.Join(dst, "b.txt"))
	assert.Equal(t, a.Ino, b.Ino, "hard link lost during move")

	// Nested directory and mode.
	sub := lstat(t, filepath.Join(dst, "sub"))
	assert.Equal(t, uint32(0o711), sub.Mode&0o7777)
	nested, err := os.ReadFile(filepath.Join(dst, "sub", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested\n", string(nested))
}

// TestMove_RenameFastPath uses the same filesystem, so a single
// rename moves the whole tree.
func TestMove_RenameFastPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	buildTree(t, src)

	m := New(false, nil)
	require.NoError(t, m.Move(src, dst))

	assert.NoDirExists(t, src)
	assert.DirExists(t, dst)
	assert.FileExists(t, filepath.Join(dst, "a.txt"))
}

// TestMove_SimulationTouchesNothing walks the whole recursive path
// (simulated rename reports EXDEV) without changing anything.
func TestMove_SimulationTouchesNothing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	buildTree(t, src)

	m := New(true, nil)
	require.NoError(t, m.Move(src, dst))

	assert.DirExists(t, src)
	assert.FileExists(t, filepath.Join(src, "a.txt"))
	assert.NoDirExists(t, dst)
}

func TestMove_MissingSource(t *testing.T) {
	dir := t.TempDir()
	m := New(false, nil)
	err := m.move(filepath.Join(dir, "nope"), filepath.Join(dir, "dst"))
	require.Error(t, err)
}

func TestCopyStream_LargeFile(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "big")
	dstPath := filepath.Join(dir, "big.out")

	// Larger than the stream buffer to exercise multiple rounds.
	payload := make([]byte, streamBufSize*3+1234)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(srcPath, payload, 0o600))

	in, err := os.Open(srcPath)
	require.NoError(t, err)
	defer in.Close()
	out, err := os.Create(dstPath)
	require.NoError(t, err)

	require.NoError(t, copyStream(in, out, nil, srcPath, dstPath))
	require.NoError(t, out.Close())

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
