// Package mover migrates a whole directory subtree from one mount to
// another, preserving metadata, hard links, symlinks, devices and
// fifos. A same-filesystem move is a single rename; across
// filesystems the tree is reproduced recursively and the source is
// removed behind it.
package mover

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/sycomix/fstransform/internal/fserr"
)

const streamBufSize = 64 * 1024

// devIno uniquely identifies an inode for hard-link detection.
type devIno struct {
	dev uint64
	ino uint64
}

// Mover performs one tree move. Simulate turns every destructive
// operation into a successful no-op, with rename deliberately
// reporting EXDEV so the full recursive path is exercised.
type Mover struct {
	Simulate   bool
	Checkpoint *Checkpoint

	// inodes maps already-created multi-link sources to their target
	// path, so later sightings become hard links instead of copies.
	inodes map[devIno]string
}

// New creates a Mover.
func New(simulate bool, cp *Checkpoint) *Mover {
	return &Mover{Simulate: simulate, Checkpoint: cp, inodes: make(map[devIno]string)}
}

// Move migrates sourceRoot onto targetRoot.
func (m *Mover) Move(sourceRoot, targetRoot string) error {
	if err := m.rename(sourceRoot, targetRoot); err == nil {
		return nil
	} else if !errors.Is(err, syscall.EXDEV) {
		slog.Debug("rename failed, falling back to recursive move", "error", err)
	}

	// Metadata is reproduced exactly by copyStat; the process umask
	// must not interfere with the modes set along the way.
	old := unix.Umask(0)
	defer unix.Umask(old)

	return m.move(sourceRoot, targetRoot)
}

// rename attempts the same-filesystem fast path.
func (m *Mover) rename(source, target string) error {
	if m.Simulate {
		return syscall.EXDEV
	}
	if err := os.Rename(source, target); err != nil {
		return err
	}
	slog.Debug("renamed", "source", source, "target", target)
	return nil
}

// move transfers a single file, special device or whole directory
// tree.
func (m *Mover) move(source, target string) error {
	slog.Debug("move", "source", source, "target", target)

	var st unix.Stat_t
	if err := unix.Lstat(source, &st); err != nil {
		return fmt.Errorf("lstat %q: %w", source, err)
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		return m.moveFile(source, &st, target)
	case unix.S_IFDIR:
	default:
		return m.moveSpecial(source, &st, target)
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return fmt.Errorf("read directory %q: %w", source, err)
	}
	if err := m.createDir(target); err != nil {
		return err
	}
	for _, ent := range entries {
		name := ent.Name()
		if name == "." || name == ".." {
			continue
		}
		if err := m.move(filepath.Join(source, name), filepath.Join(target, name)); err != nil {
			return err
		}
	}
	if err := m.copyStat(target, &st); err != nil {
		return err
	}
	return m.removeDir(source)
}

// moveFile moves one regular file.
func (m *Mover) moveFile(source string, st *unix.Stat_t, target string) error {
	slog.Debug("move_file", "source", source, "target", target)

	if m.Simulate {
		return nil
	}

	if m.Checkpoint != nil && m.Checkpoint.IsCompleted(source, st) {
		// The copy finished in an earlier run; only the source
		// removal is left to do.
		slog.Debug("already copied in an earlier run", "source", source)
		return m.finishFile(source, st, target, "")
	}

	if done, err := m.hardlinkFromCache(source, st, target); err != nil {
		return err
	} else if done {
		return m.finishFile(source, st, target, "")
	}

	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open file %q: %w", source, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, os.FileMode(st.Mode&0o777))
	if err != nil {
		in.Close()
		return fmt.Errorf("create file %q: %w", target, err)
	}

	var hasher *blake3.Hasher
	if m.Checkpoint != nil {
		hasher = blake3.New()
	}
	copyErr := copyStream(in, out, hasher, source, target)
	in.Close()
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("close %q: %w", target, err)
	}
	if copyErr != nil {
		return copyErr
	}

	var hash string
	if hasher != nil {
		hash = hex.EncodeToString(hasher.Sum(nil))
	}
	m.cacheInode(source, st, target)
	return m.finishFile(source, st, target, hash)
}

// finishFile applies metadata, records completion, and removes the
// source.
func (m *Mover) finishFile(source string, st *unix.Stat_t, target, hash string) error {
	if err := m.copyStat(target, st); err != nil {
		return err
	}
	if m.Checkpoint != nil {
		if err := m.Checkpoint.MarkCompleted(source, st, hash); err != nil {
			slog.Warn("checkpoint update failed", "source", source, "error", err)
		}
	}
	if err := os.Remove(source); err != nil {
		return fmt.Errorf("remove file %q: %w", source, err)
	}
	return nil
}

// moveSpecial moves a device node, socket, fifo or symlink.
func (m *Mover) moveSpecial(source string, st *unix.Stat_t, target string) error {
	slog.Debug("move_special", "source", source, "target", target)

	if m.Simulate {
		return nil
	}

	if done, err := m.hardlinkFromCache(source, st, target); err != nil {
		return err
	} else if !done {
		if err := m.createSpecial(source, st, target); err != nil {
			return err
		}
		m.cacheInode(source, st, target)
	}

	// A socket that could not be recreated leaves no target to apply
	// metadata to.
	_, lerr := os.Lstat(target)
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK || lerr == nil {
		if err := m.copyStat(target, st); err != nil {
			return err
		}
	}
	if err := os.Remove(source); err != nil {
		return fmt.Errorf("remove special %q: %w", source, err)
	}
	return nil
}

// createSpecial recreates one special inode at target.
func (m *Mover) createSpecial(source string, st *unix.Stat_t, target string) error {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR, unix.S_IFBLK, unix.S_IFSOCK:
		mode := (st.Mode | 0o600) &^ 0o077
		if err := unix.Mknod(target, mode, int(st.Rdev)); err != nil {
			if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
				return fmt.Errorf("create special device %q: %w", target, err)
			}
			// Sockets cannot always be recreated; a stale socket is
			// useless to its old listener anyway.
			slog.Warn("failed to create UNIX socket", "path", target, "error", err)
		}
	case unix.S_IFIFO:
		if err := unix.Mkfifo(target, 0o600); err != nil {
			return fmt.Errorf("create named pipe %q: %w", target, err)
		}
	case unix.S_IFLNK:
		linkTarget, err := os.Readlink(source)
		if err != nil {
			return fmt.Errorf("read symbolic link %q: %w", source, err)
		}
		if err := os.Symlink(linkTarget, target); err != nil {
			return fmt.Errorf("create symbolic link %q -> %q: %w", target, linkTarget, err)
		}
	default:
		return fmt.Errorf("special device %q has unknown type 0%o: %w",
			source, st.Mode&unix.S_IFMT, fserr.ErrUnsupported)
	}
	return nil
}

// hardlinkFromCache checks the inode cache for a source whose inode
// was recorded as multi-link at an earlier sighting; on a hit it emits
// a hard link instead of a new copy. The current link count is not
// consulted: removing the earlier sources has already lowered it.
func (m *Mover) hardlinkFromCache(source string, st *unix.Stat_t, target string) (bool, error) {
	prev, ok := m.inodes[devIno{dev: uint64(st.Dev), ino: st.Ino}]
	if !ok {
		return false, nil
	}
	if err := os.Link(prev, target); err != nil {
		return false, fmt.Errorf("hardlink %q -> %q: %w", target, prev, err)
	}
	slog.Debug("hardlinked", "target", target, "existing", prev)
	return true, nil
}

// cacheInode records the first created target of a multi-link source.
func (m *Mover) cacheInode(source string, st *unix.Stat_t, target string) {
	if st.Nlink > 1 {
		m.inodes[devIno{dev: uint64(st.Dev), ino: st.Ino}] = target
	}
}

// createDir creates one target directory with mode 0700; the final
// mode arrives via copyStat after the children have moved. With a
// checkpoint, a directory left by an earlier interrupted run is
// reused.
func (m *Mover) createDir(target string) error {
	slog.Debug("create_dir", "target", target)
	if m.Simulate {
		return nil
	}
	if err := os.Mkdir(target, 0o700); err != nil {
		if m.Checkpoint != nil && errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("create directory %q: %w", target, err)
	}
	return nil
}

// removeDir removes an emptied source directory.
func (m *Mover) removeDir(source string) error {
	slog.Debug("remove_dir", "source", source)
	if m.Simulate {
		return nil
	}
	if err := unix.Rmdir(source); err != nil {
		return fmt.Errorf("remove directory %q: %w", source, err)
	}
	return nil
}

// copyStream copies file contents through a fixed buffer, feeding the
// optional hasher along the way. Writes restart on EINTR; a zero read
// is end-of-file.
//
// TODO: reproduce holes in sparse sources with a SEEK_DATA/SEEK_HOLE
// walk (probe.SeekHoleProbe already computes the segments).
func copyStream(in, out *os.File, hasher *blake3.Hasher, source, target string) error {
	buf := make([]byte, streamBufSize)
	for {
		got, err := in.Read(buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %q: %w", source, err)
		}
		if hasher != nil {
			hasher.Write(buf[:got])
		}
		sent := 0
		for sent < got {
			n, err := out.Write(buf[sent:got])
			if err != nil {
				if errors.Is(err, syscall.EINTR) {
					continue
				}
				return fmt.Errorf("write %q: %w", target, err)
			}
			sent += n
		}
	}
}

// copyStat reproduces timestamps, ownership and permission bits on
// target. Timestamps are best-effort; chmod runs after lchown because
// lchown strips set-uid and set-gid bits.
func (m *Mover) copyStat(target string, st *unix.Stat_t) error {
	if m.Simulate {
		return nil
	}

	times := []unix.Timeval{
		{Sec: st.Atim.Sec, Usec: 0},
		{Sec: st.Mtim.Sec, Usec: 0},
	}
	if err := unix.Lutimes(target, times); err != nil {
		slog.Warn("cannot change timestamps", "path", target, "error", err)
	}

	if err := unix.Lchown(target, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("chown %q to %d/%d: %w", target, st.Uid, st.Gid, err)
	}

	if st.Mode&unix.S_IFMT != unix.S_IFLNK {
		if err := unix.Chmod(target, st.Mode&0o7777); err != nil {
			return fmt.Errorf("chmod %q to 0%o: %w", target, st.Mode&0o7777, err)
		}
	}
	return nil
}
