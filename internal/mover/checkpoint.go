package mover

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
	_ "modernc.org/sqlite"
)

// Checkpoint provides SQLite-backed resume state for interrupted tree
// moves: every fully copied regular file is recorded, so a re-run
// skips straight to removing its source.
type Checkpoint struct {
	db   *sql.DB
	path string
}

// OpenCheckpoint opens (or creates) the checkpoint database for the
// given source/target pair. The DB lives at
// $XDG_RUNTIME_DIR/fstransform/<job-id>.db or
// /tmp/fstransform-<job-id>.db; the job id is deterministic so a
// re-run finds its predecessor's state.
func OpenCheckpoint(source, target string) (*Checkpoint, error) {
	jobID := checkpointJobID(source, target)
	dbPath := checkpointPath(jobID)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}

	c := &Checkpoint{db: db, path: dbPath}
	if err := c.init(source, target); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Checkpoint) init(source, target string) error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS completed (
			path    TEXT PRIMARY KEY,
			size    INTEGER NOT NULL,
			hash    TEXT NOT NULL,
			mtime   INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var storedSrc, storedDst string
	row := c.db.QueryRow("SELECT value FROM meta WHERE key = 'source_root'")
	if err := row.Scan(&storedSrc); err == nil {
		row2 := c.db.QueryRow("SELECT value FROM meta WHERE key = 'target_root'")
		if err := row2.Scan(&storedDst); err == nil {
			if storedSrc != source || storedDst != target {
				return fmt.Errorf("checkpoint roots mismatch: stored %s->%s, got %s->%s",
					storedSrc, storedDst, source, target)
			}
		}
	} else {
		_, err = c.db.Exec(
			"INSERT OR REPLACE INTO meta (key, value) VALUES ('source_root', ?), ('target_root', ?)",
			source, target)
		if err != nil {
			return fmt.Errorf("store meta: %w", err)
		}
	}
	return nil
}

// IsCompleted reports whether the file at path (with this size and
// mtime) was already copied by an earlier run.
func (c *Checkpoint) IsCompleted(path string, st *unix.Stat_t) bool {
	var storedSize, storedMtime int64
	err := c.db.QueryRow(
		"SELECT size, mtime FROM completed WHERE path = ?", path,
	).Scan(&storedSize, &storedMtime)
	if err != nil {
		return false
	}
	return storedSize == st.Size && storedMtime == st.Mtim.Nano()
}

// MarkCompleted records one fully copied file. The mover is
// single-threaded, so records are written directly.
func (c *Checkpoint) MarkCompleted(path string, st *unix.Stat_t, hash string) error {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO completed (path, size, hash, mtime) VALUES (?, ?, ?, ?)",
		path, st.Size, hash, st.Mtim.Nano())
	return err
}

// Close closes the database.
func (c *Checkpoint) Close() error {
	return c.db.Close()
}

// Remove deletes the checkpoint database file after a fully
// successful move.
func (c *Checkpoint) Remove() error {
	return os.Remove(c.path)
}

// Path returns the database file path.
func (c *Checkpoint) Path() string { return c.path }

// checkpointJobID computes a deterministic job id from the move's
// roots.
func checkpointJobID(source, target string) string {
	h := blake3.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(target))
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:8])
}

// checkpointPath returns the filesystem path for a checkpoint DB.
func checkpointPath(jobID string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "fstransform", jobID+".db")
	}
	return filepath.Join(os.TempDir(), "fstransform-"+jobID+".db")
}
