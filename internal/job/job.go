// Package job allocates and owns the per-invocation work directory
// under <root>/.fstransform/. The directory anchors the persistence
// artifact, the job log, and any secondary-storage file; it is never
// deleted, because it is the resume anchor.
package job

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const hiddenRoot = ".fstransform"

// Job is one fstransform invocation's work directory and storage
// budget.
type Job struct {
	id          uint
	dir         string // always ends with the path separator
	storageSize uint64
	exact       bool
	logFile     *os.File
}

// Init allocates a job directory under <root>/.fstransform/.
//
// With requestedID == 0 it picks the lowest i >= 1 for which
// job.<i>/ can be created exclusively. A nonzero requestedID resumes
// that job: its directory may already exist, and the storage size
// must then be honored exactly.
func Init(root string, requestedID uint, storageSize uint64, exact bool) (*Job, error) {
	base := filepath.Join(root, hiddenRoot)
	if err := os.Mkdir(base, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create %s: %w", base, err)
	}

	j := &Job{storageSize: storageSize, exact: exact}

	if requestedID != 0 {
		dir := filepath.Join(base, fmt.Sprintf("job.%d", requestedID))
		if err := os.Mkdir(dir, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create job directory %s: %w", dir, err)
		}
		j.id = requestedID
		j.dir = dir + string(os.PathSeparator)
		// Resuming an existing job pins the storage budget.
		j.exact = true
	} else {
		for i := uint(1); ; i++ {
			dir := filepath.Join(base, fmt.Sprintf("job.%d", i))
			err := os.Mkdir(dir, 0o700)
			if err == nil {
				j.id = i
				j.dir = dir + string(os.PathSeparator)
				break
			}
			if !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("create job directory %s: %w", dir, err)
			}
		}
	}

	lf, err := os.OpenFile(j.dir+"fstransform.log", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}
	j.logFile = lf

	return j, nil
}

// ID returns the job id.
func (j *Job) ID() uint { return j.id }

// Dir returns the job directory with a trailing separator.
func (j *Job) Dir() string { return j.dir }

// StorageSize returns the storage budget in bytes, or 0 if unset.
func (j *Job) StorageSize() uint64 { return j.storageSize }

// SetStorageSize overrides the storage budget.
func (j *Job) SetStorageSize(n uint64) { j.storageSize = n }

// StorageSizeExact reports whether the budget must be honored
// exactly (always true when resuming an existing job).
func (j *Job) StorageSizeExact() bool { return j.exact }

// ExtentsPath returns the path of the persistence artifact.
func (j *Job) ExtentsPath() string { return j.dir + "extents" }

// SecondaryStoragePath returns the path of the secondary-storage
// file: the job directory name with a ".storage" suffix.
func (j *Job) SecondaryStoragePath() string {
	return strings.TrimRight(j.dir, string(os.PathSeparator)) + ".storage"
}

// LogWriter returns the job's log file for structured log fan-out.
func (j *Job) LogWriter() io.Writer { return j.logFile }

// Quit releases the job's resources. The directory itself stays: it
// is the resume anchor.
func (j *Job) Quit() {
	if j.logFile != nil {
		j.logFile.Close()
		j.logFile = nil
	}
}
