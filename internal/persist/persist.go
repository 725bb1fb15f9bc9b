// Package persist reads and writes the resume artifact: the
// block-size bitmask followed by an extent vector, as an ASCII
// decimal text stream. The byte format is the contract between
// fsremap (writer) and fszero (reader). fsremap does not read the
// artifact back: a job started with an existing id probes its extents
// again and rewrites the file.
package persist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/sycomix/fstransform/internal/extent"
	"github.com/sycomix/fstransform/internal/fserr"
)

// Save renders the bitmask and extents to w. The first record is the
// decimal bitmask; each following line is a "physical logical length"
// triple.
func Save(w io.Writer, v extent.Vector[uint64], bitmask uint64) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%d\n", bitmask); err != nil {
		return err
	}
	for _, e := range v {
		if _, err := fmt.Fprintf(bw, "%d %d %d\n", e.Physical, e.Logical, e.Length); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load parses a stream written by Save. Records are whitespace
// separated; the record count past the bitmask must be a multiple of
// three. The extents come back canonicalized (sorted by logical
// offset and coalesced); conflicting overlaps are an error.
func Load(r io.Reader) (extent.Vector[uint64], uint64, error) {
	sc := bufio.NewScanner(r)
	sc.Split(bufio.ScanWords)

	words := make([]uint64, 0, 64)
	for sc.Scan() {
		n, err := strconv.ParseUint(sc.Text(), 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("parse record %q: %w", sc.Text(), fserr.ErrInvalid)
		}
		words = append(words, n)
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	if len(words) == 0 {
		return nil, 0, fmt.Errorf("empty artifact: %w", fserr.ErrInvalid)
	}
	if (len(words)-1)%3 != 0 {
		return nil, 0, fmt.Errorf("truncated artifact (%d records): %w", len(words), fserr.ErrInvalid)
	}

	bitmask := words[0]
	var v extent.Vector[uint64]
	for i := 1; i < len(words); i += 3 {
		v.Append(words[i], words[i+1], words[i+2])
	}
	m, err := v.ToMap()
	if err != nil {
		return nil, 0, fmt.Errorf("artifact extents: %w", err)
	}
	return extent.Vector[uint64](m.Extents()), bitmask, nil
}

// SaveFile writes the artifact to path, replacing any previous
// content.
func SaveFile(path string, v extent.Vector[uint64], bitmask uint64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Save(f, v, bitmask); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadFile reads an artifact from path.
func LoadFile(path string) (extent.Vector[uint64], uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return Load(f)
}
