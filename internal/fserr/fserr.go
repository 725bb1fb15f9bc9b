// Package fserr defines the error kinds shared by every fstransform
// component. Callers wrap them with fmt.Errorf("...: %w", ...) and
// match with errors.Is; syscall errors travel alongside as wrapped
// syscall.Errno values.
package fserr

import "errors"

var (
	// ErrOverflow reports an offset or length that does not fit the
	// offset type.
	ErrOverflow = errors.New("offset arithmetic overflow")

	// ErrOverlapConflict reports an extent insertion whose logical
	// range overlaps an existing entry with a different physical
	// mapping.
	ErrOverlapConflict = errors.New("conflicting extent overlap")

	// ErrUnsupported reports an operation the underlying filesystem
	// or file type cannot perform.
	ErrUnsupported = errors.New("operation not supported")

	// ErrStorageTooSmall reports that primary storage cannot satisfy
	// an exact storage budget.
	ErrStorageTooSmall = errors.New("primary storage too small for exact budget")

	// ErrMapMoved reports a MAP_FIXED mmap that came back at a
	// different address than requested.
	ErrMapMoved = errors.New("fixed mapping returned a different address")

	// ErrAlreadyOpen reports an open call on an already-open handle.
	ErrAlreadyOpen = errors.New("already open")

	// ErrNotOpen reports an operation on a handle that is not open.
	ErrNotOpen = errors.New("not open")

	// ErrInvalid reports invalid input or inconsistent internal state.
	ErrInvalid = errors.New("invalid argument")
)
