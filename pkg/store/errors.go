package store

import (
	"errors"
	"fmt"
)

var (
	ErrVersionConflict     = errors.New("version conflict")
	ErrStreamAlreadyExists = errors.New("stream already exists")
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrStorage             = errors.New("storage failure")
)

// VersionConflictError is returned when the expected version does not match
// the stream's current version. No events were written.
type VersionConflictError struct {
	StreamID StreamID
	Expected Version
	Actual   Version
}

func (e *VersionConflictError) Error() string {
	if e.Expected == 0 {
		return fmt.Sprintf("stream %q: %s at version %d", e.StreamID, ErrStreamAlreadyExists, e.Actual)
	}
	return fmt.Sprintf("stream %q: %s: expected %d, actual %d", e.StreamID, ErrVersionConflict, e.Expected, e.Actual)
}

// Is matches ErrVersionConflict, and ErrStreamAlreadyExists for the new-stream sentinel.
func (e *VersionConflictError) Is(target error) bool {
	switch target {
	case ErrVersionConflict:
		return true
	case ErrStreamAlreadyExists:
		return e.Expected == 0 && e.Actual > 0
	}
	return false
}

// NotFoundError reports a missing stream or event. Version is 0 for stream lookups.
type NotFoundError struct {
	StreamID StreamID
	Version  Version
}

func (e *NotFoundError) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("event %q@%d: %s", e.StreamID, e.Version, ErrNotFound)
	}
	return fmt.Sprintf("stream %q: %s", e.StreamID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports malformed input. Never retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// StorageError wraps a backend failure with the operation and stream it happened on.
type StorageError struct {
	Op       string
	StreamID StreamID
	Err      error
}

func (e *StorageError) Error() string {
	if e.StreamID != "" {
		return fmt.Sprintf("%s %q: %v", e.Op, e.StreamID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// WrapStorage returns nil for a nil err. Errors already classified by this
// package are passed through unchanged.
func WrapStorage(op string, id StreamID, err error) error {
	if err == nil {
		return nil
	}
	var (
		vc *VersionConflictError
		nf *NotFoundError
		ve *ValidationError
		se *StorageError
	)
	if errors.As(err, &vc) || errors.As(err, &nf) || errors.As(err, &ve) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, StreamID: id, Err: err}
}

// IsConflict reports whether err is a recoverable optimistic-lock failure.
func IsConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }
