package objstore

import (
	"errors"
	"fmt"
)

// ErrPreconditionFailed reports that a Conditions check rejected a
// write. It is always surfaced, a guarded write never silently
// overwrites.
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrInvalidURI reports an unparseable or incomplete construction URI.
var ErrInvalidURI = errors.New("invalid store URI")

// ErrNotFound reports a missing source object for operations that
// require one (currently only copy). Plain reads of absent keys return
// nil results instead.
var ErrNotFound = errors.New("object not found")

// PreconditionFailedf builds an ErrPreconditionFailed with context
// about the operation and key.
func PreconditionFailedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrPreconditionFailed)...)
}

// IsPreconditionFailed reports whether err is (or wraps) a rejected
// write condition.
func IsPreconditionFailed(err error) bool {
	return errors.Is(err, ErrPreconditionFailed)
}
