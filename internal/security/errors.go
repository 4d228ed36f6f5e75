// Package security holds the validation primitives shared by every transport:
// path and filename sanitization, origin matching, constant-time token
// comparison, and per-caller rate limiting.
package security

import (
	"errors"
	"fmt"
)

var (
	ErrPathTraversal   = errors.New("path traversal detected")
	ErrInvalidPath     = errors.New("invalid path")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrReservedName    = errors.New("reserved device name")
)

// Error is a security violation. It aborts only the operation that raised it.
type Error struct {
	Op     string
	Input  string
	Reason error
}

func (e *Error) Error() string {
	return fmt.Sprintf("security: %s %q: %v", e.Op, e.Input, e.Reason)
}

func (e *Error) Unwrap() error { return e.Reason }

// IsViolation reports whether err is a security violation.
func IsViolation(err error) bool {
	var secErr *Error
	return errors.As(err, &secErr)
}
