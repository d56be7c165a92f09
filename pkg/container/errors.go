package container

import (
	"fmt"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Error codes carried by ComplexError so calling code has an easier
// job deciding what to do (and the CLI what to print).
const (
	// Validation means a bad name, a blocked command or an invalid
	// argument; nothing was persisted.
	Validation = iota
	// NotFound means no container with the given id exists.
	NotFound
	// WrongState means the operation is forbidden in the container's
	// current state.
	WrongState
	// Security means a path traversal attempt or similar; the
	// operation was aborted.
	Security
	// Kernel wraps a failed namespace or mount primitive.
	Kernel
	// CgroupUnavailable means cgroup v2 is missing or a write failed;
	// callers log it and continue without enforcement.
	CgroupUnavailable
	// ChildGone means ECHILD/ESRCH on wait or kill; stop and terminate
	// treat it as success.
	ChildGone
	// Persistence means the registry could not be written; in-memory
	// state stays authoritative until the next save succeeds.
	Persistence
	// StartFailed wraps any failure inside start.
	StartFailed
	// Internal is everything unclassified.
	Internal
)

// WrapError wraps an error for the sake of showing a stack trace at the top level
// the go-errors package, for some reason, does not return nil when you try to wrap
// a non-error, so we're just doing it here
func WrapError(err error) error {
	if err == nil {
		return err
	}

	return errors.Wrap(err, 0)
}

// ComplexError an error which carries a code so that calling code has an easier job to do
// adapted from https://medium.com/yakka/better-go-error-handling-with-xerrors-1987650e0c79
type ComplexError struct {
	Message string
	Code    int
	frame   xerrors.Frame
}

// NewError builds a coded error, capturing the caller's frame.
func NewError(code int, format string, args ...interface{}) ComplexError {
	return ComplexError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		frame:   xerrors.Caller(1),
	}
}

// FormatError is a function
func (ce ComplexError) FormatError(p xerrors.Printer) error {
	p.Printf("%d %s", ce.Code, ce.Message)
	ce.frame.Format(p)
	return nil
}

// Format is a function
func (ce ComplexError) Format(f fmt.State, c rune) {
	xerrors.FormatError(ce, f, c)
}

func (ce ComplexError) Error() string {
	return ce.Message
}

// HasErrorCode is a function
func HasErrorCode(err error, code int) bool {
	var originalErr ComplexError
	if xerrors.As(err, &originalErr) {
		return originalErr.Code == code
	}
	return false
}
