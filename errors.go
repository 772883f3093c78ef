package pregel

import (
	"fmt"

	"golang.org/x/xerrors"
)

var (
	// ErrJobAborted indicates that the job was aborted before completing.
	ErrJobAborted = xerrors.New("job was aborted")

	// ErrGroupShrunk indicates that a worker disappeared from the group
	// after the job started. Mid-superstep recovery is not supported; the
	// job must be restarted.
	ErrGroupShrunk = xerrors.New("worker group shrunk")

	// ErrInvalidMessage indicates that a transport payload did not decode
	// into a vertex message.
	ErrInvalidMessage = xerrors.New("payload does not decode into a vertex message")
)

// InvariantViolationError is returned when the coordination tree reaches a
// state the barrier protocol rules out (e.g. more barrier markers than
// workers). It is always fatal.
type InvariantViolationError struct {
	// Path of the offending tree node.
	Path string

	// Details describes the violated invariant.
	Details string
}

// Error implements the error interface.
func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("barrier invariant violated at %q: %s", e.Path, e.Details)
}
