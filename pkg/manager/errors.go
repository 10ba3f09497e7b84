package manager

import (
	"context"
	"errors"
	"fmt"
)

// ErrCancelled is returned when an in-flight operation is cancelled by
// the caller's context before completing.
var ErrCancelled = errors.New("operation cancelled")

// OpError wraps an error with operation context: which operation failed,
// and against which connection or host. Every facade failure is reported
// through this type exactly once; nothing is retried internally.
type OpError struct {
	Op           string
	ConnectionID string
	Host         string
	Err          error
}

func (e *OpError) Error() string {
	switch {
	case e.ConnectionID != "" && e.Host != "":
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.ConnectionID, e.Host, e.Err)
	case e.ConnectionID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.ConnectionID, e.Err)
	case e.Host != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Host, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// wrapError normalizes an operation failure into an OpError, classifying
// context cancellation distinctly so callers can tell an aborted call
// from a failed one.
func wrapError(op, connectionID, host string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	return &OpError{
		Op:           op,
		ConnectionID: connectionID,
		Host:         host,
		Err:          err,
	}
}

// IsCancelled returns true if the error indicates a caller-cancelled
// operation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
