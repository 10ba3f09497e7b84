package session

import "errors"

// Sentinel errors for session operations.
var (
	// ErrSessionDisconnected is returned when an operation is attempted on
	// a session whose transport has been closed. Reconnection is the
	// caller's responsibility via a fresh connect.
	ErrSessionDisconnected = errors.New("session is disconnected")

	// ErrTransportFailure is returned when the underlying transport drops
	// or a channel cannot be opened on it.
	ErrTransportFailure = errors.New("transport failure")

	// ErrTransferFailure is returned when a file transfer fails. A partial
	// file may remain at the destination; no rollback is attempted.
	ErrTransferFailure = errors.New("file transfer failed")

	// ErrConnectionTimeout is returned when connection establishment
	// exceeds its bounded timeout.
	ErrConnectionTimeout = errors.New("connection timed out")
)

// IsDisconnected returns true if the error indicates a stale session.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrSessionDisconnected)
}

// IsTransportFailure returns true if the error indicates a broken transport.
func IsTransportFailure(err error) bool {
	return errors.Is(err, ErrTransportFailure)
}

// IsTransferFailure returns true if the error indicates a failed transfer.
func IsTransferFailure(err error) bool {
	return errors.Is(err, ErrTransferFailure)
}

// IsConnectionTimeout returns true if the error indicates a connect timeout.
func IsConnectionTimeout(err error) bool {
	return errors.Is(err, ErrConnectionTimeout)
}
