// Package session manages a single authenticated SSH connection and the
// channels derived from it: command execution and file transfer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"gitlab.bluewillows.net/root/sshweaver/pkg/credential"
)

// Status is the lifecycle state of a session.
type Status int

// Session lifecycle states. Disconnected is terminal; there is no
// transition back to Connected.
const (
	StatusInitializing Status = iota
	StatusConnected
	StatusDisconnected
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// TransferBackend selects the protocol used for file transfers.
type TransferBackend string

// Supported transfer backends.
const (
	TransferSFTP TransferBackend = "sftp"
	TransferSCP  TransferBackend = "scp"
)

// DefaultMaxOutputBytes caps captured command output per stream. Output
// beyond the cap is dropped and reported as truncated instead of growing
// memory without bound.
const DefaultMaxOutputBytes = 1 << 20 // 1 MiB

// Info is a point-in-time snapshot of session metadata. Producing it
// performs no network I/O.
type Info struct {
	ID         string    `json:"id"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Session is one live authenticated connection to a remote host. It owns
// the underlying transport exclusively; callers hold only the session id
// handed out by the pool.
//
// Mutating operations are serialized by a per-session mutex so that two
// racing calls cannot corrupt auxiliary state. Different sessions proceed
// fully in parallel.
type Session struct {
	id     string
	params *credential.ConnectionParams
	logger *slog.Logger

	maxOutputBytes  int64
	transferBackend TransferBackend

	mu         sync.Mutex
	client     *ssh.Client
	status     Status
	createdAt  time.Time
	lastUsedAt time.Time
}

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithLogger sets a custom logger for the session.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxOutputBytes caps the captured stdout/stderr size per Execute call.
func WithMaxOutputBytes(n int64) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxOutputBytes = n
		}
	}
}

// WithTransferBackend selects the file transfer protocol.
func WithTransferBackend(backend TransferBackend) Option {
	return func(s *Session) {
		if backend == TransferSFTP || backend == TransferSCP {
			s.transferBackend = backend
		}
	}
}

// Dial establishes an authenticated connection described by params and
// returns a Connected session. The host key is checked through hostKeys
// before authentication; trust failures are returned verbatim so callers
// can distinguish unknown hosts from key mismatches.
func Dial(ctx context.Context, id string, params *credential.ConnectionParams, hostKeys ssh.HostKeyCallback, opts ...Option) (*Session, error) {
	s := &Session{
		id:              id,
		params:          params,
		logger:          slog.Default(),
		maxOutputBytes:  DefaultMaxOutputBytes,
		transferBackend: TransferSFTP,
		status:          StatusInitializing,
	}

	for _, opt := range opts {
		opt(s)
	}

	// The ssh package does not reliably wrap callback errors, so capture
	// the trust decision on the side to preserve the error kind.
	var hostKeyErr error
	callback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := hostKeys(hostname, remote, key); err != nil {
			hostKeyErr = err
			return err
		}
		return nil
	}

	sshConfig := &ssh.ClientConfig{
		User:            params.Username(),
		Auth:            params.AuthMethods(),
		HostKeyCallback: callback,
		Timeout:         params.Timeout(),
	}

	s.logger.Debug("connecting",
		slog.String("session_id", id),
		slog.String("host", params.Host()),
		slog.Int("port", params.Port()),
		slog.String("user", params.Username()),
	)

	dialCtx, dialCancel := context.WithTimeout(ctx, params.Timeout())
	defer dialCancel()

	dialer := &net.Dialer{Timeout: params.Timeout()}
	netConn, err := dialer.DialContext(dialCtx, "tcp", params.Address())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: dialing %s", ErrConnectionTimeout, params.Address())
		}
		return nil, fmt.Errorf("dialing %s: %w", params.Address(), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, params.Address(), sshConfig)
	if err != nil {
		_ = netConn.Close()
		if hostKeyErr != nil {
			return nil, hostKeyErr
		}
		if isAuthError(err) {
			return nil, fmt.Errorf("%w: %w", credential.ErrInvalidCredentials, err)
		}
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", params.Address(), err)
	}

	now := time.Now()
	s.client = ssh.NewClient(sshConn, chans, reqs)
	s.status = StatusConnected
	s.createdAt = now
	s.lastUsedAt = now

	s.logger.Info("session established",
		slog.String("session_id", id),
		slog.String("host", params.Host()),
		slog.Int("port", params.Port()),
	)

	return s, nil
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Info returns a snapshot of the session's metadata without network I/O.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:         s.id,
		Host:       s.params.Host(),
		Port:       s.params.Port(),
		Username:   s.params.Username(),
		Status:     s.status.String(),
		CreatedAt:  s.createdAt,
		LastUsedAt: s.lastUsedAt,
	}
}

// Disconnect closes the transport. It is idempotent: calling it on an
// already disconnected session returns success without transitioning again.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusDisconnected {
		return nil
	}

	s.status = StatusDisconnected

	var err error
	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}

	s.logger.Debug("session disconnected",
		slog.String("session_id", s.id),
		slog.String("host", s.params.Host()),
	)

	// A transport that was already torn down by the peer is not a
	// disconnect failure.
	if err != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Ping verifies the transport is still usable by opening and closing a
// throwaway channel. A failed probe transitions the session to
// Disconnected so subsequent operations fail fast.
func (s *Session) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireConnected(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		ch, err := s.client.NewSession()
		if err == nil {
			_ = ch.Close()
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			s.markBroken()
			return fmt.Errorf("%w: %w", ErrTransportFailure, err)
		}
		s.lastUsedAt = time.Now()
		return nil
	}
}

// requireConnected checks the state machine. Callers must hold s.mu.
func (s *Session) requireConnected() error {
	if s.status != StatusConnected || s.client == nil {
		return fmt.Errorf("%w: %s", ErrSessionDisconnected, s.id)
	}
	return nil
}

// markBroken transitions to Disconnected after a transport-level failure.
// The pool entry is deliberately kept so status/list can still report the
// session for diagnostics. Callers must hold s.mu.
func (s *Session) markBroken() {
	if s.status == StatusDisconnected {
		return
	}
	s.status = StatusDisconnected
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
	s.logger.Warn("transport failure, session marked disconnected",
		slog.String("session_id", s.id),
		slog.String("host", s.params.Host()),
	)
}

// touch updates the last-used timestamp. Callers must hold s.mu.
func (s *Session) touch() {
	s.lastUsedAt = time.Now()
}

// isAuthError checks if an error is an authentication-related error.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "unable to authenticate") ||
		strings.Contains(errStr, "no supported methods") ||
		strings.Contains(errStr, "permission denied")
}
