// Package trust persists host public-key fingerprints in an append-only
// known_hosts file and verifies them during session establishment.
package trust

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Sentinel errors for host trust decisions.
var (
	// ErrUntrustedHost is returned when a host has never been seen and
	// trust-on-first-use is not enabled.
	ErrUntrustedHost = errors.New("host key is not trusted")

	// ErrHostKeyMismatch is returned when a known host presents a key that
	// differs from every previously trusted key. This is surfaced
	// distinctly from an unknown host so callers can warn about potential
	// tampering vs. key rotation.
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

// Result classifies the outcome of verifying a host key.
type Result int

// Verification outcomes.
const (
	// Trusted means the presented key matches a stored entry.
	Trusted Result = iota

	// Unknown means the host has no stored entries.
	Unknown

	// Mismatched means the host has stored entries, none of which match
	// the presented key.
	Mismatched
)

// String returns a human-readable name for the result.
func (r Result) String() string {
	switch r {
	case Trusted:
		return "trusted"
	case Unknown:
		return "unknown"
	case Mismatched:
		return "mismatched"
	default:
		return "invalid"
	}
}

// Store is an append-only record of trusted host keys backed by a file in
// OpenSSH known_hosts format. Entries are only ever appended, so rotation
// keeps history and concurrent processes can append safely via O_APPEND.
type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// Option is a functional option for configuring the Store.
type Option func(*Store)

// WithLogger sets a custom logger for the trust store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore opens (creating if necessary) the known_hosts file at path.
func NewStore(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("trust store path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating trust store directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening trust store %s: %w", path, err)
	}
	_ = f.Close()

	s := &Store{
		path:   path,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Path returns the location of the backing known_hosts file.
func (s *Store) Path() string { return s.path }

// Verify checks a presented host key against the stored entries.
func (s *Store) Verify(host string, port int, key ssh.PublicKey) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	callback, err := knownhosts.New(s.path)
	if err != nil {
		return Unknown, fmt.Errorf("loading trust store %s: %w", s.path, err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	err = callback(addr, &net.TCPAddr{IP: net.IPv4zero, Port: port}, key)
	if err == nil {
		return Trusted, nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return Unknown, nil
		}
		return Mismatched, nil
	}

	return Unknown, fmt.Errorf("verifying host key for %s: %w", addr, err)
}

// Trust appends a new entry for the host key. Existing entries are never
// removed or overwritten.
func (s *Store) Trust(host string, port int, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr := knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))
	line := knownhosts.Line([]string{addr}, key)

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening trust store %s: %w", s.path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("appending to trust store %s: %w", s.path, err)
	}

	s.logger.Info("trusted host key",
		slog.String("host", addr),
		slog.String("fingerprint", ssh.FingerprintSHA256(key)),
	)

	return nil
}

// HostKeyCallback returns an ssh.HostKeyCallback backed by the store.
//
// Unknown hosts fail with ErrUntrustedHost unless trustOnFirstUse is set,
// in which case the key is appended and accepted. Mismatched keys always
// fail with ErrHostKeyMismatch.
func (s *Store) HostKeyCallback(trustOnFirstUse bool) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, portStr, err := net.SplitHostPort(hostname)
		if err != nil {
			host = hostname
			portStr = "22"
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			port = 22
		}

		result, err := s.Verify(host, port, key)
		if err != nil {
			return err
		}

		switch result {
		case Trusted:
			return nil
		case Unknown:
			if trustOnFirstUse {
				s.logger.Info("trusting host key on first use",
					slog.String("host", hostname),
					slog.String("fingerprint", ssh.FingerprintSHA256(key)),
				)
				return s.Trust(host, port, key)
			}
			return fmt.Errorf("%w: %s (%s)", ErrUntrustedHost, hostname, ssh.FingerprintSHA256(key))
		case Mismatched:
			s.logger.Warn("host key mismatch, possible tampering or key rotation",
				slog.String("host", hostname),
				slog.String("presented", ssh.FingerprintSHA256(key)),
			)
			return fmt.Errorf("%w: %s presented %s", ErrHostKeyMismatch, hostname, ssh.FingerprintSHA256(key))
		default:
			return fmt.Errorf("unexpected trust result %v for %s", result, hostname)
		}
	}
}

// FetchHostKey retrieves a host's public key via an unauthenticated
// handshake. The connection is discarded once the key is captured; no
// trust decision is made.
func FetchHostKey(host string, port int, timeout time.Duration) (ssh.PublicKey, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var fetched ssh.PublicKey
	config := &ssh.ClientConfig{
		User: "fetch",
		Auth: []ssh.AuthMethod{},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			fetched = key
			return nil
		},
		Timeout: timeout,
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	// The handshake fails at authentication, but by then the host key has
	// already been presented and captured by the callback.
	sshConn, _, _, err := ssh.NewClientConn(conn, addr, config)
	if sshConn != nil {
		_ = sshConn.Close()
	}
	_ = conn.Close()

	if fetched == nil {
		if err != nil {
			return nil, fmt.Errorf("fetching host key from %s: %w", addr, err)
		}
		return nil, fmt.Errorf("no host key presented by %s", addr)
	}

	return fetched, nil
}

// IsUntrustedHost returns true if the error indicates an unknown host.
func IsUntrustedHost(err error) bool {
	return errors.Is(err, ErrUntrustedHost)
}

// IsHostKeyMismatch returns true if the error indicates a key mismatch.
func IsHostKeyMismatch(err error) bool {
	return errors.Is(err, ErrHostKeyMismatch)
}
