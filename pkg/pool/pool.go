// Package pool is a concurrency-safe registry mapping opaque connection
// identifiers to live sessions. It owns session lifetime end to end:
// creation, lookup, enumeration, and disposal.
package pool

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/crypto/ssh"

	"gitlab.bluewillows.net/root/sshweaver/pkg/credential"
	"gitlab.bluewillows.net/root/sshweaver/pkg/session"
)

// Sentinel errors for registry operations.
var (
	// ErrSessionNotFound is returned when no session is registered under
	// the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrIDInUse is returned when a requested connection id is already
	// taken by a live or in-flight session.
	ErrIDInUse = errors.New("connection id already in use")

	// ErrPoolExhausted is returned when the configured session limit
	// would be exceeded.
	ErrPoolExhausted = errors.New("session limit reached")
)

// Pool is a process-wide store of sessions keyed by connection id. The
// internal lock guards only the map structure; it is never held across
// network I/O, so unrelated sessions connect and operate fully in
// parallel.
type Pool struct {
	hostKeys    ssh.HostKeyCallback
	logger      *slog.Logger
	maxSessions int
	sessionOpts []session.Option

	mu       sync.RWMutex
	sessions map[string]*session.Session
	reserved map[string]struct{}
}

// Option is a functional option for configuring the Pool.
type Option func(*Pool)

// WithLogger sets a custom logger for the pool.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMaxSessions caps the number of concurrent sessions. Zero means
// unlimited.
func WithMaxSessions(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.maxSessions = n
		}
	}
}

// WithSessionOptions sets options applied to every session the pool creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(p *Pool) {
		p.sessionOpts = opts
	}
}

// New creates an empty pool. Host keys presented during session
// establishment are checked through hostKeys.
func New(hostKeys ssh.HostKeyCallback, opts ...Option) *Pool {
	p := &Pool{
		hostKeys: hostKeys,
		logger:   slog.Default(),
		sessions: make(map[string]*session.Session),
		reserved: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Create resolves credentials, establishes a new session, and registers
// it. If requestedID is empty a fresh id is generated. Credential
// validation and id collisions are reported before any network I/O; a
// failed or timed-out dial leaves no entry behind.
func (p *Pool) Create(ctx context.Context, raw credential.RawParams, requestedID string) (string, error) {
	params, err := credential.Resolve(raw)
	if err != nil {
		return "", err
	}

	id, err := p.reserve(requestedID)
	if err != nil {
		return "", err
	}

	// Dial outside the lock so slow handshakes never serialize the pool.
	s, err := session.Dial(ctx, id, params, p.hostKeys, p.sessionOpts...)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, id)

	if err != nil {
		return "", err
	}

	p.sessions[id] = s

	p.logger.Info("session registered",
		slog.String("session_id", id),
		slog.String("host", params.Host()),
		slog.Int("active", len(p.sessions)),
	)

	return id, nil
}

// reserve claims an id ahead of the dial so concurrent Create calls with
// the same explicit id cannot both succeed. The reservation is invisible
// to List and is released when the dial commits or fails.
func (p *Pool) reserve(requestedID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxSessions > 0 && len(p.sessions)+len(p.reserved) >= p.maxSessions {
		return "", fmt.Errorf("%w: limit %d", ErrPoolExhausted, p.maxSessions)
	}

	if requestedID != "" {
		if p.idTaken(requestedID) {
			return "", fmt.Errorf("%w: %s", ErrIDInUse, requestedID)
		}
		p.reserved[requestedID] = struct{}{}
		return requestedID, nil
	}

	for {
		id, err := generateID()
		if err != nil {
			return "", fmt.Errorf("generating connection id: %w", err)
		}
		if !p.idTaken(id) {
			p.reserved[id] = struct{}{}
			return id, nil
		}
	}
}

// idTaken reports whether an id is registered or reserved. Callers must
// hold p.mu.
func (p *Pool) idTaken(id string) bool {
	if _, ok := p.sessions[id]; ok {
		return true
	}
	_, ok := p.reserved[id]
	return ok
}

// Get returns the session registered under id.
func (p *Pool) Get(id string) (*session.Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns a point-in-time snapshot of session summaries ordered by
// id. The snapshot never includes in-flight reservations and is safe to
// iterate while the pool mutates.
func (p *Pool) List() []session.Info {
	p.mu.RLock()
	sessions := make([]*session.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	infos := make([]session.Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count returns the number of registered sessions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// Remove disconnects the session (if still connected) and evicts it.
// Removing an unknown id is a no-op; Remove is idempotent.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	err := s.Disconnect()

	p.logger.Info("session removed",
		slog.String("session_id", id),
		slog.Int("active", p.Count()),
	)

	return err
}

// CloseAll disconnects and evicts every session. Used at process shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = make(map[string]*session.Session)
	p.mu.Unlock()

	for id, s := range sessions {
		if err := s.Disconnect(); err != nil {
			p.logger.Warn("error disconnecting session during shutdown",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// IsSessionNotFound returns true if the error indicates an unknown id.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsIDInUse returns true if the error indicates an id collision.
func IsIDInUse(err error) bool {
	return errors.Is(err, ErrIDInUse)
}

// IsPoolExhausted returns true if the error indicates the session limit.
func IsPoolExhausted(err error) bool {
	return errors.Is(err, ErrPoolExhausted)
}

// generateID returns a random 12-byte hex connection identifier.
func generateID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "conn-" + hex.EncodeToString(buf), nil
}
