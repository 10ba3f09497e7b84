// Package manager is the operation facade: a thin stateless layer that
// maps high-level operations onto the session pool and trust store,
// normalizes errors, and records metrics. It performs no retries and
// holds no state of its own.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/ssh"

	"gitlab.bluewillows.net/root/sshweaver/internal/inventory"
	"gitlab.bluewillows.net/root/sshweaver/internal/metrics"
	"gitlab.bluewillows.net/root/sshweaver/pkg/credential"
	"gitlab.bluewillows.net/root/sshweaver/pkg/pool"
	"gitlab.bluewillows.net/root/sshweaver/pkg/session"
	"gitlab.bluewillows.net/root/sshweaver/pkg/trust"
)

// Operation names used in errors and metrics labels.
const (
	OpConnect      = "connect"
	OpExecute      = "execute"
	OpUpload       = "upload"
	OpDownload     = "download"
	OpStatus       = "status"
	OpList         = "list"
	OpListDir      = "list_directory"
	OpDisconnect   = "disconnect"
	OpTrustHostKey = "trust_host_key"
)

// DefaultFetchTimeout bounds the unauthenticated handshake used to fetch
// a host key for trusting.
const DefaultFetchTimeout = 10 * time.Second

// Manager dispatches operations against the pool and trust store.
type Manager struct {
	pool         *pool.Pool
	trustStore   *trust.Store
	inventory    *inventory.Inventory
	logger       *slog.Logger
	fetchTimeout time.Duration

	defaultPassword   string
	defaultPassphrase string
	connectTimeout    time.Duration
}

// Option is a functional option for configuring the Manager.
type Option func(*Manager)

// WithLogger sets a custom logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFetchTimeout bounds host key fetches during TrustHostKey.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.fetchTimeout = d
		}
	}
}

// WithInventory supplies named host profiles for ConnectProfile.
func WithInventory(inv *inventory.Inventory) Option {
	return func(m *Manager) {
		if inv != nil {
			m.inventory = inv
		}
	}
}

// WithDefaultCredentials sets fallback secrets applied when a connect
// request carries no password and no private key passphrase.
func WithDefaultCredentials(password, passphrase string) Option {
	return func(m *Manager) {
		m.defaultPassword = password
		m.defaultPassphrase = passphrase
	}
}

// WithConnectTimeout sets the dial timeout applied to connect requests
// that do not specify their own.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// New creates a manager over the given pool and trust store.
func New(p *pool.Pool, ts *trust.Store, opts ...Option) *Manager {
	m := &Manager{
		pool:         p,
		trustStore:   ts,
		inventory:    inventory.Empty(),
		logger:       slog.Default(),
		fetchTimeout: DefaultFetchTimeout,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Connect establishes a new session and registers it under a connection
// id. If requestedID is empty one is generated.
func (m *Manager) Connect(ctx context.Context, raw credential.RawParams, requestedID string) (*ConnectResult, error) {
	raw = m.applyDefaults(raw)

	start := time.Now()

	id, err := m.pool.Create(ctx, raw, requestedID)
	metrics.ObserveOperation(OpConnect, err, time.Since(start))
	if err != nil {
		return nil, wrapError(OpConnect, requestedID, raw.Host, err)
	}
	metrics.ActiveSessions.Set(float64(m.pool.Count()))

	info, err := m.statusInfo(id)
	if err != nil {
		return nil, wrapError(OpConnect, id, raw.Host, err)
	}

	return &ConnectResult{
		ConnectionID: id,
		Host:         info.Host,
		Port:         info.Port,
		Username:     info.Username,
		Message: fmt.Sprintf("connected to %s@%s:%d (connection id %s)",
			info.Username, info.Host, info.Port, id),
	}, nil
}

// ConnectProfile establishes a session to a host named in the inventory.
func (m *Manager) ConnectProfile(ctx context.Context, profileName, requestedID string) (*ConnectResult, error) {
	raw, err := m.inventory.Params(profileName)
	if err != nil {
		return nil, wrapError(OpConnect, requestedID, profileName, err)
	}
	return m.Connect(ctx, raw, requestedID)
}

// Profiles returns the names of all inventory host profiles.
func (m *Manager) Profiles() []string {
	return m.inventory.Names()
}

// applyDefaults fills in fallback secrets and the configured dial
// timeout for requests that carry none.
func (m *Manager) applyDefaults(raw credential.RawParams) credential.RawParams {
	hasKey := raw.PrivateKey != "" || raw.PrivateKeyPath != ""
	if raw.Password == "" && !hasKey && m.defaultPassword != "" {
		raw.Password = m.defaultPassword
	}
	if hasKey && raw.Passphrase == "" && m.defaultPassphrase != "" {
		raw.Passphrase = m.defaultPassphrase
	}
	if raw.Timeout == 0 && m.connectTimeout > 0 {
		raw.Timeout = m.connectTimeout
	}
	return raw
}

// Execute runs a command on the session's remote host and returns its
// captured output and exit status. A non-zero exit status is a successful
// operation, not an error.
func (m *Manager) Execute(ctx context.Context, connectionID, command string) (*session.ExecuteResult, error) {
	s, err := m.pool.Get(connectionID)
	if err != nil {
		return nil, wrapError(OpExecute, connectionID, "", err)
	}

	start := time.Now()
	result, err := s.Execute(ctx, command)
	metrics.ObserveOperation(OpExecute, err, time.Since(start))
	if err != nil {
		return nil, wrapError(OpExecute, connectionID, s.Info().Host, err)
	}

	return result, nil
}

// Upload copies a local file to the session's remote host. Both paths
// must be absolute; an existing destination is overwritten.
func (m *Manager) Upload(ctx context.Context, connectionID, localPath, remotePath string) (*TransferResult, error) {
	s, err := m.pool.Get(connectionID)
	if err != nil {
		return nil, wrapError(OpUpload, connectionID, "", err)
	}

	start := time.Now()
	n, err := s.Upload(ctx, localPath, remotePath)
	metrics.ObserveOperation(OpUpload, err, time.Since(start))
	if err != nil {
		return nil, wrapError(OpUpload, connectionID, s.Info().Host, err)
	}
	metrics.TransferBytesTotal.WithLabelValues("upload").Add(float64(n))

	return &TransferResult{
		ConnectionID: connectionID,
		Direction:    "upload",
		LocalPath:    localPath,
		RemotePath:   remotePath,
		Bytes:        n,
		Message:      fmt.Sprintf("uploaded %s to %s (%d bytes)", localPath, remotePath, n),
	}, nil
}

// Download copies a remote file from the session's host to a local path.
// Both paths must be absolute; an existing destination is overwritten.
func (m *Manager) Download(ctx context.Context, connectionID, remotePath, localPath string) (*TransferResult, error) {
	s, err := m.pool.Get(connectionID)
	if err != nil {
		return nil, wrapError(OpDownload, connectionID, "", err)
	}

	start := time.Now()
	n, err := s.Download(ctx, remotePath, localPath)
	metrics.ObserveOperation(OpDownload, err, time.Since(start))
	if err != nil {
		return nil, wrapError(OpDownload, connectionID, s.Info().Host, err)
	}
	metrics.TransferBytesTotal.WithLabelValues("download").Add(float64(n))

	return &TransferResult{
		ConnectionID: connectionID,
		Direction:    "download",
		LocalPath:    localPath,
		RemotePath:   remotePath,
		Bytes:        n,
		Message:      fmt.Sprintf("downloaded %s to %s (%d bytes)", remotePath, localPath, n),
	}, nil
}

// ListDir lists the contents of a remote directory over SFTP.
func (m *Manager) ListDir(ctx context.Context, connectionID, remotePath string) (*DirListing, error) {
	s, err := m.pool.Get(connectionID)
	if err != nil {
		return nil, wrapError(OpListDir, connectionID, "", err)
	}

	start := time.Now()
	infos, err := s.ReadDir(ctx, remotePath)
	metrics.ObserveOperation(OpListDir, err, time.Since(start))
	if err != nil {
		return nil, wrapError(OpListDir, connectionID, s.Info().Host, err)
	}

	listing := &DirListing{
		ConnectionID: connectionID,
		Path:         remotePath,
		Entries:      make([]DirEntry, 0, len(infos)),
	}
	for _, info := range infos {
		listing.Entries = append(listing.Entries, DirEntry{
			Name:    info.Name(),
			Size:    info.Size(),
			Mode:    info.Mode().String(),
			IsDir:   info.IsDir(),
			ModTime: info.ModTime(),
		})
	}

	return listing, nil
}

// Status reports the session's metadata without touching the network. A
// disconnected session still reports until it is removed from the pool.
func (m *Manager) Status(connectionID string) (*session.Info, error) {
	start := time.Now()
	s, err := m.pool.Get(connectionID)
	metrics.ObserveOperation(OpStatus, err, time.Since(start))
	if err != nil {
		return nil, wrapError(OpStatus, connectionID, "", err)
	}

	info := s.Info()
	return &info, nil
}

// List returns a snapshot of every registered session ordered by id.
func (m *Manager) List() []session.Info {
	start := time.Now()
	infos := m.pool.List()
	metrics.ObserveOperation(OpList, nil, time.Since(start))
	return infos
}

// Disconnect closes the session and removes it from the pool.
// Disconnecting an unknown or already disconnected id succeeds.
func (m *Manager) Disconnect(connectionID string) (*DisconnectResult, error) {
	start := time.Now()
	err := m.pool.Remove(connectionID)
	metrics.ObserveOperation(OpDisconnect, err, time.Since(start))
	metrics.ActiveSessions.Set(float64(m.pool.Count()))
	if err != nil {
		return nil, wrapError(OpDisconnect, connectionID, "", err)
	}

	return &DisconnectResult{
		ConnectionID: connectionID,
		Message:      fmt.Sprintf("connection %s closed", connectionID),
	}, nil
}

// TrustHostKey records a host's public key in the trust store. If
// publicKey is non-empty it must be in authorized_keys format; otherwise
// the key is fetched from the host via an unauthenticated handshake.
func (m *Manager) TrustHostKey(ctx context.Context, host string, port int, publicKey string) (*TrustResult, error) {
	start := time.Now()
	result, err := m.trustHostKey(ctx, host, port, publicKey)
	metrics.ObserveOperation(OpTrustHostKey, err, time.Since(start))
	return result, err
}

func (m *Manager) trustHostKey(ctx context.Context, host string, port int, publicKey string) (*TrustResult, error) {
	if host == "" {
		return nil, wrapError(OpTrustHostKey, "", host, fmt.Errorf("host is required"))
	}
	if port <= 0 {
		port = credential.DefaultPort
	}

	var key ssh.PublicKey
	if publicKey != "" {
		parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
		if err != nil {
			return nil, wrapError(OpTrustHostKey, "", host, fmt.Errorf("parsing public key: %w", err))
		}
		key = parsed
	} else {
		fetched, err := trust.FetchHostKey(host, port, m.fetchTimeout)
		if err != nil {
			return nil, wrapError(OpTrustHostKey, "", host, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, wrapError(OpTrustHostKey, "", host, err)
		}
		key = fetched
	}

	if err := m.trustStore.Trust(host, port, key); err != nil {
		return nil, wrapError(OpTrustHostKey, "", host, err)
	}

	fingerprint := ssh.FingerprintSHA256(key)
	return &TrustResult{
		Host:        host,
		Port:        port,
		Fingerprint: fingerprint,
		Message:     fmt.Sprintf("trusted %s:%d (%s)", host, port, fingerprint),
	}, nil
}

// Close disconnects every session. Used at process shutdown.
func (m *Manager) Close() {
	m.pool.CloseAll()
	metrics.ActiveSessions.Set(0)
}

func (m *Manager) statusInfo(id string) (session.Info, error) {
	s, err := m.pool.Get(id)
	if err != nil {
		return session.Info{}, err
	}
	return s.Info(), nil
}
