// Package credential validates raw connection requests and resolves them
// into authentication material usable by the session layer.
package credential

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

// Default connection values.
const (
	// DefaultPort is the standard SSH port.
	DefaultPort = 22

	// DefaultConnectTimeout is the default timeout for establishing a connection.
	DefaultConnectTimeout = 30 * time.Second
)

// AuthMethod identifies how a connection authenticates.
type AuthMethod string

// Supported authentication methods.
const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private_key"
)

// RawParams is an unvalidated connection request as received from a caller.
type RawParams struct {
	// Host is the remote server hostname or IP address (required).
	Host string

	// Port is the SSH server port (default: 22).
	Port int

	// Username is the SSH username (required).
	Username string

	// Password is the SSH password. Present iff password authentication
	// is requested.
	Password string

	// PrivateKey is the PEM content of an RSA private key. Takes
	// precedence over PrivateKeyPath when both are set.
	PrivateKey string

	// PrivateKeyPath is the path to an RSA private key file.
	PrivateKeyPath string

	// Passphrase decrypts an encrypted private key (optional).
	Passphrase string

	// Timeout bounds connection establishment (default: 30s).
	Timeout time.Duration
}

// ConnectionParams is an immutable, validated description of how to reach
// and authenticate against a remote host. Produced by Resolve; the signer
// or password inside is ready for use by the transport layer.
type ConnectionParams struct {
	host     string
	port     int
	username string
	method   AuthMethod
	timeout  time.Duration

	password string
	signer   ssh.Signer
}

// Host returns the remote hostname or IP.
func (p *ConnectionParams) Host() string { return p.host }

// Port returns the remote SSH port.
func (p *ConnectionParams) Port() int { return p.port }

// Username returns the SSH username.
func (p *ConnectionParams) Username() string { return p.username }

// Method returns the resolved authentication method.
func (p *ConnectionParams) Method() AuthMethod { return p.method }

// Timeout returns the connection establishment timeout.
func (p *ConnectionParams) Timeout() time.Duration {
	if p.timeout > 0 {
		return p.timeout
	}
	return DefaultConnectTimeout
}

// Address returns the remote address in host:port format.
func (p *ConnectionParams) Address() string {
	return fmt.Sprintf("%s:%d", p.host, p.port)
}

// AuthMethods returns the ssh.AuthMethod list for the resolved credentials.
func (p *ConnectionParams) AuthMethods() []ssh.AuthMethod {
	switch p.method {
	case AuthPassword:
		return []ssh.AuthMethod{ssh.Password(p.password)}
	case AuthPrivateKey:
		return []ssh.AuthMethod{ssh.PublicKeys(p.signer)}
	default:
		return nil
	}
}
