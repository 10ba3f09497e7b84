package credential

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Sentinel errors for credential resolution.
var (
	// ErrInvalidCredentials is returned when a connection request is
	// missing or mixing required authentication fields.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnsupportedKeyType is returned when a private key parses but is
	// not an RSA key. Downstream signing assumes RSA padding and format.
	ErrUnsupportedKeyType = errors.New("unsupported key type: only RSA keys are supported")
)

// Resolve validates a raw connection request and resolves it into
// ConnectionParams. Validation is pure; reading the private key file is
// the only I/O performed, and read or parse failures are reported, never
// silently defaulted.
func Resolve(raw RawParams) (*ConnectionParams, error) {
	var errs []string

	if strings.TrimSpace(raw.Host) == "" {
		errs = append(errs, "host is required")
	}
	if strings.TrimSpace(raw.Username) == "" {
		errs = append(errs, "username is required")
	}
	if raw.Port < 0 || raw.Port > 65535 {
		errs = append(errs, "port must be between 0 and 65535")
	}
	if raw.Password == "" && raw.PrivateKey == "" && raw.PrivateKeyPath == "" {
		errs = append(errs, "an authentication method is required (password, private_key, or private_key_path)")
	}
	if raw.Password != "" && (raw.PrivateKey != "" || raw.PrivateKeyPath != "") {
		errs = append(errs, "password and private key authentication are mutually exclusive")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, strings.Join(errs, "; "))
	}

	port := raw.Port
	if port == 0 {
		port = DefaultPort
	}

	params := &ConnectionParams{
		host:     raw.Host,
		port:     port,
		username: raw.Username,
		timeout:  raw.Timeout,
	}

	if raw.Password != "" {
		params.method = AuthPassword
		params.password = raw.Password
		return params, nil
	}

	var signer ssh.Signer
	var err error
	if raw.PrivateKey != "" {
		signer, err = parseSigner([]byte(raw.PrivateKey), "inline key", raw.Passphrase)
	} else {
		signer, err = loadSigner(raw.PrivateKeyPath, raw.Passphrase)
	}
	if err != nil {
		return nil, err
	}

	params.method = AuthPrivateKey
	params.signer = signer
	return params, nil
}

// loadSigner reads and parses an RSA private key from disk.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading key file %s: %w", ErrInvalidCredentials, path, err)
	}
	return parseSigner(keyData, fmt.Sprintf("key file %s", path), passphrase)
}

// parseSigner parses PEM key material. The passphrase is applied only
// when the key is actually encrypted.
func parseSigner(keyData []byte, source, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: parsing %s: %w", ErrInvalidCredentials, source, err)
		}
		if passphrase == "" {
			return nil, fmt.Errorf("%w: %s is encrypted and no passphrase was provided", ErrInvalidCredentials, source)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting %s: %w", ErrInvalidCredentials, source, err)
		}
	}

	if signer.PublicKey().Type() != ssh.KeyAlgoRSA {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedKeyType, signer.PublicKey().Type())
	}

	return signer, nil
}

// IsInvalidCredentials returns true if the error indicates malformed or
// missing authentication parameters.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsUnsupportedKeyType returns true if the error indicates a non-RSA key.
func IsUnsupportedKeyType(err error) bool {
	return errors.Is(err, ErrUnsupportedKeyType)
}
