// Package inventory loads named host profiles from a TOML file so
// callers can connect by profile name instead of spelling out endpoint
// and credential details on every request.
package inventory

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"gitlab.bluewillows.net/root/sshweaver/pkg/credential"
)

// ErrProfileNotFound is returned when no profile exists under the
// requested name.
var ErrProfileNotFound = errors.New("host profile not found")

// Profile describes one named host in the inventory file. Secrets are
// referenced through environment variable names rather than stored
// inline.
type Profile struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Username       string `toml:"username"`
	PasswordEnv    string `toml:"password_env"`
	PrivateKeyPath string `toml:"private_key_path"`
	PassphraseEnv  string `toml:"passphrase_env"`
	ConnectTimeout string `toml:"connect_timeout"` // Go duration format
}

// Inventory is an immutable set of host profiles keyed by name.
type Inventory struct {
	profiles map[string]Profile
}

type inventoryFile struct {
	Hosts map[string]Profile `toml:"hosts"`
}

// Empty returns an inventory with no profiles.
func Empty() *Inventory {
	return &Inventory{profiles: map[string]Profile{}}
}

// Load parses the TOML inventory at path. Every profile must name a host
// and a username; problems across all profiles are reported together.
func Load(path string) (*Inventory, error) {
	var file inventoryFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}

	var errs []string
	for name, p := range file.Hosts {
		if p.Host == "" {
			errs = append(errs, fmt.Sprintf("profile %q: host is required", name))
		}
		if p.Username == "" {
			errs = append(errs, fmt.Sprintf("profile %q: username is required", name))
		}
		if p.ConnectTimeout != "" {
			if _, err := time.ParseDuration(p.ConnectTimeout); err != nil {
				errs = append(errs, fmt.Sprintf("profile %q: invalid connect_timeout %q", name, p.ConnectTimeout))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid inventory %s: %v", path, errs)
	}

	if file.Hosts == nil {
		file.Hosts = map[string]Profile{}
	}
	return &Inventory{profiles: file.Hosts}, nil
}

// Names returns all profile names in sorted order.
func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.profiles))
	for name := range inv.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of profiles.
func (inv *Inventory) Len() int {
	return len(inv.profiles)
}

// Params materializes a profile into raw connection parameters, reading
// referenced secrets from the environment.
func (inv *Inventory) Params(name string) (credential.RawParams, error) {
	p, ok := inv.profiles[name]
	if !ok {
		return credential.RawParams{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}

	raw := credential.RawParams{
		Host:           p.Host,
		Port:           p.Port,
		Username:       p.Username,
		PrivateKeyPath: p.PrivateKeyPath,
	}

	if p.PasswordEnv != "" {
		raw.Password = os.Getenv(p.PasswordEnv)
	}
	if p.PassphraseEnv != "" {
		raw.Passphrase = os.Getenv(p.PassphraseEnv)
	}
	if p.ConnectTimeout != "" {
		// Validated at load time.
		raw.Timeout, _ = time.ParseDuration(p.ConnectTimeout)
	}

	return raw, nil
}

// IsProfileNotFound returns true if the error indicates an unknown profile.
func IsProfileNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound)
}
