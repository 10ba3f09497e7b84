package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig represents the YAML configuration file structure.
// This mirrors the runtime Config but uses YAML-friendly types.
type FileConfig struct {
	Logging  *FileLoggingConfig  `yaml:"logging,omitempty"`
	Server   *FileServerConfig   `yaml:"server,omitempty"`
	Trust    *FileTrustConfig    `yaml:"trust,omitempty"`
	Sessions *FileSessionsConfig `yaml:"sessions,omitempty"`
	// Inventory names a TOML file with host profiles.
	Inventory string `yaml:"inventory,omitempty"`
}

// FileLoggingConfig holds logging settings.
type FileLoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // json, text
}

// FileServerConfig holds health/metrics server settings.
type FileServerConfig struct {
	Port int `yaml:"port,omitempty"`
}

// FileTrustConfig holds host trust settings.
type FileTrustConfig struct {
	KnownHosts      string `yaml:"known_hosts,omitempty"`
	TrustOnFirstUse *bool  `yaml:"trust_on_first_use,omitempty"` // Pointer to distinguish unset from false
}

// FileSessionsConfig holds session behavior settings.
type FileSessionsConfig struct {
	ConnectTimeout  string `yaml:"connect_timeout,omitempty"` // Go duration format (e.g., "30s", "2m")
	MaxSessions     *int   `yaml:"max_sessions,omitempty"`
	MaxOutputBytes  *int64 `yaml:"max_output_bytes,omitempty"`
	TransferBackend string `yaml:"transfer_backend,omitempty"` // sftp, scp
}

// envVarPattern matches ${VAR} or ${VAR:-default} syntax.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnvVars replaces ${VAR} patterns with environment variable values.
// Supports ${VAR:-default} syntax for default values.
func InterpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 3 {
			defaultValue = groups[2]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

func (c *FileConfig) interpolateEnvVars() {
	if c.Logging != nil {
		c.Logging.Level = InterpolateEnvVars(c.Logging.Level)
		c.Logging.Format = InterpolateEnvVars(c.Logging.Format)
	}
	if c.Trust != nil {
		c.Trust.KnownHosts = InterpolateEnvVars(c.Trust.KnownHosts)
	}
	if c.Sessions != nil {
		c.Sessions.ConnectTimeout = InterpolateEnvVars(c.Sessions.ConnectTimeout)
		c.Sessions.TransferBackend = InterpolateEnvVars(c.Sessions.TransferBackend)
	}
	c.Inventory = InterpolateEnvVars(c.Inventory)
}

// LoadFile reads and parses a YAML configuration file.
// Environment variables in ${VAR} format are interpolated.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML config: %w", err)
	}

	cfg.interpolateEnvVars()

	return &cfg, nil
}

// apply overlays the file values onto cfg. Unset fields leave cfg
// untouched; environment variables override later.
func (c *FileConfig) apply(cfg *Config) {
	if c.Logging != nil {
		if c.Logging.Level != "" {
			cfg.LogLevel = strings.ToLower(c.Logging.Level)
		}
		if c.Logging.Format != "" {
			cfg.LogFormat = strings.ToLower(c.Logging.Format)
		}
	}

	if c.Server != nil && c.Server.Port > 0 {
		cfg.HealthPort = c.Server.Port
	}

	if c.Trust != nil {
		if c.Trust.KnownHosts != "" {
			cfg.KnownHostsPath = c.Trust.KnownHosts
		}
		if c.Trust.TrustOnFirstUse != nil {
			cfg.TrustOnFirstUse = *c.Trust.TrustOnFirstUse
		}
	}

	if c.Sessions != nil {
		if c.Sessions.ConnectTimeout != "" {
			if d, err := time.ParseDuration(c.Sessions.ConnectTimeout); err == nil {
				cfg.ConnectTimeout = d
			}
		}
		if c.Sessions.MaxSessions != nil {
			cfg.MaxSessions = *c.Sessions.MaxSessions
		}
		if c.Sessions.MaxOutputBytes != nil {
			cfg.MaxOutputBytes = *c.Sessions.MaxOutputBytes
		}
		if c.Sessions.TransferBackend != "" {
			cfg.TransferBackend = strings.ToLower(c.Sessions.TransferBackend)
		}
	}

	if c.Inventory != "" {
		cfg.InventoryPath = c.Inventory
	}
}
