// Package config handles loading and validation of SSHWeaver configuration
// from environment variables and an optional YAML file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Configuration defaults.
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultHealthPort      = 8080
	DefaultKnownHostsPath  = "/var/lib/sshweaver/known_hosts"
	DefaultTrustOnFirstUse = false
	DefaultConnectTimeout  = 30 * time.Second
	DefaultMaxSessions     = 100
	DefaultMaxOutputBytes  = 1 << 20
	DefaultTransferBackend = "sftp"
)

// Config holds the application configuration. All environment variables
// use the SSHWEAVER_ prefix; a YAML file named by SSHWEAVER_CONFIG is
// loaded first and environment variables override it.
type Config struct {
	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text

	// Health and metrics server
	HealthPort int

	// Host trust
	KnownHostsPath  string // known_hosts file backing the trust store
	TrustOnFirstUse bool   // If true, unknown host keys are recorded and accepted

	// Session behavior
	ConnectTimeout  time.Duration // Default timeout for establishing connections
	MaxSessions     int           // Cap on concurrent sessions, 0 means unlimited
	MaxOutputBytes  int64         // Cap on captured command output per stream
	TransferBackend string        // sftp or scp

	// Host inventory
	InventoryPath string // Optional TOML file with named host profiles

	// Fallback credentials applied when a connect request omits them.
	// Loaded via the _FILE secrets pattern.
	DefaultPassword   string
	DefaultPassphrase string
}

// ValidationError aggregates configuration problems so a misconfigured
// process reports everything wrong at once instead of failing one
// variable at a time.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration error: %s", e.Errors[0])
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Load builds the configuration from the optional YAML file plus
// environment variable overrides. Returns *ValidationError when any
// setting is invalid.
func Load() (*Config, error) {
	cfg := defaults()

	var errs []string

	if path := getEnv("SSHWEAVER_CONFIG"); path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return nil, &ValidationError{Errors: []string{"config file: " + err.Error()}}
		}
		fileCfg.apply(cfg)
	}

	errs = append(errs, applyEnv(cfg)...)
	errs = append(errs, validate(cfg)...)

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
		HealthPort:      DefaultHealthPort,
		KnownHostsPath:  DefaultKnownHostsPath,
		TrustOnFirstUse: DefaultTrustOnFirstUse,
		ConnectTimeout:  DefaultConnectTimeout,
		MaxSessions:     DefaultMaxSessions,
		MaxOutputBytes:  DefaultMaxOutputBytes,
		TransferBackend: DefaultTransferBackend,
	}
}

// applyEnv overrides cfg with any SSHWEAVER_* variables that are set.
// Returns parse errors; range validation happens in validate.
func applyEnv(cfg *Config) []string {
	var errs []string

	if v := getEnv("SSHWEAVER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getEnv("SSHWEAVER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := getEnv("SSHWEAVER_HEALTH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SSHWEAVER_HEALTH_PORT: invalid integer %q", v))
		} else {
			cfg.HealthPort = port
		}
	}
	if v := getEnv("SSHWEAVER_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := getEnv("SSHWEAVER_TRUST_ON_FIRST_USE"); v != "" {
		cfg.TrustOnFirstUse = parseBool(v, cfg.TrustOnFirstUse)
	}
	if v := getEnv("SSHWEAVER_CONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SSHWEAVER_CONNECT_TIMEOUT: invalid duration %q (use format like 30s, 2m)", v))
		} else {
			cfg.ConnectTimeout = d
		}
	}
	if v := getEnv("SSHWEAVER_MAX_SESSIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SSHWEAVER_MAX_SESSIONS: invalid integer %q", v))
		} else {
			cfg.MaxSessions = n
		}
	}
	if v := getEnv("SSHWEAVER_MAX_OUTPUT_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("SSHWEAVER_MAX_OUTPUT_BYTES: invalid integer %q", v))
		} else {
			cfg.MaxOutputBytes = n
		}
	}
	if v := getEnv("SSHWEAVER_TRANSFER_BACKEND"); v != "" {
		cfg.TransferBackend = strings.ToLower(v)
	}
	if v := getEnv("SSHWEAVER_INVENTORY"); v != "" {
		cfg.InventoryPath = v
	}

	// Secrets support the _FILE pattern for Docker secrets.
	if v := getEnvOrFile("SSHWEAVER_DEFAULT_PASSWORD", "SSHWEAVER_DEFAULT_PASSWORD_FILE"); v != "" {
		cfg.DefaultPassword = v
	}
	if v := getEnvOrFile("SSHWEAVER_DEFAULT_PASSPHRASE", "SSHWEAVER_DEFAULT_PASSPHRASE_FILE"); v != "" {
		cfg.DefaultPassphrase = v
	}

	return errs
}

// validate performs range and enum checks on the merged configuration.
func validate(cfg *Config) []string {
	var errs []string

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("SSHWEAVER_LOG_LEVEL: invalid value %q (must be debug, info, warn, or error)", cfg.LogLevel))
	}

	switch cfg.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("SSHWEAVER_LOG_FORMAT: invalid value %q (must be json or text)", cfg.LogFormat))
	}

	if cfg.HealthPort < 1 || cfg.HealthPort > 65535 {
		errs = append(errs, fmt.Sprintf("SSHWEAVER_HEALTH_PORT: must be between 1 and 65535, got %d", cfg.HealthPort))
	}

	if cfg.KnownHostsPath == "" {
		errs = append(errs, "SSHWEAVER_KNOWN_HOSTS: path is required")
	}

	if cfg.ConnectTimeout < time.Second {
		errs = append(errs, "SSHWEAVER_CONNECT_TIMEOUT: must be at least 1s")
	}

	if cfg.MaxSessions < 0 {
		errs = append(errs, fmt.Sprintf("SSHWEAVER_MAX_SESSIONS: must not be negative, got %d", cfg.MaxSessions))
	}

	if cfg.MaxOutputBytes < 1 {
		errs = append(errs, fmt.Sprintf("SSHWEAVER_MAX_OUTPUT_BYTES: must be at least 1, got %d", cfg.MaxOutputBytes))
	}

	switch cfg.TransferBackend {
	case "sftp", "scp":
	default:
		errs = append(errs, fmt.Sprintf("SSHWEAVER_TRANSFER_BACKEND: invalid value %q (must be sftp or scp)", cfg.TransferBackend))
	}

	return errs
}
