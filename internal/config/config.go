package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HubConfig holds tuning knobs for connection registries and coordinators
type HubConfig struct {
	// MaxConnectionsPerAccount caps live connections per account group
	MaxConnectionsPerAccount int `json:"max_connections_per_account"`

	// OutboundQueueSize is the per-connection outbound frame buffer capacity
	OutboundQueueSize int `json:"outbound_queue_size"`

	// BackpressureStrikes is the number of full-queue drops a connection may
	// accumulate before it is evicted
	BackpressureStrikes int `json:"backpressure_strikes"`

	// InactivityTimeoutSeconds evicts connections with no inbound frame and
	// no successful delivery for this long
	InactivityTimeoutSeconds int `json:"inactivity_timeout_seconds"`

	// IdleGroupGraceSeconds is how long an empty account group is kept before
	// its coordinator state is torn down
	IdleGroupGraceSeconds int `json:"idle_group_grace_seconds"`

	// SweepIntervalSeconds controls how often each coordinator scans for idle
	// connections and empty-group teardown
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
}

// AuthConfig configures the identity verifier boundary
type AuthConfig struct {
	// Mode is "static" (token table below) or "remote" (VerifyURL)
	Mode string `json:"mode"`

	// Tokens maps bearer token -> account id when Mode is "static"
	Tokens map[string]string `json:"tokens,omitempty"`

	// VerifyURL is the remote verifier endpoint when Mode is "remote"
	VerifyURL string `json:"verify_url,omitempty"`

	// VerifyTimeoutSeconds bounds each remote verification call
	VerifyTimeoutSeconds int `json:"verify_timeout_seconds"`

	// AdminToken protects the broadcast and stats HTTP endpoints
	AdminToken string `json:"admin_token,omitempty"`
}

// Config represents hub configuration
type Config struct {
	// Listen is the HTTP listen address
	Listen string `json:"listen"`

	LogLevel string `json:"log_level"` // debug, info, warn, error, none
	LogPath  string `json:"log_path,omitempty"`

	Hub  HubConfig  `json:"hub"`
	Auth AuthConfig `json:"auth"`
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Listen:   "localhost:8936",
		LogLevel: "info",
		Hub: HubConfig{
			MaxConnectionsPerAccount: 32,
			OutboundQueueSize:        256,
			BackpressureStrikes:      8,
			InactivityTimeoutSeconds: 300,
			IdleGroupGraceSeconds:    60,
			SweepIntervalSeconds:     10,
		},
		Auth: AuthConfig{
			Mode:                 "static",
			VerifyTimeoutSeconds: 5,
		},
	}
}

// Load reads configuration from a JSON file, applying defaults for any
// fields the file leaves unset. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes the configuration to a JSON file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for inconsistent values
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Hub.MaxConnectionsPerAccount <= 0 {
		return fmt.Errorf("max_connections_per_account must be positive")
	}
	if c.Hub.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound_queue_size must be positive")
	}
	if c.Hub.BackpressureStrikes <= 0 {
		return fmt.Errorf("backpressure_strikes must be positive")
	}
	if c.Hub.InactivityTimeoutSeconds <= 0 {
		return fmt.Errorf("inactivity_timeout_seconds must be positive")
	}
	if c.Hub.IdleGroupGraceSeconds <= 0 {
		return fmt.Errorf("idle_group_grace_seconds must be positive")
	}
	if c.Hub.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("sweep_interval_seconds must be positive")
	}
	switch c.Auth.Mode {
	case "static", "remote":
	default:
		return fmt.Errorf("unknown auth mode: %s", c.Auth.Mode)
	}
	if c.Auth.Mode == "remote" && c.Auth.VerifyURL == "" {
		return fmt.Errorf("auth mode remote requires verify_url")
	}
	return nil
}

// InactivityTimeout returns the inactivity eviction threshold as a Duration
func (c *HubConfig) InactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutSeconds) * time.Second
}

// IdleGroupGrace returns the empty-group teardown grace as a Duration
func (c *HubConfig) IdleGroupGrace() time.Duration {
	return time.Duration(c.IdleGroupGraceSeconds) * time.Second
}

// SweepInterval returns the coordinator sweep cadence as a Duration
func (c *HubConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// VerifyTimeout returns the remote verification timeout as a Duration
func (c *AuthConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutSeconds) * time.Second
}
