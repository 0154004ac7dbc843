// Package config provides configuration types for countersign.
//
// Configuration is file-based (countersign.yaml) with environment variable
// overrides under the COUNTERSIGN_ prefix. The schema is deliberately
// small: paths, the envelope TTL, clock skew tolerance, and log output.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level configuration for countersign.
type Config struct {
	// Store configures the envelope and keyring database.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Keys configures signing key storage.
	Keys KeyConfig `yaml:"keys" mapstructure:"keys"`

	// Envelope configures envelope lifetimes.
	Envelope EnvelopeConfig `yaml:"envelope" mapstructure:"envelope"`

	// Policy configures tool classification.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Scope pins the execution scope envelopes are bound to.
	Scope ScopeConfig `yaml:"scope" mapstructure:"scope"`

	// Audit configures the append-only audit log.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// Trace enables stdout trace export for protocol spans.
	Trace bool `yaml:"trace" mapstructure:"trace"`
}

// StoreConfig configures the SQLite database holding envelopes and the
// keyring.
type StoreConfig struct {
	// Path is the SQLite database file. Defaults to
	// ~/.countersign/countersign.db.
	Path string `yaml:"path" mapstructure:"path"`

	// SweepInterval is how often the background sweeper runs (e.g. "1m").
	// Defaults to "1m".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty"`

	// Retention is how long expired envelopes are kept before pruning
	// (e.g. "24h"). Defaults to "24h".
	Retention string `yaml:"retention" mapstructure:"retention" validate:"omitempty"`
}

// KeyConfig configures sealed signing key storage.
type KeyConfig struct {
	// Dir is the directory holding the sealed key file. Defaults to
	// ~/.countersign/keys.
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// EnvelopeConfig configures envelope lifetimes and clock tolerances.
type EnvelopeConfig struct {
	// TTL is how long a pending envelope remains consumable (e.g. "10m").
	// Defaults to "10m".
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty"`

	// ClockSkew is the tolerance applied when judging expiry at consume
	// time (e.g. "30s"). Defaults to "30s".
	ClockSkew string `yaml:"clock_skew" mapstructure:"clock_skew" validate:"omitempty"`
}

// PolicyConfig configures the tool classification policy file.
type PolicyConfig struct {
	// Path is the YAML policy file. Optional: when empty, every tool call
	// defers to human approval.
	Path string `yaml:"path" mapstructure:"path"`

	// CacheSize bounds the command classifier result cache. Zero means
	// unset and defaults to 1024; set a negative value to disable caching.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size"`
}

// ScopeConfig pins the execution scope identifiers envelopes are bound
// to. Empty fields are resolved at startup: context_id is loaded from (or
// minted into) a file beside the store so every process agrees on it,
// workdir defaults to the current directory.
type ScopeConfig struct {
	// ContextID identifies the agent session or conversation.
	ContextID string `yaml:"context_id" mapstructure:"context_id"`

	// AgentIdentity names the agent proposing tool calls.
	AgentIdentity string `yaml:"agent_identity" mapstructure:"agent_identity"`

	// Workdir is the workspace root envelopes are scoped to.
	Workdir string `yaml:"workdir" mapstructure:"workdir"`
}

// AuditConfig configures audit log output.
type AuditConfig struct {
	// Output specifies where audit records are written.
	// Valid values: "stdout" or "file://<absolute-path>".
	// Defaults to "file://" under the store directory.
	Output string `yaml:"output" mapstructure:"output" validate:"required,audit_output"`

	// MaxFileSizeMB is the maximum size per audit file in megabytes before
	// rotation. Defaults to 50.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".countersign")

	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(base, "countersign.db")
	}
	if c.Store.SweepInterval == "" {
		c.Store.SweepInterval = "1m"
	}
	if c.Store.Retention == "" {
		c.Store.Retention = "24h"
	}

	if c.Keys.Dir == "" {
		c.Keys.Dir = filepath.Join(base, "keys")
	}

	if c.Envelope.TTL == "" {
		c.Envelope.TTL = "10m"
	}
	if c.Envelope.ClockSkew == "" {
		c.Envelope.ClockSkew = "30s"
	}

	if c.Policy.CacheSize == 0 {
		c.Policy.CacheSize = 1024
	}

	if c.Scope.AgentIdentity == "" {
		c.Scope.AgentIdentity = "agent"
	}

	if c.Audit.Output == "" {
		c.Audit.Output = "file://" + filepath.Join(base, "audit.log")
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 50
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// EnvelopeTTL parses the configured TTL. Call after Validate.
func (c *Config) EnvelopeTTL() time.Duration {
	d, _ := time.ParseDuration(c.Envelope.TTL)
	return d
}

// EnvelopeClockSkew parses the configured skew tolerance. Call after
// Validate.
func (c *Config) EnvelopeClockSkew() time.Duration {
	d, _ := time.ParseDuration(c.Envelope.ClockSkew)
	return d
}

// StoreSweepInterval parses the configured sweep interval.
func (c *Config) StoreSweepInterval() time.Duration {
	d, _ := time.ParseDuration(c.Store.SweepInterval)
	return d
}

// StoreRetention parses the configured retention window.
func (c *Config) StoreRetention() time.Duration {
	d, _ := time.ParseDuration(c.Store.Retention)
	return d
}

// AuditFilePath returns the audit file path when Output is file-based,
// or empty for stdout.
func (c *Config) AuditFilePath() string {
	const prefix = "file://"
	if len(c.Audit.Output) > len(prefix) && c.Audit.Output[:len(prefix)] == prefix {
		return c.Audit.Output[len(prefix):]
	}
	return ""
}
