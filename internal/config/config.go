// Package config provides YAML configuration loading and validation for the
// changewatch daemon, including the schema of the beacon watch list.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the changewatch daemon.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogFile, when set, receives the JSON log stream instead of stderr. The
	// file is rotated by size.
	LogFile string `yaml:"log_file"`

	// APIAddr is the listen address of the HTTP API (e.g.
	// "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	APIAddr string `yaml:"api_addr"`

	// Interval is the delay between two watch cycles. Defaults to 1s.
	Interval time.Duration `yaml:"interval"`

	// PollTimeout bounds how long a cycle waits for pending notifications.
	// Defaults to 1ms.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// QueuePath is the SQLite outbox holding emitted events until every sink
	// has accepted them. Required.
	QueuePath string `yaml:"queue_path"`

	// Retention is how long delivered events stay in the outbox journal.
	// Defaults to 24h.
	Retention time.Duration `yaml:"retention"`

	// AuditPath is the hash-chained log of watch mutations. Optional.
	AuditPath string `yaml:"audit_path"`

	// PostgresDSN enables the PostgreSQL event sink. Optional.
	PostgresDSN string `yaml:"postgres_dsn"`

	// JWTPublicKey is the path to a PEM RSA public key. When set, /api/v1
	// requires an RS256 bearer token.
	JWTPublicKey string `yaml:"jwt_public_key"`

	// RemoveStale unregisters watches whose path was dropped from the beacon
	// configuration. Watches are retained by default.
	RemoveStale bool `yaml:"remove_stale"`

	// BeaconNode is the raw beacon list; it is decoded into untyped values so
	// the schema validator sees the original shapes.
	BeaconNode yaml.Node `yaml:"beacon"`

	// Beacon is the validated form of BeaconNode, set by Parse.
	Beacon *Beacon `yaml:"-"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path and returns the parsed, validated
// configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse unmarshals data into Config, applies defaults, validates all fields,
// and builds the typed beacon configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	var raw any
	if err := cfg.BeaconNode.Decode(&raw); err != nil {
		return nil, fmt.Errorf("cannot decode beacon: %w", err)
	}
	b, err := ParseBeacon(raw)
	if err != nil {
		return nil, err
	}
	cfg.Beacon = b
	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = "127.0.0.1:9000"
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = time.Millisecond
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}
}

// validate checks that all required fields are populated and that enumerated
// fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.QueuePath == "" {
		errs = append(errs, errors.New("queue_path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval %s must be positive", cfg.Interval))
	}
	if cfg.PollTimeout < 0 {
		errs = append(errs, fmt.Errorf("poll_timeout %s must not be negative", cfg.PollTimeout))
	}
	if cfg.PollTimeout >= cfg.Interval && cfg.Interval > 0 {
		errs = append(errs, fmt.Errorf("poll_timeout %s must be shorter than interval %s", cfg.PollTimeout, cfg.Interval))
	}
	if cfg.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention %s must not be negative", cfg.Retention))
	}
	if cfg.BeaconNode.Kind == 0 {
		errs = append(errs, errors.New("beacon is required"))
	}

	return errors.Join(errs...)
}
