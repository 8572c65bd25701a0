// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package statestore

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full store configuration.
//
// Zero-value fields fall back to the defaults from DefaultConfig when
// a Store is opened. Validation uses go-playground/validator tags.
type Config struct {
	// Root is the directory holding the state tree and the
	// .statevault control directory. Required.
	Root string `yaml:"root" validate:"required"`

	Locks        LockSettings     `yaml:"locks"`
	Cache        CacheSettings    `yaml:"cache"`
	Transactions TxSettings       `yaml:"transactions"`
	Snapshots    SnapshotSettings `yaml:"snapshots"`
	Watcher      WatchSettings    `yaml:"watcher"`
	Audit        AuditSettings    `yaml:"audit"`
	Logging      LogSettings      `yaml:"logging"`
}

// LockSettings tunes the lease manager.
type LockSettings struct {
	// TTL is how long a lease lives without renewal.
	TTL Duration `yaml:"ttl"`

	// PollInterval is the fallback wake interval for blocked acquirers.
	PollInterval Duration `yaml:"poll_interval"`

	// SweepOnOpen reclaims stale leases during Open. Recovery does
	// this anyway; disabling only matters for diagnostic opens.
	SweepOnOpen bool `yaml:"sweep_on_open"`
}

// CacheSettings tunes the decoded-record cache.
type CacheSettings struct {
	// MaxEntries bounds the number of cached records.
	MaxEntries int `yaml:"max_entries" validate:"gte=0"`

	// MaxAge expires cached records by age. Zero disables expiry;
	// the watcher keeps the cache honest either way.
	MaxAge Duration `yaml:"max_age"`
}

// TxSettings tunes the transaction coordinator.
type TxSettings struct {
	// TTL bounds how long a transaction may stay open before commit
	// rejects it.
	TTL Duration `yaml:"ttl"`

	// LockTimeout bounds lease acquisition during commit.
	LockTimeout Duration `yaml:"lock_timeout"`

	// Metrics enables the OpenTelemetry transaction counters.
	Metrics bool `yaml:"metrics"`

	// Tracing enables commit/rollback spans.
	Tracing bool `yaml:"tracing"`
}

// SnapshotSettings tunes the snapshot manager.
type SnapshotSettings struct {
	// Keep is how many snapshots Prune retains.
	Keep int `yaml:"keep" validate:"gte=0"`

	// Concurrency bounds parallel file copies during create/restore.
	Concurrency int `yaml:"concurrency" validate:"gte=0"`
}

// WatchSettings tunes the change watcher.
type WatchSettings struct {
	// Debounce is the per-path quiescence window before an event fires.
	Debounce Duration `yaml:"debounce"`

	// BufferSize is the per-subscription channel capacity.
	BufferSize int `yaml:"buffer_size" validate:"gte=0"`
}

// AuditSettings tunes the audit journal.
type AuditSettings struct {
	// SyncWrites fsyncs every journal append. Durable but slower.
	SyncWrites bool `yaml:"sync_writes"`
}

// LogSettings tunes structured logging.
type LogSettings struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir receives the log file. Empty logs to stderr only.
	Dir string `yaml:"dir"`

	// JSON switches the stderr handler to JSON lines.
	JSON bool `yaml:"json"`

	// Quiet suppresses stderr logging. File logging still applies
	// when Dir is set.
	Quiet bool `yaml:"quiet"`
}

// DefaultConfig returns the settings a fresh deployment starts from.
func DefaultConfig(root string) Config {
	return Config{
		Root: root,
		Locks: LockSettings{
			TTL:          Duration(time.Minute),
			PollInterval: Duration(250 * time.Millisecond),
			SweepOnOpen:  true,
		},
		Cache: CacheSettings{
			MaxEntries: 4096,
		},
		Transactions: TxSettings{
			TTL:         Duration(5 * time.Minute),
			LockTimeout: Duration(30 * time.Second),
			Metrics:     true,
			Tracing:     true,
		},
		Snapshots: SnapshotSettings{
			Keep:        5,
			Concurrency: 4,
		},
		Watcher: WatchSettings{
			Debounce:   Duration(100 * time.Millisecond),
			BufferSize: 256,
		},
		Audit: AuditSettings{
			SyncWrites: true,
		},
		Logging: LogSettings{
			Level: "info",
		},
	}
}

// LoadConfig reads a YAML config file over the defaults for its root.
//
// # Inputs
//
//   - path: YAML file. Must exist.
//
// # Outputs
//
//   - Config: Parsed and validated settings.
//   - error: Non-nil on read, parse, or validation failure.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	config := DefaultConfig("")
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// WriteDefaultConfig writes DefaultConfig(root) to path in YAML.
func WriteDefaultConfig(path, root string) error {
	data, err := yaml.Marshal(DefaultConfig(root))
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var configValidate = validator.New()

// Validate checks the validator tags and returns the first violation.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
