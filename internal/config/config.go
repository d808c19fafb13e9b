// Package config holds process-scope configuration for acpx. Every
// filesystem root and tunable limit flows through a Config value built
// once at process start; nothing in the rest of the module reads the
// environment directly.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// EventLogConfig bounds the append-only event log (spec §4.B).
type EventLogConfig struct {
	MaxSegmentBytes int64 `json:"maxSegmentBytes"`
	MaxSegments     int   `json:"maxSegments"`
}

// QueueConfig bounds the queue-owner lease/IPC subsystem (spec §4.C/§4.F).
type QueueConfig struct {
	// IdleTTL is how long the owner waits for a new task before exiting.
	// Zero disables idle shutdown.
	IdleTTL time.Duration `json:"idleTTL"`
	// LeaseStale is how old a heartbeat may get before a lease is considered
	// abandoned and its holder is terminated.
	LeaseStale time.Duration `json:"leaseStale"`
	// HeartbeatInterval is the periodic refresh the owner performs regardless
	// of task activity (spec §9 open question: refresh-on-state-change plus
	// a periodic tick).
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
	// ConnectRetries/ConnectDelay bound the client's connect-to-owner retry
	// loop (spec §4.C connection policy).
	ConnectRetries int           `json:"connectRetries"`
	ConnectDelay   time.Duration `json:"connectDelay"`
	// LockRetryDelay is the busy-wait interval for the events lock and for
	// lease-acquire contention (spec §4.B, §4.G step 4).
	LockRetryDelay time.Duration `json:"lockRetryDelay"`
}

// Config is the top-level configuration for an acpx process, whether it
// is acting as a CLI submitter or as a queue owner.
type Config struct {
	// HomeDir roots the sessions/ and queues/ directory layout (spec §6).
	// Defaults to "$HOME/.acpx".
	HomeDir string `json:"homeDir"`

	EventLog EventLogConfig `json:"eventLog"`
	Queue    QueueConfig    `json:"queue"`

	// DefaultTimeout bounds externally-facing ACP operations that don't
	// specify their own timeoutMs (spec §5).
	DefaultTimeout time.Duration `json:"defaultTimeout"`
}

// Default returns the built-in defaults, used both as the baseline for
// Load and directly by callers (e.g. tests) that don't need a config file.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		HomeDir: filepath.Join(home, ".acpx"),
		EventLog: EventLogConfig{
			MaxSegmentBytes: 8 << 20, // 8 MiB
			MaxSegments:     7,
		},
		Queue: QueueConfig{
			IdleTTL:           15 * time.Minute,
			LeaseStale:        15 * time.Second,
			HeartbeatInterval: 5 * time.Second,
			ConnectRetries:    40,
			ConnectDelay:      50 * time.Millisecond,
			LockRetryDelay:    15 * time.Millisecond,
		},
		DefaultTimeout: 2 * time.Minute,
	}
}

// Load reads a JSON config file on top of Default(). The path is taken
// from the ACPX_CONFIG env var, defaulting to "$HOME/.acpx/config.json".
// A missing file is not an error: Default() is returned unchanged.
func Load() (Config, error) {
	cfg := Default()

	path := os.Getenv("ACPX_CONFIG")
	if path == "" {
		path = filepath.Join(cfg.HomeDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// SessionsDir is "<HomeDir>/sessions".
func (c Config) SessionsDir() string { return filepath.Join(c.HomeDir, "sessions") }

// QueuesDir is "<HomeDir>/queues".
func (c Config) QueuesDir() string { return filepath.Join(c.HomeDir, "queues") }

// RecordPath is the path of a session record's JSON file.
func (c Config) RecordPath(recordID string) string {
	return filepath.Join(c.SessionsDir(), encodeRecordID(recordID)+".json")
}

// SessionDir is the per-session directory holding the events lock and segments.
func (c Config) SessionDir(recordID string) string {
	return filepath.Join(c.SessionsDir(), recordID)
}

// encodeRecordID path-encodes a record id the way spec §6 requires
// ("encodeURIComponent(acpxRecordId)"); record ids are generated UUIDs so
// in practice this is a no-op, but we don't assume that.
func encodeRecordID(id string) string {
	return filepath.Clean("/" + id)[1:]
}
