// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads runtime configuration from YAML with environment
// overrides.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/axon/pkg/errors"
)

// Config is the full runtime configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Journal    JournalConfig    `yaml:"journal"`
	Backend    BackendConfig    `yaml:"backend"`
	Evolution  EvolutionConfig  `yaml:"evolution"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// CheckpointConfig controls run checkpoint persistence.
type CheckpointConfig struct {
	// Dir is the checkpoint root directory.
	Dir string `yaml:"dir"`

	// AutoCleanup removes checkpoints of successfully completed runs.
	AutoCleanup bool `yaml:"auto_cleanup"`

	// Required escalates checkpoint write failures.
	Required bool `yaml:"required"`
}

// JournalConfig controls the run history database.
type JournalConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// BackendConfig controls resilience wrappers around the model backend.
type BackendConfig struct {
	// RequestsPerSecond throttles model calls. Zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Burst is the throttle's burst allowance.
	Burst int `yaml:"burst"`

	// BreakerFailures opens the circuit after this many consecutive
	// failures.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerCooldown is how long the circuit stays open.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`

	// BreakerProbes is how many probe successes close the circuit again.
	BreakerProbes int `yaml:"breaker_probes"`
}

// EvolutionConfig controls the graph evolution guard.
type EvolutionConfig struct {
	// WatchPath is a candidate definition file to watch, empty to disable.
	WatchPath string `yaml:"watch_path"`

	// AuditPath is the JSONL evolution audit trail.
	AuditPath string `yaml:"audit_path"`

	// ProbationRuns is how many probation runs a candidate must pass.
	ProbationRuns int `yaml:"probation_runs"`

	// MaxProbationSteps caps each probation run.
	MaxProbationSteps int `yaml:"max_probation_steps"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Checkpoint: CheckpointConfig{
			Dir: defaultStatePath("checkpoints"),
		},
		Journal: JournalConfig{
			Path: defaultStatePath("journal.db"),
		},
		Backend: BackendConfig{
			Burst:           1,
			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
			BreakerProbes:   1,
		},
		Evolution: EvolutionConfig{
			AuditPath:         defaultStatePath("evolution.jsonl"),
			ProbationRuns:     1,
			MaxProbationSteps: 25,
		},
	}
}

// Load reads configuration from path, falling back to defaults for absent
// values, then applies environment overrides. A missing file is not an
// error; defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &errors.ConfigError{Key: path, Reason: "failed to read config file", Cause: err}
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "failed to parse config file", Cause: err}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values from the environment. Only values that are
// set and parseable take effect.
func (c *Config) applyEnv() {
	if v := os.Getenv("AXON_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AXON_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("AXON_CHECKPOINT_DIR"); v != "" {
		c.Checkpoint.Dir = v
	}
	if v := os.Getenv("AXON_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("AXON_EVOLUTION_WATCH"); v != "" {
		c.Evolution.WatchPath = v
	}
	if v := os.Getenv("AXON_BACKEND_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil {
			c.Backend.RequestsPerSecond = rps
		}
	}
	if v := os.Getenv("AXON_BREAKER_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Backend.BreakerFailures = n
		}
	}
}

// Validate checks values the rest of the system depends on.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return &errors.ConfigError{Key: "log.level", Reason: "must be debug, info, warn, or error"}
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return &errors.ConfigError{Key: "log.format", Reason: "must be json or text"}
	}
	if c.Checkpoint.Dir == "" {
		return &errors.ConfigError{Key: "checkpoint.dir", Reason: "directory is required"}
	}
	if c.Journal.Path == "" {
		return &errors.ConfigError{Key: "journal.path", Reason: "database path is required"}
	}
	if c.Backend.RequestsPerSecond < 0 {
		return &errors.ConfigError{Key: "backend.requests_per_second", Reason: "must not be negative"}
	}
	if c.Evolution.ProbationRuns < 0 {
		return &errors.ConfigError{Key: "evolution.probation_runs", Reason: "must not be negative"}
	}
	return nil
}
