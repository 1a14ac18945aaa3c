// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads flightdeck configuration.
//
// Configuration comes from a single YAML file named by the
// FLIGHTDECK_CONFIG environment variable or the --config flag. There
// is no search path and no merging of multiple files; when neither
// names a file, the built-in defaults apply unchanged. The only
// expansion performed on loaded values is ${VAR} and ${VAR:-default}
// substitution in paths, so one file ports across machines.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full flightdeck configuration.
type Config struct {
	// Paths configures where flightdeck keeps its state.
	Paths PathsConfig `yaml:"paths"`

	// Sessions configures session bookkeeping.
	Sessions SessionsConfig `yaml:"sessions"`

	// Link configures the inspection protocol connection.
	Link LinkConfig `yaml:"link"`

	// Poll configures the per-session pollers.
	Poll PollConfig `yaml:"poll"`

	// Launch is the default launch configuration, used when a launch
	// request names no explicit configuration.
	Launch LaunchConfig `yaml:"launch"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// State is the root directory for runtime state: the lifecycle
	// journal and log exports. Default: ~/.cache/flightdeck
	State string `yaml:"state"`

	// Exports is where session log archives are written.
	// Default: ${state}/exports
	Exports string `yaml:"exports"`
}

// SessionsConfig configures session bookkeeping.
type SessionsConfig struct {
	// Max caps how many sessions the manager retains. When a launch
	// would exceed it, the oldest stopped sessions are evicted.
	// Active sessions are never evicted, even over the cap.
	// Default: 12
	Max int `yaml:"max"`

	// LogLines is the per-session log buffer capacity.
	// Default: 2000
	LogLines int `yaml:"log_lines"`

	// StopGrace is how long task teardown waits for a cancelled
	// task before abandoning its handle. Default: 3s
	StopGrace Duration `yaml:"stop_grace"`
}

// LinkConfig configures the inspection protocol connection.
type LinkConfig struct {
	// ConnectTimeout bounds a single dial attempt. Default: 10s
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// RequestTimeout is how old a pending request may grow before
	// the sweep resolves it as timed out. Default: 60s
	RequestTimeout Duration `yaml:"request_timeout"`

	// SweepInterval is how often the stale-request sweep runs.
	// Default: 30s
	SweepInterval Duration `yaml:"sweep_interval"`

	// ReconnectMin is the initial delay before redialing a lost
	// connection; it doubles per failure up to ReconnectMax.
	// Defaults: 1s and 30s.
	ReconnectMin Duration `yaml:"reconnect_min"`
	ReconnectMax Duration `yaml:"reconnect_max"`
}

// PollConfig configures the per-session pollers.
type PollConfig struct {
	// Metrics is the memory-usage sampling period. Default: 2s
	Metrics Duration `yaml:"metrics"`

	// Network is the network-profile sampling period. Default: 5s
	Network Duration `yaml:"network"`
}

// LaunchConfig describes one way to start an app process: which
// device, which project, which entry point. Imported launch.json
// configurations and the default launch section both produce this.
type LaunchConfig struct {
	// Name labels the configuration in the UI. Optional.
	Name string `yaml:"name,omitempty"`

	// DeviceID selects the target device.
	DeviceID string `yaml:"device_id"`

	// ProjectDir is the project root the process runs in.
	ProjectDir string `yaml:"project_dir"`

	// Target is the entry-point file, relative to ProjectDir.
	// Optional; the runner's default entry point applies when empty.
	Target string `yaml:"target,omitempty"`

	// Mode is the build mode: debug, profile, or release.
	// Default: debug
	Mode string `yaml:"mode"`

	// Args are extra arguments passed through to the process.
	Args []string `yaml:"args,omitempty"`
}

// Default returns the built-in configuration. flightdeck is a local
// development tool, so unlike server software the defaults alone are
// a fully working setup; a config file only adjusts them.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".cache", "flightdeck")

	return &Config{
		Paths: PathsConfig{
			State:   stateDir,
			Exports: filepath.Join(stateDir, "exports"),
		},
		Sessions: SessionsConfig{
			Max:       12,
			LogLines:  2000,
			StopGrace: Duration(3 * time.Second),
		},
		Link: LinkConfig{
			ConnectTimeout: Duration(10 * time.Second),
			RequestTimeout: Duration(60 * time.Second),
			SweepInterval:  Duration(30 * time.Second),
			ReconnectMin:   Duration(time.Second),
			ReconnectMax:   Duration(30 * time.Second),
		},
		Poll: PollConfig{
			Metrics: Duration(2 * time.Second),
			Network: Duration(5 * time.Second),
		},
		Launch: LaunchConfig{
			Mode: "debug",
		},
	}
}

// Load loads configuration from the file named by FLIGHTDECK_CONFIG.
// It fails when the variable is unset; callers that want the
// defaults when no file is configured check the variable themselves.
func Load() (*Config, error) {
	path := os.Getenv("FLIGHTDECK_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("FLIGHTDECK_CONFIG environment variable not set; " +
			"set it to the path of your flightdeck.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path on top of the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} patterns in path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"FLIGHTDECK_STATE": c.Paths.State,
		"HOME":             os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["FLIGHTDECK_STATE"] = c.Paths.State // dependent paths see the expansion
	c.Paths.Exports = expandVars(c.Paths.Exports, vars)
	c.Launch.ProjectDir = expandVars(c.Launch.ProjectDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns, preferring
// the provided vars over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// validModes are the accepted launch build modes.
var validModes = []string{"debug", "profile", "release"}

// Validate checks the configuration, collecting every fault rather
// than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Sessions.Max < 1 {
		errs = append(errs, fmt.Errorf("sessions.max must be at least 1, got %d", c.Sessions.Max))
	}
	if c.Sessions.LogLines < 1 {
		errs = append(errs, fmt.Errorf("sessions.log_lines must be at least 1, got %d", c.Sessions.LogLines))
	}

	for _, d := range []struct {
		name  string
		value Duration
	}{
		{"sessions.stop_grace", c.Sessions.StopGrace},
		{"link.connect_timeout", c.Link.ConnectTimeout},
		{"link.request_timeout", c.Link.RequestTimeout},
		{"link.sweep_interval", c.Link.SweepInterval},
		{"link.reconnect_min", c.Link.ReconnectMin},
		{"link.reconnect_max", c.Link.ReconnectMax},
		{"poll.metrics", c.Poll.Metrics},
		{"poll.network", c.Poll.Network},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.value))
		}
	}

	if c.Link.ReconnectMin > c.Link.ReconnectMax {
		errs = append(errs, fmt.Errorf("link.reconnect_min %s exceeds link.reconnect_max %s",
			c.Link.ReconnectMin, c.Link.ReconnectMax))
	}

	modeOK := false
	for _, m := range validModes {
		if c.Launch.Mode == m {
			modeOK = true
		}
	}
	if !modeOK {
		errs = append(errs, fmt.Errorf("launch.mode must be one of %v, got %q", validModes, c.Launch.Mode))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the configured state directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.State, c.Paths.Exports} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("config: creating %s: %w", path, err)
		}
	}
	return nil
}

// JournalPath returns the lifecycle journal location.
func (c *Config) JournalPath() string {
	return filepath.Join(c.Paths.State, "journal.cbor")
}

// SaveDefaultLaunch rewrites the config file at path with the launch
// section replaced by launch, preserving the rest of the current
// in-memory configuration. The write is atomic: a temp file in the
// same directory is renamed over the target.
func (c *Config) SaveDefaultLaunch(path string, launch LaunchConfig) error {
	updated := *c
	updated.Launch = launch

	data, err := yaml.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".flightdeck-*.yaml")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("config: writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: replacing %s: %w", path, err)
	}
	c.Launch = launch
	return nil
}
