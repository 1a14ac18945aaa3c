// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// launchJSONFile mirrors the parts of an editor launch.json that map
// onto launch configurations. The file format allows comments and
// trailing commas, so it is stripped through jsonc before decoding.
type launchJSONFile struct {
	Version        string            `json:"version"`
	Configurations []launchJSONEntry `json:"configurations"`
}

type launchJSONEntry struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Request  string   `json:"request"`
	Program  string   `json:"program"`
	CWD      string   `json:"cwd"`
	DeviceID string   `json:"deviceId"`
	Mode     string   `json:"flutterMode"`
	Args     []string `json:"args"`
}

// ImportLaunchJSON reads an editor launch.json and converts its
// launch-request configurations to LaunchConfig values. Entries that
// attach to a running process instead of launching one are skipped.
// Entries without a working directory use the launch.json location's
// project root (the directory containing .vscode).
func ImportLaunchJSON(path string) ([]LaunchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	stripped := jsonc.ToJSON(data)
	var file launchJSONFile
	if err := json.Unmarshal(stripped, &file); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	projectRoot := filepath.Dir(path)
	if filepath.Base(projectRoot) == ".vscode" {
		projectRoot = filepath.Dir(projectRoot)
	}

	var configs []LaunchConfig
	for _, entry := range file.Configurations {
		if entry.Request != "" && entry.Request != "launch" {
			continue
		}
		cfg := LaunchConfig{
			Name:       entry.Name,
			DeviceID:   entry.DeviceID,
			ProjectDir: entry.CWD,
			Target:     entry.Program,
			Mode:       entry.Mode,
			Args:       entry.Args,
		}
		if cfg.ProjectDir == "" {
			cfg.ProjectDir = projectRoot
		}
		if cfg.Mode == "" {
			cfg.Mode = "debug"
		}
		configs = append(configs, cfg)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("config: %s contains no launch configurations", path)
	}
	return configs, nil
}
