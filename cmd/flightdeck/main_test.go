// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flightdeck-dev/flightdeck/lib/config"
)

func writeLaunchJSON(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".vscode")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "launch.json")
	content := `{
  "version": "0.2.0",
  "configurations": [
    {
      "name": "checkout (debug)",
      "type": "dart",
      "request": "launch",
      "program": "lib/main.dart",
      "deviceId": "pixel-7",
    },
  ],
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStartupLaunch(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Launch = config.LaunchConfig{DeviceID: "emulator", Mode: "profile"}

	t.Run("no flags means no launch", func(t *testing.T) {
		t.Parallel()
		_, ok, err := startupLaunch(cfg, "", "", "")
		if err != nil {
			t.Fatalf("startupLaunch: %v", err)
		}
		if ok {
			t.Fatal("got a launch from empty flags")
		}
	})

	t.Run("project inherits the config default", func(t *testing.T) {
		t.Parallel()
		launch, ok, err := startupLaunch(cfg, "/work/counter_app", "", "")
		if err != nil || !ok {
			t.Fatalf("startupLaunch: ok=%v err=%v", ok, err)
		}
		if launch.ProjectDir != "/work/counter_app" {
			t.Errorf("ProjectDir = %q", launch.ProjectDir)
		}
		if launch.DeviceID != "emulator" || launch.Mode != "profile" {
			t.Errorf("defaults not inherited: %+v", launch)
		}
		if launch.Name != "counter_app" {
			t.Errorf("Name = %q, want the project base name", launch.Name)
		}
	})

	t.Run("device flag overrides", func(t *testing.T) {
		t.Parallel()
		launch, ok, err := startupLaunch(cfg, "/work/counter_app", "macos", "")
		if err != nil || !ok {
			t.Fatalf("startupLaunch: ok=%v err=%v", ok, err)
		}
		if launch.DeviceID != "macos" {
			t.Errorf("DeviceID = %q, want macos", launch.DeviceID)
		}
	})

	t.Run("launch json wins and takes overrides", func(t *testing.T) {
		t.Parallel()
		path := writeLaunchJSON(t)
		launch, ok, err := startupLaunch(cfg, "/work/override", "", path)
		if err != nil || !ok {
			t.Fatalf("startupLaunch: ok=%v err=%v", ok, err)
		}
		if launch.Name != "checkout (debug)" {
			t.Errorf("Name = %q", launch.Name)
		}
		if launch.DeviceID != "pixel-7" {
			t.Errorf("DeviceID = %q", launch.DeviceID)
		}
		if launch.Target != "lib/main.dart" {
			t.Errorf("Target = %q", launch.Target)
		}
		if launch.ProjectDir != "/work/override" {
			t.Errorf("ProjectDir = %q, want the --project override", launch.ProjectDir)
		}
	})

	t.Run("missing launch json fails", func(t *testing.T) {
		t.Parallel()
		_, _, err := startupLaunch(cfg, "", "", filepath.Join(t.TempDir(), "absent.json"))
		if err == nil {
			t.Fatal("no error for a missing launch.json")
		}
	})
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	flagFile := filepath.Join(dir, "flag.yaml")
	envFile := filepath.Join(dir, "env.yaml")
	if err := os.WriteFile(flagFile, []byte("sessions:\n  max: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(envFile, []byte("sessions:\n  max: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("FLIGHTDECK_CONFIG", envFile)

	cfg, path, err := loadConfig(flagFile)
	if err != nil {
		t.Fatalf("loadConfig(flag): %v", err)
	}
	if path != flagFile || cfg.Sessions.Max != 3 {
		t.Errorf("flag file did not win: path=%q max=%d", path, cfg.Sessions.Max)
	}

	cfg, path, err = loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(env): %v", err)
	}
	if path != envFile || cfg.Sessions.Max != 5 {
		t.Errorf("env file not used: path=%q max=%d", path, cfg.Sessions.Max)
	}

	t.Setenv("FLIGHTDECK_CONFIG", "")
	cfg, path, err = loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig(defaults): %v", err)
	}
	if path != "" {
		t.Errorf("default config reported path %q", path)
	}
	if cfg.Sessions.Max != config.Default().Sessions.Max {
		t.Errorf("defaults not applied: max=%d", cfg.Sessions.Max)
	}
}
