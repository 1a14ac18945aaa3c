// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// flightdeck is a terminal supervisor for instrumented app processes.
// It spawns them, discovers their inspection services, keeps the
// protocol links alive across drops, and renders every session's
// phase, widget tree, and log in one full-screen UI.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/flightdeck-dev/flightdeck/lib/clock"
	"github.com/flightdeck-dev/flightdeck/lib/config"
	"github.com/flightdeck-dev/flightdeck/session"
	"github.com/flightdeck-dev/flightdeck/tui"
)

// shutdownGrace bounds the wait for child processes to exit after the
// UI has closed.
const shutdownGrace = 3 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var logLevelName string
	var projectDir string
	var deviceID string
	var maxSessions int
	var exportDir string
	var launchJSON string
	var saveDefault bool

	flagSet := pflag.NewFlagSet("flightdeck", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file (default: $FLIGHTDECK_CONFIG, else built-in defaults)")
	flagSet.StringVar(&logLevelName, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&projectDir, "project", "", "project directory to launch a session for on startup")
	flagSet.StringVar(&deviceID, "device", "", "device id for the startup launch")
	flagSet.IntVar(&maxSessions, "max-sessions", 0, "override the retained-session cap")
	flagSet.StringVar(&exportDir, "export", "", "override the log export directory")
	flagSet.StringVar(&launchJSON, "launch-json", "", "take the startup launch from this launch.json")
	flagSet.BoolVar(&saveDefault, "save-default", false, "save the startup launch back to the config file as the default")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}

	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevelName)); err != nil {
		return fmt.Errorf("bad --log-level %q: %w", logLevelName, err)
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if maxSessions > 0 {
		cfg.Sessions.Max = maxSessions
	}
	if exportDir != "" {
		cfg.Paths.Exports = exportDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	launch, haveLaunch, err := startupLaunch(cfg, projectDir, deviceID, launchJSON)
	if err != nil {
		return err
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("stdout is not a terminal; flightdeck is a full-screen UI")
	}

	// The UI owns the terminal, so log records go to a file under the
	// state dir instead of stderr.
	logPath := filepath.Join(cfg.Paths.State, "flightdeck.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", logPath, err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level}))
	logger.Info("flightdeck starting", "config", cfgPath, "state", cfg.Paths.State)

	journal, err := session.OpenJournal(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	app := newApp(cfg, cfgPath, clk, logger, newLocalRunner(logger), journal)

	// The executor outlives the signal context: teardown effects for
	// the quit still have to run after ctx fires.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go app.Run(runCtx)

	// The theme is built on ANSI-256 colors; pin the render profile
	// to match, honoring NO_COLOR.
	profile := termenv.ANSI256
	if termenv.EnvNoColor() {
		profile = termenv.Ascii
	}
	lipgloss.SetColorProfile(profile)

	if haveLaunch {
		app.Post(session.LaunchRequested{Launch: launch, Time: clk.Now()})
		if saveDefault {
			app.Post(session.SetDefaultConfig{Launch: launch})
		}
	}

	model := tui.NewModel(app)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, uiErr := program.Run()
	if uiErr != nil && ctx.Err() == nil {
		return uiErr
	}

	// On the signal path the program dies before the model can post
	// its quit; post it here so sessions still tear down in order.
	if ctx.Err() != nil {
		app.Post(session.QuitRequested{Time: clk.Now()})
	}
	app.DrainProcesses(shutdownGrace)
	cancelRun()
	<-app.done
	logger.Info("flightdeck stopped")
	return nil
}

// loadConfig resolves the configuration: the --config flag first,
// then FLIGHTDECK_CONFIG, then built-in defaults. The returned path
// is empty when defaults were used, which disables --save-default.
func loadConfig(flagPath string) (*config.Config, string, error) {
	if flagPath != "" {
		cfg, err := config.LoadFile(flagPath)
		return cfg, flagPath, err
	}
	if envPath := os.Getenv("FLIGHTDECK_CONFIG"); envPath != "" {
		cfg, err := config.Load()
		return cfg, envPath, err
	}
	return config.Default(), "", nil
}

// startupLaunch builds the launch posted right after the UI starts,
// if the flags ask for one. --launch-json takes the first
// configuration in the file; --project starts from the config's
// default launch. --project and --device override either source.
func startupLaunch(cfg *config.Config, projectDir, deviceID, launchJSON string) (config.LaunchConfig, bool, error) {
	var launch config.LaunchConfig
	switch {
	case launchJSON != "":
		configs, err := config.ImportLaunchJSON(launchJSON)
		if err != nil {
			return config.LaunchConfig{}, false, err
		}
		launch = configs[0]
	case projectDir != "":
		launch = cfg.Launch
	default:
		return config.LaunchConfig{}, false, nil
	}
	if projectDir != "" {
		launch.ProjectDir = projectDir
	}
	if deviceID != "" {
		launch.DeviceID = deviceID
	}
	if launch.Name == "" && launch.ProjectDir != "" {
		launch.Name = filepath.Base(launch.ProjectDir)
	}
	return launch, true, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Flightdeck - terminal supervisor for instrumented app processes.

Spawns app processes, discovers their inspection services, and keeps a
protocol link to each one. Sessions, widget trees, and logs render in
a single full-screen terminal UI; reload, restart, stop, and log
export are a keypress away.

Configuration comes from --config or $FLIGHTDECK_CONFIG; without
either, built-in defaults keep state under the user cache dir.

Usage:
  flightdeck [flags]

Examples:
  # Launch one project on a named device
  flightdeck --project ~/work/counter_app --device macos

  # Take the launch from a VS Code launch.json
  flightdeck --launch-json .vscode/launch.json

  # Start empty with an explicit config file
  flightdeck --config ~/.config/flightdeck.yaml

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
