// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/flightdeck-dev/flightdeck/lib/config"
	"github.com/flightdeck-dev/flightdeck/session"
)

// ProcessHandle is one spawned app process. Wait delivers the exit
// status exactly once; Lines delivers combined stdout and stderr
// output and is closed when the process ends.
type ProcessHandle interface {
	PID() int
	Wait() <-chan session.ExitStatus
	Signal(sig os.Signal) error
	Lines() <-chan string
}

// ProcessRunner spawns app processes. The executor is the only caller;
// tests substitute a scripted fake.
type ProcessRunner interface {
	Spawn(ctx context.Context, launch config.LaunchConfig) (ProcessHandle, error)
}

// defaultTool is the dev tool used to run app processes. Overridden
// with FLIGHTDECK_TOOL for runtimes with a different entry command.
const defaultTool = "flutter"

// localRunner spawns app processes with the project's dev tool.
type localRunner struct {
	tool   string
	logger *slog.Logger
}

func newLocalRunner(logger *slog.Logger) *localRunner {
	tool := os.Getenv("FLIGHTDECK_TOOL")
	if tool == "" {
		tool = defaultTool
	}
	return &localRunner{tool: tool, logger: logger}
}

// serviceDir is where the spawned runtime announces its inspection
// service. The runner exports it as FLIGHTDECK_SERVICE_DIR; discovery
// watches the same directory.
func serviceDir(launch config.LaunchConfig) string {
	return filepath.Join(launch.ProjectDir, ".dart_tool", "flightdeck")
}

// buildArgs assembles the run arguments from a launch configuration.
func buildArgs(launch config.LaunchConfig) []string {
	args := []string{"run"}
	if launch.DeviceID != "" {
		args = append(args, "-d", launch.DeviceID)
	}
	if launch.Target != "" {
		args = append(args, "--target", launch.Target)
	}
	switch launch.Mode {
	case "profile":
		args = append(args, "--profile")
	case "release":
		args = append(args, "--release")
	}
	return append(args, launch.Args...)
}

// Spawn starts the app process in the project directory with its
// output line-split into the handle's channel. The context kills the
// process if the executor shuts down while it is still alive; orderly
// termination goes through Signal.
func (r *localRunner) Spawn(ctx context.Context, launch config.LaunchConfig) (ProcessHandle, error) {
	cmd := exec.CommandContext(ctx, r.tool, buildArgs(launch)...)
	cmd.Dir = launch.ProjectDir
	cmd.Env = append(os.Environ(), "FLIGHTDECK_SERVICE_DIR="+serviceDir(launch))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runner: starting %s: %w", r.tool, err)
	}
	r.logger.Info("process spawned", "tool", r.tool, "pid", cmd.Process.Pid, "project", launch.ProjectDir)

	process := &localProcess{
		cmd:   cmd,
		lines: make(chan string, 64),
		exit:  make(chan session.ExitStatus, 1),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go process.scan(&readers, stdout)
	go process.scan(&readers, stderr)
	go func() {
		// Output must be fully drained before Wait per os/exec.
		readers.Wait()
		close(process.lines)
		process.exit <- exitStatus(cmd.Wait())
	}()

	return process, nil
}

// localProcess implements ProcessHandle over os/exec.
type localProcess struct {
	cmd   *exec.Cmd
	lines chan string
	exit  chan session.ExitStatus
}

func (p *localProcess) PID() int                        { return p.cmd.Process.Pid }
func (p *localProcess) Lines() <-chan string            { return p.lines }
func (p *localProcess) Wait() <-chan session.ExitStatus { return p.exit }
func (p *localProcess) Signal(sig os.Signal) error      { return p.cmd.Process.Signal(sig) }

func (p *localProcess) scan(readers *sync.WaitGroup, r io.Reader) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
}

// exitStatus maps a cmd.Wait error to the session exit status.
func exitStatus(err error) session.ExitStatus {
	if err == nil {
		return session.ExitStatus{Code: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return session.ExitStatus{Code: -1, Signal: unix.SignalName(status.Signal())}
		}
		return session.ExitStatus{Code: exitErr.ExitCode()}
	}
	return session.ExitStatus{Code: -1}
}
