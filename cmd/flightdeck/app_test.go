// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/flightdeck-dev/flightdeck/lib/clock"
	"github.com/flightdeck-dev/flightdeck/lib/config"
	"github.com/flightdeck-dev/flightdeck/lib/logexport"
	"github.com/flightdeck-dev/flightdeck/lib/testutil"
	"github.com/flightdeck-dev/flightdeck/session"
	"github.com/flightdeck-dev/flightdeck/tasks"
)

var testEpoch = time.Date(2026, time.February, 3, 10, 0, 0, 0, time.UTC)

// fakeHandle is a scripted process: the test feeds output lines and
// decides when and how it exits.
type fakeHandle struct {
	pid   int
	lines chan string
	exit  chan session.ExitStatus

	mu      sync.Mutex
	signals []os.Signal
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{
		pid:   pid,
		lines: make(chan string, 16),
		exit:  make(chan session.ExitStatus, 1),
	}
}

func (h *fakeHandle) PID() int                        { return h.pid }
func (h *fakeHandle) Lines() <-chan string            { return h.lines }
func (h *fakeHandle) Wait() <-chan session.ExitStatus { return h.exit }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return nil
}

func (h *fakeHandle) sentSignals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.signals)
}

func (h *fakeHandle) gotSignal(sig os.Signal) bool {
	return slices.Contains(h.sentSignals(), sig)
}

// exitNow ends the scripted process: output closes, then the status
// lands on the wait channel.
func (h *fakeHandle) exitNow(status session.ExitStatus) {
	close(h.lines)
	h.exit <- status
}

type fakeRunner struct {
	err error

	mu      sync.Mutex
	handles []*fakeHandle
}

func (r *fakeRunner) Spawn(ctx context.Context, launch config.LaunchConfig) (ProcessHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	handle := newFakeHandle(4000 + len(r.handles))
	r.handles = append(r.handles, handle)
	return handle, nil
}

func (r *fakeRunner) spawned() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *fakeRunner) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[i]
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	base := t.TempDir()
	cfg.Paths.State = filepath.Join(base, "state")
	cfg.Paths.Exports = filepath.Join(base, "exports")
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	return cfg
}

// startApp builds an executor on a fake clock and runs its loop until
// the test ends.
func startApp(t *testing.T, cfg *config.Config, runner ProcessRunner, journal *session.Journal) (*App, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(testEpoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := newApp(cfg, "", clk, logger, runner, journal)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, app.done, 5*time.Second, "executor shutdown")
	})
	go app.Run(ctx)
	return app, clk
}

// waitFor polls check until it reports true. The executor runs on
// real goroutines, so observation is by deadline, not fake clock.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLaunch(projectDir string) config.LaunchConfig {
	return config.LaunchConfig{Name: "counter_app", DeviceID: "macos", ProjectDir: projectDir}
}

// firstSession is the tolerant accessor used inside waitFor closures,
// where the session may not have been applied yet.
func firstSession(app *App) (session.Session, bool) {
	sessions := app.manager.List()
	if len(sessions) != 1 {
		return session.Session{}, false
	}
	return sessions[0], true
}

func onlySession(t *testing.T, app *App) session.Session {
	t.Helper()
	s, ok := firstSession(app)
	if !ok {
		t.Fatalf("List returned %d sessions, want 1", len(app.manager.List()))
	}
	return s
}

func logContains(s session.Session, substr string) bool {
	for _, entry := range s.Log.Snapshot() {
		if strings.Contains(entry.Text, substr) {
			return true
		}
	}
	return false
}

// sessionLogged reports whether the single session exists and has
// substr somewhere in its log.
func sessionLogged(app *App, substr string) bool {
	s, ok := firstSession(app)
	return ok && logContains(s, substr)
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	journal, err := session.OpenJournal(cfg.JournalPath())
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	runner := &fakeRunner{}
	app, _ := startApp(t, cfg, runner, journal)

	app.Post(session.LaunchRequested{Launch: testLaunch(t.TempDir()), Time: testEpoch})

	waitFor(t, "spawn", func() bool { return runner.spawned() == 1 })
	waitFor(t, "pid in log", func() bool {
		return sessionLogged(app, "process started, pid 4000")
	})
	id := onlySession(t, app).ID

	runner.handle(0).lines <- "hello from the app"
	waitFor(t, "output line in log", func() bool {
		return sessionLogged(app, "hello from the app")
	})

	app.Post(session.StopRequested{SessionID: id, Time: testEpoch.Add(time.Minute)})
	waitFor(t, "SIGTERM", func() bool { return runner.handle(0).gotSignal(syscall.SIGTERM) })

	runner.handle(0).exitNow(session.ExitStatus{Code: 0})
	waitFor(t, "exit reason in log", func() bool {
		return sessionLogged(app, "process exited with code 0")
	})
	waitFor(t, "process reaped", func() bool { return app.liveProcesses() == 0 })

	// The stopped session stays queryable with an empty supervisor.
	s, ok := app.manager.Get(id)
	if !ok {
		t.Fatal("stopped session is gone from the manager")
	}
	if s.Phase != session.Stopped {
		t.Fatalf("Phase = %v, want Stopped", s.Phase)
	}
	if s.Tasks.Len() != 0 {
		t.Fatalf("supervisor tracks %d tasks, want 0", s.Tasks.Len())
	}

	records, err := session.ReadJournal(cfg.JournalPath())
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("journal has %d records, want 2: %+v", len(records), records)
	}
	if records[0].From != "" || records[0].To != "initializing" || records[0].Reason != "launch" {
		t.Errorf("first record = %+v, want launch into initializing", records[0])
	}
	if records[1].From != "initializing" || records[1].To != "stopped" || records[1].Reason != "stopped by user" {
		t.Errorf("second record = %+v, want initializing -> stopped", records[1])
	}
}

func TestSpawnFailureStopsSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	runner := &fakeRunner{err: errors.New("tool not found")}
	app, _ := startApp(t, cfg, runner, nil)

	app.Post(session.LaunchRequested{Launch: testLaunch(t.TempDir()), Time: testEpoch})

	waitFor(t, "session stopped", func() bool {
		s, ok := firstSession(app)
		return ok && s.Phase == session.Stopped
	})
	s := onlySession(t, app)
	if !logContains(s, "launch failed: tool not found") {
		t.Errorf("log lacks the launch failure: %+v", s.Log.Snapshot())
	}
}

func TestDiscoveryResolvesServiceURI(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	projectDir := t.TempDir()
	serviceFile := filepath.Join(projectDir, ".dart_tool", "flightdeck", "service_info.json")
	if err := os.MkdirAll(filepath.Dir(serviceFile), 0o755); err != nil {
		t.Fatal(err)
	}
	// Port 1 refuses instantly, so the link parks in reconnect
	// backoff on the fake clock without ever connecting.
	if err := os.WriteFile(serviceFile, []byte(`{"uri":"http://127.0.0.1:1/abc123=/"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := &fakeRunner{}
	app, _ := startApp(t, cfg, runner, nil)
	app.Post(session.LaunchRequested{Launch: testLaunch(projectDir), Time: testEpoch})

	waitFor(t, "service uri resolved", func() bool {
		s, ok := firstSession(app)
		return ok && s.ServiceURI == "ws://127.0.0.1:1/abc123=/ws"
	})
	waitFor(t, "link bound", func() bool {
		s, ok := firstSession(app)
		return ok && s.Link != nil && s.Tree != nil && s.Groups != nil
	})
	waitFor(t, "protocol task running", func() bool {
		s, ok := firstSession(app)
		return ok && s.Tasks.Running(tasks.Protocol)
	})
	if s := onlySession(t, app); !logContains(s, "service listening at ws://127.0.0.1:1/abc123=/ws") {
		t.Errorf("log lacks the service line: %+v", s.Log.Snapshot())
	}
}

func TestExportLogsWritesArchive(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	runner := &fakeRunner{}
	app, _ := startApp(t, cfg, runner, nil)

	app.Post(session.LaunchRequested{Launch: testLaunch(t.TempDir()), Time: testEpoch})
	waitFor(t, "spawn", func() bool { return runner.spawned() == 1 })
	id := onlySession(t, app).ID

	runner.handle(0).lines <- "line to archive"
	waitFor(t, "line in log", func() bool {
		return sessionLogged(app, "line to archive")
	})

	// An empty path falls back to the configured export dir.
	app.Post(session.ExportLogsRequested{SessionID: id})
	waitFor(t, "export confirmation", func() bool {
		return sessionLogged(app, "exported ")
	})

	entries, err := os.ReadDir(cfg.Paths.Exports)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var archive string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".ndjson.zst") {
			archive = filepath.Join(cfg.Paths.Exports, entry.Name())
		}
	}
	if archive == "" {
		t.Fatalf("no archive in %s", cfg.Paths.Exports)
	}
	exported, err := logexport.Read(archive)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	found := false
	for _, entry := range exported {
		if entry.Text == "line to archive" && entry.Source == "app" {
			found = true
		}
	}
	if !found {
		t.Fatalf("archive lacks the app line: %+v", exported)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	runner := &fakeRunner{}
	app, clk := startApp(t, cfg, runner, nil)

	app.Post(session.LaunchRequested{Launch: testLaunch(t.TempDir()), Time: testEpoch})
	waitFor(t, "spawn", func() bool { return runner.spawned() == 1 })
	waitFor(t, "pid in log", func() bool {
		return sessionLogged(app, "process started")
	})
	id := onlySession(t, app).ID

	app.Post(session.StopRequested{SessionID: id, Time: testEpoch.Add(time.Minute)})
	waitFor(t, "SIGTERM", func() bool { return runner.handle(0).gotSignal(syscall.SIGTERM) })

	// Two fake timers are live now: the discovery rescan ticker and
	// the kill escalation. Wait for both before advancing so the
	// escalation cannot be missed.
	clk.WaitForTimers(2)
	clk.Advance(killEscalation)

	waitFor(t, "SIGKILL", func() bool { return runner.handle(0).gotSignal(syscall.SIGKILL) })

	runner.handle(0).exitNow(session.ExitStatus{Code: -1, Signal: "SIGKILL"})
	waitFor(t, "kill reason in log", func() bool {
		return sessionLogged(app, "process terminated by signal SIGKILL")
	})
}

func TestEscalationSkipsReapedProcess(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	runner := &fakeRunner{}
	app, clk := startApp(t, cfg, runner, nil)

	app.Post(session.LaunchRequested{Launch: testLaunch(t.TempDir()), Time: testEpoch})
	waitFor(t, "spawn", func() bool { return runner.spawned() == 1 })
	waitFor(t, "pid in log", func() bool {
		return sessionLogged(app, "process started")
	})
	id := onlySession(t, app).ID

	app.Post(session.StopRequested{SessionID: id, Time: testEpoch.Add(time.Minute)})
	waitFor(t, "SIGTERM", func() bool { return runner.handle(0).gotSignal(syscall.SIGTERM) })

	// The process obeys SIGTERM before the escalation deadline.
	runner.handle(0).exitNow(session.ExitStatus{Signal: "SIGTERM"})
	waitFor(t, "process reaped", func() bool { return app.liveProcesses() == 0 })

	clk.WaitForTimers(2)
	clk.Advance(killEscalation)

	// The armed escalation fired against a reaped handle and must
	// not signal it.
	waitFor(t, "exit reason in log", func() bool {
		return sessionLogged(app, "process terminated by signal SIGTERM")
	})
	if runner.handle(0).gotSignal(syscall.SIGKILL) {
		t.Fatal("escalation signalled a process that already exited")
	}
}

func TestSnapshotServesModel(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	runner := &fakeRunner{}
	app, _ := startApp(t, cfg, runner, nil)

	if snap := app.Snapshot(); len(snap.Sessions) != 0 || snap.SelectedID != "" {
		t.Fatalf("empty executor snapshot = %+v", snap)
	}

	app.Post(session.LaunchRequested{Launch: testLaunch(t.TempDir()), Time: testEpoch})
	waitFor(t, "session visible", func() bool { return len(app.Snapshot().Sessions) == 1 })

	snap := app.Snapshot()
	if snap.SelectedID != snap.Sessions[0].ID {
		t.Fatalf("SelectedID = %q, want %q", snap.SelectedID, snap.Sessions[0].ID)
	}
	if rows := app.TreeRows(snap.SelectedID); rows != nil {
		t.Fatalf("TreeRows before any link = %v, want nil", rows)
	}

	// Redraws coalesce: a signal must land after the applies above.
	waitFor(t, "redraw signal", func() bool {
		select {
		case <-app.Subscribe():
			return true
		default:
			return false
		}
	})
}
