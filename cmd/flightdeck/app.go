// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/flightdeck-dev/flightdeck/inspector"
	"github.com/flightdeck-dev/flightdeck/lib/clock"
	"github.com/flightdeck-dev/flightdeck/lib/config"
	"github.com/flightdeck-dev/flightdeck/lib/logexport"
	"github.com/flightdeck-dev/flightdeck/session"
	"github.com/flightdeck-dev/flightdeck/tasks"
	"github.com/flightdeck-dev/flightdeck/tui"
	"github.com/flightdeck-dev/flightdeck/vmlink"
)

const (
	// messageQueueDepth is the executor's inbox. Producers beyond it
	// spill into goroutines so posting never blocks.
	messageQueueDepth = 256

	// discoverTimeout bounds the wait for the service file after
	// spawn. Slow first builds are the reason it is this long.
	discoverTimeout = 30 * time.Second

	// reloadTimeout bounds a hot reload or restart round trip.
	reloadTimeout = 30 * time.Second

	// refreshTimeout bounds one widget-tree fetch.
	refreshTimeout = 10 * time.Second

	// disposeTimeout bounds the object-group dispose on close.
	disposeTimeout = 5 * time.Second

	// stopAllTimeout bounds supervisor teardown per session.
	stopAllTimeout = 5 * time.Second

	// killEscalation is how long a signalled process gets to exit
	// before SIGKILL.
	killEscalation = 5 * time.Second
)

// App is the executor: it owns the message queue, applies each message
// to the session manager through the update core, performs the
// returned effects with the real collaborators, and feeds their
// results back in as new messages. It doubles as the [tui.Source] the
// terminal model renders from.
type App struct {
	cfg     *config.Config
	cfgPath string
	clk     clock.Clock
	logger  *slog.Logger
	runner  ProcessRunner
	manager *session.Manager
	journal *session.Journal

	msgs    chan session.Msg
	redraws chan struct{}
	done    chan struct{}

	mu    sync.Mutex
	procs map[string]ProcessHandle
}

// newApp wires the manager to the executor queue. cfgPath is the
// config file the default launch is saved back to, empty when the
// binary runs on built-in defaults. journal may be nil in tests.
func newApp(cfg *config.Config, cfgPath string, clk clock.Clock, logger *slog.Logger, runner ProcessRunner, journal *session.Journal) *App {
	app := &App{
		cfg:     cfg,
		cfgPath: cfgPath,
		clk:     clk,
		logger:  logger,
		runner:  runner,
		journal: journal,
		msgs:    make(chan session.Msg, messageQueueDepth),
		redraws: make(chan struct{}, 1),
		done:    make(chan struct{}),
		procs:   make(map[string]ProcessHandle),
	}
	app.manager = session.NewManager(clk, logger, session.Options{
		MaxSessions: cfg.Sessions.Max,
		LogCapacity: cfg.Sessions.LogLines,
		StopGrace:   cfg.Sessions.StopGrace.Std(),
		Notify:      app.Post,
	})
	return app
}

// Post enqueues one message for the update loop. It never blocks the
// caller: when the inbox is full the overflow send moves to a
// goroutine, which gives up once the loop has exited.
func (app *App) Post(msg session.Msg) {
	select {
	case app.msgs <- msg:
	default:
		go func() {
			select {
			case app.msgs <- msg:
			case <-app.done:
			}
		}()
	}
}

// Run applies messages until ctx is cancelled. Messages already
// queued when cancellation lands are dropped; quit teardown is driven
// by the QuitRequested message, which the caller posts before
// cancelling.
func (app *App) Run(ctx context.Context) {
	defer close(app.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-app.msgs:
			app.apply(ctx, msg)
		}
	}
}

func (app *App) apply(ctx context.Context, msg session.Msg) {
	for _, effect := range session.Update(app.manager, msg) {
		app.perform(ctx, effect)
	}
	app.signalRedraw()
}

// perform executes one effect. Anything that can stall on a process,
// socket, or disk runs in its own goroutine and reports back through
// Post; the cheap cache and bookkeeping effects run inline so their
// results are visible to the effects that follow in the same slice.
func (app *App) perform(ctx context.Context, effect session.Effect) {
	switch e := effect.(type) {
	case session.SpawnProcess:
		app.spawn(ctx, e.Session.ID, e.Launch)
	case session.DiscoverURI:
		app.discover(ctx, e.Session.ID, e.Session.Launch)
	case session.ConnectLink:
		app.connectLink(ctx, e.Session, e.URI)
	case session.StartTask:
		app.startTask(ctx, e.Session, e.Kind)
	case session.StopTasks:
		go app.stopTasks(e.Session)
	case session.SendReload:
		go app.sendReload(e.Session, false)
	case session.SendRestart:
		go app.sendReload(e.Session, true)
	case session.RefreshTree:
		go app.refreshTree(e.Session)
	case session.ToggleNode:
		app.toggleNode(e.Session, e.NodeID, e.Expand)
	case session.DisposeGroups:
		go app.disposeGroups(e.Session)
	case session.ExportLogs:
		go app.exportLogs(e.Session, e.Path)
	case session.SaveDefaultConfig:
		app.saveDefaultLaunch(e.Launch)
	case session.AppendJournal:
		app.appendJournal(e.Record)
	case session.TerminateProcess:
		app.terminate(e.Session.ID)
	default:
		app.logger.Warn("unknown effect", "effect", fmt.Sprintf("%T", effect))
	}
}

func (app *App) spawn(ctx context.Context, id string, launch config.LaunchConfig) {
	go func() {
		handle, err := app.runner.Spawn(ctx, launch)
		if err != nil {
			app.Post(session.SpawnFailed{SessionID: id, Err: err, Time: app.clk.Now()})
			return
		}
		app.setProc(id, handle)
		app.Post(session.SpawnSucceeded{SessionID: id, PID: handle.PID(), Time: app.clk.Now()})
		go app.pumpOutput(id, handle)
		go app.waitExit(id, handle)
	}()
}

// pumpOutput forwards process output lines into the session log.
func (app *App) pumpOutput(id string, handle ProcessHandle) {
	for line := range handle.Lines() {
		app.Post(session.LogLine{SessionID: id, Source: session.SourceApp, Text: line, Time: app.clk.Now()})
	}
}

func (app *App) waitExit(id string, handle ProcessHandle) {
	status := <-handle.Wait()
	app.clearProc(id, handle)
	app.Post(session.ProcessExited{SessionID: id, Status: status, Time: app.clk.Now()})
}

// discover waits for the spawned runtime to announce its service URI.
// Failure leaves the session in Initializing with the reason in its
// log; the process itself may still be fine, and the user decides
// whether to stop it.
func (app *App) discover(ctx context.Context, id string, launch config.LaunchConfig) {
	go func() {
		dctx, cancel := context.WithTimeout(ctx, discoverTimeout)
		defer cancel()
		uri, err := vmlink.DiscoverURI(dctx, serviceDir(launch), app.clk)
		if err != nil {
			app.logger.Warn("service discovery failed", "session", id, "error", err)
			app.Post(session.LogLine{
				SessionID: id,
				Source:    session.SourceDaemon,
				Text:      "service discovery failed: " + err.Error(),
				Time:      app.clk.Now(),
			})
			return
		}
		app.Post(session.ServiceURIResolved{SessionID: id, URI: uri, Time: app.clk.Now()})
	}()
}

// connectLink builds the protocol client and inspector for a resolved
// URI, binds them to the session, and starts the event pump. Binding
// happens before the pump starts so the first StateConnected already
// sees the tree in place.
func (app *App) connectLink(ctx context.Context, s *session.Session, uri string) {
	logger := app.logger.With("session", s.ID)
	id := s.ID
	link := vmlink.New(uri, app.clk, logger, vmlink.Options{
		ConnectTimeout: app.cfg.Link.ConnectTimeout.Std(),
		RequestTimeout: app.cfg.Link.RequestTimeout.Std(),
		SweepInterval:  app.cfg.Link.SweepInterval.Std(),
		ReconnectMin:   app.cfg.Link.ReconnectMin.Std(),
		ReconnectMax:   app.cfg.Link.ReconnectMax.Std(),
		OnEvent: func(event vmlink.Event) {
			app.Post(session.EventReceived{SessionID: id, Event: event, Time: app.clk.Now()})
		},
		OnState: func(state vmlink.State) {
			app.Post(session.LinkStateChanged{SessionID: id, State: state, Time: app.clk.Now()})
		},
	})
	groups := inspector.NewGroupManager(link, logger)
	tree := inspector.NewTree(link, groups, logger)
	app.manager.BindLink(id, link, tree, groups)
	if err := s.Tasks.Start(ctx, tasks.Protocol, link.Run); err != nil {
		app.logger.Warn("protocol task not started", "session", id, "error", err)
	}
}

func (app *App) startTask(ctx context.Context, s *session.Session, kind tasks.Kind) {
	if s.Link == nil {
		app.logger.Warn("task start without link", "session", s.ID, "kind", kind)
		return
	}
	id := s.ID
	var run func(context.Context) error
	switch kind {
	case tasks.Protocol:
		run = s.Link.Run
	case tasks.Metrics:
		run = vmlink.MetricsPoller(s.Link, app.clk, app.logger.With("session", id),
			app.cfg.Poll.Metrics.Std(), func(sample vmlink.MemorySample) {
				app.Post(session.MetricsSampled{SessionID: id, Sample: sample})
			})
	case tasks.Network:
		run = vmlink.NetworkPoller(s.Link, app.clk, app.logger.With("session", id),
			app.cfg.Poll.Network.Std(), func(sample vmlink.NetworkSample) {
				app.Post(session.NetworkSampled{SessionID: id, Sample: sample})
			})
	default:
		app.logger.Warn("unknown task kind", "session", id, "kind", kind)
		return
	}
	if err := s.Tasks.Start(ctx, kind, run); err != nil {
		var running *tasks.AlreadyRunningError
		if errors.As(err, &running) {
			app.logger.Debug("task already running", "session", id, "kind", kind)
			return
		}
		app.logger.Warn("task start failed", "session", id, "kind", kind, "error", err)
	}
}

// stopTasks tears down a session's supervisor. It runs off the loop
// goroutine and on its own context: stopping must proceed even when
// the executor itself is shutting down, and the supervisor blocks
// until its tasks confirm exit.
func (app *App) stopTasks(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()
	if err := s.Tasks.StopAll(ctx); err != nil {
		app.logger.Warn("task shutdown incomplete", "session", s.ID, "error", err)
	}
}

func (app *App) sendReload(s *session.Session, restart bool) {
	ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
	defer cancel()
	var err error
	switch {
	case s.Link == nil:
		err = errors.New("session has no protocol link")
	case restart:
		err = s.Link.Restart(ctx)
	default:
		err = s.Link.Reload(ctx)
	}
	app.Post(session.ReloadFinished{SessionID: s.ID, Restart: restart, Err: err, Time: app.clk.Now()})
}

func (app *App) refreshTree(s *session.Session) {
	if s.Tree == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	app.Post(session.TreeRefreshed{SessionID: s.ID, Err: s.Tree.Refresh(ctx)})
}

func (app *App) toggleNode(s *session.Session, nodeID string, expand bool) {
	if s.Tree == nil {
		return
	}
	var err error
	if expand {
		err = s.Tree.Expand(nodeID)
	} else {
		err = s.Tree.Collapse(nodeID)
	}
	if err != nil {
		app.logger.Debug("tree toggle refused", "session", s.ID, "node", nodeID, "error", err)
	}
}

func (app *App) disposeGroups(s *session.Session) {
	if s.Groups == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if err := s.Groups.DisposeAll(ctx); err != nil {
		app.logger.Warn("group dispose incomplete", "session", s.ID, "error", err)
	}
}

// exportLogs archives the session's log buffer and reports the result
// as a daemon line in that same log.
func (app *App) exportLogs(s *session.Session, dir string) {
	if dir == "" {
		dir = app.cfg.Paths.Exports
	}
	entries := s.Log.Snapshot()
	converted := make([]logexport.Entry, len(entries))
	for i, entry := range entries {
		converted[i] = logexport.Entry{Time: entry.Time, Source: string(entry.Source), Text: entry.Text}
	}
	result, err := logexport.Write(dir, s.ID, app.clk.Now(), converted)
	if err != nil {
		app.logger.Error("log export failed", "session", s.ID, "error", err)
		app.Post(session.LogLine{
			SessionID: s.ID,
			Source:    session.SourceDaemon,
			Text:      "log export failed: " + err.Error(),
			Time:      app.clk.Now(),
		})
		return
	}
	app.logger.Info("log exported",
		"session", s.ID, "path", result.Path, "lines", result.Lines, "digest", result.Digest)
	app.Post(session.LogLine{
		SessionID: s.ID,
		Source:    session.SourceDaemon,
		Text:      fmt.Sprintf("exported %d lines to %s", result.Lines, result.Path),
		Time:      app.clk.Now(),
	})
}

func (app *App) saveDefaultLaunch(launch config.LaunchConfig) {
	if app.cfgPath == "" {
		app.logger.Warn("no config file to save the default launch to")
		return
	}
	if err := app.cfg.SaveDefaultLaunch(app.cfgPath, launch); err != nil {
		app.logger.Error("saving default launch failed", "path", app.cfgPath, "error", err)
		return
	}
	app.logger.Info("default launch saved", "path", app.cfgPath)
}

// appendJournal writes one lifecycle record. A broken journal is
// logged and otherwise ignored; it never blocks a transition.
func (app *App) appendJournal(rec session.JournalRecord) {
	if app.journal == nil {
		return
	}
	if err := app.journal.Append(rec); err != nil {
		app.logger.Warn("journal append failed", "error", err)
	}
}

// terminate signals the session's process with SIGTERM and arms the
// SIGKILL escalation. The escalation fires only if the same handle is
// still registered, so a process that exits in time is left alone.
func (app *App) terminate(id string) {
	handle := app.proc(id)
	if handle == nil {
		return
	}
	if err := handle.Signal(syscall.SIGTERM); err != nil {
		app.logger.Warn("terminate signal failed", "session", id, "error", err)
	}
	app.clk.AfterFunc(killEscalation, func() {
		if app.proc(id) != handle {
			return
		}
		app.logger.Warn("process ignored SIGTERM, killing", "session", id)
		if err := handle.Signal(syscall.SIGKILL); err != nil {
			app.logger.Warn("kill signal failed", "session", id, "error", err)
		}
	})
}

func (app *App) setProc(id string, handle ProcessHandle) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.procs[id] = handle
}

func (app *App) proc(id string) ProcessHandle {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.procs[id]
}

func (app *App) clearProc(id string, handle ProcessHandle) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.procs[id] == handle {
		delete(app.procs, id)
	}
}

func (app *App) liveProcesses() int {
	app.mu.Lock()
	defer app.mu.Unlock()
	return len(app.procs)
}

// DrainProcesses waits up to grace for every spawned process to be
// reaped, so exit reasons and journal records land before the binary
// leaves. Survivors are killed by the runner contexts on exit.
func (app *App) DrainProcesses(grace time.Duration) {
	deadline := app.clk.Now().Add(grace)
	for app.clk.Now().Before(deadline) {
		if app.liveProcesses() == 0 {
			return
		}
		app.clk.Sleep(50 * time.Millisecond)
	}
	app.logger.Warn("processes still live after drain grace", "count", app.liveProcesses())
}

func (app *App) signalRedraw() {
	select {
	case app.redraws <- struct{}{}:
	default:
	}
}

var _ tui.Source = (*App)(nil)

// Snapshot returns the render state for the terminal model.
func (app *App) Snapshot() tui.Snapshot {
	return tui.Snapshot{
		Sessions:   app.manager.List(),
		SelectedID: app.manager.SelectedID(),
	}
}

// TreeRows returns the visible widget-tree rows for one session.
func (app *App) TreeRows(sessionID string) []inspector.Row {
	s, ok := app.manager.Get(sessionID)
	if !ok || s.Tree == nil {
		return nil
	}
	return s.Tree.VisibleNodes()
}

// Dispatch feeds a model-originated message into the update loop.
func (app *App) Dispatch(msg session.Msg) { app.Post(msg) }

// Subscribe returns the coalesced redraw channel.
func (app *App) Subscribe() <-chan struct{} { return app.redraws }
