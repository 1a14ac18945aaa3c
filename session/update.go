// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/flightdeck-dev/flightdeck/tasks"
	"github.com/flightdeck-dev/flightdeck/vmlink"
)

// Update applies one message to the manager and returns the side
// effects it implies, for the executor to perform in order. It does
// no I/O itself: no sockets, no files, no goroutines, no clock reads.
// Unknown session ids and illegal transitions are logged and
// absorbed; a stale message must never corrupt state.
func Update(m *Manager, msg Msg) []Effect {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg := msg.(type) {
	case LaunchRequested:
		return m.applyLaunch(msg)
	case SpawnSucceeded:
		return m.applySpawnSucceeded(msg)
	case SpawnFailed:
		return m.applySpawnFailed(msg)
	case ServiceURIResolved:
		return m.applyServiceURI(msg)
	case LinkStateChanged:
		return m.applyLinkState(msg)
	case EventReceived:
		return m.applyEvent(msg)
	case TaskExited:
		return m.applyTaskExited(msg)
	case ProcessExited:
		return m.applyProcessExited(msg)
	case ReloadRequested:
		return m.applyReload(msg.SessionID, msg.Time, false)
	case RestartRequested:
		return m.applyReload(msg.SessionID, msg.Time, true)
	case ReloadFinished:
		return m.applyReloadFinished(msg)
	case StopRequested:
		return m.applyStop(msg)
	case CloseRequested:
		return m.applyClose(msg)
	case SelectSession:
		m.applySelect(msg)
		return nil
	case TreeRowToggled:
		return m.applyTreeToggle(msg)
	case TreeRefreshed:
		m.applyTreeRefreshed(msg)
		return nil
	case MetricsSampled:
		if s := m.sessions[msg.SessionID]; s != nil {
			s.Memory = msg.Sample
		}
		return nil
	case NetworkSampled:
		if s := m.sessions[msg.SessionID]; s != nil {
			s.Network = msg.Sample
		}
		return nil
	case LogLine:
		if s := m.sessions[msg.SessionID]; s != nil {
			s.Log.Append(msg.Time, msg.Source, msg.Text)
		}
		return nil
	case ExportLogsRequested:
		if s := m.sessions[msg.SessionID]; s != nil {
			return []Effect{ExportLogs{Session: s, Path: msg.Path}}
		}
		return nil
	case SetDefaultConfig:
		return []Effect{SaveDefaultConfig{Launch: msg.Launch}}
	case QuitRequested:
		return m.applyQuit(msg)
	default:
		m.logger.Warn("unhandled message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

// transitionLocked moves a session to a new phase and returns the
// journal effect recording it. Illegal transitions return a
// *PhaseError and change nothing.
func (m *Manager) transitionLocked(s *Session, to Phase, reason string, at time.Time) (Effect, error) {
	if !s.Phase.canEnter(to) {
		return nil, &PhaseError{SessionID: s.ID, From: s.Phase, To: to}
	}
	from := s.Phase
	s.Phase = to
	if to.Terminal() {
		s.StoppedAt = at
	}
	m.logger.Info("session phase change",
		"session", s.ID, "from", from, "to", to, "reason", reason)
	return AppendJournal{Record: JournalRecord{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		Time:      at,
	}}, nil
}

func (m *Manager) applyLaunch(msg LaunchRequested) []Effect {
	if busy := m.activeOnDeviceLocked(msg.Launch.DeviceID); busy != nil {
		err := &DeviceBusyError{DeviceID: msg.Launch.DeviceID, SessionID: busy.ID}
		m.logger.Warn("launch rejected", "error", err)
		return nil
	}
	s := m.newSessionLocked(msg)
	m.logger.Info("session launching",
		"session", s.ID, "device", s.DeviceID, "target", s.Target)
	effects := []Effect{
		AppendJournal{Record: JournalRecord{
			SessionID: s.ID,
			DeviceID:  s.DeviceID,
			From:      "",
			To:        s.Phase.String(),
			Reason:    "launch",
			Time:      msg.Time,
		}},
		SpawnProcess{Session: s, Launch: msg.Launch},
	}
	return append(effects, m.evictLocked(msg.Time)...)
}

func (m *Manager) applySpawnSucceeded(msg SpawnSucceeded) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil || !s.Phase.Active() {
		return nil
	}
	s.Log.Append(msg.Time, SourceDaemon, "process started, pid "+strconv.Itoa(msg.PID))
	return []Effect{DiscoverURI{Session: s}}
}

func (m *Manager) applySpawnFailed(msg SpawnFailed) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil || s.Phase.Terminal() {
		return nil
	}
	m.logger.Error("spawn failed", "session", s.ID, "error", msg.Err)
	s.Log.Append(msg.Time, SourceDaemon, "launch failed: "+errText(msg.Err))
	journal, err := m.transitionLocked(s, Stopped, "spawn failed", msg.Time)
	if err != nil {
		m.logger.Warn("spawn failure on finished session", "error", err)
		return nil
	}
	return []Effect{StopTasks{Session: s}, journal}
}

func (m *Manager) applyServiceURI(msg ServiceURIResolved) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil || s.Phase.Terminal() {
		return nil
	}
	s.ServiceURI = msg.URI
	s.Log.Append(msg.Time, SourceDaemon, "service listening at "+msg.URI)
	return []Effect{ConnectLink{Session: s, URI: msg.URI}}
}

func (m *Manager) applyLinkState(msg LinkStateChanged) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil {
		return nil
	}
	s.LinkState = msg.State
	if s.Phase.Terminal() {
		return nil
	}

	switch msg.State {
	case vmlink.StateConnected:
		if s.Phase == Initializing {
			journal, err := m.transitionLocked(s, Running, "link connected", msg.Time)
			if err != nil {
				return nil
			}
			return []Effect{
				journal,
				StartTask{Session: s, Kind: tasks.Metrics},
				StartTask{Session: s, Kind: tasks.Network},
				RefreshTree{Session: s},
			}
		}
		// A reconnect within Running; the tree may be stale.
		return []Effect{RefreshTree{Session: s}}
	case vmlink.StateReconnecting:
		s.Log.Append(msg.Time, SourceProtocol, "link lost, reconnecting")
		return nil
	case vmlink.StateClosed:
		// The link shut down while the session was still live.
		s.Log.Append(msg.Time, SourceProtocol, "link closed")
		journal, err := m.transitionLocked(s, Stopped, "link closed", msg.Time)
		if err != nil {
			return nil
		}
		return []Effect{StopTasks{Session: s}, journal}
	default:
		return nil
	}
}

func (m *Manager) applyEvent(msg EventReceived) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil || s.Phase.Terminal() {
		return nil
	}
	switch msg.Event.Kind {
	case vmlink.EventIsolateStart:
		s.Log.Append(msg.Time, SourceProtocol, "isolate started: "+msg.Event.IsolateID)
		return nil
	case vmlink.EventIsolateRunnable:
		// The isolate is ready to serve extension methods; fetch the
		// first tree snapshot for it.
		return []Effect{RefreshTree{Session: s}}
	case vmlink.EventIsolateExit:
		s.Log.Append(msg.Time, SourceProtocol, "isolate exited: "+msg.Event.IsolateID)
		return nil
	default:
		return nil
	}
}

func (m *Manager) applyTaskExited(msg TaskExited) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil || s.Phase.Terminal() {
		// Late exits after StopAll are expected; absorb them.
		return nil
	}
	if msg.Err == nil {
		m.logger.Info("task finished", "session", s.ID, "kind", msg.Kind)
		return nil
	}
	if msg.Kind == tasks.Protocol {
		// The event pump is the session's lifeline; without it the
		// link is gone for good.
		m.logger.Error("protocol task failed",
			"session", s.ID, "error", msg.Err)
		s.Log.Append(msg.Time, SourceDaemon, "inspection link failed: "+errText(msg.Err))
		journal, err := m.transitionLocked(s, Stopped, "protocol task failed", msg.Time)
		if err != nil {
			return nil
		}
		return []Effect{StopTasks{Session: s}, journal}
	}
	// A poller died; the session degrades but keeps running.
	m.logger.Warn("task failed",
		"session", s.ID, "kind", msg.Kind, "error", msg.Err)
	s.Log.Append(msg.Time, SourceDaemon, string(msg.Kind)+" task failed: "+errText(msg.Err))
	return nil
}

func (m *Manager) applyProcessExited(msg ProcessExited) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil {
		return nil
	}
	s.Log.Append(msg.Time, SourceDaemon, msg.Status.Reason())
	if s.Phase.Terminal() {
		// Already stopped or quitting; the exit line above is all
		// that was missing.
		return nil
	}
	journal, err := m.transitionLocked(s, Stopped, msg.Status.Reason(), msg.Time)
	if err != nil {
		return nil
	}
	return []Effect{StopTasks{Session: s}, journal}
}

func (m *Manager) applyReload(id string, at time.Time, restart bool) []Effect {
	s := m.sessions[id]
	if s == nil {
		return nil
	}
	reason := "hot reload"
	if restart {
		reason = "hot restart"
	}
	journal, err := m.transitionLocked(s, Reloading, reason, at)
	if err != nil {
		m.logger.Warn("reload refused", "error", err)
		return nil
	}
	if restart {
		return []Effect{journal, SendRestart{Session: s}}
	}
	return []Effect{journal, SendReload{Session: s}}
}

func (m *Manager) applyReloadFinished(msg ReloadFinished) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil {
		return nil
	}
	if msg.Err != nil {
		s.Log.Append(msg.Time, SourceDaemon, "reload failed: "+errText(msg.Err))
	}
	reason := "reload finished"
	if msg.Restart {
		reason = "restart finished"
	}
	journal, err := m.transitionLocked(s, Running, reason, msg.Time)
	if err != nil {
		m.logger.Warn("reload finished on non-reloading session", "error", err)
		return nil
	}
	// After a restart the old isolate is gone and every cached
	// object id with it; the refresh rebinds and refetches.
	return []Effect{journal, RefreshTree{Session: s}}
}

func (m *Manager) applyStop(msg StopRequested) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil {
		return nil
	}
	journal, err := m.transitionLocked(s, Stopped, "stopped by user", msg.Time)
	if err != nil {
		m.logger.Warn("stop refused", "error", err)
		return nil
	}
	return []Effect{
		StopTasks{Session: s},
		TerminateProcess{Session: s},
		journal,
	}
}

func (m *Manager) applyClose(msg CloseRequested) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil {
		return nil
	}
	var effects []Effect
	if s.Phase.Active() {
		journal, err := m.transitionLocked(s, Quitting, "closed by user", msg.Time)
		if err == nil {
			// Dispose while the link still works, then tear down.
			effects = append(effects,
				DisposeGroups{Session: s},
				StopTasks{Session: s},
				TerminateProcess{Session: s},
				journal,
			)
		}
	}
	m.logger.Info("session removed", "session", s.ID, "phase", s.Phase)
	m.removeLocked(s.ID)
	effects = append(effects, AppendJournal{Record: JournalRecord{
		SessionID: s.ID,
		DeviceID:  s.DeviceID,
		From:      s.Phase.String(),
		To:        "removed",
		Reason:    "closed by user",
		Time:      msg.Time,
	}})
	return effects
}

func (m *Manager) applySelect(msg SelectSession) {
	if _, ok := m.sessions[msg.SessionID]; !ok {
		m.logger.Warn("selecting unknown session", "session", msg.SessionID)
		return
	}
	m.selected = msg.SessionID
}

func (m *Manager) applyTreeToggle(msg TreeRowToggled) []Effect {
	s := m.sessions[msg.SessionID]
	if s == nil || s.Tree == nil {
		return nil
	}
	return []Effect{ToggleNode{Session: s, NodeID: msg.NodeID, Expand: msg.Expand}}
}

func (m *Manager) applyTreeRefreshed(msg TreeRefreshed) {
	if msg.Err == nil {
		return
	}
	var stale *vmlink.StaleIsolateError
	if errors.As(msg.Err, &stale) {
		// Expected around hot restarts; the next refresh rebinds.
		m.logger.Debug("tree refresh hit stale isolate",
			"session", msg.SessionID, "error", msg.Err)
		return
	}
	m.logger.Warn("tree refresh failed",
		"session", msg.SessionID, "error", msg.Err)
}

func (m *Manager) applyQuit(msg QuitRequested) []Effect {
	var effects []Effect
	for _, id := range m.order {
		s := m.sessions[id]
		if !s.Phase.Active() {
			continue
		}
		journal, err := m.transitionLocked(s, Quitting, "quit", msg.Time)
		if err != nil {
			continue
		}
		effects = append(effects,
			StopTasks{Session: s},
			TerminateProcess{Session: s},
			journal,
		)
	}
	return effects
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
