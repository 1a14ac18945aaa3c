// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/flightdeck-dev/flightdeck/lib/config"
	"github.com/flightdeck-dev/flightdeck/tasks"
	"github.com/flightdeck-dev/flightdeck/vmlink"
)

// Msg is an input to Update: a user intent, a collaborator result, or
// a notification from a background task. Messages carry their own
// timestamps; Update never reads a clock.
type Msg interface {
	isMsg()
}

// LaunchRequested asks for a new session running the given launch
// configuration.
type LaunchRequested struct {
	Launch config.LaunchConfig
	Time   time.Time
}

// SpawnSucceeded reports that the process runner started the app.
type SpawnSucceeded struct {
	SessionID string
	PID       int
	Time      time.Time
}

// SpawnFailed reports that the process runner could not start the
// app. The session is cleaned up and stopped.
type SpawnFailed struct {
	SessionID string
	Err       error
	Time      time.Time
}

// ServiceURIResolved reports the discovered inspection endpoint.
type ServiceURIResolved struct {
	SessionID string
	URI       string
	Time      time.Time
}

// LinkStateChanged reports a connection state change on the link.
type LinkStateChanged struct {
	SessionID string
	State     vmlink.State
	Time      time.Time
}

// EventReceived carries one decoded stream event from the link.
type EventReceived struct {
	SessionID string
	Event     vmlink.Event
	Time      time.Time
}

// TaskExited reports that a supervised background task returned. A
// nil Err is a clean return. Late exits delivered after the session
// stopped are absorbed.
type TaskExited struct {
	SessionID string
	Kind      tasks.Kind
	Err       error
	Time      time.Time
}

// ProcessExited reports that the app process ended, however it ended.
type ProcessExited struct {
	SessionID string
	Status    ExitStatus
	Time      time.Time
}

// ReloadRequested asks for a hot reload of the selected session.
type ReloadRequested struct {
	SessionID string
	Time      time.Time
}

// RestartRequested asks for a hot restart. A restart replaces the
// main isolate, so isolate-scoped state is invalidated downstream.
type RestartRequested struct {
	SessionID string
	Time      time.Time
}

// ReloadFinished reports the outcome of a reload or restart.
type ReloadFinished struct {
	SessionID string
	Restart   bool
	Err       error
	Time      time.Time
}

// StopRequested is a user-initiated force stop: end the process but
// keep the session entry around.
type StopRequested struct {
	SessionID string
	Time      time.Time
}

// CloseRequested removes a session entirely, stopping it first if it
// is still active.
type CloseRequested struct {
	SessionID string
	Time      time.Time
}

// SelectSession moves the selection cursor.
type SelectSession struct {
	SessionID string
}

// TreeRowToggled asks to expand or collapse one widget-tree row.
type TreeRowToggled struct {
	SessionID string
	NodeID    string
	Expand    bool
}

// TreeRefreshed reports the outcome of a tree refresh.
type TreeRefreshed struct {
	SessionID string
	Err       error
}

// MetricsSampled carries one memory poll result.
type MetricsSampled struct {
	SessionID string
	Sample    vmlink.MemorySample
}

// NetworkSampled carries one network poll result.
type NetworkSampled struct {
	SessionID string
	Sample    vmlink.NetworkSample
}

// LogLine appends one line to a session's log.
type LogLine struct {
	SessionID string
	Source    Source
	Text      string
	Time      time.Time
}

// ExportLogsRequested asks for the session's log to be archived.
type ExportLogsRequested struct {
	SessionID string
	Path      string
}

// SetDefaultConfig persists a new default launch configuration.
type SetDefaultConfig struct {
	Launch config.LaunchConfig
}

// QuitRequested tears down every active session ahead of process
// exit.
type QuitRequested struct {
	Time time.Time
}

func (LaunchRequested) isMsg()     {}
func (SpawnSucceeded) isMsg()      {}
func (SpawnFailed) isMsg()         {}
func (ServiceURIResolved) isMsg()  {}
func (LinkStateChanged) isMsg()    {}
func (EventReceived) isMsg()       {}
func (TaskExited) isMsg()          {}
func (ProcessExited) isMsg()       {}
func (ReloadRequested) isMsg()     {}
func (RestartRequested) isMsg()    {}
func (ReloadFinished) isMsg()      {}
func (StopRequested) isMsg()       {}
func (CloseRequested) isMsg()      {}
func (SelectSession) isMsg()       {}
func (TreeRowToggled) isMsg()      {}
func (TreeRefreshed) isMsg()       {}
func (MetricsSampled) isMsg()      {}
func (NetworkSampled) isMsg()      {}
func (LogLine) isMsg()             {}
func (ExportLogsRequested) isMsg() {}
func (SetDefaultConfig) isMsg()    {}
func (QuitRequested) isMsg()       {}
