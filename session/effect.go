// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/flightdeck-dev/flightdeck/lib/config"
	"github.com/flightdeck-dev/flightdeck/tasks"
)

// Effect is a side effect described by Update and performed by the
// executor, in slice order. Effects carry the *Session they target so
// they stay performable even when the message that produced them also
// removed the session from the manager.
type Effect interface {
	isEffect()
}

// SpawnProcess starts the app process through the process runner.
type SpawnProcess struct {
	Session *Session
	Launch  config.LaunchConfig
}

// DiscoverURI watches for the session's service file and resolves the
// inspection endpoint.
type DiscoverURI struct {
	Session *Session
}

// ConnectLink builds the protocol client for the resolved URI and
// starts the protocol task.
type ConnectLink struct {
	Session *Session
	URI     string
}

// StartTask starts one background task on the session's supervisor.
type StartTask struct {
	Session *Session
	Kind    tasks.Kind
}

// StopTasks stops every background task the session owns. Returned
// on every termination path.
type StopTasks struct {
	Session *Session
}

// SendReload issues a hot reload over the link.
type SendReload struct {
	Session *Session
}

// SendRestart issues a hot restart over the link.
type SendRestart struct {
	Session *Session
}

// RefreshTree refetches the widget-tree snapshot.
type RefreshTree struct {
	Session *Session
}

// ToggleNode expands or collapses one cached tree row.
type ToggleNode struct {
	Session *Session
	NodeID  string
	Expand  bool
}

// DisposeGroups releases the session's inspector object groups while
// the link is still up.
type DisposeGroups struct {
	Session *Session
}

// ExportLogs archives the session's log buffer to path.
type ExportLogs struct {
	Session *Session
	Path    string
}

// SaveDefaultConfig persists the default launch configuration.
type SaveDefaultConfig struct {
	Launch config.LaunchConfig
}

// AppendJournal writes one lifecycle record.
type AppendJournal struct {
	Record JournalRecord
}

// TerminateProcess signals the app process to exit.
type TerminateProcess struct {
	Session *Session
}

func (SpawnProcess) isEffect()      {}
func (DiscoverURI) isEffect()       {}
func (ConnectLink) isEffect()       {}
func (StartTask) isEffect()         {}
func (StopTasks) isEffect()         {}
func (SendReload) isEffect()        {}
func (SendRestart) isEffect()       {}
func (RefreshTree) isEffect()       {}
func (ToggleNode) isEffect()        {}
func (DisposeGroups) isEffect()     {}
func (ExportLogs) isEffect()        {}
func (SaveDefaultConfig) isEffect() {}
func (AppendJournal) isEffect()     {}
func (TerminateProcess) isEffect()  {}
