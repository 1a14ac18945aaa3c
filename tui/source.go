// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"github.com/flightdeck-dev/flightdeck/inspector"
	"github.com/flightdeck-dev/flightdeck/session"
)

// Snapshot is a point-in-time view of every session plus the selection
// cursor.
type Snapshot struct {
	Sessions   []session.Session
	SelectedID string
}

// Source abstracts session state access for the TUI. The real
// implementation sits in front of the session manager and the message
// queue; tests substitute a scripted fake. The TUI never mutates state
// directly: every intent goes through Dispatch and the result comes
// back as a change notification.
type Source interface {
	// Snapshot returns all sessions in creation order plus the
	// current selection.
	Snapshot() Snapshot

	// TreeRows returns the visible widget-tree rows for a session.
	// Nil until the inspection link is bound and the first snapshot
	// has been fetched.
	TreeRows(sessionID string) []inspector.Row

	// Dispatch hands a user intent to the update core. It must not
	// block; the executor applies messages in arrival order.
	Dispatch(msg session.Msg)

	// Subscribe returns a channel that signals whenever session
	// state changes. Returns nil if live updates are not available.
	Subscribe() <-chan struct{}
}
