// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package tui implements the flightdeck terminal user interface. Built
// on bubbletea (Elm architecture), it renders the session list beside
// the widget tree and the live log of the selected session, with a
// status line summarizing phase, link health, and the latest poll
// samples.
//
// The [Source] abstraction decouples the TUI from the rest of the
// program: the executor exposes session snapshots, widget-tree rows,
// and a change-notification channel through it, and receives every
// user intent back as a [session.Msg] via Dispatch. The model owns
// nothing but presentation state (focus, cursors, scroll positions),
// so a key press never mutates a session directly; it dispatches a
// message, the update core applies it, and the new state arrives with
// the next change notification.
//
// Data flow:
//
//	[session manager + update core]
//	        | (Source interface)
//	    [Model] <- bubbletea event loop
//	        |
//	  [terminal output]
package tui
