// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package session owns flightdeck's supervised sessions: their
// lifecycle, their logs, and the pure update core that drives both.
//
// A [Session] tracks one app process from launch to teardown through
// the [Phase] machine: Initializing while the process spawns and the
// inspection link comes up, Running once it serves, Reloading while a
// hot reload or restart is in flight, and the terminal Stopped and
// Quitting. A process that exits, for any reason, lands in Stopped
// and is retained with its exit reason in the log, so a crashed app
// can still be inspected after the fact.
//
// The [Manager] holds every session keyed by id, enforces the
// one-active-session-per-device rule ([*DeviceBusyError]), keeps the
// selection cursor valid or empty, and evicts the oldest stopped
// sessions once the retained count passes the cap. Queries return
// value copies and are safe from any goroutine.
//
// State changes flow through [Update], an Elm-style pure core in the
// manner of bubbletea: one [Msg] in, manager state mutated, a slice
// of [Effect] descriptors out. Update performs no I/O; the executor
// in cmd/flightdeck performs each effect against the real
// collaborators and feeds the results back as new messages. That
// split keeps every lifecycle rule in this package testable without a
// process, a socket, or a clock.
//
// Every transition is additionally appended to an on-disk CBOR
// [Journal], giving post-mortem ordering when a multi-session
// shutdown needs reconstructing.
package session
