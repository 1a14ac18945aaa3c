// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "fmt"

// Phase is the lifecycle stage of a supervised session.
type Phase int

const (
	// Initializing covers spawn, service discovery, and the first
	// link connection.
	Initializing Phase = iota
	// Running means the app is up and the link is serving.
	Running
	// Reloading means a hot reload or hot restart is in flight.
	Reloading
	// Stopped means the process has ended. The session is retained
	// for inspection. Terminal.
	Stopped
	// Quitting means the session is being torn down on purpose.
	// Terminal.
	Quitting
)

func (p Phase) String() string {
	switch p {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	case Reloading:
		return "reloading"
	case Stopped:
		return "stopped"
	case Quitting:
		return "quitting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Active reports whether the session still has a live process to
// supervise. Exactly Initializing, Running, and Reloading are active.
func (p Phase) Active() bool {
	switch p {
	case Initializing, Running, Reloading:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave p.
func (p Phase) Terminal() bool {
	return p == Stopped || p == Quitting
}

// canEnter reports whether the transition p -> next is legal.
func (p Phase) canEnter(next Phase) bool {
	switch p {
	case Initializing:
		return next == Running || next == Stopped || next == Quitting
	case Running:
		return next == Reloading || next == Stopped || next == Quitting
	case Reloading:
		return next == Running || next == Stopped || next == Quitting
	default:
		return false
	}
}

// PhaseError reports an attempted illegal phase transition. It is a
// state fault in the caller, never fatal: log it and carry on.
type PhaseError struct {
	SessionID string
	From, To  Phase
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("session: illegal transition %s -> %s for session %s",
		e.From, e.To, e.SessionID)
}
