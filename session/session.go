// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"time"

	"github.com/flightdeck-dev/flightdeck/inspector"
	"github.com/flightdeck-dev/flightdeck/lib/config"
	"github.com/flightdeck-dev/flightdeck/tasks"
	"github.com/flightdeck-dev/flightdeck/vmlink"
)

// Session is one supervised app process, from launch to teardown.
// Identity fields are set once at creation; the rest is mutated only
// by Update under the manager's lock. Queries hand out value copies,
// so readers never observe a half-applied message.
type Session struct {
	// ID is the manager-unique session id.
	ID string
	// DeviceID is the device the app runs on.
	DeviceID string
	// Target describes what was launched, for display.
	Target string
	// Launch is the configuration the session was started from.
	Launch config.LaunchConfig

	Phase     Phase
	CreatedAt time.Time
	// StoppedAt is set on the transition into a terminal phase.
	StoppedAt time.Time

	// ServiceURI is the resolved inspection endpoint, empty until
	// discovery completes.
	ServiceURI string
	// LinkState is the latest observed link state.
	LinkState vmlink.State

	// Memory and Network hold the most recent poll samples.
	Memory  vmlink.MemorySample
	Network vmlink.NetworkSample

	// Log is the bounded session log.
	Log *LogBuffer
	// Tasks supervises the session's background goroutines.
	Tasks *tasks.Supervisor

	// Link, Tree, and Groups are bound by the executor once the
	// service URI resolves; nil before that.
	Link   *vmlink.Client
	Tree   *inspector.Tree
	Groups *inspector.GroupManager
}

// ExitStatus describes how a supervised process ended.
type ExitStatus struct {
	// Code is the exit code when the process exited on its own.
	Code int
	// Signal names the terminating signal, empty when the process
	// exited normally.
	Signal string
}

// Reason renders the status as the log line appended on exit.
func (s ExitStatus) Reason() string {
	if s.Signal != "" {
		return fmt.Sprintf("process terminated by signal %s", s.Signal)
	}
	return fmt.Sprintf("process exited with code %d", s.Code)
}
