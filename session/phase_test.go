// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "testing"

func TestPhaseActive(t *testing.T) {
	t.Parallel()
	tests := []struct {
		phase Phase
		want  bool
	}{
		{Initializing, true},
		{Running, true},
		{Reloading, true},
		{Stopped, false},
		{Quitting, false},
	}
	for _, tt := range tests {
		if got := tt.phase.Active(); got != tt.want {
			t.Errorf("%s.Active() = %v, want %v", tt.phase, got, tt.want)
		}
		if got := tt.phase.Terminal(); got == tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.phase, got, !tt.want)
		}
	}
}

func TestPhaseTransitions(t *testing.T) {
	t.Parallel()
	all := []Phase{Initializing, Running, Reloading, Stopped, Quitting}
	legal := map[Phase][]Phase{
		Initializing: {Running, Stopped, Quitting},
		Running:      {Reloading, Stopped, Quitting},
		Reloading:    {Running, Stopped, Quitting},
		Stopped:      nil,
		Quitting:     nil,
	}
	for _, from := range all {
		allowed := make(map[Phase]bool)
		for _, to := range legal[from] {
			allowed[to] = true
		}
		for _, to := range all {
			if got := from.canEnter(to); got != allowed[to] {
				t.Errorf("canEnter(%s -> %s) = %v, want %v", from, to, got, allowed[to])
			}
		}
	}
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	names := map[Phase]string{
		Initializing: "initializing",
		Running:      "running",
		Reloading:    "reloading",
		Stopped:      "stopped",
		Quitting:     "quitting",
	}
	for phase, want := range names {
		if got := phase.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
	if got := Phase(42).String(); got != "phase(42)" {
		t.Errorf("String() = %q, want phase(42)", got)
	}
}
