// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared channel helpers for tests. They
// wrap the select-with-timeout pattern so a stuck goroutine fails the
// test with a message instead of hanging the whole run. These are the
// only wall-clock timeouts in the test suite; everything else advances
// a fake clock.
package testutil

import (
	"testing"
	"time"
)

// RequireReceive reads one value from ch within timeout, or fails the
// test. what names the value being waited on, for the failure message.
func RequireReceive[T any](t *testing.T, ch <-chan T, timeout time.Duration, what string) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for %s", what)
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
	panic("unreachable")
}

// RequireClosed waits for ch to close (or deliver) within timeout, or
// fails the test. Use it for done channels that signal by closing.
func RequireClosed(t *testing.T, ch <-chan struct{}, timeout time.Duration, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for %s", timeout, what)
	}
}
