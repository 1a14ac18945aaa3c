// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for components that schedule work:
// reconnect backoff, poll tickers, stale-request sweeps, and stop
// grace periods. Production code receives a Clock in its constructor
// and never calls the time package directly for scheduling; tests
// inject a FakeClock and advance it deterministically.
//
// The usual wiring gives a struct a clock field set to Real() in
// production. A test constructs with Fake(t0), starts the goroutines
// under test, calls WaitForTimers to let them register their timers,
// and then calls Advance to fire the timers in deadline order.
package clock

import "time"

// Clock is the time source injected into every component that waits,
// ticks, or timestamps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the fire time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run in its own goroutine after d.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a Ticker that delivers on its channel every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) Ticker

	// Sleep blocks the calling goroutine for d.
	Sleep(d time.Duration)
}

// Timer is a single-shot scheduled call, returned by AfterFunc.
type Timer interface {
	// Stop cancels the timer. It reports whether the call was
	// prevented from running.
	Stop() bool
}

// Ticker delivers the fire time on C at a fixed period until stopped.
type Ticker interface {
	// C returns the delivery channel. Ticks that find the channel
	// full are dropped, matching time.Ticker.
	C() <-chan time.Time

	// Stop ends delivery. It does not close the channel.
	Stop()
}
