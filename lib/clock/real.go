// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns the Clock backed by the time package.
func Real() Clock { return systemClock{} }

type systemClock struct{}

var _ Clock = systemClock{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{time.AfterFunc(d, f)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return systemTicker{time.NewTicker(d)}
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

type systemTimer struct{ t *time.Timer }

func (st systemTimer) Stop() bool { return st.t.Stop() }

type systemTicker struct{ t *time.Ticker }

func (st systemTicker) C() <-chan time.Time { return st.t.C }

func (st systemTicker) Stop() { st.t.Stop() }
