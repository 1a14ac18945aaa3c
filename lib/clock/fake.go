// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only when
// Advance is called; every timer, ticker, and sleep registers a
// pending entry that fires when the clock passes its deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock for tests. Pending entries are
// held in a min-heap ordered by deadline, with registration order
// breaking ties, so Advance fires them in a reproducible sequence.
//
// AfterFunc callbacks run synchronously inside Advance, in the
// advancing goroutine. A callback may register new timers; it must
// not call Advance or Sleep, which would deadlock.
type FakeClock struct {
	mu         sync.Mutex
	registered *sync.Cond
	now        time.Time
	pending    pendingHeap
	seq        uint64
}

var _ Clock = (*FakeClock)(nil)

// fakeTimer is one pending entry: a timer, ticker tick, or sleep.
type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      uint64
	index    int // heap position, -1 once fired or removed

	ch     chan time.Time // After, Sleep, and ticker deliveries
	fn     func()         // AfterFunc deliveries
	period time.Duration  // >0 reschedules after each fire
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past
// d from now. A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.register(&fakeTimer{deadline: c.now.Add(d), ch: ch})
	return ch
}

// AfterFunc schedules f to run during the Advance call that passes
// its deadline. A non-positive d runs f synchronously before
// AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	if d <= 0 {
		f()
		return &fakeTimer{index: -1}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{deadline: c.now.Add(d), fn: f}
	c.register(t)
	return t
}

// NewTicker returns a Ticker firing every d of advanced time. Panics
// if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{
		deadline: c.now.Add(d),
		ch:       make(chan time.Time, 1),
		period:   d,
	}
	c.register(t)
	return fakeTicker{t}
}

// Sleep blocks until the clock advances past d from now.
func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d)
}

// register adds an entry to the heap. Caller holds c.mu.
func (c *FakeClock) register(t *fakeTimer) {
	t.clock = c
	t.seq = c.seq
	c.seq++
	heap.Push(&c.pending, t)
	c.registered.Broadcast()
}

// Advance moves the clock forward by d, firing every pending entry
// whose deadline falls within the new time, in deadline order. Now()
// observed from an AfterFunc callback reports that entry's deadline.
// Channel deliveries are non-blocking; a full channel drops the tick,
// matching time.Ticker. Tickers fire once per elapsed period.
func (c *FakeClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: negative advance")
	}
	c.mu.Lock()
	target := c.now.Add(d)
	for len(c.pending) > 0 && !c.pending[0].deadline.After(target) {
		t := heap.Pop(&c.pending).(*fakeTimer)
		c.now = t.deadline
		if t.period > 0 {
			t.deadline = t.deadline.Add(t.period)
			heap.Push(&c.pending, t)
		}
		if t.fn != nil {
			// Callbacks run unlocked so they can register timers.
			fn := t.fn
			c.mu.Unlock()
			fn()
			c.mu.Lock()
			continue
		}
		select {
		case t.ch <- c.now:
		default:
		}
	}
	c.now = target
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n entries are pending. It
// closes the race between a goroutine registering its timer and the
// test advancing the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// remove detaches the entry from the heap if it is still pending.
func (t *fakeTimer) remove() bool {
	if t.clock == nil {
		return false
	}
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.clock.pending, t.index)
	return true
}

// Stop implements Timer.
func (t *fakeTimer) Stop() bool { return t.remove() }

// fakeTicker adapts a periodic fakeTimer to the Ticker interface.
type fakeTicker struct{ t *fakeTimer }

func (tk fakeTicker) C() <-chan time.Time { return tk.t.ch }

func (tk fakeTicker) Stop() { tk.t.remove() }

// pendingHeap is a min-heap of entries by (deadline, seq).
type pendingHeap []*fakeTimer

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x any) {
	t := x.(*fakeTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
