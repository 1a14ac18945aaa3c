// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package tasks supervises the background goroutines a session owns:
// the protocol event pump and the metrics and network pollers. Each
// task is keyed by kind and tracked as a cancellation plus a
// completion channel, so teardown can signal, wait a bounded grace
// period, and move on without ever leaking a handle or blocking
// forever.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flightdeck-dev/flightdeck/lib/clock"
)

// Kind identifies one of the background task slots a session owns.
type Kind string

const (
	// Protocol is the inspection-link event pump.
	Protocol Kind = "protocol"
	// Metrics is the memory-usage poller.
	Metrics Kind = "metrics"
	// Network is the network-profile poller.
	Network Kind = "network"
)

// defaultStopGrace bounds how long Stop waits for a cancelled task
// to return before abandoning its handle.
const defaultStopGrace = 3 * time.Second

// AlreadyRunningError reports a Start for a kind that already has a
// live task. It is a state fault in the caller, never fatal: log it
// and carry on.
type AlreadyRunningError struct {
	Kind Kind
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("tasks: %s task already running", e.Kind)
}

// Options configures a Supervisor.
type Options struct {
	// StopGrace overrides the wait after cancellation before a task
	// handle is abandoned. Zero means the default of 3s.
	StopGrace time.Duration

	// OnExit, when set, is invoked from the task's own goroutine
	// after it returns, with the error it produced (nil for a clean
	// return, a synthesized error for a recovered panic). Exits
	// arriving after the supervisor already dropped the handle still
	// invoke OnExit; receivers must absorb late deliveries.
	OnExit func(kind Kind, err error)
}

// Supervisor tracks the live background tasks of one session.
type Supervisor struct {
	clock  clock.Clock
	logger *slog.Logger
	grace  time.Duration
	onExit func(Kind, error)

	mu   sync.Mutex
	live map[Kind]*task
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an empty Supervisor.
func New(clk clock.Clock, logger *slog.Logger, opts Options) *Supervisor {
	grace := opts.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &Supervisor{
		clock:  clk,
		logger: logger,
		grace:  grace,
		onExit: opts.OnExit,
		live:   make(map[Kind]*task),
	}
}

// Start launches run in its own goroutine under the given kind. The
// task context is derived from ctx and cancelled by Stop. If a live
// task of this kind exists, Start returns *AlreadyRunningError and
// launches nothing. Panics inside run are recovered and reported
// through OnExit as errors.
func (s *Supervisor) Start(ctx context.Context, kind Kind, run func(context.Context) error) error {
	s.mu.Lock()
	if existing, ok := s.live[kind]; ok {
		select {
		case <-existing.done:
			// Finished but not yet reaped; the slot is free.
			delete(s.live, kind)
		default:
			s.mu.Unlock()
			return &AlreadyRunningError{Kind: kind}
		}
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.live[kind] = t
	s.mu.Unlock()

	s.logger.Debug("task started", "kind", kind)
	go func() {
		err := runRecovering(taskCtx, kind, run)
		cancel()

		s.mu.Lock()
		if s.live[kind] == t {
			delete(s.live, kind)
		}
		s.mu.Unlock()
		close(t.done)

		if s.onExit != nil {
			s.onExit(kind, err)
		}
	}()
	return nil
}

func runRecovering(ctx context.Context, kind Kind, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tasks: %s task panicked: %v", kind, r)
		}
	}()
	return run(ctx)
}

// Stop cancels the task of the given kind and waits for it to
// return, bounded by the grace period. A missing or already-finished
// task is a successful no-op. If the grace period expires the handle
// is dropped and an error returned; the goroutine keeps running
// until its context cancellation takes effect, but it is no longer
// tracked and its eventual exit is absorbed.
func (s *Supervisor) Stop(ctx context.Context, kind Kind) error {
	s.mu.Lock()
	t, ok := s.live[kind]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	t.cancel()
	select {
	case <-t.done:
		s.logger.Debug("task stopped", "kind", kind)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.grace):
		s.mu.Lock()
		if s.live[kind] == t {
			delete(s.live, kind)
		}
		s.mu.Unlock()
		s.logger.Warn("task ignored cancellation, abandoning handle",
			"kind", kind, "grace", s.grace)
		return fmt.Errorf("tasks: %s task still running after %s grace", kind, s.grace)
	}
}

// StopAll stops every live task concurrently and waits for all of
// them, aggregating per-task failures. It is called on every
// termination path and is safe to call repeatedly.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	kinds := make([]Kind, 0, len(s.live))
	for kind := range s.live {
		kinds = append(kinds, kind)
	}
	s.mu.Unlock()
	slices.Sort(kinds)

	errs := make([]error, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Stop(ctx, kind)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Running reports whether a live task of the given kind is tracked.
func (s *Supervisor) Running(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[kind]
	return ok
}

// Len returns the number of tracked live tasks.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Kinds returns the tracked kinds in sorted order.
func (s *Supervisor) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]Kind, 0, len(s.live))
	for kind := range s.live {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	return kinds
}
