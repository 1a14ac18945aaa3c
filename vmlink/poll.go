// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package vmlink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/flightdeck-dev/flightdeck/lib/clock"
)

// Default poll periods for the background samplers.
const (
	DefaultMetricsInterval = 2 * time.Second
	DefaultNetworkInterval = 5 * time.Second
)

// MetricsPoller returns a task body that samples memory usage from the
// main isolate every interval and hands each sample to sink. It runs
// until ctx is cancelled. Sample failures are logged and the loop
// continues; the main isolate is re-resolved on every tick, so a hot
// restart only costs the samples taken while no isolate is tracked.
func MetricsPoller(client *Client, clk clock.Clock, logger *slog.Logger, interval time.Duration, sink func(MemorySample)) func(context.Context) error {
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	return func(ctx context.Context) error {
		ticker := clk.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				sample, err := sampleMemory(ctx, client)
				if err != nil {
					logPollError(logger, "metrics", err)
					continue
				}
				sink(sample)
			}
		}
	}
}

// NetworkPoller returns a task body that samples the HTTP profile from
// the main isolate every interval and hands each sample to sink. Error
// handling matches MetricsPoller.
func NetworkPoller(client *Client, clk clock.Clock, logger *slog.Logger, interval time.Duration, sink func(NetworkSample)) func(context.Context) error {
	if interval <= 0 {
		interval = DefaultNetworkInterval
	}
	return func(ctx context.Context) error {
		ticker := clk.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				sample, err := sampleNetwork(ctx, client)
				if err != nil {
					logPollError(logger, "network", err)
					continue
				}
				sink(sample)
			}
		}
	}
}

func sampleMemory(ctx context.Context, client *Client) (MemorySample, error) {
	isolateID, err := client.MainIsolate()
	if err != nil {
		return MemorySample{}, err
	}
	return client.MemoryUsage(ctx, isolateID)
}

func sampleNetwork(ctx context.Context, client *Client) (NetworkSample, error) {
	isolateID, err := client.MainIsolate()
	if err != nil {
		return NetworkSample{}, err
	}
	return client.HTTPProfile(ctx, isolateID)
}

// logPollError records a failed poll at a severity matching how routine
// the failure is. No isolate yet, a dropped link, and an isolate id
// races during hot restart all fix themselves on a later tick.
func logPollError(logger *slog.Logger, poller string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	var (
		disconnected *DisconnectedError
		stale        *StaleIsolateError
	)
	switch {
	case errors.Is(err, ErrNoIsolate):
		logger.Debug("poll skipped, no main isolate", "poller", poller)
	case errors.As(err, &disconnected):
		logger.Debug("poll skipped, link down", "poller", poller)
	case errors.As(err, &stale):
		logger.Debug("poll hit stale isolate, will re-resolve",
			"poller", poller, "isolate", stale.IsolateID)
	default:
		logger.Warn("poll failed", "poller", poller, "error", err)
	}
}
