// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package vmlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flightdeck-dev/flightdeck/lib/clock"
)

// Service files are written by the app runtime into the project's tool
// directory shortly after boot: a small JSON document carrying the
// inspection service's HTTP URI.
const (
	serviceFilePrefix = "service_info"
	serviceFileSuffix = ".json"

	// discoverRescanInterval bounds how stale a missed filesystem
	// event can leave us. The directory is rescanned at this period
	// regardless of events, which also covers the tool directory not
	// existing yet when discovery starts.
	discoverRescanInterval = time.Second
)

type serviceInfo struct {
	URI string `json:"uri"`
}

// DiscoverURI waits for a service file to appear under dir and returns
// the WebSocket URI it announces. The directory is scanned once up
// front, then watched with fsnotify, with a periodic rescan as a
// backstop. A file that exists but does not parse yet (the runtime may
// still be writing it) is retried on its next write event or rescan.
// The wait is bounded by ctx.
func DiscoverURI(ctx context.Context, dir string, clk clock.Clock) (string, error) {
	if uri, ok := scanServiceDir(dir); ok {
		return uri, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return "", fmt.Errorf("vmlink: creating service watcher: %w", err)
	}
	defer watcher.Close()

	// The tool directory may not exist until the app boots. Add is
	// retried on the rescan tick until it sticks.
	watching := watcher.Add(dir) == nil

	ticker := clk.NewTicker(discoverRescanInterval)
	defer ticker.Stop()

	// A file could have landed between the first scan and the watch
	// being established.
	if watching {
		if uri, ok := scanServiceDir(dir); ok {
			return uri, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("vmlink: waiting for service file in %s: %w", dir, ctx.Err())
		case event, ok := <-watcher.Events:
			if !ok {
				return "", fmt.Errorf("vmlink: service watcher closed")
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !isServiceFile(filepath.Base(event.Name)) {
				continue
			}
			if uri, err := readServiceFile(event.Name); err == nil {
				return uri, nil
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return "", fmt.Errorf("vmlink: service watcher closed")
			}
			// Watch errors are absorbed; the rescan still makes
			// progress without events.
		case <-ticker.C():
			if !watching {
				watching = watcher.Add(dir) == nil
			}
			if uri, ok := scanServiceDir(dir); ok {
				return uri, nil
			}
		}
	}
}

// scanServiceDir returns the URI of the first parseable service file
// in dir, in directory order.
func scanServiceDir(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.IsDir() || !isServiceFile(entry.Name()) {
			continue
		}
		if uri, err := readServiceFile(filepath.Join(dir, entry.Name())); err == nil {
			return uri, true
		}
	}
	return "", false
}

func isServiceFile(name string) bool {
	return strings.HasPrefix(name, serviceFilePrefix) && strings.HasSuffix(name, serviceFileSuffix)
}

func readServiceFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("vmlink: reading service file: %w", err)
	}
	var info serviceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return "", fmt.Errorf("vmlink: parsing service file %s: %w", path, err)
	}
	if info.URI == "" {
		return "", fmt.Errorf("vmlink: service file %s has no uri", path)
	}
	return wsURIFromServiceInfo(info.URI)
}

// wsURIFromServiceInfo converts the HTTP URI announced in a service
// file into the WebSocket endpoint the protocol client dials. The
// runtime announces something like http://127.0.0.1:8181/token=/ and
// the socket lives one path element below it at .../token=/ws.
func wsURIFromServiceInfo(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("vmlink: parsing service uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("vmlink: service uri %q has unsupported scheme %q", raw, u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		u.Path += "ws"
	}
	return u.String(), nil
}
