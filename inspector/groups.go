// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flightdeck-dev/flightdeck/vmlink"
)

// Caller is the slice of the protocol client the inspector uses.
// *vmlink.Client satisfies it; tests inject fakes.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	MainIsolate() (string, error)
}

var _ Caller = (*vmlink.Client)(nil)

// Inspector extension methods on the service protocol.
const (
	methodDisposeGroup = "ext.flutter.inspector.disposeGroup"
	methodRootTree     = "ext.flutter.inspector.getRootWidgetSummaryTree"
)

type disposeParams struct {
	ObjectGroup string `json:"objectGroup"`
	IsolateID   string `json:"isolateId"`
}

type fetchParams struct {
	GroupName string `json:"groupName"`
	IsolateID string `json:"isolateId"`
}

// GroupManager tracks the live object groups of one session, keyed by
// logical name. Each logical name maps to a minted server-side group
// id; recreating a name mints a fresh id so a failed disposal of the
// predecessor can never collide with its replacement.
type GroupManager struct {
	rpc    Caller
	logger *slog.Logger

	mu        sync.Mutex
	isolateID string
	seq       int
	groups    map[string]string
}

// NewGroupManager returns an empty registry.
func NewGroupManager(rpc Caller, logger *slog.Logger) *GroupManager {
	return &GroupManager{
		rpc:    rpc,
		logger: logger,
		groups: make(map[string]string),
	}
}

// CreateGroup returns a fresh server group id for name. An existing
// group under the same name is disposed on the server first; disposal
// failure is logged and deliberately not propagated, so creation
// always succeeds. Remote disposal errors are routine around app
// restarts, when the server has already reclaimed the group with its
// isolate.
func (m *GroupManager) CreateGroup(ctx context.Context, name string) string {
	isolate := m.rebind()

	m.mu.Lock()
	old := m.groups[name]
	m.seq++
	id := fmt.Sprintf("%s-%d", name, m.seq)
	m.groups[name] = id
	m.mu.Unlock()

	if old != "" {
		if err := m.dispose(ctx, isolate, old); err != nil {
			m.logger.Warn("disposing superseded object group failed",
				"group", old, "error", err)
		}
	}
	return id
}

// DisposeAll disposes every tracked group, continuing past per-group
// failures and aggregating them. The local registry is cleared
// regardless, because a group the server still knows about is only a
// leak until its isolate dies, while a registry entry for a disposed
// group would poison later recreation.
func (m *GroupManager) DisposeAll(ctx context.Context) error {
	isolate := m.rebind()

	m.mu.Lock()
	ids := make([]string, 0, len(m.groups))
	for _, id := range m.groups {
		ids = append(ids, id)
	}
	m.groups = make(map[string]string)
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.dispose(ctx, isolate, id); err != nil {
			m.logger.Warn("disposing object group failed", "group", id, "error", err)
			errs = append(errs, fmt.Errorf("inspector: disposing group %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of tracked groups.
func (m *GroupManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// rebind refreshes the isolate binding. A changed isolate means the
// previous one died taking its groups with it, so the registry resets
// without issuing disposals.
func (m *GroupManager) rebind() string {
	current, err := m.rpc.MainIsolate()
	if err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.isolateID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current != m.isolateID {
		if m.isolateID != "" && len(m.groups) > 0 {
			m.logger.Info("isolate changed, dropping object groups",
				"previous", m.isolateID, "current", current, "groups", len(m.groups))
		}
		m.isolateID = current
		m.groups = make(map[string]string)
	}
	return m.isolateID
}

func (m *GroupManager) dispose(ctx context.Context, isolate, id string) error {
	if isolate == "" {
		return vmlink.ErrNoIsolate
	}
	_, err := m.rpc.Call(ctx, methodDisposeGroup, disposeParams{
		ObjectGroup: id,
		IsolateID:   isolate,
	})
	return staleFromCode(err, isolate)
}

// staleFromCode maps an isolate-gone service error onto the shared
// stale-isolate type, passing other errors through.
func staleFromCode(err error, isolate string) error {
	var rpcErr *vmlink.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == vmlink.CodeIsolateGone {
		return &vmlink.StaleIsolateError{IsolateID: isolate}
	}
	return err
}
