// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/flightdeck-dev/flightdeck/vmlink"
)

const snapshotJSON = `{
	"valueId": "inspector-0",
	"description": "MyApp",
	"widgetRuntimeType": "MyApp",
	"creationLocation": {"file": "lib/main.dart", "line": 7},
	"hasChildren": true,
	"children": [
		{
			"valueId": "inspector-1",
			"description": "Column",
			"widgetRuntimeType": "Column",
			"creationLocation": {"file": "lib/main.dart", "line": 12},
			"hasChildren": true,
			"children": [
				{"valueId": "inspector-2", "description": "Text", "widgetRuntimeType": "Text", "hasChildren": false}
			]
		},
		{"valueId": "inspector-3", "description": "Spacer", "widgetRuntimeType": "Spacer", "hasChildren": false}
	]
}`

func newTestTree(t *testing.T, rpc *fakeCaller) *Tree {
	t.Helper()
	groups := NewGroupManager(rpc, testLogger())
	return NewTree(rpc, groups, testLogger())
}

func rowIDs(rows []Row) []string {
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.Node.ID
	}
	return ids
}

func TestRefreshParsesSnapshot(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("isolates/1")
	rpc.results[methodRootTree] = json.RawMessage(snapshotJSON)
	tree := newTestTree(t, rpc)

	if err := tree.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	fetches := rpc.callsFor(methodRootTree)
	if len(fetches) != 1 {
		t.Fatalf("fetch calls = %d, want 1", len(fetches))
	}
	var params fetchParams
	if err := json.Unmarshal(fetches[0].params, &params); err != nil {
		t.Fatalf("unmarshal fetch params: %v", err)
	}
	if params.GroupName != "widget-tree-1" || params.IsolateID != "isolates/1" {
		t.Fatalf("fetch params = %+v", params)
	}

	// A fresh snapshot opens at the root: its children are visible,
	// grandchildren are not.
	rows := tree.VisibleNodes()
	want := []string{"inspector-0", "inspector-1", "inspector-3"}
	got := rowIDs(rows)
	if len(got) != len(want) {
		t.Fatalf("visible rows = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("visible rows = %v, want %v", got, want)
		}
	}
	if rows[0].Depth != 0 || rows[1].Depth != 1 {
		t.Fatalf("depths = %d,%d, want 0,1", rows[0].Depth, rows[1].Depth)
	}

	column := rows[1].Node
	if column.Description != "Column" || column.WidgetType != "Column" {
		t.Fatalf("column node = %+v", column)
	}
	if column.Location != "lib/main.dart:12" {
		t.Fatalf("column location = %q", column.Location)
	}
	if !column.Expandable {
		t.Fatal("column should be expandable")
	}
	if rows[2].Node.Expandable {
		t.Fatal("leaf should not be expandable")
	}
}

func TestRefreshKeepsParentWhenChildUnparseable(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("isolates/1")
	rpc.results[methodRootTree] = json.RawMessage(`{
		"valueId": "root",
		"description": "App",
		"hasChildren": true,
		"children": [
			{"valueId": "ok", "description": "Fine"},
			{"valueId": 42, "description": "numeric id"},
			"not even an object",
			{"description": "missing valueId"}
		]
	}`)
	tree := newTestTree(t, rpc)

	if err := tree.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	rows := tree.VisibleNodes()
	got := rowIDs(rows)
	if len(got) != 2 || got[0] != "root" || got[1] != "ok" {
		t.Fatalf("visible rows = %v, want [root ok]", got)
	}
}

func TestRefreshRejectsMalformedRoot(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("isolates/1")
	rpc.results[methodRootTree] = json.RawMessage(`"not a tree"`)
	tree := newTestTree(t, rpc)

	if err := tree.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for malformed root")
	}
	if rows := tree.VisibleNodes(); rows != nil {
		t.Fatalf("snapshot should stay empty, got %d rows", len(rows))
	}
}

func TestVisibleNodesCachedUntilMutation(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("isolates/1")
	rpc.results[methodRootTree] = json.RawMessage(snapshotJSON)
	tree := newTestTree(t, rpc)
	if err := tree.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	first := tree.VisibleNodes()
	second := tree.VisibleNodes()
	if len(first) == 0 || &first[0] != &second[0] {
		t.Fatal("repeated VisibleNodes did not return the cached slice")
	}

	// A mutation invalidates the cache.
	if err := tree.Expand("inspector-1"); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	third := tree.VisibleNodes()
	if len(third) != len(first)+1 {
		t.Fatalf("rows after expand = %d, want %d", len(third), len(first)+1)
	}
	fourth := tree.VisibleNodes()
	if &third[0] != &fourth[0] {
		t.Fatal("VisibleNodes recomputed without mutation")
	}

	// A failed mutation leaves the cache alone.
	var notFound *NodeNotFoundError
	if err := tree.Collapse("no-such-node"); !errors.As(err, &notFound) {
		t.Fatalf("expected NodeNotFoundError, got %v", err)
	}
	fifth := tree.VisibleNodes()
	if &fifth[0] != &third[0] {
		t.Fatal("failed mutation invalidated the cache")
	}
}

func TestExpandCollapse(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("isolates/1")
	rpc.results[methodRootTree] = json.RawMessage(snapshotJSON)
	tree := newTestTree(t, rpc)
	if err := tree.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if err := tree.Expand("inspector-1"); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	got := rowIDs(tree.VisibleNodes())
	if len(got) != 4 || got[2] != "inspector-2" {
		t.Fatalf("rows after expand = %v", got)
	}

	if err := tree.Collapse("inspector-1"); err != nil {
		t.Fatalf("Collapse: %v", err)
	}
	if got := rowIDs(tree.VisibleNodes()); len(got) != 3 {
		t.Fatalf("rows after collapse = %v", got)
	}

	// Collapsing the root hides everything below it.
	if err := tree.Collapse("inspector-0"); err != nil {
		t.Fatalf("Collapse(root): %v", err)
	}
	if got := rowIDs(tree.VisibleNodes()); len(got) != 1 || got[0] != "inspector-0" {
		t.Fatalf("rows after root collapse = %v", got)
	}

	var notFound *NodeNotFoundError
	if err := tree.Expand("inspector-99"); !errors.As(err, &notFound) {
		t.Fatalf("expected NodeNotFoundError, got %v", err)
	}
}

func TestExpansionSurvivesRefreshForSurvivingIDs(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("isolates/1")
	rpc.results[methodRootTree] = json.RawMessage(snapshotJSON)
	tree := newTestTree(t, rpc)
	ctx := context.Background()

	if err := tree.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := tree.Expand("inspector-1"); err != nil {
		t.Fatalf("Expand: %v", err)
	}

	// Same shape again, as after a cosmetic hot reload: the expanded
	// branch stays open.
	if err := tree.Refresh(ctx); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	got := rowIDs(tree.VisibleNodes())
	if len(got) != 4 || got[2] != "inspector-2" {
		t.Fatalf("rows after same-shape refresh = %v", got)
	}

	// Structural change: the expanded child id disappears, the root
	// survives and stays open.
	rpc.mu.Lock()
	rpc.results[methodRootTree] = json.RawMessage(`{
		"valueId": "inspector-0",
		"description": "MyApp",
		"hasChildren": true,
		"children": [
			{"valueId": "inspector-10", "description": "Row"},
			{"valueId": "inspector-11", "description": "Text"}
		]
	}`)
	rpc.mu.Unlock()
	if err := tree.Refresh(ctx); err != nil {
		t.Fatalf("third Refresh: %v", err)
	}
	got = rowIDs(tree.VisibleNodes())
	want := []string{"inspector-0", "inspector-10", "inspector-11"}
	if len(got) != len(want) {
		t.Fatalf("rows after structural refresh = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rows after structural refresh = %v, want %v", got, want)
		}
	}
}

func TestRefreshMapsIsolateGone(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("isolates/1")
	rpc.errs[methodRootTree] = &vmlink.RPCError{Code: vmlink.CodeIsolateGone, Message: "isolate must be runnable"}
	tree := newTestTree(t, rpc)

	var stale *vmlink.StaleIsolateError
	if err := tree.Refresh(context.Background()); !errors.As(err, &stale) {
		t.Fatalf("expected StaleIsolateError, got %v", err)
	}
}

func TestRefreshWithoutIsolate(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("")
	tree := newTestTree(t, rpc)

	if err := tree.Refresh(context.Background()); !errors.Is(err, vmlink.ErrNoIsolate) {
		t.Fatalf("expected ErrNoIsolate, got %v", err)
	}
}

func TestResetClearsSnapshot(t *testing.T) {
	t.Parallel()
	rpc := newFakeCaller("isolates/1")
	rpc.results[methodRootTree] = json.RawMessage(snapshotJSON)
	tree := newTestTree(t, rpc)
	if err := tree.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	tree.Reset()
	if rows := tree.VisibleNodes(); rows != nil {
		t.Fatalf("rows after Reset = %d, want none", len(rows))
	}
	var notFound *NodeNotFoundError
	if err := tree.Expand("inspector-1"); !errors.As(err, &notFound) {
		t.Fatalf("expected NodeNotFoundError after Reset, got %v", err)
	}
}
