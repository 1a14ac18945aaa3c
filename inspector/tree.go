// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// treeGroupName is the logical object group the tree snapshot is
// fetched into. Every refresh recreates it, disposing the previous
// snapshot's remote references.
const treeGroupName = "widget-tree"

// Node is one widget in the cached tree snapshot.
type Node struct {
	ID          string
	Description string
	WidgetType  string
	Location    string
	Expandable  bool
	Children    []*Node
}

// Row is one line of the visible projection: a node, its indentation
// depth, and whether its children are shown.
type Row struct {
	Node     *Node
	Depth    int
	Expanded bool
}

// NodeNotFoundError reports an expand or collapse addressed to a node
// id absent from the current snapshot, typically one cached from
// before a refresh.
type NodeNotFoundError struct {
	ID string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("inspector: no node %s in current snapshot", e.ID)
}

// wireNode is the serialized form of a tree node in a fetch result.
// Children stay raw so one malformed subtree cannot sink its parent.
type wireNode struct {
	ValueID     string            `json:"valueId"`
	Description string            `json:"description"`
	WidgetType  string            `json:"widgetRuntimeType"`
	Location    *wireLocation     `json:"creationLocation"`
	HasChildren bool              `json:"hasChildren"`
	Children    []json.RawMessage `json:"children"`
}

type wireLocation struct {
	File string `json:"file"`
	Line int    `json:"line"`
}

// Tree caches the widget-tree snapshot of one session.
type Tree struct {
	rpc    Caller
	groups *GroupManager
	logger *slog.Logger

	mu       sync.Mutex
	root     *Node
	index    map[string]*Node
	expanded map[string]bool
	visible  []Row
}

// NewTree returns a Tree with no snapshot.
func NewTree(rpc Caller, groups *GroupManager, logger *slog.Logger) *Tree {
	return &Tree{
		rpc:      rpc,
		groups:   groups,
		logger:   logger,
		index:    make(map[string]*Node),
		expanded: make(map[string]bool),
	}
}

// Refresh fetches a full snapshot and replaces the previous one.
// Expansion state carries over for node ids present in both
// snapshots; when none survive, the new root starts expanded.
func (t *Tree) Refresh(ctx context.Context) error {
	isolate, err := t.rpc.MainIsolate()
	if err != nil {
		return fmt.Errorf("inspector: refreshing tree: %w", err)
	}
	group := t.groups.CreateGroup(ctx, treeGroupName)
	raw, err := t.rpc.Call(ctx, methodRootTree, fetchParams{
		GroupName: group,
		IsolateID: isolate,
	})
	if err != nil {
		return staleFromCode(err, isolate)
	}
	root, err := t.parseNode(raw)
	if err != nil {
		return fmt.Errorf("inspector: parsing tree root: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = root
	t.index = make(map[string]*Node)
	indexNodes(t.index, root)
	for id := range t.expanded {
		if _, ok := t.index[id]; !ok {
			delete(t.expanded, id)
		}
	}
	if len(t.expanded) == 0 {
		t.expanded[root.ID] = true
	}
	t.visible = nil
	return nil
}

// parseNode decodes one subtree. A child that fails to decode is
// dropped with a warning and the parent keeps its other children;
// around hot reloads the app serializes half-built trees, and a
// partial snapshot beats none.
func (t *Tree) parseNode(raw json.RawMessage) (*Node, error) {
	var wire wireNode
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	if wire.ValueID == "" {
		return nil, fmt.Errorf("node missing valueId")
	}
	node := &Node{
		ID:          wire.ValueID,
		Description: wire.Description,
		WidgetType:  wire.WidgetType,
	}
	if wire.Location != nil {
		node.Location = fmt.Sprintf("%s:%d", wire.Location.File, wire.Location.Line)
	}
	for _, rawChild := range wire.Children {
		child, err := t.parseNode(rawChild)
		if err != nil {
			t.logger.Warn("dropping unparseable tree child",
				"parent", node.ID, "error", err)
			continue
		}
		node.Children = append(node.Children, child)
	}
	node.Expandable = wire.HasChildren || len(node.Children) > 0
	return node, nil
}

func indexNodes(index map[string]*Node, node *Node) {
	index[node.ID] = node
	for _, child := range node.Children {
		indexNodes(index, child)
	}
}

// Expand shows the children of the node with the given id.
func (t *Tree) Expand(id string) error {
	return t.setExpanded(id, true)
}

// Collapse hides the children of the node with the given id.
func (t *Tree) Collapse(id string) error {
	return t.setExpanded(id, false)
}

func (t *Tree) setExpanded(id string, want bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[id]; !ok {
		return &NodeNotFoundError{ID: id}
	}
	if t.expanded[id] == want {
		return nil
	}
	if want {
		t.expanded[id] = true
	} else {
		delete(t.expanded, id)
	}
	t.visible = nil
	return nil
}

// VisibleNodes returns the depth-first projection of visible rows:
// every node whose ancestors are all expanded. The projection is
// computed once and reused until the next mutation, so render loops
// can call it every frame.
func (t *Tree) VisibleNodes() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return nil
	}
	if t.visible != nil {
		return t.visible
	}

	rows := make([]Row, 0, len(t.index))
	var walk func(node *Node, depth int)
	walk = func(node *Node, depth int) {
		expanded := t.expanded[node.ID]
		rows = append(rows, Row{Node: node, Depth: depth, Expanded: expanded})
		if !expanded {
			return
		}
		for _, child := range node.Children {
			walk(child, depth+1)
		}
	}
	walk(t.root, 0)
	t.visible = rows
	return t.visible
}

// Reset drops the snapshot, projection, and expansion state. Called
// when the session leaves its running phase and the snapshot no
// longer describes anything alive.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = nil
	t.index = make(map[string]*Node)
	t.expanded = make(map[string]bool)
	t.visible = nil
}
