// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package inspector caches a widget-tree snapshot of an instrumented
// app, addressed through named server-side object groups.
//
// The package provides two core types. [GroupManager] tracks object
// groups: server-side bundles of remote object references that must
// be disposed as a unit to avoid leaking memory in the inspected
// process. Group handles are minted locally and recreated freely;
// disposing a stale predecessor is best effort, because the server
// reclaims orphaned groups when their isolate dies.
//
// [Tree] holds the last fetched widget-tree snapshot and a cached
// projection of its visible rows. Refresh replaces the snapshot
// wholesale; a child subtree that fails to parse is dropped with a
// warning while the rest of the snapshot survives, which matters
// during hot reload churn when the app serializes half-built trees.
// Expansion state is local and survives refreshes for node ids that
// persist across snapshots.
//
// Both types sit above the vmlink protocol client through the narrow
// [Caller] seam and inherit its error taxonomy: requests addressed to
// an isolate that died in a hot restart surface
// [*vmlink.StaleIsolateError], and the next Refresh rebinds to the
// replacement isolate.
package inspector
