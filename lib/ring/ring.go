// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package ring provides a fixed-capacity ring buffer. Once full,
// each append evicts the oldest entry. The buffer counts evictions
// so readers can report how much history was lost.
package ring

import "sync"

// Buffer is a bounded ring of T, safe for concurrent use.
type Buffer[T any] struct {
	mu      sync.Mutex
	items   []T
	start   int // index of the oldest entry
	count   int
	dropped uint64
}

// New returns an empty Buffer holding at most capacity entries.
// Panics if capacity <= 0.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		panic("ring: non-positive capacity")
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Append adds v, evicting the oldest entry if the buffer is full.
func (b *Buffer[T]) Append(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.items) {
		b.items[b.start] = v
		b.start = (b.start + 1) % len(b.items)
		b.dropped++
		return
	}
	b.items[(b.start+b.count)%len(b.items)] = v
	b.count++
}

// Len returns the number of entries currently held.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Dropped returns how many entries have been evicted since creation.
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Snapshot returns a copy of the entries, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyLast(b.count)
}

// Last returns a copy of the newest n entries, oldest first. If
// fewer than n are held, all entries are returned.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.count {
		n = b.count
	}
	return b.copyLast(n)
}

// copyLast copies the newest n entries in order. Caller holds b.mu
// and guarantees n <= b.count.
func (b *Buffer[T]) copyLast(n int) []T {
	out := make([]T, n)
	first := b.start + b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.items[(first+i)%len(b.items)]
	}
	return out
}
