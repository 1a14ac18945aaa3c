// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"

	"github.com/flightdeck-dev/flightdeck/lib/ring"
)

// Source tags where a log line originated.
type Source string

const (
	// SourceApp is output captured from the supervised process.
	SourceApp Source = "app"
	// SourceDaemon is flightdeck's own commentary: spawn, exit,
	// reload outcomes.
	SourceDaemon Source = "daemon"
	// SourceProtocol is activity observed on the inspection link.
	SourceProtocol Source = "protocol"
)

// LogEntry is one stored log line.
type LogEntry struct {
	Time   time.Time
	Source Source
	Text   string
}

const (
	// DefaultLogCapacity is the per-session line cap; the oldest
	// lines are evicted first.
	DefaultLogCapacity = 2000

	// maxLineBytes bounds a single stored line. App processes dump
	// stack traces and serialized trees as single lines; past this
	// point the tail is noise that only bloats the buffer.
	maxLineBytes = 4096

	truncationMarker = " [truncated]"
)

// LogBuffer is a session's bounded log: a ring of normalized lines.
// The executor appends while the UI reads; the underlying ring
// serializes both.
type LogBuffer struct {
	buf *ring.Buffer[LogEntry]
}

// NewLogBuffer returns an empty buffer holding at most capacity
// lines. A capacity of zero or less means DefaultLogCapacity.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{buf: ring.New[LogEntry](capacity)}
}

// Append normalizes one line and stores it, evicting the oldest line
// when the buffer is full.
func (l *LogBuffer) Append(ts time.Time, source Source, text string) {
	l.buf.Append(LogEntry{Time: ts, Source: source, Text: normalizeLine(text)})
}

// normalizeLine prepares raw process output for storage: ANSI escape
// sequences stripped, carriage returns dropped, overlong lines cut at
// a rune boundary and marked.
func normalizeLine(text string) string {
	text = ansi.Strip(text)
	text = strings.ReplaceAll(text, "\r", "")
	if len(text) > maxLineBytes {
		cut := maxLineBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + truncationMarker
	}
	return text
}

// Len returns the number of stored lines.
func (l *LogBuffer) Len() int { return l.buf.Len() }

// Dropped returns how many lines eviction has discarded.
func (l *LogBuffer) Dropped() uint64 { return l.buf.Dropped() }

// Snapshot returns all stored lines, oldest first.
func (l *LogBuffer) Snapshot() []LogEntry { return l.buf.Snapshot() }

// Last returns the newest n lines, oldest first.
func (l *LogBuffer) Last(n int) []LogEntry { return l.buf.Last(n) }
