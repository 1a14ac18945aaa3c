// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package logexport

import (
	"os"
	"strings"
	"testing"
	"time"
)

func sampleEntries() []Entry {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []Entry{
		{Time: base, Source: "daemon", Text: "session launched on pixel-7"},
		{Time: base.Add(time.Second), Source: "app", Text: "Flutter run key commands."},
		{Time: base.Add(2 * time.Second), Source: "protocol", Text: "connected to ws://127.0.0.1:50301/ws"},
		{Time: base.Add(90 * time.Second), Source: "daemon", Text: "process exited: exit status 0"},
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)

	result, err := Write(dir, "4f1c9a", at, sampleEntries())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if result.Lines != 4 {
		t.Fatalf("result.Lines = %d, want 4", result.Lines)
	}
	if !strings.HasSuffix(result.Path, ".ndjson.zst") {
		t.Fatalf("result.Path = %q, want .ndjson.zst suffix", result.Path)
	}
	if len(result.Digest) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(result.Digest))
	}

	entries, err := Read(result.Path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("read %d entries, want 4", len(entries))
	}
	if entries[1].Source != "app" || entries[1].Text != "Flutter run key commands." {
		t.Fatalf("entries[1] = %+v", entries[1])
	}
	if !entries[3].Time.Equal(sampleEntries()[3].Time) {
		t.Fatalf("entries[3].Time = %v, want %v", entries[3].Time, sampleEntries()[3].Time)
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 2, 0, 0, time.UTC)

	result, err := Write(dir, "4f1c9a", at, sampleEntries())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := Verify(result.Path); err != nil {
		t.Fatalf("Verify on a fresh archive: %v", err)
	}

	// Rewrite the archive with different content but keep the
	// manifest: Verify must notice.
	tampered, err := Write(dir, "other", at.Add(time.Hour), sampleEntries()[:1])
	if err != nil {
		t.Fatalf("Write tampered: %v", err)
	}
	if err := os.Rename(tampered.Path, result.Path); err != nil {
		t.Fatal(err)
	}
	if err := Verify(result.Path); err == nil {
		t.Fatal("Verify accepted a swapped archive")
	}
}

func TestWriteEmptySession(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	result, err := Write(dir, "empty", time.Now(), nil)
	if err != nil {
		t.Fatalf("Write with no entries: %v", err)
	}
	entries, err := Read(result.Path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("read %d entries from empty archive, want 0", len(entries))
	}
	if err := Verify(result.Path); err != nil {
		t.Fatalf("Verify empty archive: %v", err)
	}
}
