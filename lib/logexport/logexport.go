// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package logexport writes session log archives. An archive is the
// session's log lines as zstd-compressed NDJSON, with a JSON sidecar
// manifest carrying the BLAKE3 digest of the uncompressed stream so
// an archive can be verified after copying between machines.
package logexport

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Entry is one exported log line.
type Entry struct {
	Time   time.Time `json:"time"`
	Source string    `json:"source"`
	Text   string    `json:"text"`
}

// Manifest is the sidecar written next to each archive.
type Manifest struct {
	Session string    `json:"session"`
	Created time.Time `json:"created"`
	Lines   int       `json:"lines"`
	// Digest is the hex BLAKE3 digest of the uncompressed NDJSON
	// stream.
	Digest string `json:"digest"`
}

// Result describes a completed export.
type Result struct {
	Path         string
	ManifestPath string
	Lines        int
	Digest       string
}

// Write exports entries for the given session into dir. The archive
// lands as <session>-<timestamp>.ndjson.zst via a temp file rename,
// so readers never observe a partial archive.
func Write(dir, sessionID string, at time.Time, entries []Entry) (*Result, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logexport: creating %s: %w", dir, err)
	}

	base := fmt.Sprintf("%s-%s.ndjson.zst", sessionID, at.UTC().Format("20060102-150405"))
	path := filepath.Join(dir, base)

	tmp, err := os.CreateTemp(dir, ".export-*")
	if err != nil {
		return nil, fmt.Errorf("logexport: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("logexport: zstd writer: %w", err)
	}

	hasher := blake3.New()
	enc := json.NewEncoder(io.MultiWriter(zw, hasher))
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			zw.Close()
			tmp.Close()
			return nil, fmt.Errorf("logexport: encoding line: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("logexport: flushing archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("logexport: closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("logexport: placing %s: %w", path, err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	manifest := Manifest{
		Session: sessionID,
		Created: at.UTC(),
		Lines:   len(entries),
		Digest:  digest,
	}
	manifestPath := path + ".manifest.json"
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("logexport: encoding manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, manifestData, 0644); err != nil {
		return nil, fmt.Errorf("logexport: writing manifest: %w", err)
	}

	return &Result{
		Path:         path,
		ManifestPath: manifestPath,
		Lines:        len(entries),
		Digest:       digest,
	}, nil
}

// Read loads an archive back into entries, verifying nothing; use
// Verify for integrity checks.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("logexport: zstd reader: %w", err)
	}
	defer zr.Close()

	var entries []Entry
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("logexport: decoding line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("logexport: reading %s: %w", path, err)
	}
	return entries, nil
}

// Verify recomputes the archive's digest and compares it with the
// manifest.
func Verify(path string) error {
	manifestData, err := os.ReadFile(path + ".manifest.json")
	if err != nil {
		return fmt.Errorf("logexport: reading manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return fmt.Errorf("logexport: parsing manifest: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("logexport: zstd reader: %w", err)
	}
	defer zr.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, zr); err != nil {
		return fmt.Errorf("logexport: hashing %s: %w", path, err)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))
	if digest != manifest.Digest {
		return fmt.Errorf("logexport: digest mismatch for %s: archive %s, manifest %s",
			path, digest, manifest.Digest)
	}
	return nil
}
