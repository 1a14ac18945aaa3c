// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/flightdeck-dev/flightdeck/lib/codec"
)

// JournalRecord is one lifecycle event, appended on every phase
// transition plus session birth, removal, and eviction. From and To
// are phase names, with "" for birth and "removed"/"evicted" for the
// ways a session leaves the manager.
type JournalRecord struct {
	SessionID string    `cbor:"session_id"`
	DeviceID  string    `cbor:"device_id"`
	From      string    `cbor:"from"`
	To        string    `cbor:"to"`
	Reason    string    `cbor:"reason"`
	Time      time.Time `cbor:"time"`
}

// Journal is the append-only on-disk lifecycle log, one CBOR record
// per event. It exists for post-mortems: when a multi-session
// shutdown goes wrong, the journal gives the exact order things
// happened in. Write failures are reported to the caller, which logs
// and carries on; a broken journal never affects a transition.
type Journal struct {
	mu  sync.Mutex
	f   *os.File
	enc *codec.Encoder
}

// OpenJournal opens or creates the journal at path for appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("session: opening journal: %w", err)
	}
	return &Journal{f: f, enc: codec.NewEncoder(f)}, nil
}

// Append writes one record.
func (j *Journal) Append(rec JournalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return errors.New("session: journal closed")
	}
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("session: appending journal record: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	j.enc = nil
	if err != nil {
		return fmt.Errorf("session: closing journal: %w", err)
	}
	return nil
}

// ReadJournal decodes every record in the journal at path, in write
// order.
func ReadJournal(path string) ([]JournalRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("session: opening journal: %w", err)
	}
	defer f.Close()

	var records []JournalRecord
	dec := codec.NewDecoder(f)
	for {
		var rec JournalRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("session: reading journal: %w", err)
		}
		records = append(records, rec)
	}
}
