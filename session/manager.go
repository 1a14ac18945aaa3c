// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flightdeck-dev/flightdeck/inspector"
	"github.com/flightdeck-dev/flightdeck/lib/clock"
	"github.com/flightdeck-dev/flightdeck/tasks"
	"github.com/flightdeck-dev/flightdeck/vmlink"
)

// DefaultMaxSessions caps how many sessions the manager retains
// before it starts evicting stopped ones.
const DefaultMaxSessions = 12

// DeviceBusyError reports a launch aimed at a device that already has
// an active session. It is a state fault in the caller, never fatal:
// log it and carry on.
type DeviceBusyError struct {
	DeviceID  string
	SessionID string
}

func (e *DeviceBusyError) Error() string {
	return fmt.Sprintf("session: device %s busy with active session %s",
		e.DeviceID, e.SessionID)
}

// Options configures a Manager.
type Options struct {
	// MaxSessions caps retained sessions. Zero means the default
	// of 12.
	MaxSessions int

	// LogCapacity is the per-session log line cap. Zero means the
	// default of 2000.
	LogCapacity int

	// StopGrace is forwarded to each session's task supervisor.
	StopGrace time.Duration

	// Notify, when set, receives messages produced outside the
	// update path, such as task exit notifications. It must be safe
	// to call from any goroutine and must not block.
	Notify func(Msg)

	// NewID overrides session id generation. Defaults to random
	// UUIDs.
	NewID func() string
}

// Manager owns every session and the selection cursor. All mutation
// goes through Update, one message at a time; queries return value
// copies and are safe from any goroutine.
type Manager struct {
	clock     clock.Clock
	logger    *slog.Logger
	maxCount  int
	logCap    int
	stopGrace time.Duration
	notify    func(Msg)
	newID     func() string

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	selected string
}

// NewManager returns an empty Manager.
func NewManager(clk clock.Clock, logger *slog.Logger, opts Options) *Manager {
	maxCount := opts.MaxSessions
	if maxCount <= 0 {
		maxCount = DefaultMaxSessions
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Manager{
		clock:     clk,
		logger:    logger,
		maxCount:  maxCount,
		logCap:    opts.LogCapacity,
		stopGrace: opts.StopGrace,
		notify:    opts.Notify,
		newID:     newID,
		sessions:  make(map[string]*Session),
	}
}

// Len returns the number of retained sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns a copy of the session with the given id.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SelectedID returns the selection cursor, empty when no sessions
// exist.
func (m *Manager) SelectedID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Selected returns a copy of the selected session.
func (m *Manager) Selected() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.selected]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions in creation order.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.sessions[id])
	}
	return out
}

// ActiveOnDevice returns the id of the active session on the given
// device, if any.
func (m *Manager) ActiveOnDevice(deviceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.activeOnDeviceLocked(deviceID); s != nil {
		return s.ID, true
	}
	return "", false
}

// CheckDevice reports whether a launch on the given device would be
// accepted. A device with only stopped sessions is free; one active
// session claims it.
func (m *Manager) CheckDevice(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.activeOnDeviceLocked(deviceID); s != nil {
		return &DeviceBusyError{DeviceID: deviceID, SessionID: s.ID}
	}
	return nil
}

func (m *Manager) activeOnDeviceLocked(deviceID string) *Session {
	for _, id := range m.order {
		s := m.sessions[id]
		if s.DeviceID == deviceID && s.Phase.Active() {
			return s
		}
	}
	return nil
}

// newSessionLocked builds and registers a session for the given
// launch. The new session takes the selection cursor.
func (m *Manager) newSessionLocked(launch LaunchRequested) *Session {
	id := m.newID()
	sup := tasks.New(m.clock, m.logger.With("session", id), tasks.Options{
		StopGrace: m.stopGrace,
		OnExit: func(kind tasks.Kind, err error) {
			m.post(TaskExited{SessionID: id, Kind: kind, Err: err})
		},
	})
	target := launch.Launch.Target
	if target == "" {
		target = launch.Launch.ProjectDir
	}
	s := &Session{
		ID:        id,
		DeviceID:  launch.Launch.DeviceID,
		Target:    target,
		Launch:    launch.Launch,
		Phase:     Initializing,
		CreatedAt: launch.Time,
		Log:       NewLogBuffer(m.logCap),
		Tasks:     sup,
	}
	m.sessions[id] = s
	m.order = append(m.order, id)
	m.selected = id
	return s
}

// post hands a message to the executor's queue, when one is wired.
func (m *Manager) post(msg Msg) {
	if m.notify != nil {
		m.notify(msg)
	}
}

// BindLink attaches the protocol collaborators the executor built for
// a resolved service URI. Binding a removed session is a no-op.
func (m *Manager) BindLink(id string, link *vmlink.Client, tree *inspector.Tree, groups *inspector.GroupManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.Link = link
	s.Tree = tree
	s.Groups = groups
}

// removeLocked drops a session and repairs the selection cursor: the
// cursor stays valid or goes empty, moving to the nearest remaining
// entry by creation order.
func (m *Manager) removeLocked(id string) {
	if _, ok := m.sessions[id]; !ok {
		return
	}
	idx := slices.Index(m.order, id)
	delete(m.sessions, id)
	m.order = slices.Delete(m.order, idx, idx+1)

	if m.selected != id {
		return
	}
	if len(m.order) == 0 {
		m.selected = ""
		return
	}
	if idx >= len(m.order) {
		idx = len(m.order) - 1
	}
	m.selected = m.order[idx]
}

// evictLocked enforces the session cap: while over it, the oldest
// stopped sessions are removed. Active sessions are never evicted,
// so an all-active manager may exceed the cap.
func (m *Manager) evictLocked(at time.Time) []Effect {
	victims := evictionVictims(m.listLocked(), m.maxCount)
	var effects []Effect
	for _, id := range victims {
		s := m.sessions[id]
		m.logger.Info("evicting stopped session",
			"session", id, "device", s.DeviceID, "created", s.CreatedAt)
		m.removeLocked(id)
		effects = append(effects, AppendJournal{Record: JournalRecord{
			SessionID: s.ID,
			DeviceID:  s.DeviceID,
			From:      s.Phase.String(),
			To:        "evicted",
			Reason:    "session cap exceeded",
			Time:      at,
		}})
	}
	return effects
}

func (m *Manager) listLocked() []*Session {
	out := make([]*Session, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.sessions[id])
	}
	return out
}

// evictionVictims picks which sessions to evict to bring the count
// back under max: stopped sessions only, oldest created first, ids
// breaking timestamp ties. Pure and independent of input order.
func evictionVictims(sessions []*Session, max int) []string {
	if max <= 0 || len(sessions) <= max {
		return nil
	}
	stopped := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if s.Phase == Stopped {
			stopped = append(stopped, s)
		}
	}
	slices.SortFunc(stopped, func(a, b *Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	excess := len(sessions) - max
	if excess > len(stopped) {
		excess = len(stopped)
	}
	victims := make([]string, 0, excess)
	for _, s := range stopped[:excess] {
		victims = append(victims, s.ID)
	}
	return victims
}
