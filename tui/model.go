// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/flightdeck-dev/flightdeck/inspector"
	"github.com/flightdeck-dev/flightdeck/session"
)

// FocusRegion identifies which pane has keyboard focus.
type FocusRegion int

const (
	// FocusSessions means navigation keys move the session list
	// cursor.
	FocusSessions FocusRegion = iota
	// FocusTree means navigation keys move the widget-tree cursor
	// and h/l collapse/expand the row under it.
	FocusTree
	// FocusLog means navigation keys scroll the log viewport.
	FocusLog
)

// Session pane width bounds. The pane takes a third of the terminal
// between these.
const (
	sessionsPaneMinWidth = 24
	sessionsPaneMaxWidth = 44
)

// stateChangedMsg signals that session state changed and the model
// should take a fresh snapshot from the source.
type stateChangedMsg struct{}

// clockTickMsg drives the once-a-second uptime refresh in the session
// list. Ticks are scheduled only while at least one session is active.
type clockTickMsg struct{}

// Model is the bubbletea model for the flightdeck TUI. It holds no
// authoritative state: everything it renders comes from Source
// snapshots, and every user intent is dispatched back through the
// source as a message. The only state owned here is presentation
// state (focus, cursors, scroll positions).
type Model struct {
	source Source
	theme  Theme
	keys   KeyMap

	// Snapshot state, refreshed on every stateChangedMsg.
	sessions   []session.Session
	selectedID string
	treeRows   []inspector.Row

	width  int
	height int
	ready  bool

	focusRegion FocusRegion

	treeCursor int
	treeScroll int

	logView viewport.Model
	// follow keeps the log viewport pinned to the newest output.
	// Scrolling up breaks follow; G restores it.
	follow bool

	eventChannel <-chan struct{}
	tickRunning  bool

	// spinner marks sessions in transitional phases. Like the uptime
	// tick it runs only while one exists.
	spinner        spinner.Model
	spinnerRunning bool
}

// NewModel creates the TUI model and takes the initial snapshot.
func NewModel(source Source) Model {
	model := Model{
		source:       source,
		theme:        DefaultTheme,
		keys:         DefaultKeyMap,
		follow:       true,
		eventChannel: source.Subscribe(),
		spinner:      spinner.New(spinner.WithSpinner(spinner.MiniDot)),
	}
	model.refreshFromSource()
	return model
}

// Init implements tea.Model. Starts listening for state changes if the
// event channel is available (set up in NewModel). The uptime tick
// starts with the first state change that shows an active session.
func (model Model) Init() tea.Cmd {
	if model.eventChannel == nil {
		return nil
	}
	return listenForStateChange(model.eventChannel)
}

// listenForStateChange returns a tea.Cmd that blocks until the source
// signals a state change, then delivers it as a stateChangedMsg.
func listenForStateChange(channel <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		_, ok := <-channel
		if !ok {
			return nil
		}
		return stateChangedMsg{}
	}
}

// scheduleClockTick returns a command that delivers a clockTickMsg
// after one second.
func scheduleClockTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return clockTickMsg{}
	})
}

// Update implements tea.Model. Routes keyboard events based on the
// current focus region and handles layout changes.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.KeyMsg:
		return model.handleKey(message)

	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.ready = true
		model.updatePaneSizes()
		model.syncLogView()

	case stateChangedMsg:
		return model.handleStateChanged()

	case clockTickMsg:
		return model.handleClockTick()

	case spinner.TickMsg:
		return model.handleSpinnerTick(message)
	}
	return model, nil
}

// handleKey routes a key press. Session control keys work from any
// focus region; navigation keys act on the focused pane.
func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, model.keys.Quit):
		model.source.Dispatch(session.QuitRequested{Time: time.Now()})
		return model, tea.Quit

	case key.Matches(message, model.keys.FocusNext):
		model.cycleFocus()

	case key.Matches(message, model.keys.Up):
		model.moveCursor(-1)

	case key.Matches(message, model.keys.Down):
		model.moveCursor(1)

	case key.Matches(message, model.keys.PageUp):
		model.movePage(-1)

	case key.Matches(message, model.keys.PageDown):
		model.movePage(1)

	case key.Matches(message, model.keys.Home):
		model.moveHome()

	case key.Matches(message, model.keys.End):
		model.moveEnd()

	case key.Matches(message, model.keys.Expand):
		model.toggleTreeRow(expandRow)

	case key.Matches(message, model.keys.Collapse):
		model.toggleTreeRow(collapseRow)

	case key.Matches(message, model.keys.Toggle):
		model.toggleTreeRow(flipRow)

	case key.Matches(message, model.keys.Reload):
		if id := model.selectedID; id != "" {
			model.source.Dispatch(session.ReloadRequested{SessionID: id, Time: time.Now()})
		}

	case key.Matches(message, model.keys.Restart):
		if id := model.selectedID; id != "" {
			model.source.Dispatch(session.RestartRequested{SessionID: id, Time: time.Now()})
		}

	case key.Matches(message, model.keys.Stop):
		if id := model.selectedID; id != "" {
			model.source.Dispatch(session.StopRequested{SessionID: id, Time: time.Now()})
		}

	case key.Matches(message, model.keys.Close):
		if id := model.selectedID; id != "" {
			model.source.Dispatch(session.CloseRequested{SessionID: id, Time: time.Now()})
		}

	case key.Matches(message, model.keys.Export):
		if id := model.selectedID; id != "" {
			model.source.Dispatch(session.ExportLogsRequested{SessionID: id})
		}
	}
	return model, nil
}

// cycleFocus advances focus Sessions -> Tree -> Log -> Sessions,
// skipping the tree pane while it has no rows to act on.
func (model *Model) cycleFocus() {
	switch model.focusRegion {
	case FocusSessions:
		if len(model.treeRows) > 0 {
			model.focusRegion = FocusTree
		} else {
			model.focusRegion = FocusLog
		}
	case FocusTree:
		model.focusRegion = FocusLog
	default:
		model.focusRegion = FocusSessions
	}
}

// moveCursor moves the focused pane's cursor by delta rows.
func (model *Model) moveCursor(delta int) {
	switch model.focusRegion {
	case FocusSessions:
		model.selectNeighbor(delta)
	case FocusTree:
		model.treeCursor += delta
		model.clampTreeCursor()
		model.ensureTreeCursorVisible()
	case FocusLog:
		if delta < 0 {
			model.logView.LineUp(1)
			model.follow = false
		} else {
			model.logView.LineDown(1)
			if model.logView.AtBottom() {
				model.follow = true
			}
		}
	}
}

// movePage moves the focused pane by roughly half a screen.
func (model *Model) movePage(direction int) {
	switch model.focusRegion {
	case FocusTree:
		model.treeCursor += direction * model.treeBodyHeight()
		model.clampTreeCursor()
		model.ensureTreeCursorVisible()
	case FocusLog:
		if direction < 0 {
			model.logView.HalfViewUp()
			model.follow = false
		} else {
			model.logView.HalfViewDown()
			if model.logView.AtBottom() {
				model.follow = true
			}
		}
	}
}

// moveHome jumps the focused pane to its start.
func (model *Model) moveHome() {
	switch model.focusRegion {
	case FocusSessions:
		if len(model.sessions) > 0 {
			model.selectSession(model.sessions[0].ID)
		}
	case FocusTree:
		model.treeCursor = 0
		model.ensureTreeCursorVisible()
	case FocusLog:
		model.logView.GotoTop()
		model.follow = false
	}
}

// moveEnd jumps the focused pane to its end. In the log pane this
// restores follow mode.
func (model *Model) moveEnd() {
	switch model.focusRegion {
	case FocusSessions:
		if len(model.sessions) > 0 {
			model.selectSession(model.sessions[len(model.sessions)-1].ID)
		}
	case FocusTree:
		model.treeCursor = len(model.treeRows) - 1
		model.clampTreeCursor()
		model.ensureTreeCursorVisible()
	case FocusLog:
		model.logView.GotoBottom()
		model.follow = true
	}
}

// rowToggle says what a tree key press does to the row under the
// cursor.
type rowToggle int

const (
	expandRow rowToggle = iota
	collapseRow
	flipRow
)

// toggleTreeRow dispatches an expand or collapse for the tree row
// under the cursor. Expanding an expanded row (and vice versa) is
// harmless; the cache treats it as a no-op.
func (model *Model) toggleTreeRow(action rowToggle) {
	if model.focusRegion != FocusTree {
		return
	}
	if model.treeCursor < 0 || model.treeCursor >= len(model.treeRows) {
		return
	}
	row := model.treeRows[model.treeCursor]
	expand := true
	switch action {
	case collapseRow:
		expand = false
	case flipRow:
		expand = !row.Expanded
	}
	model.source.Dispatch(session.TreeRowToggled{
		SessionID: model.selectedID,
		NodeID:    row.Node.ID,
		Expand:    expand,
	})
}

// selectNeighbor moves the session selection up or down the list.
func (model *Model) selectNeighbor(delta int) {
	if len(model.sessions) == 0 {
		return
	}
	index := model.selectedIndex()
	if index < 0 {
		index = 0
	} else {
		index += delta
	}
	if index < 0 {
		index = 0
	}
	if index >= len(model.sessions) {
		index = len(model.sessions) - 1
	}
	model.selectSession(model.sessions[index].ID)
}

// selectSession dispatches a selection change and applies it locally
// so the UI moves before the round trip completes. The authoritative
// cursor still comes back with the next state change.
func (model *Model) selectSession(id string) {
	if id == model.selectedID {
		return
	}
	model.source.Dispatch(session.SelectSession{SessionID: id})
	model.selectedID = id
	model.treeRows = model.source.TreeRows(id)
	model.treeCursor = 0
	model.treeScroll = 0
	model.follow = true
	model.syncLogView()
}

// selectedIndex returns the position of the selected session in the
// snapshot, or -1.
func (model Model) selectedIndex() int {
	for index, s := range model.sessions {
		if s.ID == model.selectedID {
			return index
		}
	}
	return -1
}

// selectedSession returns the selected session from the snapshot.
func (model Model) selectedSession() (session.Session, bool) {
	index := model.selectedIndex()
	if index < 0 {
		return session.Session{}, false
	}
	return model.sessions[index], true
}

// anyActive reports whether any snapshot session is still active.
func (model Model) anyActive() bool {
	for _, s := range model.sessions {
		if s.Phase.Active() {
			return true
		}
	}
	return false
}

// phaseTransitional reports whether the spinner marks this phase.
func phaseTransitional(p session.Phase) bool {
	return p == session.Initializing || p == session.Reloading
}

// anyTransitional reports whether any session is spinning up or mid
// reload.
func (model Model) anyTransitional() bool {
	for _, s := range model.sessions {
		if phaseTransitional(s.Phase) {
			return true
		}
	}
	return false
}

// handleStateChanged refreshes the snapshot and re-arms the listener.
// The uptime tick and the spinner start whenever sessions in the
// matching phases appear.
func (model Model) handleStateChanged() (tea.Model, tea.Cmd) {
	model.refreshFromSource()

	commands := []tea.Cmd{listenForStateChange(model.eventChannel)}
	if !model.tickRunning && model.anyActive() {
		model.tickRunning = true
		commands = append(commands, scheduleClockTick())
	}
	if !model.spinnerRunning && model.anyTransitional() {
		model.spinnerRunning = true
		commands = append(commands, model.spinner.Tick)
	}
	return model, tea.Batch(commands...)
}

// handleClockTick re-renders for the uptime column and schedules the
// next tick while any session is active.
func (model Model) handleClockTick() (tea.Model, tea.Cmd) {
	if model.anyActive() {
		return model, scheduleClockTick()
	}
	model.tickRunning = false
	return model, nil
}

// handleSpinnerTick advances the spinner while transitional sessions
// remain and lets it lapse otherwise.
func (model Model) handleSpinnerTick(message spinner.TickMsg) (tea.Model, tea.Cmd) {
	if !model.anyTransitional() {
		model.spinnerRunning = false
		return model, nil
	}
	var command tea.Cmd
	model.spinner, command = model.spinner.Update(message)
	return model, command
}

// refreshFromSource replaces the rendered snapshot with a fresh one.
func (model *Model) refreshFromSource() {
	snapshot := model.source.Snapshot()
	model.sessions = snapshot.Sessions
	model.selectedID = snapshot.SelectedID

	model.treeRows = nil
	if model.selectedID != "" {
		model.treeRows = model.source.TreeRows(model.selectedID)
	}
	model.clampTreeCursor()
	model.ensureTreeCursorVisible()
	if model.focusRegion == FocusTree && len(model.treeRows) == 0 {
		model.focusRegion = FocusSessions
	}
	model.syncLogView()
}

// clampTreeCursor keeps the tree cursor inside the row slice after a
// refresh shrinks it.
func (model *Model) clampTreeCursor() {
	if model.treeCursor >= len(model.treeRows) {
		model.treeCursor = len(model.treeRows) - 1
	}
	if model.treeCursor < 0 {
		model.treeCursor = 0
	}
}

// ensureTreeCursorVisible adjusts treeScroll so the cursor is within
// the visible window.
func (model *Model) ensureTreeCursorVisible() {
	visible := model.treeBodyHeight()
	if visible <= 0 {
		return
	}
	maxScroll := len(model.treeRows) - visible
	if maxScroll < 0 {
		maxScroll = 0
	}
	if model.treeScroll > maxScroll {
		model.treeScroll = maxScroll
	}
	if model.treeCursor < model.treeScroll {
		model.treeScroll = model.treeCursor
	}
	if model.treeCursor >= model.treeScroll+visible {
		model.treeScroll = model.treeCursor - visible + 1
	}
}

// syncLogView re-renders the log viewport from the selected session's
// buffer, keeping the bottom pinned while follow mode is on.
func (model *Model) syncLogView() {
	selected, ok := model.selectedSession()
	if !ok || selected.Log == nil {
		model.logView.SetContent("")
		return
	}
	model.logView.SetContent(model.renderLogContent(selected))
	if model.follow {
		model.logView.GotoBottom()
	}
}

// updatePaneSizes recomputes pane dimensions after a terminal resize.
func (model *Model) updatePaneSizes() {
	model.logView.Width = model.rightWidth()
	model.logView.Height = model.logBodyHeight()
	model.ensureTreeCursorVisible()
}

// sessionsWidth returns the width of the session list pane in columns.
func (model Model) sessionsWidth() int {
	width := model.width / 3
	if width < sessionsPaneMinWidth {
		width = sessionsPaneMinWidth
	}
	if width > sessionsPaneMaxWidth {
		width = sessionsPaneMaxWidth
	}
	return width
}

// rightWidth returns the width of the tree and log panes: everything
// right of the session list and its divider column.
func (model Model) rightWidth() int {
	width := model.width - model.sessionsWidth() - 1
	if width < 0 {
		width = 0
	}
	return width
}

// contentHeight returns the rows available to the panes between the
// header and the bottom chrome (separator, status line, help bar).
func (model Model) contentHeight() int {
	height := model.height - 4
	if height < 0 {
		height = 0
	}
	return height
}

// treePaneHeight returns the total height of the tree pane including
// its title line. The tree takes two fifths of the content area and
// disappears entirely on very short terminals.
func (model Model) treePaneHeight() int {
	content := model.contentHeight()
	if content < 8 {
		return 0
	}
	return content * 2 / 5
}

// treeBodyHeight returns the tree rows that fit under the pane title.
func (model Model) treeBodyHeight() int {
	height := model.treePaneHeight() - 1
	if height < 0 {
		height = 0
	}
	return height
}

// logBodyHeight returns the log lines that fit under the pane title.
func (model Model) logBodyHeight() int {
	height := model.contentHeight() - model.treePaneHeight() - 1
	if height < 0 {
		height = 0
	}
	return height
}
