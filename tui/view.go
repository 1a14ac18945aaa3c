// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/flightdeck-dev/flightdeck/inspector"
	"github.com/flightdeck-dev/flightdeck/session"
)

// wrapBreakpoints are the characters ansi.Wrap may break a long log
// line on, beyond plain spaces.
const wrapBreakpoints = " ,.;-+|"

// View implements tea.Model. Renders the full TUI frame: header,
// session list beside the tree and log panes, then the status and
// help lines.
func (model Model) View() string {
	if !model.ready {
		return "Loading..."
	}

	if len(model.sessions) == 0 {
		return model.renderEmpty()
	}

	var sections []string
	sections = append(sections, model.renderHeader())

	sessionsView := model.renderSessionsPane()
	divider := model.renderDivider()
	rightColumn := model.renderRightColumn()
	contentArea := lipgloss.JoinHorizontal(lipgloss.Top, sessionsView, divider, rightColumn)
	sections = append(sections, contentArea)

	separator := lipgloss.NewStyle().
		Foreground(model.theme.BorderColor).
		Render(strings.Repeat("─", model.width))
	sections = append(sections, separator)

	sections = append(sections, model.renderStatus())
	sections = append(sections, model.renderHelp())

	return strings.Join(sections, "\n")
}

// renderEmpty renders the no-sessions placeholder screen.
func (model Model) renderEmpty() string {
	message := lipgloss.NewStyle().
		Foreground(model.theme.FaintText).
		Render("no sessions · launch one with: flightdeck --project <dir>")
	return lipgloss.Place(model.width, model.height, lipgloss.Center, lipgloss.Center, message)
}

// renderHeader renders the top line: program title on the left, the
// session tally on the right.
func (model Model) renderHeader() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(model.theme.HeaderForeground).
		Render(" flightdeck ")

	active := 0
	for _, s := range model.sessions {
		if s.Phase.Active() {
			active++
		}
	}
	summary := lipgloss.NewStyle().
		Foreground(model.theme.FaintText).
		Render(fmt.Sprintf("%d sessions, %d active ", len(model.sessions), active))

	padding := model.width - lipgloss.Width(title) - lipgloss.Width(summary)
	if padding < 0 {
		padding = 0
	}
	return title + strings.Repeat(" ", padding) + summary
}

// renderPaneTitle renders one pane's title line, highlighted when the
// pane has focus.
func (model Model) renderPaneTitle(name string, region FocusRegion, width int) string {
	color := model.theme.PaneTitle
	marker := " "
	if model.focusRegion == region {
		color = model.theme.PaneTitleFocused
		marker = "▎"
	}
	title := marker + name
	return lipgloss.NewStyle().
		Foreground(color).
		Width(width).
		MaxWidth(width).
		Render(ansi.Truncate(title, width, "…"))
}

// renderSessionsPane renders the session list with the selection
// highlighted.
func (model Model) renderSessionsPane() string {
	paneWidth := model.sessionsWidth()
	bodyHeight := model.contentHeight() - 1

	lines := []string{model.renderPaneTitle("sessions", FocusSessions, paneWidth)}

	now := time.Now()
	scroll := model.sessionScroll(bodyHeight)
	for index := scroll; index < len(model.sessions) && index < scroll+bodyHeight; index++ {
		s := model.sessions[index]
		lines = append(lines, model.renderSessionRow(s, s.ID == model.selectedID, paneWidth, now))
	}

	return lipgloss.NewStyle().
		Width(paneWidth).
		Height(model.contentHeight()).
		Render(strings.Join(lines, "\n"))
}

// renderSessionRow renders one session list entry: name on the left,
// phase and runtime on the right.
func (model Model) renderSessionRow(s session.Session, selected bool, rowWidth int, now time.Time) string {
	marker := "  "
	if selected {
		marker = "▸ "
	}

	phaseWord := s.Phase.String()
	if phaseTransitional(s.Phase) {
		phaseWord = model.spinner.View() + " " + phaseWord
	}
	runtime := formatRuntime(s, now)

	// The runtime column yields first when the pane is too narrow for
	// a readable name.
	showRuntime := true
	right := phaseWord + " " + runtime
	nameWidth := rowWidth - 2 - ansi.StringWidth(right) - 1
	if nameWidth < 8 {
		showRuntime = false
		right = phaseWord
		nameWidth = rowWidth - 2 - ansi.StringWidth(right) - 1
	}
	if nameWidth < 1 {
		nameWidth = 1
	}

	name := ansi.Truncate(sessionDisplayName(s), nameWidth, "…")
	gap := nameWidth - ansi.StringWidth(name)
	if gap < 0 {
		gap = 0
	}

	phaseStyle := lipgloss.NewStyle().Foreground(model.theme.PhaseColor(s.Phase))
	rightStyled := phaseStyle.Render(phaseWord)
	if showRuntime {
		runtimeStyle := lipgloss.NewStyle().Foreground(model.theme.FaintText)
		rightStyled += " " + runtimeStyle.Render(runtime)
	}

	row := marker + name + strings.Repeat(" ", gap) + " " + rightStyled

	style := lipgloss.NewStyle().Width(rowWidth).MaxWidth(rowWidth)
	if selected {
		style = style.
			Background(model.theme.SelectedBackground).
			Foreground(model.theme.SelectedForeground)
	}
	return style.Render(row)
}

// sessionScroll returns the list scroll offset that keeps the selected
// session visible.
func (model Model) sessionScroll(visible int) int {
	if visible <= 0 || len(model.sessions) <= visible {
		return 0
	}
	index := model.selectedIndex()
	if index < 0 {
		return 0
	}
	scroll := index - visible + 1
	if scroll < 0 {
		scroll = 0
	}
	maxScroll := len(model.sessions) - visible
	if scroll > maxScroll {
		scroll = maxScroll
	}
	return scroll
}

// renderRightColumn stacks the tree pane above the log pane. On very
// short terminals the tree pane collapses and the log takes the whole
// column.
func (model Model) renderRightColumn() string {
	logPane := model.renderLogPane()
	if model.treePaneHeight() == 0 {
		return logPane
	}
	return lipgloss.JoinVertical(lipgloss.Left, model.renderTreePane(), logPane)
}

// renderTreePane renders the widget tree with the cursor row
// highlighted while the pane has focus.
func (model Model) renderTreePane() string {
	width := model.rightWidth()
	bodyHeight := model.treeBodyHeight()

	lines := []string{model.renderPaneTitle("widget tree", FocusTree, width)}

	if len(model.treeRows) == 0 {
		placeholder := lipgloss.NewStyle().
			Foreground(model.theme.FaintText).
			Render(" waiting for inspection data")
		lines = append(lines, placeholder)
	} else {
		for index := model.treeScroll; index < len(model.treeRows) && index < model.treeScroll+bodyHeight; index++ {
			cursor := index == model.treeCursor && model.focusRegion == FocusTree
			lines = append(lines, model.renderTreeRow(model.treeRows[index], cursor, width))
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(model.treePaneHeight()).
		Render(strings.Join(lines, "\n"))
}

// renderTreeRow renders one widget row: indentation, expander glyph,
// description, then the source location dimmed.
func (model Model) renderTreeRow(row inspector.Row, cursor bool, rowWidth int) string {
	indent := strings.Repeat("  ", row.Depth)

	glyph := "  "
	if row.Node.Expandable {
		glyph = "▸ "
		if row.Expanded {
			glyph = "▾ "
		}
	}

	descStyle := lipgloss.NewStyle().Foreground(model.theme.TreeWidgetType)
	locationStyle := lipgloss.NewStyle().Foreground(model.theme.TreeLocation)

	line := indent + glyph + descStyle.Render(row.Node.Description)
	if row.Node.Location != "" {
		line += "  " + locationStyle.Render(row.Node.Location)
	}
	line = ansi.Truncate(line, rowWidth, "…")

	style := lipgloss.NewStyle().Width(rowWidth).MaxWidth(rowWidth)
	if cursor {
		style = style.
			Background(model.theme.SelectedBackground).
			Foreground(model.theme.SelectedForeground)
	}
	return style.Render(line)
}

// renderLogPane renders the log viewport under its title line.
func (model Model) renderLogPane() string {
	width := model.rightWidth()

	title := "log"
	if selected, ok := model.selectedSession(); ok {
		title += "  " + sessionDisplayName(selected)
		if model.follow {
			title += "  following"
		}
	}
	lines := []string{model.renderPaneTitle(title, FocusLog, width)}
	lines = append(lines, model.logView.View())

	return strings.Join(lines, "\n")
}

// renderLogContent formats the session's log buffer for the viewport:
// timestamp, source tag, then the line, wrapped to the pane width.
func (model Model) renderLogContent(s session.Session) string {
	entries := s.Log.Snapshot()
	if len(entries) == 0 {
		return lipgloss.NewStyle().
			Foreground(model.theme.FaintText).
			Render(" no output yet")
	}

	timeStyle := lipgloss.NewStyle().Foreground(model.theme.FaintText)

	var builder strings.Builder
	for index, entry := range entries {
		if index > 0 {
			builder.WriteByte('\n')
		}
		tagStyle := lipgloss.NewStyle().Foreground(model.theme.SourceColor(entry.Source))
		line := timeStyle.Render(entry.Time.Format("15:04:05")) +
			" " + tagStyle.Render(fmt.Sprintf("%-8s", entry.Source)) +
			" " + entry.Text
		if model.logView.Width > 0 {
			line = ansi.Wrap(line, model.logView.Width, wrapBreakpoints)
		}
		builder.WriteString(line)
	}

	if dropped := s.Log.Dropped(); dropped > 0 {
		notice := timeStyle.Render(fmt.Sprintf("… %d earlier lines dropped", dropped))
		return notice + "\n" + builder.String()
	}
	return builder.String()
}

// renderDivider renders the single-column vertical divider between the
// session list and the right panes.
func (model Model) renderDivider() string {
	visible := model.contentHeight()
	if visible < 0 {
		visible = 0
	}

	dividerStyle := lipgloss.NewStyle().
		Foreground(model.theme.BorderColor)

	lines := make([]string, visible)
	for index := range lines {
		lines[index] = "│"
	}
	return dividerStyle.Width(1).Height(visible).Render(strings.Join(lines, "\n"))
}

// renderStatus renders the status line for the selected session:
// phase, device, link state, and the latest poll samples.
func (model Model) renderStatus() string {
	selected, ok := model.selectedSession()
	if !ok {
		return lipgloss.NewStyle().
			Foreground(model.theme.FaintText).
			Render(" no session selected")
	}

	phaseStyle := lipgloss.NewStyle().Foreground(model.theme.PhaseColor(selected.Phase))
	linkStyle := lipgloss.NewStyle().Foreground(model.theme.LinkColor(selected.LinkState))
	faint := lipgloss.NewStyle().Foreground(model.theme.FaintText)

	phaseMarker := "●"
	if phaseTransitional(selected.Phase) {
		phaseMarker = model.spinner.View()
	}
	segments := []string{
		phaseStyle.Render(phaseMarker + " " + selected.Phase.String()),
		faint.Render("device ") + selected.DeviceID,
		faint.Render("link ") + linkStyle.Render(selected.LinkState.String()),
	}
	if !selected.Memory.At.IsZero() {
		segments = append(segments, fmt.Sprintf("heap %s/%s",
			formatBytes(selected.Memory.HeapUsage),
			formatBytes(selected.Memory.HeapCapacity)))
	}
	if !selected.Network.At.IsZero() {
		segments = append(segments, fmt.Sprintf("net %d active / %d total",
			selected.Network.Active, selected.Network.Requests))
	}
	if selected.ServiceURI != "" {
		segments = append(segments, faint.Render(selected.ServiceURI))
	}

	line := " " + strings.Join(segments, "   ")
	return ansi.Truncate(line, model.width, "…")
}

// renderHelp renders the bottom help bar with key hints for the
// focused pane.
func (model Model) renderHelp() string {
	style := lipgloss.NewStyle().Foreground(model.theme.HelpText)

	focusIndicator := "SESSIONS"
	switch model.focusRegion {
	case FocusTree:
		focusIndicator = "TREE"
	case FocusLog:
		focusIndicator = "LOG"
	}

	help := fmt.Sprintf(" [%s] q quit  Tab focus  ↑↓ navigate  r reload  R restart  s stop  x close  e export",
		focusIndicator)
	switch model.focusRegion {
	case FocusTree:
		help += "  ←→ collapse/expand"
	case FocusLog:
		if !model.follow {
			help += "  G follow"
		}
	}

	return style.Render(ansi.Truncate(help, model.width, "…"))
}

// sessionDisplayName returns the label for a session: the launch
// configuration name when set, the project directory basename
// otherwise, falling back to the session id.
func sessionDisplayName(s session.Session) string {
	if s.Launch.Name != "" {
		return s.Launch.Name
	}
	if s.Launch.ProjectDir != "" {
		return filepath.Base(s.Launch.ProjectDir)
	}
	return s.ID
}

// formatRuntime formats how long a session has run: live time for
// active sessions, the final runtime for stopped ones.
func formatRuntime(s session.Session, now time.Time) string {
	var elapsed time.Duration
	if s.Phase.Terminal() && !s.StoppedAt.IsZero() {
		elapsed = s.StoppedAt.Sub(s.CreatedAt)
	} else {
		elapsed = now.Sub(s.CreatedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	elapsed = elapsed.Round(time.Second)
	hours := int(elapsed / time.Hour)
	minutes := int(elapsed/time.Minute) % 60
	seconds := int(elapsed/time.Second) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// formatBytes renders a byte count as mebibytes with one decimal.
func formatBytes(n int64) string {
	return fmt.Sprintf("%.1f MB", float64(n)/(1024*1024))
}
