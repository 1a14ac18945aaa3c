// Copyright 2026 The Flightdeck Authors
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/flightdeck-dev/flightdeck/session"
	"github.com/flightdeck-dev/flightdeck/vmlink"
)

// Theme defines the color palette for the flightdeck terminal UI. All
// colors use lipgloss ANSI 256-color codes for broad terminal
// compatibility.
//
// The fields cover both universal chrome (text, selection, borders)
// and semantic categories that recur across panes: session phases,
// link states, and log sources each get a stable color so a session
// reads the same in the list, the status line, and the log pane.
type Theme struct {
	// Text colors.
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Selected row.
	SelectedBackground lipgloss.Color
	SelectedForeground lipgloss.Color

	// Session phase colors.
	PhaseInitializing lipgloss.Color
	PhaseRunning      lipgloss.Color
	PhaseReloading    lipgloss.Color
	PhaseStopped      lipgloss.Color
	PhaseQuitting     lipgloss.Color

	// Link state colors.
	LinkConnected    lipgloss.Color
	LinkReconnecting lipgloss.Color
	LinkDown         lipgloss.Color

	// Log source tag colors.
	SourceApp      lipgloss.Color
	SourceDaemon   lipgloss.Color
	SourceProtocol lipgloss.Color

	// Widget tree pane.
	TreeWidgetType lipgloss.Color // Widget type names in tree rows.
	TreeLocation   lipgloss.Color // Source locations in tree rows.

	// UI chrome.
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	PaneTitle        lipgloss.Color
	PaneTitleFocused lipgloss.Color
	HelpText         lipgloss.Color
}

// PhaseColor returns the color for a session phase. Unknown values
// return NormalText.
func (theme Theme) PhaseColor(phase session.Phase) lipgloss.Color {
	switch phase {
	case session.Initializing:
		return theme.PhaseInitializing
	case session.Running:
		return theme.PhaseRunning
	case session.Reloading:
		return theme.PhaseReloading
	case session.Stopped:
		return theme.PhaseStopped
	case session.Quitting:
		return theme.PhaseQuitting
	default:
		return theme.NormalText
	}
}

// LinkColor returns the color for a link connection state. Connected
// is the only healthy state; everything transitional shares the
// reconnecting color so the list doesn't flicker through five hues
// during a redial.
func (theme Theme) LinkColor(state vmlink.State) lipgloss.Color {
	switch state {
	case vmlink.StateConnected:
		return theme.LinkConnected
	case vmlink.StateConnecting, vmlink.StateReconnecting:
		return theme.LinkReconnecting
	default:
		return theme.LinkDown
	}
}

// SourceColor returns the tag color for a log source. Unknown sources
// return FaintText.
func (theme Theme) SourceColor(source session.Source) lipgloss.Color {
	switch source {
	case session.SourceApp:
		return theme.SourceApp
	case session.SourceDaemon:
		return theme.SourceDaemon
	case session.SourceProtocol:
		return theme.SourceProtocol
	default:
		return theme.FaintText
	}
}

// DefaultTheme is the built-in dark-terminal color scheme. Designed for
// 256-color terminals with a dark background (the common case for
// development environments and tmux sessions).
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	SelectedBackground: lipgloss.Color("236"),
	SelectedForeground: lipgloss.Color("255"),

	PhaseInitializing: lipgloss.Color("220"), // amber: starting up
	PhaseRunning:      lipgloss.Color("114"), // green
	PhaseReloading:    lipgloss.Color("75"),  // blue: transient
	PhaseStopped:      lipgloss.Color("245"), // gray
	PhaseQuitting:     lipgloss.Color("208"), // orange: tearing down

	LinkConnected:    lipgloss.Color("114"), // green
	LinkReconnecting: lipgloss.Color("220"), // amber
	LinkDown:         lipgloss.Color("240"), // dim gray

	SourceApp:      lipgloss.Color("252"), // same as NormalText
	SourceDaemon:   lipgloss.Color("141"), // light purple
	SourceProtocol: lipgloss.Color("75"),  // blue

	TreeWidgetType: lipgloss.Color("114"), // green
	TreeLocation:   lipgloss.Color("240"), // dim gray

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	PaneTitle:        lipgloss.Color("245"),
	PaneTitleFocused: lipgloss.Color("220"),
	HelpText:         lipgloss.Color("241"),
}
