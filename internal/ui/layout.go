package ui

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/topicfeed/internal/theme"
)

// Layout manages the terminal frame dimensions.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout with the given terminal dimensions.
// HeaderHeight and StatusBarHeight default to 1.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// ContentWidth returns the full available width.
func (l Layout) ContentWidth() int {
	return l.Width
}

// ContentHeight returns the height available for the main content area,
// accounting for the header and status bar.
func (l Layout) ContentHeight() int {
	return max(l.Height-l.HeaderHeight-l.StatusBarHeight, 0)
}

// HeaderInfo is what the header shows right of the title.
type HeaderInfo struct {
	User        string
	Unread      int
	StreamState string
}

// RenderHeader renders the top bar: title and user on the left, unread
// badge and stream state on the right.
func (l Layout) RenderHeader(title string, info HeaderInfo) string {
	left := title
	if info.User != "" {
		left = fmt.Sprintf("%s · %s", title, info.User)
	}
	titleRendered := theme.HeaderStyle.Render(left)

	var right []string
	if info.Unread > 0 {
		right = append(right, theme.UnreadBadgeStyle.Render(fmt.Sprintf("%d new", info.Unread)))
	}
	state := theme.StreamStateStyle(info.StreamState).
		Background(theme.HeaderStyle.GetBackground()).
		Padding(0, 1).
		Render("● " + info.StreamState)
	right = append(right, state)
	statusRendered := lipgloss.JoinHorizontal(lipgloss.Top, right...)

	gap := max(l.Width-lipgloss.Width(titleRendered)-lipgloss.Width(statusRendered), 0)
	filler := lipgloss.NewStyle().
		Width(gap).
		Background(theme.HeaderStyle.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		titleRendered,
		filler,
		statusRendered,
	)
}

// RenderStatusBar renders the bottom status bar. A non-empty errText
// replaces the hints.
func (l Layout) RenderStatusBar(hints, errText string) string {
	var rendered string
	if errText != "" {
		rendered = theme.StatusBarStyle.Foreground(theme.ColorRed).Render(errText)
	} else {
		rendered = theme.StatusBarStyle.Render(hints)
	}

	gap := max(l.Width-lipgloss.Width(rendered), 0)
	filler := lipgloss.NewStyle().
		Width(gap).
		Background(theme.StatusBarStyle.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered, filler)
}

// RenderWithFrame composes a full terminal view by vertically joining
// the header, content area, and status bar.
func (l Layout) RenderWithFrame(header, content, statusBar string) string {
	content = lipgloss.NewStyle().
		Height(l.ContentHeight()).
		MaxHeight(l.ContentHeight()).
		Render(content)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		content,
		statusBar,
	)
}
