package notifications

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/topicfeed/internal/keys"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/theme"
	"github.com/nhle/topicfeed/internal/ui"
)

// CloseMsg signals the parent to close the panel.
type CloseMsg struct{}

// MarkReadMsg asks the parent to mark every notification read.
type MarkReadMsg struct{}

// Model is the notification panel.
type Model struct {
	items []model.Notification

	// fresh holds the ids that were unread when the panel was opened, so
	// they stay highlighted after the store marks them read.
	fresh map[string]bool

	viewport viewport.Model
	keys     *keys.KeyMap
	width    int
	height   int
}

// New creates a new notification panel.
func New(k *keys.KeyMap, width, height int) Model {
	vp := viewport.New(max(width-6, 10), max(height-4, 1))
	return Model{
		viewport: vp,
		keys:     k,
		fresh:    make(map[string]bool),
		width:    width,
		height:   height,
	}
}

// Open captures which notifications are new and shows items.
func (m *Model) Open(items []model.Notification) {
	m.fresh = make(map[string]bool)
	for _, n := range items {
		if !n.Read {
			m.fresh[n.ID] = true
		}
	}
	m.SetItems(items)
	m.viewport.GotoTop()
}

// SetItems refreshes the panel contents, most recent first.
func (m *Model) SetItems(items []model.Notification) {
	m.items = items
	m.viewport.SetContent(m.render())
}

// Update handles messages for the panel.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Back), key.Matches(msg, m.keys.Notifications):
			return m, func() tea.Msg { return CloseMsg{} }
		case key.Matches(msg, m.keys.MarkRead):
			return m, func() tea.Msg { return MarkReadMsg{} }
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the panel.
func (m Model) View() string {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.ColorWhite).
		MarginBottom(1)

	title := titleStyle.Render(fmt.Sprintf("Notifications (%d)", len(m.items)))
	return theme.PanelStyle.
		Width(max(m.width-4, 0)).
		Height(max(m.height-2, 0)).
		Render(lipgloss.JoinVertical(lipgloss.Left, title, m.viewport.View()))
}

func (m Model) render() string {
	if len(m.items) == 0 {
		return theme.DimmedStyle.Italic(true).Render("Nothing yet. Notifications for subscribed topics appear here.")
	}

	lines := make([]string, 0, len(m.items))
	for _, n := range m.items {
		marker := "  "
		msgStyle := lipgloss.NewStyle()
		if !n.Read || m.fresh[n.ID] {
			marker = theme.UnreadBadgeStyle.Padding(0).Render("●") + " "
			msgStyle = theme.UnreadStyle
		}

		var meta []string
		if n.TopicName != "" {
			meta = append(meta, "#"+n.TopicName)
		}
		meta = append(meta, ui.RelativeTime(n.ReceivedAt))

		lines = append(lines, fmt.Sprintf("%s%s  %s",
			marker,
			msgStyle.Render(n.Message),
			theme.DimmedStyle.Render(strings.Join(meta, " · ")),
		))
	}
	return strings.Join(lines, "\n")
}

// SetSize updates the panel dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = max(width-10, 10)
	m.viewport.Height = max(height-6, 1)
	m.viewport.SetContent(m.render())
}
