package posts

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
	"github.com/nhle/topicfeed/internal/ui/topics"
)

// BackMsg signals the parent to navigate back to the topic list.
type BackMsg struct{}

// NewPostMsg asks the parent to open the post form for a topic.
type NewPostMsg struct {
	Topic model.Topic
}

// Model shows the posts of one topic next to the user's subscriptions.
type Model struct {
	topic      model.Topic
	posts      []model.Post
	subs       []model.Topic
	subscribed bool
	stale      bool
	err        error
	loading    bool

	viewport viewport.Model
	keys     *keys.KeyMap
	width    int
	height   int
}

// sidebarWidth is the width of the subscriptions column.
const sidebarWidth = 24

// New creates a new posts view model.
func New(k *keys.KeyMap, width, height int) Model {
	vp := viewport.New(max(width-sidebarWidth-2, 10), max(height-2, 1))
	vp.Style = lipgloss.NewStyle()

	return Model{
		viewport: vp,
		keys:     k,
		width:    width,
		height:   height,
	}
}

// Topic returns the topic being shown.
func (m Model) Topic() (model.Topic, bool) {
	return m.topic, m.topic.ID != ""
}

// Open switches to topic and shows the loading state until SetPosts.
func (m *Model) Open(topic model.Topic) {
	if topic.ID != m.topic.ID {
		m.posts = nil
		m.err = nil
	}
	m.topic = topic
	m.loading = true
	m.viewport.SetContent(m.renderPosts())
	m.viewport.GotoTop()
}

// SetPosts updates the posts of the open topic. Results for any other
// topic are ignored.
func (m *Model) SetPosts(topicID string, posts []model.Post, stale bool, err error) {
	if topicID != m.topic.ID {
		return
	}
	m.loading = false
	m.stale = stale
	m.err = err
	if err == nil || posts != nil {
		m.posts = posts
	}
	m.viewport.SetContent(m.renderPosts())
}

// SetSubscriptions updates the sidebar and the subscribed marker.
func (m *Model) SetSubscriptions(subs []model.Topic) {
	m.subs = subs
	m.subscribed = false
	for _, t := range subs {
		if t.ID == m.topic.ID {
			m.subscribed = true
		}
	}
}

// Update handles messages for the posts view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(msg, m.keys.Back):
			return m, func() tea.Msg { return BackMsg{} }

		case key.Matches(msg, m.keys.NewPost):
			if m.topic.ID == "" {
				return m, nil
			}
			topic := m.topic
			return m, func() tea.Msg { return NewPostMsg{Topic: topic} }

		case key.Matches(msg, m.keys.Subscribe):
			if m.topic.ID == "" {
				return m, nil
			}
			topic, subscribe := m.topic, !m.subscribed
			return m, func() tea.Msg {
				return topics.ToggleSubscriptionMsg{Topic: topic, Subscribe: subscribe}
			}
		}
	}

	// Delegate to viewport for scrolling (j/k, up/down, pgup/pgdn)
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the sidebar and the posts column.
func (m Model) View() string {
	if m.topic.ID == "" {
		return lipgloss.NewStyle().
			Width(m.width).
			Height(m.height).
			Align(lipgloss.Center, lipgloss.Center).
			Foreground(theme.ColorGray).
			Render("No topic selected.\n\nOpen one from the topic list.")
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), " ", m.renderMain())
}

func (m Model) renderSidebar() string {
	lines := []string{lipgloss.NewStyle().Bold(true).Render("Subscriptions"), ""}
	if len(m.subs) == 0 {
		lines = append(lines, theme.DimmedStyle.Render("none"))
	}
	for _, t := range m.subs {
		name := t.Name
		if t.ID == m.topic.ID {
			name = theme.SubscribedBadgeStyle.Render("▸ " + name)
		} else {
			name = "  " + name
		}
		lines = append(lines, name)
	}

	return theme.PanelStyle.
		Padding(0, 1).
		Width(sidebarWidth).
		Height(max(m.height-2, 1)).
		Render(strings.Join(lines, "\n"))
}

func (m Model) renderMain() string {
	title := theme.TopicLabelStyle(m.subscribed).Render(m.topic.Name)
	status := theme.DimmedStyle.Render("not subscribed · s to follow")
	if m.subscribed {
		status = theme.SubscribedBadgeStyle.Render("subscribed")
	}
	if m.stale {
		status += theme.DimmedStyle.Render(" · refreshing")
	}
	header := lipgloss.JoinHorizontal(lipgloss.Top, title, " ", status)

	return lipgloss.JoinVertical(lipgloss.Left, header, "", m.viewport.View())
}

// renderPosts builds the content string for the viewport.
func (m Model) renderPosts() string {
	if m.loading && len(m.posts) == 0 {
		return theme.DimmedStyle.Render("Loading posts...")
	}

	var sections []string
	if m.err != nil {
		sections = append(sections, theme.ErrorStyle.Render("Could not load posts: "+m.err.Error()), "")
	}
	if len(m.posts) == 0 && m.err == nil {
		sections = append(sections, theme.DimmedStyle.Italic(true).Render("No posts yet. Press p to write one."))
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorWhite)
	sepStyle := lipgloss.NewStyle().Foreground(theme.ColorSubtle)
	separator := sepStyle.Render(strings.Repeat("─", max(min(m.viewport.Width-2, 80), 0)))

	for i, p := range m.posts {
		if i > 0 {
			sections = append(sections, separator)
		}
		sections = append(sections,
			fmt.Sprintf("%s  %s", titleStyle.Render(p.Title), theme.DimmedStyle.Render(ui.RelativeTime(p.CreatedAt))),
			p.Content,
			"",
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// SetSize updates the view dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.viewport.Width = max(width-sidebarWidth-6, 10)
	m.viewport.Height = max(height-4, 1)
	m.viewport.SetContent(m.renderPosts())
}
