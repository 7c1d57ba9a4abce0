package topics

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/topicfeed/internal/keys"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/theme"
)

// SelectedTopicMsg is sent when the user opens a topic.
type SelectedTopicMsg struct {
	Topic model.Topic
}

// ToggleSubscriptionMsg asks the parent to subscribe to or unsubscribe
// from a topic. Subscribe is the desired new state.
type ToggleSubscriptionMsg struct {
	Topic     model.Topic
	Subscribe bool
}

// Item wraps a topic so it can be used in a bubbles/list.
type Item struct {
	Topic      model.Topic
	Subscribed bool
}

// FilterValue returns the string used for fuzzy filtering.
func (i Item) FilterValue() string { return i.Topic.Name }

// Title returns the topic name for the list.
func (i Item) Title() string { return i.Topic.Name }

// Description returns the topic description.
func (i Item) Description() string { return i.Topic.Description }

// itemDelegate renders one topic per line.
type itemDelegate struct{}

// Height returns the number of lines each item takes.
func (d itemDelegate) Height() int { return 1 }

// Spacing returns the number of blank lines between items.
func (d itemDelegate) Spacing() int { return 0 }

// Update handles per-item messages (unused).
func (d itemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

// Render draws a single topic line.
func (d itemDelegate) Render(w io.Writer, m list.Model, index int, li list.Item) {
	item, ok := li.(Item)
	if !ok {
		return
	}

	marker := "○"
	if item.Subscribed {
		marker = theme.SubscribedBadgeStyle.Render("●")
	}

	name := theme.TopicLabelStyle(item.Subscribed).Render(item.Topic.Name)
	desc := theme.DimmedStyle.Render(item.Topic.Description)
	line := fmt.Sprintf("%s %s %s", marker, name, desc)

	if index == m.Index() {
		line = theme.SelectedItemStyle.Render(line)
	} else {
		line = theme.ListItemStyle.Render(line)
	}
	fmt.Fprint(w, line)
}

// Model is the topic directory view. It does not fetch; the parent
// feeds it with SetTopics.
type Model struct {
	list    list.Model
	keys    *keys.KeyMap
	loading bool
	stale   bool
	err     error
	width   int
	height  int
}

// New creates a new topics model.
func New(k *keys.KeyMap, width, height int) Model {
	l := list.New([]list.Item{}, itemDelegate{}, width, height-2)
	l.Title = "Topics"
	l.SetShowStatusBar(true)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(true)
	l.Styles.Title = theme.HeaderStyle

	return Model{
		list:    l,
		keys:    k,
		loading: true,
		width:   width,
		height:  height,
	}
}

// SetTopics replaces the list contents. subscribed holds the ids of the
// topics the user follows. stale marks data that is being revalidated.
func (m *Model) SetTopics(all []model.Topic, subscribed map[string]bool, stale bool, err error) tea.Cmd {
	m.loading = false
	m.stale = stale
	m.err = err

	items := make([]list.Item, len(all))
	for i, t := range all {
		items[i] = Item{Topic: t, Subscribed: subscribed[t.ID]}
	}
	if stale {
		m.list.Title = "Topics (refreshing)"
	} else {
		m.list.Title = "Topics"
	}
	return m.list.SetItems(items)
}

// SetLoading shows the loading placeholder until the next SetTopics.
func (m *Model) SetLoading() {
	m.loading = true
}

// Selected returns the highlighted topic.
func (m Model) Selected() (Item, bool) {
	item, ok := m.list.SelectedItem().(Item)
	return item, ok
}

// Filtering reports whether the list's filter input has focus.
func (m Model) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// Update handles messages for the topics view.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && !m.Filtering() {
		switch {
		case key.Matches(msg, m.keys.Select):
			item, ok := m.Selected()
			if !ok {
				return m, nil
			}
			return m, func() tea.Msg { return SelectedTopicMsg{Topic: item.Topic} }

		case key.Matches(msg, m.keys.Subscribe):
			item, ok := m.Selected()
			if !ok {
				return m, nil
			}
			return m, func() tea.Msg {
				return ToggleSubscriptionMsg{Topic: item.Topic, Subscribe: !item.Subscribed}
			}
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the topics view.
func (m Model) View() string {
	placeholder := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center).
		Foreground(theme.ColorGray)

	if m.loading && len(m.list.Items()) == 0 {
		return placeholder.Render("Loading topics...")
	}
	if len(m.list.Items()) == 0 {
		if m.err != nil {
			return placeholder.Render("Could not load topics.\n\n" + theme.ErrorStyle.Render(m.err.Error()))
		}
		return placeholder.Render("No topics yet.")
	}

	view := m.list.View()
	if m.err != nil {
		view = lipgloss.JoinVertical(lipgloss.Left, view, theme.ErrorStyle.Render("showing cached topics: "+m.err.Error()))
	}
	return view
}

// SetSize updates the list dimensions.
func (m *Model) SetSize(width, height int) {
	m.width = width
	m.height = height
	m.list.SetSize(width, height-2)
}
