package app

import (
	"errors"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/topicfeed/internal/cache"
	"github.com/nhle/topicfeed/internal/feed"
	"github.com/nhle/topicfeed/internal/keys"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/ui"
	"github.com/nhle/topicfeed/internal/ui/command"
	helpview "github.com/nhle/topicfeed/internal/ui/help"
	"github.com/nhle/topicfeed/internal/ui/login"
	"github.com/nhle/topicfeed/internal/ui/notifications"
	"github.com/nhle/topicfeed/internal/ui/postform"
	"github.com/nhle/topicfeed/internal/ui/posts"
	"github.com/nhle/topicfeed/internal/ui/topics"
)

// ViewState represents the current active view in the application.
type ViewState int

const (
	ViewLogin ViewState = iota
	ViewTopics
	ViewPosts
	ViewNotifications
	ViewHelp
	ViewCommand
	ViewPostForm
)

// Model is the root Bubble Tea model. It routes between views and
// renders everything from the feed service's state: the session, the
// notification store and the request cache.
type Model struct {
	svc *feed.Service

	currentView  ViewState
	previousView ViewState
	layout       ui.Layout
	keys         *keys.KeyMap

	loginView    login.Model
	topicsView   topics.Model
	postsView    posts.Model
	notesView    notifications.Model
	helpView     helpview.Model
	commandView  command.Model
	postFormView postform.Model

	ready       bool
	user        string
	unread      int
	streamState string
	flash       string
	errText     string
}

// New creates the root model for svc. server is shown on the sign-in
// form.
func New(svc *feed.Service, server string) Model {
	k := keys.DefaultKeyMap()
	m := Model{
		svc:          svc,
		currentView:  ViewLogin,
		keys:         k,
		loginView:    login.New(server, 80, 24),
		topicsView:   topics.New(k, 80, 24),
		postsView:    posts.New(k, 80, 24),
		notesView:    notifications.New(k, 80, 24),
		helpView:     helpview.New(k, 80, 24),
		commandView:  command.New(80, 24),
		postFormView: postform.New(80, 24),
		streamState:  svc.StreamState().String(),
	}
	if id, ok := svc.Identity(); ok {
		m.currentView = ViewTopics
		m.user = id.Username
	}
	m.unread = svc.Notifications().UnreadCount()
	return m
}

// Init starts listening for service updates and loads the first view.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{waitForUpdate(m.svc.Updates())}
	if m.currentView == ViewLogin {
		cmds = append(cmds, m.loginView.Start())
	} else {
		cmds = append(cmds, m.loadTopics())
	}
	return tea.Batch(cmds...)
}

// Update handles messages and dispatches to the active view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.layout = ui.NewLayout(msg.Width, msg.Height)
		m.ready = true
		w, h := m.layout.ContentWidth(), m.layout.ContentHeight()
		m.loginView.SetSize(w, h)
		m.topicsView.SetSize(w, h)
		m.postsView.SetSize(w, h)
		m.notesView.SetSize(w, h)
		m.helpView.SetSize(w, h)
		m.commandView.SetSize(w, h)
		m.postFormView.SetSize(w, h)
		// Forward to active view so huh forms can calculate their layout.
		return m.updateActiveView(msg)

	case feedUpdateMsg:
		cmd := m.applyUpdate(feed.Update(msg))
		return m, tea.Batch(cmd, waitForUpdate(m.svc.Updates()))

	case loadedMsg:
		if msg.err != nil && !errors.Is(msg.err, feed.ErrNotSignedIn) {
			m.errText = msg.key.String() + ": " + msg.err.Error()
		}
		m.syncFromCache()
		return m, nil

	case actionResultMsg:
		if msg.err != nil {
			m.errText = msg.err.Error()
			m.flash = ""
		} else {
			m.flash = msg.done
			m.errText = ""
		}
		return m, nil

	case loginResultMsg:
		if msg.err != nil {
			m.loginView.SetError(msg.err)
			return m, m.loginView.Start()
		}
		m.loginView.SetError(nil)
		m.flash = "signed in as " + msg.identity.Username
		return m, nil

	case login.SubmitMsg:
		return m, signIn(m.svc, msg.Username, msg.Password, msg.Register)

	case login.CancelMsg:
		return m, tea.Quit

	case topics.SelectedTopicMsg:
		return m, m.openTopic(msg.Topic)

	case topics.ToggleSubscriptionMsg:
		return m, toggleSubscription(m.svc, msg.Topic, msg.Subscribe)

	case posts.BackMsg:
		m.currentView = ViewTopics
		return m, nil

	case posts.NewPostMsg:
		m.previousView = m.currentView
		m.currentView = ViewPostForm
		return m, m.postFormView.Start(msg.Topic)

	case postform.SubmitMsg:
		m.currentView = ViewPosts
		return m, createPost(m.svc, msg.TopicID, msg.Title, msg.Content)

	case postform.CancelMsg:
		m.currentView = m.previousView
		return m, nil

	case notifications.CloseMsg:
		m.currentView = m.previousView
		return m, nil

	case notifications.MarkReadMsg:
		return m, markAllRead(m.svc)

	case command.CommandMsg:
		m.currentView = m.previousView
		return m, m.executeCommand(msg)

	case tea.KeyMsg:
		m.flash = ""
		m.errText = ""
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if (m.currentView == ViewCommand || m.currentView == ViewHelp) && key.Matches(msg, m.keys.Back) {
			m.currentView = m.previousView
			return m, nil
		}
		if !m.capturesText() {
			if cmd, handled := m.handleGlobalKey(msg); handled {
				return m, cmd
			}
		}
	}

	// Delegate to active sub-view
	return m.updateActiveView(msg)
}

// capturesText reports whether the active view consumes every key.
func (m Model) capturesText() bool {
	switch m.currentView {
	case ViewLogin, ViewCommand, ViewPostForm:
		return true
	case ViewTopics:
		return m.topicsView.Filtering()
	}
	return false
}

// handleGlobalKey processes keys that work across views.
func (m *Model) handleGlobalKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.currentView == ViewTopics || m.currentView == ViewPosts {
			return tea.Quit, true
		}

	case key.Matches(msg, m.keys.Help):
		if m.currentView == ViewHelp {
			m.currentView = m.previousView
			return nil, true
		}
		m.previousView = m.currentView
		m.currentView = ViewHelp
		return nil, true

	case key.Matches(msg, m.keys.Command):
		m.previousView = m.currentView
		m.currentView = ViewCommand
		return m.commandView.Focus(), true

	case key.Matches(msg, m.keys.Notifications):
		if m.currentView == ViewNotifications {
			return nil, false
		}
		return m.openNotifications(), true

	case key.Matches(msg, m.keys.MarkRead):
		return markAllRead(m.svc), true

	case key.Matches(msg, m.keys.Topics):
		m.currentView = ViewTopics
		return m.loadTopics(), true

	case key.Matches(msg, m.keys.Feed):
		if _, ok := m.postsView.Topic(); ok {
			m.currentView = ViewPosts
			return nil, true
		}

	case key.Matches(msg, m.keys.Refresh):
		m.refresh()
		return nil, true

	case key.Matches(msg, m.keys.Logout):
		return logout(m.svc), true
	}
	return nil, false
}

// applyUpdate folds a service change hint into the view state.
func (m *Model) applyUpdate(u feed.Update) tea.Cmd {
	switch u.Kind {
	case feed.UpdateSession:
		if !u.SignedIn {
			m.user = ""
			m.unread = 0
			m.postsView = posts.New(m.keys, m.layout.ContentWidth(), m.layout.ContentHeight())
			m.notesView.SetItems(nil)
			if m.currentView != ViewLogin {
				m.currentView = ViewLogin
				return m.loginView.Start()
			}
			return nil
		}
		if id, ok := m.svc.Identity(); ok {
			m.user = id.Username
		}
		if m.currentView == ViewLogin {
			m.currentView = ViewTopics
		}
		m.topicsView.SetLoading()
		return m.loadTopics()

	case feed.UpdateStream:
		m.streamState = u.State.String()

	case feed.UpdateNotifications:
		notes := m.svc.Notifications()
		m.unread = notes.UnreadCount()
		if m.currentView == ViewNotifications {
			m.notesView.SetItems(notes.List())
		}

	case feed.UpdateCache:
		m.syncFromCache()
	}
	return nil
}

// syncFromCache re-renders the topic and post views from cache
// snapshots without triggering fetches.
func (m *Model) syncFromCache() {
	c := m.svc.Cache()

	topicsEntry, _ := c.Peek(feed.TopicsKey())
	subsEntry, _ := c.Peek(feed.SubscriptionsKey())
	all, _ := topicsEntry.Data.([]model.Topic)
	subs, _ := subsEntry.Data.([]model.Topic)

	subscribed := make(map[string]bool, len(subs))
	for _, t := range subs {
		subscribed[t.ID] = true
	}

	if topicsEntry.HasData() || topicsEntry.Status == cache.StatusError {
		m.topicsView.SetTopics(all, subscribed, revalidating(topicsEntry), entryErr(topicsEntry))
	}
	m.postsView.SetSubscriptions(subs)

	if topic, ok := m.postsView.Topic(); ok {
		e, _ := c.Peek(feed.PostsKey(topic.ID))
		if e.HasData() || e.Status == cache.StatusError {
			list, _ := e.Data.([]model.Post)
			m.postsView.SetPosts(topic.ID, list, revalidating(e), entryErr(e))
		}
	}
}

func revalidating(e cache.Entry) bool {
	return e.Stale || (e.Status == cache.StatusLoading && e.HasData())
}

func entryErr(e cache.Entry) error {
	if e.Status == cache.StatusError {
		return e.Err
	}
	return nil
}

func (m *Model) loadTopics() tea.Cmd {
	return tea.Batch(
		load(m.svc, feed.TopicsKey()),
		load(m.svc, feed.SubscriptionsKey()),
	)
}

func (m *Model) openTopic(topic model.Topic) tea.Cmd {
	m.currentView = ViewPosts
	m.postsView.Open(topic)
	m.syncFromCache()
	return tea.Batch(
		load(m.svc, feed.PostsKey(topic.ID)),
		load(m.svc, feed.SubscriptionsKey()),
	)
}

// openNotifications shows the panel and marks everything read.
func (m *Model) openNotifications() tea.Cmd {
	if m.currentView != ViewHelp && m.currentView != ViewCommand {
		m.previousView = m.currentView
	}
	m.currentView = ViewNotifications
	m.notesView.Open(m.svc.Notifications().List())
	return markAllRead(m.svc)
}

// refresh marks all loaded data stale; the cache refetches it in the
// background and the views follow the cache updates.
func (m *Model) refresh() {
	m.svc.Refresh()
	m.flash = "refreshing"
}

// executeCommand handles a command from the command palette.
func (m *Model) executeCommand(c command.CommandMsg) tea.Cmd {
	switch c.Name {
	case "topics":
		m.currentView = ViewTopics
		return m.loadTopics()
	case "feed":
		if _, ok := m.postsView.Topic(); ok {
			m.currentView = ViewPosts
		}
		return nil
	case "notifications":
		return m.openNotifications()
	case "read":
		return markAllRead(m.svc)
	case "subscribe", "unsubscribe":
		id := c.Arg(0)
		if id == "" {
			if topic, ok := m.postsView.Topic(); ok && m.currentView == ViewPosts {
				id = topic.ID
			}
		}
		if id == "" {
			m.errText = c.Name + " needs a topic id"
			return nil
		}
		return toggleSubscription(m.svc, m.topicByID(id), c.Name == "subscribe")
	case "refresh":
		m.refresh()
		return nil
	case "logout":
		return logout(m.svc)
	case "quit":
		return tea.Quit
	default:
		m.errText = "unknown command: " + c.Name
		return nil
	}
}

// topicByID resolves id against the cached topic list, falling back to
// a topic carrying only the id.
func (m Model) topicByID(id string) model.Topic {
	e, _ := m.svc.Cache().Peek(feed.TopicsKey())
	all, _ := e.Data.([]model.Topic)
	for _, t := range all {
		if t.ID == id {
			return t
		}
	}
	return model.Topic{ID: id, Name: id}
}

// updateActiveView dispatches the message to the currently active view.
func (m Model) updateActiveView(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch m.currentView {
	case ViewLogin:
		m.loginView, cmd = m.loginView.Update(msg)
	case ViewTopics:
		m.topicsView, cmd = m.topicsView.Update(msg)
	case ViewPosts:
		m.postsView, cmd = m.postsView.Update(msg)
	case ViewNotifications:
		m.notesView, cmd = m.notesView.Update(msg)
	case ViewHelp:
		m.helpView, cmd = m.helpView.Update(msg)
	case ViewCommand:
		m.commandView, cmd = m.commandView.Update(msg)
	case ViewPostForm:
		m.postFormView, cmd = m.postFormView.Update(msg)
	}

	return m, cmd
}

// View renders the full terminal UI using the layout manager.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	header := m.layout.RenderHeader("topicfeed", ui.HeaderInfo{
		User:        m.user,
		Unread:      m.unread,
		StreamState: m.streamState,
	})
	statusBar := m.layout.RenderStatusBar(m.keyHints(), m.errText)

	return m.layout.RenderWithFrame(header, m.renderContent(), statusBar)
}

// renderContent returns the rendered string for the current active view.
func (m Model) renderContent() string {
	switch m.currentView {
	case ViewLogin:
		return m.loginView.View()
	case ViewTopics:
		return m.topicsView.View()
	case ViewPosts:
		return m.postsView.View()
	case ViewNotifications:
		return m.notesView.View()
	case ViewHelp:
		return m.helpView.View()
	case ViewCommand:
		return m.commandView.View()
	case ViewPostForm:
		return m.postFormView.View()
	default:
		return ""
	}
}

// keyHints returns keyboard shortcut hints for the status bar.
func (m Model) keyHints() string {
	if m.flash != "" {
		return m.flash
	}

	switch m.currentView {
	case ViewLogin:
		return "enter next | esc quit"
	case ViewHelp:
		return "? close help | esc back"
	case ViewCommand:
		return "enter execute | esc back"
	case ViewPosts:
		return "esc back | p new post | s subscribe | n notifications | j/k scroll"
	case ViewNotifications:
		return "esc close | m mark read | j/k scroll"
	case ViewPostForm:
		return "enter submit | esc cancel"
	default:
		return "q quit | ? help | enter open | s subscribe | n notifications | / filter | r refresh"
	}
}
