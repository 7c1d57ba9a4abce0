package app

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/topicfeed/internal/cache"
	"github.com/nhle/topicfeed/internal/feed"
	"github.com/nhle/topicfeed/internal/model"
)

// requestTimeout bounds the UI's own wait on a request. The cache keeps
// fetching after the UI gives up.
const requestTimeout = 30 * time.Second

// feedUpdateMsg carries one change hint from the service.
type feedUpdateMsg feed.Update

// loadedMsg reports that a read finished. Data is rendered from the
// cache, so only the error is carried.
type loadedMsg struct {
	key cache.Key
	err error
}

// actionResultMsg reports the outcome of a mutation or session action.
type actionResultMsg struct {
	done string
	err  error
}

// loginResultMsg reports the outcome of a login or registration.
type loginResultMsg struct {
	identity model.Identity
	err      error
}

// waitForUpdate returns a tea.Cmd that waits for the next change hint
// from the service. The handler re-arms it after every message.
func waitForUpdate(updates <-chan feed.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return nil
		}
		return feedUpdateMsg(u)
	}
}

// load triggers a cached read of key. Views render from the cache, so
// the result only matters when it failed.
func load(svc *feed.Service, key cache.Key) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		_, err := svc.Cache().Get(ctx, key)
		return loadedMsg{key: key, err: err}
	}
}

func toggleSubscription(svc *feed.Service, topic model.Topic, subscribe bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if subscribe {
			return actionResultMsg{done: "subscribed to " + topic.Name, err: svc.Subscribe(ctx, topic.ID)}
		}
		return actionResultMsg{done: "unsubscribed from " + topic.Name, err: svc.Unsubscribe(ctx, topic.ID)}
	}
}

func createPost(svc *feed.Service, topicID, title, content string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		err := svc.CreatePost(ctx, topicID, title, content)
		return actionResultMsg{done: fmt.Sprintf("posted %q", title), err: err}
	}
}

func signIn(svc *feed.Service, username, password string, register bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		var (
			id  model.Identity
			err error
		)
		if register {
			id, err = svc.Register(ctx, username, password)
		} else {
			id, err = svc.Login(ctx, username, password)
		}
		return loginResultMsg{identity: id, err: err}
	}
}

func logout(svc *feed.Service) tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{done: "logged out", err: svc.Logout()}
	}
}

// markAllRead runs off the UI goroutine because the journal write hits
// the history database.
func markAllRead(svc *feed.Service) tea.Cmd {
	return func() tea.Msg {
		svc.Notifications().MarkAllRead()
		return nil
	}
}
