package feed

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/nhle/topicfeed/internal/api"
	"github.com/nhle/topicfeed/internal/cache"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/store"
)

// Cache resources.
const (
	ResourceTopics        = "topics"
	ResourceSubscriptions = "subscriptions"
	ResourcePosts         = "posts"
)

// TopicsKey caches the list of all topics.
func TopicsKey() cache.Key { return cache.NewKey(ResourceTopics) }

// SubscriptionsKey caches the signed-in user's subscribed topics.
func SubscriptionsKey() cache.Key { return cache.NewKey(ResourceSubscriptions) }

// PostsKey caches the posts of one topic.
func PostsKey(topicID string) cache.Key { return cache.NewKey(ResourcePosts, topicID) }

func (s *Service) registerFetchers() {
	s.cache.Register(ResourceTopics, func(ctx context.Context, _ cache.Key) (any, error) {
		return s.authorized(ctx, "topics", func(ctx context.Context) (any, error) {
			return s.api.Topics(ctx)
		})
	})
	s.cache.Register(ResourceSubscriptions, func(ctx context.Context, _ cache.Key) (any, error) {
		return s.authorized(ctx, "subscriptions", func(ctx context.Context) (any, error) {
			return s.api.Subscriptions(ctx)
		})
	})
	s.cache.Register(ResourcePosts, func(ctx context.Context, key cache.Key) (any, error) {
		return s.authorized(ctx, "posts", func(ctx context.Context) (any, error) {
			return s.api.Posts(ctx, key.Param)
		})
	})
}

// authorized runs a request on behalf of the current session and ends
// that session if the server rejects its credential. The credential is
// pinned to the request so a 401 is always charged to the session that
// sent it.
func (s *Service) authorized(ctx context.Context, what string, fn func(context.Context) (any, error)) (any, error) {
	credential, generation, ok := s.session.Pinned()
	if !ok {
		return nil, ErrNotSignedIn
	}

	v, err := fn(api.WithCredential(ctx, credential))
	if api.IsUnauthorized(err) {
		s.authLost(generation, what)
	}
	return v, err
}

// Topics returns every topic, served from the cache when fresh.
func (s *Service) Topics(ctx context.Context) ([]model.Topic, error) {
	return cache.Read[[]model.Topic](ctx, s.cache, TopicsKey())
}

// Subscriptions returns the topics the signed-in user follows.
func (s *Service) Subscriptions(ctx context.Context) ([]model.Topic, error) {
	return cache.Read[[]model.Topic](ctx, s.cache, SubscriptionsKey())
}

// Posts returns the posts of a topic, newest first.
func (s *Service) Posts(ctx context.Context, topicID string) ([]model.Post, error) {
	return cache.Read[[]model.Post](ctx, s.cache, PostsKey(topicID))
}

// IsSubscribed reports whether topicID is among the user's subscriptions.
func (s *Service) IsSubscribed(ctx context.Context, topicID string) (bool, error) {
	subs, err := s.Subscriptions(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(subs, func(t model.Topic) bool { return t.ID == topicID }), nil
}

// CreatePost publishes a post. On success the topic's posts are refetched.
func (s *Service) CreatePost(ctx context.Context, topicID, title, content string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("post title is required")
	}
	return s.mutate(ctx, "create post", func(ctx context.Context) error {
		return s.api.CreatePost(ctx, model.CreatePost{
			Title:   title,
			Content: content,
			TopicID: topicID,
		})
	}, PostsKey(topicID))
}

// Subscribe follows a topic.
func (s *Service) Subscribe(ctx context.Context, topicID string) error {
	return s.mutate(ctx, "subscribe", func(ctx context.Context) error {
		return s.api.Subscribe(ctx, topicID)
	}, SubscriptionsKey())
}

// Unsubscribe stops following a topic.
func (s *Service) Unsubscribe(ctx context.Context, topicID string) error {
	return s.mutate(ctx, "unsubscribe", func(ctx context.Context) error {
		return s.api.Unsubscribe(ctx, topicID)
	}, SubscriptionsKey())
}

func (s *Service) mutate(ctx context.Context, what string, fn func(context.Context) error, affects ...cache.Key) error {
	err := s.cache.Mutate(ctx, cache.MutationFunc{
		Fn: func(ctx context.Context) error {
			_, err := s.authorized(ctx, what, func(ctx context.Context) (any, error) {
				return nil, fn(ctx)
			})
			return err
		},
		Keys: affects,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// Refresh marks every loaded topic, subscription and post list stale.
// Each is refetched in the background.
func (s *Service) Refresh() {
	for _, r := range []string{ResourceTopics, ResourceSubscriptions, ResourcePosts} {
		s.cache.InvalidateResource(r)
	}
}

// HistoryFilter selects journaled notifications.
type HistoryFilter struct {
	Limit      int
	UnreadOnly bool
}

// History returns the signed-in user's journaled notifications, newest
// first. It returns nil when no history store is configured.
func (s *Service) History(ctx context.Context, f HistoryFilter) ([]model.Notification, error) {
	if s.history == nil {
		return nil, nil
	}
	userID, err := s.historyUser()
	if err != nil {
		return nil, err
	}
	return s.history.ListNotifications(ctx, store.NotificationFilter{
		UserID:     userID,
		UnreadOnly: f.UnreadOnly,
		Limit:      f.Limit,
	})
}

// HistoryCounts returns how many notifications the journal holds for the
// signed-in user and how many of them are unread.
func (s *Service) HistoryCounts(ctx context.Context) (total, unread int, err error) {
	if s.history == nil {
		return 0, 0, nil
	}
	userID, err := s.historyUser()
	if err != nil {
		return 0, 0, err
	}
	if total, err = s.history.CountNotifications(ctx, store.NotificationFilter{UserID: userID}); err != nil {
		return 0, 0, err
	}
	unread, err = s.history.CountNotifications(ctx, store.NotificationFilter{UserID: userID, UnreadOnly: true})
	if err != nil {
		return 0, 0, err
	}
	return total, unread, nil
}

// ClearHistory deletes the signed-in user's journal. Notifications of
// the live session stay in the in-memory store.
func (s *Service) ClearHistory(ctx context.Context) error {
	if s.history == nil {
		return nil
	}
	userID, err := s.historyUser()
	if err != nil {
		return err
	}
	return s.history.DeleteNotifications(ctx, userID)
}

func (s *Service) historyUser() (string, error) {
	cur, ok := s.session.Current()
	if !ok {
		return "", ErrNotSignedIn
	}
	return cur.Identity.ID, nil
}
