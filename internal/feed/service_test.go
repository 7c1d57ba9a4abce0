package feed_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/topicfeed/internal/api"
	"github.com/nhle/topicfeed/internal/cache"
	"github.com/nhle/topicfeed/internal/credential"
	"github.com/nhle/topicfeed/internal/feed"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/session"
	"github.com/nhle/topicfeed/internal/store"
	"github.com/nhle/topicfeed/internal/stream"
	"github.com/nhle/topicfeed/tests/testutil"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type serviceOptions struct {
	vault   *credential.Vault
	history store.Store
}

func newService(t *testing.T, srv *testutil.FakeServer, so serviceOptions) *feed.Service {
	t.Helper()

	sess := session.New()
	svc := feed.New(feed.Options{
		API:     api.NewClient(srv.URL, sess.Credential, 5*time.Second),
		Session: sess,
		Stream: feed.StreamOptions{
			MinRetryDelay: 10 * time.Millisecond,
			MaxRetryDelay: 50 * time.Millisecond,
		},
		History: so.history,
		Vault:   so.vault,
	})
	t.Cleanup(svc.Close)
	return svc
}

func signedIn(svc *feed.Service) bool {
	_, ok := svc.Identity()
	return ok
}

func TestLoginStreamsNotifications(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	uid := srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{})
	ctx := context.Background()

	id, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, uid, id.ID)
	assert.Equal(t, "alice", id.Username)

	srv.WaitForStream(t, uid)
	assert.Eventually(t, func() bool { return svc.StreamState() == stream.StateOpen }, waitFor, tick)

	srv.Push(uid, `{"message":"new post","topic_name":"go","post_id":"42"}`)
	require.Eventually(t, func() bool { return svc.Notifications().UnreadCount() == 1 }, waitFor, tick)

	got := svc.Notifications().List()
	require.Len(t, got, 1)
	assert.Equal(t, "new post", got[0].Message)
	assert.Equal(t, "go", got[0].TopicName)
	assert.Equal(t, "42", got[0].PostID)
	assert.False(t, got[0].Read)

	svc.Notifications().MarkAllRead()
	assert.Zero(t, svc.Notifications().UnreadCount())
	assert.Equal(t, 1, svc.Notifications().Len())
}

func TestLoginRejectsBadPassword(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{})

	_, err := svc.Login(context.Background(), "alice", "wrong")
	require.Error(t, err)
	assert.True(t, api.IsUnauthorized(err))
	assert.False(t, signedIn(svc))
	assert.Equal(t, stream.StateDisabled, svc.StreamState())
}

func TestRegisterSignsIn(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	svc := newService(t, srv, serviceOptions{})

	id, err := svc.Register(context.Background(), "carol", "pw")
	require.NoError(t, err)
	assert.NotEmpty(t, id.ID)
	srv.WaitForStream(t, id.ID)

	_, err = svc.Register(context.Background(), "carol", "pw")
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, api.StatusCode(err))
}

func TestPostFansOutToSubscribers(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	aliceID := srv.AddUser("alice", "pw")
	bobID := srv.AddUser("bob", "pw")
	alice := newService(t, srv, serviceOptions{})
	bob := newService(t, srv, serviceOptions{})
	ctx := context.Background()

	_, err := alice.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = bob.Login(ctx, "bob", "pw")
	require.NoError(t, err)
	srv.WaitForStream(t, aliceID)
	srv.WaitForStream(t, bobID)

	require.NoError(t, alice.Subscribe(ctx, "1"))
	require.NoError(t, bob.Subscribe(ctx, "1"))

	require.NoError(t, alice.CreatePost(ctx, "1", "hello", "first post"))

	require.Eventually(t, func() bool { return bob.Notifications().UnreadCount() == 1 }, waitFor, tick)
	assert.Equal(t, "New post in go: hello", bob.Notifications().List()[0].Message)
	assert.Equal(t, "go", bob.Notifications().List()[0].TopicName)

	// The author is not notified of their own post.
	assert.Never(t, func() bool { return alice.Notifications().Len() > 0 }, 100*time.Millisecond, tick)
}

func TestCreatePostRefreshesTopicPosts(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{})
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)

	posts, err := svc.Posts(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, posts)

	other, err := svc.Posts(ctx, "2")
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, svc.CreatePost(ctx, "1", "hello", "body"))

	e, ok := svc.Cache().Peek(feed.PostsKey("1"))
	require.True(t, ok)
	assert.True(t, e.Stale || e.Status == cache.StatusSuccess)

	posts, err = svc.Posts(ctx, "1")
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0].Title)

	e, _ = svc.Cache().Peek(feed.PostsKey("2"))
	assert.False(t, e.Stale, "unrelated topic must stay fresh")
}

func TestCreatePostRequiresTitle(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{})

	_, err := svc.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Error(t, svc.CreatePost(context.Background(), "1", "  ", "body"))
}

func TestSubscribeRefreshesSubscriptions(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{})
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)

	subscribed, err := svc.IsSubscribed(ctx, "2")
	require.NoError(t, err)
	assert.False(t, subscribed)

	require.NoError(t, svc.Subscribe(ctx, "2"))
	subscribed, err = svc.IsSubscribed(ctx, "2")
	require.NoError(t, err)
	assert.True(t, subscribed)

	subs, err := svc.Subscriptions(ctx)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "rust", subs[0].Name)

	require.NoError(t, svc.Unsubscribe(ctx, "2"))
	subscribed, err = svc.IsSubscribed(ctx, "2")
	require.NoError(t, err)
	assert.False(t, subscribed)
}

func TestFailedMutationDoesNotInvalidate(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{})
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = svc.Subscriptions(ctx)
	require.NoError(t, err)

	srv.FailNext("POST /api/topics/1/subscribe", http.StatusInternalServerError)
	err = svc.Subscribe(ctx, "1")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, api.StatusCode(err))

	e, ok := svc.Cache().Peek(feed.SubscriptionsKey())
	require.True(t, ok)
	assert.Equal(t, cache.StatusSuccess, e.Status)
	assert.False(t, e.Stale)
	assert.True(t, signedIn(svc), "a server error is not an auth failure")
}

func TestUnauthorizedRequestSignsOut(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	uid := srv.AddUser("alice", "pw")
	vault := credential.NewVault(keyring.NewArrayKeyring(nil))
	svc := newService(t, srv, serviceOptions{vault: vault})
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	srv.WaitForStream(t, uid)
	srv.Push(uid, `{"message":"before revoke"}`)
	require.Eventually(t, func() bool { return svc.Notifications().Len() == 1 }, waitFor, tick)

	srv.Revoke(uid)
	_, err = svc.Topics(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, api.ErrUnauthorized))

	assert.False(t, signedIn(svc))
	assert.Zero(t, svc.Notifications().Len())
	assert.Equal(t, stream.StateDisabled, svc.StreamState())
	assert.Eventually(t, func() bool { return srv.OpenStreams(uid) == 0 }, waitFor, tick)

	_, err = vault.Load(srv.URL)
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestStreamAuthFailureSignsOut(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	uid := srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{})

	srv.Revoke(uid)
	require.NoError(t, svc.Session().Set(model.Identity{ID: uid, Username: "alice"}, srv.Token(uid)))

	assert.Eventually(t, func() bool { return !signedIn(svc) }, waitFor, tick)
	assert.Equal(t, stream.StateDisabled, svc.StreamState())
}

func TestLogoutClearsClientState(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	uid := srv.AddUser("alice", "pw")
	vault := credential.NewVault(keyring.NewArrayKeyring(nil))
	svc := newService(t, srv, serviceOptions{vault: vault})
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = vault.Load(srv.URL)
	require.NoError(t, err)

	srv.WaitForStream(t, uid)
	_, err = svc.Topics(ctx)
	require.NoError(t, err)
	srv.Push(uid, `{"message":"hi"}`)
	require.Eventually(t, func() bool { return svc.Notifications().Len() == 1 }, waitFor, tick)

	require.NoError(t, svc.Logout())

	assert.False(t, signedIn(svc))
	assert.Zero(t, svc.Notifications().Len())
	_, cached := svc.Cache().Peek(feed.TopicsKey())
	assert.False(t, cached)
	assert.Equal(t, stream.StateDisabled, svc.StreamState())
	assert.Eventually(t, func() bool { return srv.OpenStreams(uid) == 0 }, waitFor, tick)

	_, err = vault.Load(srv.URL)
	assert.ErrorIs(t, err, credential.ErrNotFound)

	_, err = svc.Topics(ctx)
	assert.ErrorIs(t, err, feed.ErrNotSignedIn)
}

func TestSwitchingUserClearsNotifications(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	aliceID := srv.AddUser("alice", "pw")
	bobID := srv.AddUser("bob", "pw")
	svc := newService(t, srv, serviceOptions{})
	ctx := context.Background()

	_, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	srv.WaitForStream(t, aliceID)
	srv.Push(aliceID, `{"message":"for alice"}`)
	require.Eventually(t, func() bool { return svc.Notifications().Len() == 1 }, waitFor, tick)

	_, err = svc.Login(ctx, "bob", "pw")
	require.NoError(t, err)
	assert.Zero(t, svc.Notifications().Len())

	srv.WaitForStream(t, bobID)
	assert.Eventually(t, func() bool { return srv.OpenStreams(aliceID) == 0 }, waitFor, tick)
}

func TestRestoreResumesStoredSession(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	uid := srv.AddUser("alice", "pw")
	vault := credential.NewVault(keyring.NewArrayKeyring(nil))

	first := newService(t, srv, serviceOptions{vault: vault})
	_, err := first.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	first.Close()

	second := newService(t, srv, serviceOptions{vault: vault})
	ok, err := second.Restore()
	require.NoError(t, err)
	require.True(t, ok)

	id, signed := second.Identity()
	require.True(t, signed)
	assert.Equal(t, "alice", id.Username)
	srv.WaitForStream(t, uid)
}

func TestRestoreDiscardsExpiredSession(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	uid := srv.AddUser("alice", "pw")
	vault := credential.NewVault(keyring.NewArrayKeyring(nil))
	require.NoError(t, vault.Save(srv.URL, credential.Stored{
		Identity: model.Identity{ID: uid, Username: "alice"},
		Token:    testutil.ExpiredToken(t, uid),
	}))

	svc := newService(t, srv, serviceOptions{vault: vault})
	var transitions atomic.Int32
	svc.Session().Subscribe(func(session.Transition) { transitions.Add(1) })

	ok, err := svc.Restore()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, signedIn(svc))
	assert.Zero(t, transitions.Load(), "expired token must not start a session")
	assert.Equal(t, stream.StateDisabled, svc.StreamState())
	assert.Zero(t, srv.OpenStreams(uid))

	_, err = vault.Load(srv.URL)
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestRestoreWithoutStoredSession(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	svc := newService(t, srv, serviceOptions{vault: credential.NewVault(keyring.NewArrayKeyring(nil))})

	ok, err := svc.Restore()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHistoryJournalsNotifications(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	uid := srv.AddUser("alice", "pw")
	history := testutil.NewTestStore(t)
	svc := newService(t, srv, serviceOptions{history: history})
	ctx := context.Background()

	_, err := svc.History(ctx, feed.HistoryFilter{Limit: 10})
	assert.ErrorIs(t, err, feed.ErrNotSignedIn)

	_, err = svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	srv.WaitForStream(t, uid)

	srv.Push(uid, `{"message":"one"}`)
	srv.Push(uid, `{"message":"two"}`)
	require.Eventually(t, func() bool { return svc.Notifications().Len() == 2 }, waitFor, tick)

	total, unread, err := svc.HistoryCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, unread)

	svc.Notifications().MarkAllRead()

	got, err := svc.History(ctx, feed.HistoryFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Message)
	assert.True(t, got[0].Read)

	got, err = svc.History(ctx, feed.HistoryFilter{UnreadOnly: true})
	require.NoError(t, err)
	assert.Empty(t, got)

	// History outlives the session.
	require.NoError(t, svc.Logout())
	count, err := history.CountNotifications(ctx, store.NotificationFilter{UserID: uid})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClearHistoryKeepsLiveNotifications(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	uid := srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{history: testutil.NewTestStore(t)})
	ctx := context.Background()

	assert.ErrorIs(t, svc.ClearHistory(ctx), feed.ErrNotSignedIn)

	_, err := svc.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	srv.WaitForStream(t, uid)
	srv.Push(uid, `{"message":"one"}`)
	require.Eventually(t, func() bool { return svc.Notifications().Len() == 1 }, waitFor, tick)

	require.NoError(t, svc.ClearHistory(ctx))

	total, unread, err := svc.HistoryCounts(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, unread)
	assert.Equal(t, 1, svc.Notifications().UnreadCount())
}

func TestRefreshRefetchesEveryLoadedPostList(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.AddUser("alice", "pw")
	srv.AddUser("bob", "pw")
	alice := newService(t, srv, serviceOptions{})
	bob := newService(t, srv, serviceOptions{})
	ctx := context.Background()

	_, err := alice.Login(ctx, "alice", "pw")
	require.NoError(t, err)
	_, err = bob.Login(ctx, "bob", "pw")
	require.NoError(t, err)

	for _, id := range []string{"1", "2"} {
		posts, err := alice.Posts(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, posts)
	}

	require.NoError(t, bob.CreatePost(ctx, "1", "from bob", ""))
	require.NoError(t, bob.CreatePost(ctx, "2", "also bob", ""))

	// Someone else's post does not touch alice's cache.
	e, _ := alice.Cache().Peek(feed.PostsKey("1"))
	assert.False(t, e.Stale)

	alice.Refresh()

	for _, id := range []string{"1", "2"} {
		key := feed.PostsKey(id)
		require.Eventually(t, func() bool {
			e, _ := alice.Cache().Peek(key)
			posts, _ := e.Data.([]model.Post)
			return e.Status == cache.StatusSuccess && len(posts) == 1
		}, waitFor, tick)
	}
}

func TestUpdatesReportSessionChanges(t *testing.T) {
	srv := testutil.NewFakeServer(t)
	srv.AddUser("alice", "pw")
	svc := newService(t, srv, serviceOptions{})

	_, err := svc.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)

	deadline := time.After(waitFor)
	for {
		select {
		case u := <-svc.Updates():
			if u.Kind == feed.UpdateSession {
				assert.True(t, u.SignedIn)
				return
			}
		case <-deadline:
			t.Fatal("no session update")
		}
	}
}
