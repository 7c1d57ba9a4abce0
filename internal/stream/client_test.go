package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/topicfeed/internal/model"
)

const testToken = "test-token"

// sseServer serves one scripted handler per connection, in order. The
// last handler is reused for any further connections.
type sseServer struct {
	*httptest.Server
	conns    atomic.Int32
	headers  chan http.Header
	handlers []func(w http.ResponseWriter, r *http.Request, flush func())
}

func newSSEServer(t *testing.T, handlers ...func(w http.ResponseWriter, r *http.Request, flush func())) *sseServer {
	t.Helper()
	s := &sseServer{headers: make(chan http.Header, 32), handlers: handlers}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.conns.Add(1))
		select {
		case s.headers <- r.Header.Clone():
		default:
		}
		h := s.handlers[min(n, len(s.handlers))-1]
		flusher := w.(http.Flusher)
		h(w, r, flusher.Flush)
	}))
	t.Cleanup(s.Close)
	return s
}

func streamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

// sendThenHold writes frames and keeps the connection open until the
// client goes away.
func sendThenHold(frames ...string) func(http.ResponseWriter, *http.Request, func()) {
	return func(w http.ResponseWriter, r *http.Request, flush func()) {
		streamHeaders(w)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flush()
		}
		<-r.Context().Done()
	}
}

// sendThenClose writes frames and ends the response.
func sendThenClose(frames ...string) func(http.ResponseWriter, *http.Request, func()) {
	return func(w http.ResponseWriter, r *http.Request, flush func()) {
		streamHeaders(w)
		for _, f := range frames {
			fmt.Fprint(w, f)
			flush()
		}
	}
}

type collector struct {
	mu     sync.Mutex
	events []model.Event
	states []State
	ch     chan model.Event
}

func newCollector() *collector {
	return &collector{ch: make(chan model.Event, 64)}
}

func (c *collector) sink(ev model.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.ch <- ev
}

func (c *collector) onState(s State) {
	c.mu.Lock()
	c.states = append(c.states, s)
	c.mu.Unlock()
}

func (c *collector) next(t *testing.T) model.Event {
	t.Helper()
	select {
	case ev := <-c.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return model.Event{}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) seenStates() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.states...)
}

func staticCredential(token string) func() (string, bool) {
	return func() (string, bool) { return token, true }
}

func newTestClient(t *testing.T, url string, col *collector, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{
		URL:           url,
		Credential:    staticCredential(testToken),
		Backoff:       backoff.NewConstantBackOff(5 * time.Millisecond),
		MinRetryDelay: time.Millisecond,
		MaxRetryDelay: 20 * time.Millisecond,
		Sink:          col.sink,
		OnStateChange: col.onState,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	c := New(opts)
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "state never became %s (now %s)", want, c.State())
}

func TestConnectedFrameIsNotForwarded(t *testing.T) {
	srv := newSSEServer(t, sendThenHold(
		"data: connected\n\n",
		"id: evt-1\ndata: {\"message\":\"new post\",\"topic_name\":\"go\",\"post_id\":\"42\"}\n\n",
	))
	col := newCollector()
	c := newTestClient(t, srv.URL, col)

	require.NoError(t, c.Start(context.Background()))

	ev := col.next(t)
	assert.Equal(t, model.Event{ID: "evt-1", Message: "new post", TopicName: "go", PostID: "42"}, ev)
	assert.Equal(t, 1, col.count(), "connected frame must not reach the sink")
	assert.Equal(t, StateOpen, c.State())
	assert.Equal(t, []State{StateConnecting, StateOpen}, col.seenStates())

	h := <-srv.headers
	assert.Equal(t, "Bearer "+testToken, h.Get("Authorization"))
	assert.Equal(t, "text/event-stream", h.Get("Accept"))
}

func TestMalformedFramesAreSkipped(t *testing.T) {
	srv := newSSEServer(t, sendThenHold(
		"data: connected\n\n",
		"data: {not json\n\n",
		"data: {\"topic_name\":\"go\"}\n\n",
		"event: ping\ndata: {\"message\":\"named\"}\n\n",
		"data: {\"message\":\"ok\"}\n\n",
	))
	col := newCollector()
	c := newTestClient(t, srv.URL, col)

	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, "ok", col.next(t).Message)
	assert.Equal(t, 1, col.count())
	assert.Equal(t, StateOpen, c.State())
}

func TestEventsDeliveredInFrameOrder(t *testing.T) {
	var frames []string
	for i := 0; i < 20; i++ {
		frames = append(frames, fmt.Sprintf("data: {\"message\":\"m%d\"}\n\n", i))
	}
	srv := newSSEServer(t, sendThenHold(frames...))
	col := newCollector()
	c := newTestClient(t, srv.URL, col)

	require.NoError(t, c.Start(context.Background()))

	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("m%d", i), col.next(t).Message)
	}
}

func TestReconnectsAfterServerCloses(t *testing.T) {
	srv := newSSEServer(t,
		sendThenClose("id: 9\ndata: {\"message\":\"first\"}\n\n"),
		sendThenHold("data: {\"message\":\"second\"}\n\n"),
	)
	col := newCollector()
	c := newTestClient(t, srv.URL, col)

	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, "first", col.next(t).Message)
	assert.Equal(t, "second", col.next(t).Message)
	assert.Equal(t, int32(2), srv.conns.Load())

	<-srv.headers
	second := <-srv.headers
	assert.Equal(t, "9", second.Get("Last-Event-ID"))
	assert.Contains(t, col.seenStates(), StateConnecting)
}

func TestRetriesOnServerErrorAndWrongContentType(t *testing.T) {
	srv := newSSEServer(t,
		func(w http.ResponseWriter, r *http.Request, _ func()) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		func(w http.ResponseWriter, r *http.Request, _ func()) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, "{}")
		},
		sendThenHold("data: {\"message\":\"finally\"}\n\n"),
	)
	col := newCollector()
	c := newTestClient(t, srv.URL, col)

	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, "finally", col.next(t).Message)
	assert.Equal(t, int32(3), srv.conns.Load())
}

func TestUnauthorizedDisablesWithoutRetry(t *testing.T) {
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request, _ func()) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	col := newCollector()
	var authFailures atomic.Int32
	c := newTestClient(t, srv.URL, col, func(o *Options) {
		o.OnAuthFailure = func(status int) {
			assert.Equal(t, http.StatusUnauthorized, status)
			authFailures.Add(1)
		}
	})

	require.NoError(t, c.Start(context.Background()))

	waitState(t, c, StateDisabled)
	require.Eventually(t, func() bool { return authFailures.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.conns.Load(), "auth failure must not be retried")
	assert.Equal(t, StateDisabled, c.State())
}

func TestIdleTimeoutForcesReconnect(t *testing.T) {
	srv := newSSEServer(t, sendThenHold("data: connected\n\n"))
	col := newCollector()
	c := newTestClient(t, srv.URL, col, func(o *Options) {
		o.IdleTimeout = 30 * time.Millisecond
	})

	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return srv.conns.Load() >= 2 },
		2*time.Second, 5*time.Millisecond, "silent stream must be dropped and redialed")
}

func TestNoCredentialParksUntilWake(t *testing.T) {
	srv := newSSEServer(t, sendThenHold("data: {\"message\":\"hi\"}\n\n"))
	col := newCollector()

	var mu sync.Mutex
	credential := ""
	c := newTestClient(t, srv.URL, col, func(o *Options) {
		o.Credential = func() (string, bool) {
			mu.Lock()
			defer mu.Unlock()
			return credential, credential != ""
		}
	})

	require.NoError(t, c.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateDisabled, c.State())
	assert.Zero(t, srv.conns.Load(), "no dial without a credential")

	mu.Lock()
	credential = testToken
	mu.Unlock()
	c.Wake()

	assert.Equal(t, "hi", col.next(t).Message)
	assert.Equal(t, StateOpen, c.State())
}

func TestCredentialRemovedMidLoopStopsDialing(t *testing.T) {
	srv := newSSEServer(t, sendThenClose("data: {\"message\":\"tick\"}\n\n"))
	col := newCollector()

	var present atomic.Bool
	present.Store(true)
	c := newTestClient(t, srv.URL, col, func(o *Options) {
		o.Credential = func() (string, bool) {
			if !present.Load() {
				return "", false
			}
			return testToken, true
		}
	})

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, "tick", col.next(t).Message)
	require.Eventually(t, func() bool { return srv.conns.Load() >= 2 },
		2*time.Second, 5*time.Millisecond, "closed stream must be redialed")

	present.Store(false)
	waitState(t, c, StateDisabled)

	settled := srv.conns.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, srv.conns.Load(), "no dial after the credential is gone")
	assert.Equal(t, StateDisabled, c.State())
}

func TestNoSinkCallAfterClose(t *testing.T) {
	stop := make(chan struct{})
	srv := newSSEServer(t, func(w http.ResponseWriter, r *http.Request, flush func()) {
		streamHeaders(w)
		for i := 0; ; i++ {
			select {
			case <-r.Context().Done():
				return
			case <-stop:
				return
			default:
			}
			fmt.Fprintf(w, "data: {\"message\":\"m%d\"}\n\n", i)
			flush()
			time.Sleep(time.Millisecond)
		}
	})
	defer close(stop)

	var delivered atomic.Int32
	c := New(Options{
		URL:        srv.URL,
		Credential: staticCredential(testToken),
		Sink:       func(model.Event) { delivered.Add(1) },
	})

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return delivered.Load() > 3 }, 2*time.Second, time.Millisecond)

	c.Close()
	after := delivered.Load()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, after, delivered.Load())
	assert.Equal(t, StateClosed, c.State())
	select {
	case <-c.Done():
	default:
		t.Fatal("loop still running after Close")
	}
}

func TestStartAndCloseLifecycle(t *testing.T) {
	c := New(Options{URL: "http://127.0.0.1:0"})

	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	c.Close()
	c.Close()
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
	assert.Equal(t, StateClosed, c.State())
}

func TestCloseWithoutStart(t *testing.T) {
	c := New(Options{})
	c.Close()
	assert.Equal(t, StateClosed, c.State())
}

func TestRetryDelayBounds(t *testing.T) {
	tests := []struct {
		name        string
		next        time.Duration
		serverRetry time.Duration
		want        time.Duration
	}{
		{"within bounds", 2 * time.Second, 0, 2 * time.Second},
		{"raised to floor", 10 * time.Millisecond, 0, time.Second},
		{"capped", time.Minute, 0, 30 * time.Second},
		{"server retry raises floor", 2 * time.Second, 5 * time.Second, 5 * time.Second},
		{"stop becomes max", backoff.Stop, 0, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fixedBackOff{d: tt.next}
			got := retryDelay(b, time.Second, 30*time.Second, tt.serverRetry)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultBackOffNeverStops(t *testing.T) {
	b := NewBackOff(time.Millisecond, 10*time.Millisecond)
	for i := 0; i < 100; i++ {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d)
		require.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

type fixedBackOff struct{ d time.Duration }

func (b *fixedBackOff) NextBackOff() time.Duration { return b.d }
func (b *fixedBackOff) Reset()                     {}
