// Package feed wires the session, event stream, notification store and
// request cache into one client-side service.
//
// The session drives everything: a credential starts a fresh stream
// client, losing it closes the stream and empties the notification
// store and the cache. Any 401 from the server clears the session.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nhle/topicfeed/internal/api"
	"github.com/nhle/topicfeed/internal/cache"
	"github.com/nhle/topicfeed/internal/credential"
	"github.com/nhle/topicfeed/internal/model"
	"github.com/nhle/topicfeed/internal/notify"
	"github.com/nhle/topicfeed/internal/session"
	"github.com/nhle/topicfeed/internal/store"
	"github.com/nhle/topicfeed/internal/stream"
)

// ErrNotSignedIn is returned by calls that need a session.
var ErrNotSignedIn = errors.New("feed: not signed in")

// UpdateKind says which part of the client state changed.
type UpdateKind int

const (
	UpdateSession UpdateKind = iota
	UpdateStream
	UpdateNotifications
	UpdateCache
)

// Update is a change hint for the UI. Updates are coalesced: when the
// consumer falls behind some are dropped, so consumers re-read state
// instead of relying on every update arriving.
type Update struct {
	Kind UpdateKind

	// SignedIn is set for UpdateSession.
	SignedIn bool

	// State is set for UpdateStream.
	State stream.State

	// Key is set for UpdateCache.
	Key cache.Key
}

// StreamOptions tunes the event stream client.
type StreamOptions struct {
	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration
	IdleTimeout   time.Duration

	// HTTPClient defaults to a client without a timeout.
	HTTPClient *http.Client
}

// Options configures a Service.
type Options struct {
	API     *api.Client
	Session *session.State

	Notifications notify.Options
	Stream        StreamOptions

	// History, if set, journals every notification per user.
	History store.Store

	// Vault, if set, persists the session across restarts.
	Vault *credential.Vault

	Logger *slog.Logger
}

// Service is the reconciliation layer between server state and the
// client's view of it. It is safe for concurrent use.
type Service struct {
	api        *api.Client
	session    *session.State
	notes      *notify.Store
	cache      *cache.Cache
	history    store.Store
	vault      *credential.Vault
	streamOpts StreamOptions
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// journal is the history journal of the signed-in user, nil when
	// signed out or without history.
	journal atomic.Pointer[store.Journal]

	mu          sync.Mutex
	client      *stream.Client
	streamState stream.State
	identity    model.Identity
	closed      bool

	updates     chan Update
	unsubscribe []func()
}

// New builds the service and subscribes it to session transitions. If
// the session already holds a credential the stream starts immediately.
func New(opts Options) *Service {
	if opts.Session == nil {
		opts.Session = session.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Service{
		api:        opts.API,
		session:    opts.Session,
		history:    opts.History,
		vault:      opts.Vault,
		streamOpts: opts.Stream,
		logger:     opts.Logger.With("component", "feed"),
		updates:    make(chan Update, 64),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	notesOpts := opts.Notifications
	notesOpts.Journal = sessionJournal{s}
	if notesOpts.Logger == nil {
		notesOpts.Logger = opts.Logger
	}
	s.notes = notify.New(notesOpts)
	s.cache = cache.New(cache.Options{Logger: opts.Logger})
	s.registerFetchers()

	s.unsubscribe = append(s.unsubscribe,
		s.notes.Subscribe(func() { s.emit(Update{Kind: UpdateNotifications}) }),
		s.cache.Subscribe(func(k cache.Key) { s.emit(Update{Kind: UpdateCache, Key: k}) }),
		s.session.Subscribe(s.onSession),
	)

	if cur, ok := s.session.Current(); ok {
		s.onSession(session.Transition{
			Session:       cur,
			HasCredential: true,
			Generation:    s.session.Generation(),
		})
	}
	return s
}

// Close stops the stream and background fetches. The service cannot be
// used afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	for _, fn := range s.unsubscribe {
		fn()
	}
	s.stopStream()
	s.cancel()
	s.cache.Close()
}

// Updates returns the change feed. It is never closed.
func (s *Service) Updates() <-chan Update {
	return s.updates
}

// Notifications returns the notification store.
func (s *Service) Notifications() *notify.Store {
	return s.notes
}

// Cache returns the request cache.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// Session returns the session state.
func (s *Service) Session() *session.State {
	return s.session
}

// StreamState returns the state of the current stream client, or
// StateDisabled when signed out.
func (s *Service) StreamState() stream.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamState
}

// onSession runs synchronously inside session transitions. It must not
// call Set or Clear.
func (s *Service) onSession(tr session.Transition) {
	s.stopStream()

	s.mu.Lock()
	previous := s.identity
	s.identity = tr.Session.Identity
	closed := s.closed
	s.mu.Unlock()

	if !tr.HasCredential || previous.ID != tr.Session.Identity.ID {
		s.notes.Clear()
		s.cache.Reset()
	}

	if tr.HasCredential && s.history != nil {
		s.journal.Store(store.ForUser(s.history, tr.Session.Identity.ID))
	} else {
		s.journal.Store(nil)
	}

	if tr.HasCredential && !closed {
		s.startStream(tr.Generation)
		s.logger.Info("session started", "user", tr.Session.Identity.Username)
	} else if !tr.HasCredential {
		s.logger.Info("session ended")
	}

	s.emit(Update{Kind: UpdateSession, SignedIn: tr.HasCredential})
}

func (s *Service) startStream(generation uint64) {
	var c *stream.Client
	c = stream.New(stream.Options{
		URL:           s.api.EventsURL(),
		Credential:    s.session.Credential,
		HTTPClient:    s.streamOpts.HTTPClient,
		MinRetryDelay: s.streamOpts.MinRetryDelay,
		MaxRetryDelay: s.streamOpts.MaxRetryDelay,
		IdleTimeout:   s.streamOpts.IdleTimeout,
		Sink: func(ev model.Event) {
			s.notes.Insert(ev)
		},
		OnStateChange: func(st stream.State) {
			s.mu.Lock()
			current := s.client == c
			if current {
				s.streamState = st
			}
			s.mu.Unlock()
			if current {
				s.emit(Update{Kind: UpdateStream, State: st})
			}
		},
		OnAuthFailure: func(int) {
			// The stream goroutine cannot wait for its own Close.
			go s.authLost(generation, "event stream")
		},
		Logger: s.logger,
	})

	s.mu.Lock()
	s.client = c
	s.mu.Unlock()

	if err := c.Start(s.ctx); err != nil {
		s.logger.Error("starting event stream", "error", err)
	}
}

// stopStream closes the current stream client and waits for it. No
// notification from it is inserted after stopStream returns.
func (s *Service) stopStream() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	c.Close()

	s.mu.Lock()
	s.streamState = stream.StateDisabled
	s.mu.Unlock()
	s.emit(Update{Kind: UpdateStream, State: stream.StateDisabled})
}

// authLost ends the session that was current at generation.
func (s *Service) authLost(generation uint64, where string) {
	if s.session.ClearIf(generation) {
		s.logger.Warn("credential rejected, signing out", "source", where)
		if err := s.forgetStored(); err != nil {
			s.logger.Warn("removing stored session", "error", err)
		}
	}
}

func (s *Service) emit(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}

// sessionJournal routes journal writes to the signed-in user's history.
type sessionJournal struct{ s *Service }

func (j sessionJournal) AppendNotification(ctx context.Context, n model.Notification) error {
	if jr := j.s.journal.Load(); jr != nil {
		return jr.AppendNotification(ctx, n)
	}
	return nil
}

func (j sessionJournal) MarkAllNotificationsRead(ctx context.Context) error {
	if jr := j.s.journal.Load(); jr != nil {
		return jr.MarkAllNotificationsRead(ctx)
	}
	return nil
}
