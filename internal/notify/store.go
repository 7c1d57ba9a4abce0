// Package notify keeps the ordered, bounded collection of notifications
// received on the event stream.
//
// Store is the only mutation path for notifications. Records are added
// by Insert and changed only in bulk (MarkAllRead, Clear); there is no
// per-record update or delete. The unread count is always computed from
// the collection, never tracked separately.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/topicfeed/internal/model"
)

// DefaultCapacity is used when Options.Capacity is not positive.
const DefaultCapacity = 100

// journalTimeout bounds a single journal write.
const journalTimeout = 5 * time.Second

// Journal persists notifications beyond the lifetime of the store.
// Journal errors are logged and never affect the in-memory collection.
type Journal interface {
	AppendNotification(ctx context.Context, n model.Notification) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Options configures a Store.
type Options struct {
	// Capacity bounds the collection; the oldest records are dropped
	// first. Defaults to DefaultCapacity.
	Capacity int

	// Dedupe drops events whose server id was already inserted in this
	// session. When false, such events are kept under a fresh client id.
	Dedupe bool

	// Journal, if set, receives every inserted record and bulk read.
	Journal Journal

	Logger *slog.Logger

	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Store is safe for concurrent use. Readers always receive copies.
type Store struct {
	opts Options

	mu       sync.RWMutex
	items    []model.Notification // most recent first
	serverID map[string]struct{}  // server ids seen since the last Clear

	lmu       sync.Mutex
	listeners map[int]func()
	nextL     int
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &Store{
		opts:      opts,
		serverID:  make(map[string]struct{}),
		listeners: make(map[int]func()),
	}
}

// Insert records ev as the newest, unread notification and returns it.
// ok is false only when Dedupe is on and ev repeats a server id.
func (s *Store) Insert(ev model.Event) (n model.Notification, ok bool) {
	s.mu.Lock()

	id := ev.ID
	if id != "" {
		if _, dup := s.serverID[id]; dup {
			if s.opts.Dedupe {
				s.mu.Unlock()
				s.opts.Logger.Debug("dropping duplicate notification", "server_id", id)
				return model.Notification{}, false
			}
			id = ""
		}
		s.serverID[ev.ID] = struct{}{}
	}
	if id == "" {
		id = s.opts.NewID()
	}

	n = model.Notification{
		ID:         id,
		ServerID:   ev.ID,
		Message:    ev.Message,
		TopicName:  ev.TopicName,
		PostID:     ev.PostID,
		ReceivedAt: s.opts.Now(),
	}

	items := make([]model.Notification, 0, min(len(s.items)+1, s.opts.Capacity))
	items = append(items, n)
	items = append(items, s.items...)
	if len(items) > s.opts.Capacity {
		items = items[:s.opts.Capacity]
	}
	s.items = items
	s.mu.Unlock()

	if s.opts.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := s.opts.Journal.AppendNotification(ctx, n); err != nil {
			s.opts.Logger.Warn("journaling notification failed", "id", n.ID, "error", err)
		}
		cancel()
	}

	s.changed()
	return n, true
}

// MarkAllRead marks every record read. It does nothing when there is
// no unread record.
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	if countUnread(s.items) == 0 {
		s.mu.Unlock()
		return
	}
	items := make([]model.Notification, len(s.items))
	for i, n := range s.items {
		n.Read = true
		items[i] = n
	}
	s.items = items
	s.mu.Unlock()

	if s.opts.Journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := s.opts.Journal.MarkAllNotificationsRead(ctx); err != nil {
			s.opts.Logger.Warn("journaling mark-all-read failed", "error", err)
		}
		cancel()
	}

	s.changed()
}

// Clear empties the collection and forgets seen server ids. The journal
// keeps its history.
func (s *Store) Clear() {
	s.mu.Lock()
	wasEmpty := len(s.items) == 0 && len(s.serverID) == 0
	s.items = nil
	s.serverID = make(map[string]struct{})
	s.mu.Unlock()

	if !wasEmpty {
		s.changed()
	}
}

// List returns the notifications, most recent first.
func (s *Store) List() []model.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// UnreadCount returns the number of records with Read == false.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countUnread(s.items)
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Snapshot returns the list and its unread count from one consistent
// read.
func (s *Store) Snapshot() ([]model.Notification, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Notification, len(s.items))
	copy(out, s.items)
	return out, countUnread(out)
}

// Subscribe registers fn to run after every change. The returned
// function removes it.
func (s *Store) Subscribe(fn func()) func() {
	s.lmu.Lock()
	id := s.nextL
	s.nextL++
	s.listeners[id] = fn
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) changed() {
	s.lmu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func countUnread(items []model.Notification) int {
	unread := 0
	for _, n := range items {
		if !n.Read {
			unread++
		}
	}
	return unread
}
