// Package cache is a keyed, asynchronous result cache for read queries.
//
// Each key has at most one fetch in flight. Successful data is kept
// across later loading and error transitions (stale-while-revalidate),
// and entries are refreshed only through explicit invalidation, usually
// triggered by a successful Mutation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNoFetcher is returned for a key whose resource was never registered.
var ErrNoFetcher = errors.New("cache: no fetcher registered")

// DefaultFetchTimeout bounds a single fetch when Options.FetchTimeout is
// not set.
const DefaultFetchTimeout = 30 * time.Second

// Status is the lifecycle state of an entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// FetchFunc loads the value for key. It runs on a context owned by the
// cache, not by the reader that triggered it, so one reader giving up
// does not cancel the fetch for everyone else.
type FetchFunc func(ctx context.Context, key Key) (any, error)

// Entry is a point-in-time snapshot of a cached key.
type Entry struct {
	Key    Key
	Status Status

	// Data is the last successful payload. It survives later loading and
	// error states.
	Data any

	// Err is the last fetch error while Status is StatusError.
	Err error

	// FetchedAt is the time of the last success. Display only.
	FetchedAt time.Time

	// Stale is set by Invalidate and cleared by the next success.
	Stale bool
}

// HasData reports whether the entry holds a successful payload.
func (e Entry) HasData() bool {
	return !e.FetchedAt.IsZero()
}

// Mutation is a write whose success makes some cached keys stale.
type Mutation interface {
	Do(ctx context.Context) error

	// Affects lists every key the write invalidates.
	Affects() []Key
}

// Options configures a Cache.
type Options struct {
	FetchTimeout time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type entry struct {
	Entry

	// gen numbers fetch attempts for this key.
	gen uint64

	// cancel aborts the attempt in flight. refetch is set by Invalidate
	// while loading: the attempt's result is dropped and exactly one new
	// attempt starts when it returns.
	cancel  context.CancelFunc
	refetch bool
}

// Cache is safe for concurrent use.
type Cache struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu       sync.Mutex
	fetchers map[string]FetchFunc
	entries  map[Key]*entry
	epoch    uint64 // bumped by Reset; older in-flight results are dropped

	lmu       sync.Mutex
	listeners map[int]func(Key)
	nextL     int
}

// New creates an empty cache. Call Close to cancel background fetches.
func New(opts Options) *Cache {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		fetchers:  make(map[string]FetchFunc),
		entries:   make(map[Key]*entry),
		listeners: make(map[int]func(Key)),
	}
}

// Register sets the fetch function for every key of resource.
func (c *Cache) Register(resource string, fetch FetchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers[resource] = fetch
}

// Get returns the entry for key, fetching it if needed.
//
// A fresh successful entry is returned immediately. An absent, stale or
// failed entry starts a fetch; a loading entry joins the fetch already
// in flight. On fetch failure the returned entry still carries the
// previous Data and the error is returned alongside it.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, error) {
	c.mu.Lock()
	fetch, ok := c.fetchers[key.Resource]
	if !ok {
		c.mu.Unlock()
		return Entry{Key: key}, fmt.Errorf("%w for %q", ErrNoFetcher, key.Resource)
	}

	e, exists := c.entries[key]
	if exists && e.Status == StatusSuccess && !e.Stale {
		snap := e.Entry
		c.mu.Unlock()
		return snap, nil
	}

	var ch <-chan singleflight.Result
	startedNew := false
	if !exists {
		e = &entry{Entry: Entry{Key: key}}
		c.entries[key] = e
	}
	if e.Status == StatusLoading {
		ch = c.joinLocked(key, e)
	} else {
		ch = c.startLocked(key, e, fetch)
		startedNew = true
	}
	c.mu.Unlock()

	if startedNew {
		c.changed(key)
	}

	select {
	case res := <-ch:
		snap, _ := res.Val.(Entry)
		return snap, res.Err
	case <-ctx.Done():
		snap, _ := c.Peek(key)
		return snap, ctx.Err()
	}
}

// Peek returns the current snapshot without fetching. While a
// revalidation is in flight the snapshot carries the stale Data with
// StatusLoading.
func (c *Cache) Peek(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{Key: key}, false
	}
	return e.Entry, true
}

// Invalidate marks key stale and starts a background refetch. It does
// nothing for keys that were never read. A fetch already in flight is
// canceled and its result dropped; the refetch starts once it returns,
// so the key never has two fetches running.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	fetch, hasFetcher := c.fetchers[key.Resource]
	if !ok || !hasFetcher {
		c.mu.Unlock()
		return
	}
	e.Stale = true
	if e.Status == StatusLoading {
		e.refetch = true
		e.cancel()
	} else {
		c.startLocked(key, e, fetch)
	}
	c.mu.Unlock()

	c.opts.Logger.Debug("cache key invalidated", "key", key.String())
	c.changed(key)
}

// InvalidateResource invalidates every cached key of resource.
func (c *Cache) InvalidateResource(resource string) {
	c.mu.Lock()
	var keys []Key
	for k := range c.entries {
		if k.Resource == resource {
			keys = append(keys, k)
		}
	}
	c.mu.Unlock()

	for _, k := range keys {
		c.Invalidate(k)
	}
}

// Mutate runs m and, only if it succeeds, invalidates every key it
// affects. The error from m is returned unchanged.
func (c *Cache) Mutate(ctx context.Context, m Mutation) error {
	if err := m.Do(ctx); err != nil {
		return err
	}
	for _, k := range m.Affects() {
		c.Invalidate(k)
	}
	return nil
}

// Reset drops every entry. Fetches still in flight are canceled and
// their results discarded.
func (c *Cache) Reset() {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for k, e := range c.entries {
		keys = append(keys, k)
		if e.Status == StatusLoading {
			e.cancel()
		}
	}
	c.entries = make(map[Key]*entry)
	c.epoch++
	c.mu.Unlock()

	for _, k := range keys {
		c.changed(k)
	}
}

// Close cancels background fetches.
func (c *Cache) Close() {
	c.cancel()
}

// Subscribe registers fn to run after every transition of any key.
// The returned function removes it.
func (c *Cache) Subscribe(fn func(Key)) func() {
	c.lmu.Lock()
	id := c.nextL
	c.nextL++
	c.listeners[id] = fn
	c.lmu.Unlock()

	return func() {
		c.lmu.Lock()
		delete(c.listeners, id)
		c.lmu.Unlock()
	}
}

// startLocked begins a new fetch attempt for e. c.mu must be held; it
// stays held while the flight is registered so that a Loading entry
// always has a live flight to join.
func (c *Cache) startLocked(key Key, e *entry, fetch FetchFunc) <-chan singleflight.Result {
	e.gen++
	e.Status = StatusLoading
	e.refetch = false
	gen, epoch := e.gen, c.epoch

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.FetchTimeout)
	e.cancel = cancel

	return c.group.DoChan(flightKey(key, epoch, gen), func() (any, error) {
		data, err := fetch(ctx, key)
		cancel()

		snap, next, err := c.complete(key, epoch, gen, data, err)
		if next != nil {
			// Readers of this attempt get the refetched result.
			res := <-next
			return res.Val, res.Err
		}
		return snap, err
	})
}

// joinLocked waits on the flight of e's current attempt. c.mu must be
// held.
func (c *Cache) joinLocked(key Key, e *entry) <-chan singleflight.Result {
	return c.group.DoChan(flightKey(key, c.epoch, e.gen), func() (any, error) {
		// Not reached in practice: a Loading entry's flight
		// is registered before c.mu is released and is only removed after
		// complete, which needs c.mu.
		return Entry{Key: key, Status: StatusLoading}, errors.New("cache: lost in-flight fetch")
	})
}

// complete records the result of attempt gen. When the key was
// invalidated during the attempt the result is dropped, the next attempt
// starts, and its flight is returned instead.
func (c *Cache) complete(key Key, epoch, gen uint64, data any, err error) (Entry, <-chan singleflight.Result, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || epoch != c.epoch || e.gen != gen {
		c.mu.Unlock()
		// Superseded by Reset; report the result to the readers of this
		// attempt without storing it.
		if err != nil {
			return Entry{Key: key, Status: StatusError, Err: err}, nil, err
		}
		return Entry{Key: key, Status: StatusSuccess, Data: data, FetchedAt: c.opts.Now()}, nil, nil
	}
	if e.refetch {
		next := c.startLocked(key, e, c.fetchers[key.Resource])
		c.mu.Unlock()
		return Entry{}, next, nil
	}

	if err != nil {
		e.Status = StatusError
		e.Err = err
	} else {
		e.Status = StatusSuccess
		e.Data = data
		e.Err = nil
		e.Stale = false
		e.FetchedAt = c.opts.Now()
	}
	snap := e.Entry
	c.mu.Unlock()

	if err != nil {
		c.opts.Logger.Warn("cache fetch failed", "key", key.String(), "error", err)
	}
	c.changed(key)
	return snap, nil, err
}

func (c *Cache) changed(key Key) {
	c.lmu.Lock()
	fns := make([]func(Key), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}

func flightKey(key Key, epoch, gen uint64) string {
	return fmt.Sprintf("%s#%d.%d", key.String(), epoch, gen)
}

// Read is a typed convenience over Get. On error it returns whatever
// stale data the entry still holds along with the error.
func Read[T any](ctx context.Context, c *Cache, key Key) (T, error) {
	e, err := c.Get(ctx, key)
	v, _ := e.Data.(T)
	return v, err
}
