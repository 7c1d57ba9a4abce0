package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gatedFetcher numbers its calls from 1 and blocks each of the first n
// calls until its gate is released. Calls listed in fail return an error.
type gatedFetcher struct {
	calls   atomic.Int32
	started chan int
	gates   []chan struct{}
	fail    map[int]bool
}

func newGatedFetcher(n int) *gatedFetcher {
	f := &gatedFetcher{
		started: make(chan int, 16),
		gates:   make([]chan struct{}, n+1),
		fail:    map[int]bool{},
	}
	for i := range f.gates {
		f.gates[i] = make(chan struct{})
	}
	return f
}

func (f *gatedFetcher) fetch(ctx context.Context, key Key) (any, error) {
	n := int(f.calls.Add(1))
	f.started <- n
	if n < len(f.gates) {
		select {
		case <-f.gates[n]:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[n] {
		return nil, fmt.Errorf("fetch %d failed", n)
	}
	return fmt.Sprintf("%s v%d", key, n), nil
}

func (f *gatedFetcher) release(n int) { close(f.gates[n]) }

func (f *gatedFetcher) waitStarted(t *testing.T, want int) {
	t.Helper()
	select {
	case n := <-f.started:
		require.Equal(t, want, n)
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch %d never started", want)
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c := New(Options{FetchTimeout: 5 * time.Second})
	t.Cleanup(c.Close)
	return c
}

func TestConcurrentReadersShareOneFetch(t *testing.T) {
	c := newTestCache(t)
	f := newGatedFetcher(2)
	c.Register("topics", f.fetch)
	key := NewKey("topics")

	type result struct {
		e   Entry
		err error
	}
	results := make(chan result, 10)
	read := func() {
		e, err := c.Get(context.Background(), key)
		results <- result{e, err}
	}

	go read()
	f.waitStarted(t, 1)

	entry, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, StatusLoading, entry.Status)

	for i := 0; i < 9; i++ {
		go read()
	}
	// Give the joiners a moment to attach before the fetch completes.
	time.Sleep(20 * time.Millisecond)
	f.release(1)

	for i := 0; i < 10; i++ {
		r := <-results
		require.NoError(t, r.err)
		assert.Equal(t, "topics v1", r.e.Data)
	}
	assert.Equal(t, int32(1), f.calls.Load())

	// A fresh entry is served without fetching.
	e, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, e.Status)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestInvalidateServesStaleDataWhileRevalidating(t *testing.T) {
	c := newTestCache(t)
	f := newGatedFetcher(2)
	c.Register("posts", f.fetch)
	key := NewKey("posts", "7")

	f.release(1)
	e, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "posts:7 v1", e.Data)

	c.Invalidate(key)
	f.waitStarted(t, 1)
	f.waitStarted(t, 2)

	stale, ok := c.Peek(key)
	require.True(t, ok)
	assert.Equal(t, StatusLoading, stale.Status)
	assert.True(t, stale.Stale)
	assert.Equal(t, "posts:7 v1", stale.Data)

	f.release(2)
	fresh, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, fresh.Status)
	assert.False(t, fresh.Stale)
	assert.Equal(t, "posts:7 v2", fresh.Data)
}

func TestInvalidateDuringFlightKeepsOneFetch(t *testing.T) {
	c := newTestCache(t)
	key := NewKey("subscriptions")

	var calls, inflight, peak atomic.Int32
	started := make(chan context.Context, 4)
	gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
	c.Register("subscriptions", func(ctx context.Context, key Key) (any, error) {
		n := calls.Add(1)
		cur := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		started <- ctx
		// Ignores ctx so the first fetch outlives the invalidations.
		if int(n) <= len(gates) {
			<-gates[n-1]
		}
		return fmt.Sprintf("%s v%d", key, n), nil
	})

	waitStarted := func() context.Context {
		t.Helper()
		select {
		case ctx := <-started:
			return ctx
		case <-time.After(2 * time.Second):
			t.Fatal("fetch never started")
			return nil
		}
	}

	first := make(chan Entry, 1)
	go func() {
		e, _ := c.Get(context.Background(), key)
		first <- e
	}()
	firstCtx := waitStarted()

	for i := 0; i < 3; i++ {
		c.Invalidate(key)
	}
	assert.ErrorIs(t, firstCtx.Err(), context.Canceled)
	assert.Equal(t, int32(1), calls.Load(), "refetch must wait for the running fetch")

	close(gates[0])
	secondCtx := waitStarted()
	assert.NoError(t, secondCtx.Err())

	e, _ := c.Peek(key)
	assert.Equal(t, StatusLoading, e.Status)
	assert.True(t, e.Stale)
	assert.Nil(t, e.Data, "result of the canceled fetch must be dropped")

	close(gates[1])
	got := <-first
	assert.Equal(t, "subscriptions v2", got.Data, "readers of the canceled fetch get the refetch")

	e, _ = c.Peek(key)
	assert.Equal(t, StatusSuccess, e.Status)
	assert.Equal(t, "subscriptions v2", e.Data)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), peak.Load())
}

func TestFailedFetchKeepsLastGoodData(t *testing.T) {
	c := newTestCache(t)
	f := newGatedFetcher(2)
	f.fail[2] = true
	c.Register("topics", f.fetch)
	key := NewKey("topics")

	f.release(1)
	_, err := c.Get(context.Background(), key)
	require.NoError(t, err)

	c.Invalidate(key)
	f.release(2)
	require.Eventually(t, func() bool {
		e, _ := c.Peek(key)
		return e.Status == StatusError
	}, 2*time.Second, 5*time.Millisecond)

	e, _ := c.Peek(key)
	assert.Equal(t, StatusError, e.Status)
	assert.EqualError(t, e.Err, "fetch 2 failed")
	assert.Equal(t, "topics v1", e.Data)
	assert.True(t, e.HasData())
}

func TestMutateInvalidatesOnlyOnSuccess(t *testing.T) {
	c := newTestCache(t)
	var calls sync.Map
	c.Register("posts", func(_ context.Context, key Key) (any, error) {
		n, _ := calls.LoadOrStore(key, new(atomic.Int32))
		return n.(*atomic.Int32).Add(1), nil
	})
	affected := NewKey("posts", "1")
	other := NewKey("posts", "2")

	for _, k := range []Key{affected, other} {
		_, err := c.Get(context.Background(), k)
		require.NoError(t, err)
	}

	boom := errors.New("server said no")
	err := c.Mutate(context.Background(), MutationFunc{
		Fn:   func(context.Context) error { return boom },
		Keys: []Key{affected},
	})
	assert.Equal(t, boom, err)
	e, _ := c.Peek(affected)
	assert.False(t, e.Stale)
	assert.Equal(t, StatusSuccess, e.Status)

	require.NoError(t, c.Mutate(context.Background(), MutationFunc{
		Fn:   func(context.Context) error { return nil },
		Keys: []Key{affected},
	}))
	require.Eventually(t, func() bool {
		e, _ := c.Peek(affected)
		return e.Status == StatusSuccess && e.Data == int32(2)
	}, 2*time.Second, 5*time.Millisecond)

	e, _ = c.Peek(other)
	assert.Equal(t, int32(1), e.Data, "unaffected key must not refetch")
}

func TestInvalidateResourceCoversEveryParam(t *testing.T) {
	c := newTestCache(t)
	var n atomic.Int32
	c.Register("posts", func(context.Context, Key) (any, error) {
		return n.Add(1), nil
	})
	for _, p := range []string{"1", "2", "3"} {
		_, err := c.Get(context.Background(), NewKey("posts", p))
		require.NoError(t, err)
	}

	c.InvalidateResource("posts")

	require.Eventually(t, func() bool { return n.Load() == 6 }, 2*time.Second, 5*time.Millisecond)
}

func TestInvalidateUnknownKeyDoesNothing(t *testing.T) {
	c := newTestCache(t)
	var n atomic.Int32
	c.Register("topics", func(context.Context, Key) (any, error) {
		n.Add(1)
		return nil, nil
	})

	c.Invalidate(NewKey("topics"))

	_, ok := c.Peek(NewKey("topics"))
	assert.False(t, ok)
	assert.Zero(t, n.Load())
}

func TestResetDropsEntriesAndInFlightResults(t *testing.T) {
	c := newTestCache(t)
	f := newGatedFetcher(1)
	c.Register("topics", f.fetch)
	key := NewKey("topics")

	done := make(chan struct{})
	go func() {
		_, _ = c.Get(context.Background(), key)
		close(done)
	}()
	f.waitStarted(t, 1)

	c.Reset()
	f.release(1)
	<-done

	_, ok := c.Peek(key)
	assert.False(t, ok, "result of a fetch started before Reset must be discarded")
}

func TestGetUnregisteredResource(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Get(context.Background(), NewKey("nope"))
	assert.ErrorIs(t, err, ErrNoFetcher)
}

func TestReaderCancelDoesNotCancelSharedFetch(t *testing.T) {
	c := newTestCache(t)
	f := newGatedFetcher(1)
	c.Register("topics", f.fetch)
	key := NewKey("topics")

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, key)
		errc <- err
	}()
	f.waitStarted(t, 1)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	f.release(1)
	e, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "topics v1", e.Data)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestSubscribeSeesTransitions(t *testing.T) {
	c := newTestCache(t)
	c.Register("topics", func(context.Context, Key) (any, error) { return "ok", nil })

	var mu sync.Mutex
	var seen []string
	unsubscribe := c.Subscribe(func(k Key) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, k.String())
	})

	_, err := c.Get(context.Background(), NewKey("topics"))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"topics", "topics"}, seen, "loading then success")
	mu.Unlock()

	unsubscribe()
	c.Reset()
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

func TestRead(t *testing.T) {
	c := newTestCache(t)
	c.Register("count", func(context.Context, Key) (any, error) { return 3, nil })

	n, err := Read[int](context.Background(), c, NewKey("count"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
