// Package stream consumes the server's authenticated Server-Sent Events
// endpoint and forwards notification events to a sink, reconnecting
// with backoff until it is closed.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/nhle/topicfeed/internal/model"
)

var (
	// ErrAlreadyStarted is returned by Start on a client that is running.
	ErrAlreadyStarted = errors.New("stream: already started")

	// ErrClosed is returned by Start on a closed client.
	ErrClosed = errors.New("stream: closed")

	errIdleTimeout = errors.New("stream: idle timeout")
)

// connectedPayload is the control frame the server sends once a stream
// is established.
const connectedPayload = "connected"

// State is the connection lifecycle state of a Client.
type State int32

const (
	StateDisabled State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "disabled"
	}
}

// AuthError reports that the server rejected the stream credential.
type AuthError struct {
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("event stream rejected credential (HTTP %d)", e.StatusCode)
}

// Options configures a Client.
type Options struct {
	// URL of the event stream endpoint.
	URL string

	// Credential is read before every connection attempt. When it
	// reports no credential the client parks in StateDisabled until Wake.
	Credential func() (string, bool)

	// HTTPClient defaults to a client without a request timeout.
	HTTPClient *http.Client

	// Backoff supplies reconnect delays. Defaults to NewBackOff.
	Backoff backoff.BackOff

	MinRetryDelay time.Duration
	MaxRetryDelay time.Duration

	// IdleTimeout forces a reconnect when the open stream delivers no
	// bytes for this long. Zero disables the check.
	IdleTimeout time.Duration

	// Sink receives every notification event, in frame order.
	Sink func(model.Event)

	// OnStateChange and OnAuthFailure run on the client goroutine. They
	// must not call Close.
	OnStateChange func(State)
	OnAuthFailure func(statusCode int)

	Logger *slog.Logger
}

// Client owns at most one outstanding stream connection. A closed
// Client cannot be restarted.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	// deliverMu orders Sink calls against Close so that no delivery
	// starts after Close returns.
	deliverMu  sync.Mutex
	sinkClosed bool

	wake chan struct{}

	lastEventID string
	serverRetry atomic.Int64
}

// New creates a client in StateDisabled. Call Start to connect.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MinRetryDelay <= 0 {
		opts.MinRetryDelay = DefaultMinRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if opts.MaxRetryDelay < opts.MinRetryDelay {
		opts.MaxRetryDelay = opts.MinRetryDelay
	}
	if opts.Backoff == nil {
		opts.Backoff = NewBackOff(opts.MinRetryDelay, opts.MaxRetryDelay)
	}
	if opts.Credential == nil {
		opts.Credential = func() (string, bool) { return "", false }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		logger: opts.Logger.With("component", "stream"),
		state:  StateDisabled,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the connection loop. It returns ErrAlreadyStarted if
// the loop is running and ErrClosed after Close. Cancelling ctx has the
// same effect on the loop as Close, except that it does not wait.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

// Close stops the loop, aborts any in-flight connection and waits for
// the loop to exit. No Sink call starts after Close returns. Close is
// idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	started := c.started
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.deliverMu.Lock()
	c.sinkClosed = true
	c.deliverMu.Unlock()

	if started {
		<-c.done
	}
	c.setState(StateClosed)
}

// Wake nudges a client parked in StateDisabled to re-read the
// credential.
func (c *Client) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the connection loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	bo := c.opts.Backoff
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		credential, ok := c.opts.Credential()
		if !ok {
			c.setState(StateDisabled)
			c.logger.Info("event stream disabled: no credential")
			if !c.park(ctx) {
				return
			}
			continue
		}

		c.setState(StateConnecting)
		err := c.connect(ctx, credential, bo)
		if ctx.Err() != nil {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.setState(StateDisabled)
			c.logger.Warn("event stream credential rejected", "status", authErr.StatusCode)
			if c.opts.OnAuthFailure != nil {
				c.opts.OnAuthFailure(authErr.StatusCode)
			}
			if !c.park(ctx) {
				return
			}
			bo.Reset()
			continue
		}

		c.setState(StateConnecting)
		delay := retryDelay(bo, c.opts.MinRetryDelay, c.opts.MaxRetryDelay,
			time.Duration(c.serverRetry.Load()))
		c.logger.Warn("event stream disconnected", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// park blocks until Wake or cancellation. It reports false on
// cancellation.
func (c *Client) park(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.wake:
		return true
	}
}

// connect runs one connection to completion. It always returns a
// non-nil error describing why the connection ended.
func (c *Client) connect(ctx context.Context, credential string, bo backoff.BackOff) error {
	logger := c.logger.With("conn", ulid.Make().String())

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+credential)
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}

	logger.Debug("dialing event stream", "url", c.opts.URL)
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("event stream returned HTTP %d", resp.StatusCode)
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "text/event-stream" {
		return fmt.Errorf("event stream returned content type %q", resp.Header.Get("Content-Type"))
	}

	c.setState(StateOpen)
	bo.Reset()
	logger.Info("event stream open")

	var body io.Reader = resp.Body
	var idled atomic.Bool
	if c.opts.IdleTimeout > 0 {
		timer := time.AfterFunc(c.opts.IdleTimeout, func() {
			idled.Store(true)
			cancel()
		})
		defer timer.Stop()
		body = &idleReader{r: resp.Body, timer: timer, timeout: c.opts.IdleTimeout}
	}

	scanner := NewScanner(body)
	for scanner.Next() {
		c.handle(logger, scanner.Frame())
	}
	c.lastEventID = scanner.LastEventID()
	if r := scanner.Retry(); r > 0 {
		c.serverRetry.Store(int64(r))
	}

	if idled.Load() {
		return errIdleTimeout
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return errors.New("event stream closed by server")
}

func (c *Client) handle(logger *slog.Logger, f Frame) {
	if f.Type != "" && f.Type != "message" {
		logger.Debug("ignoring named event", "type", f.Type)
		return
	}
	if strings.TrimSpace(f.Data) == connectedPayload {
		logger.Debug("event stream acknowledged")
		return
	}

	var ev model.Event
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		logger.Warn("discarding malformed event", "error", err)
		return
	}
	if strings.TrimSpace(ev.Message) == "" {
		logger.Warn("discarding event without message")
		return
	}
	ev.ID = f.ID

	c.deliver(ev)
}

func (c *Client) deliver(ev model.Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.sinkClosed || c.opts.Sink == nil {
		return
	}
	c.opts.Sink(ev)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if c.closed && s != StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("event stream state", "state", s.String())
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// idleReader re-arms the idle timer on every successful read.
type idleReader struct {
	r       io.Reader
	timer   *time.Timer
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}
