// Package evsource provides a typed client for server-sent event streams
// with transparent reconnection.
//
// A Connection owns at most one live transport at a time. Subscribers attach
// typed handlers by event name; on transport failure the Connection discards
// the transport, waits out an exponential backoff, opens a fresh one and
// re-attaches every registered handler, so subscriptions survive reconnects
// untouched.
//
// Example:
//
//	conn, err := evsource.NewConnection("https://api.example.com/stream",
//		evsource.WithRetry(500*time.Millisecond, 30*time.Second),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	sub := evsource.Subscribe(conn, "custom", func(p CustomPayload) {
//		fmt.Println(p)
//	})
//	defer sub.StopListening()
package evsource

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Default retry policy, used when the caller supplies none.
const (
	DefaultRetryBase = 500 * time.Millisecond
	DefaultRetryMax  = 30 * time.Second
)

// ============================================================================
// Options
// ============================================================================

type connOptions struct {
	credentials   bool
	headers       map[string]string
	httpClient    *http.Client
	factory       TransportFactory
	retryBase     time.Duration
	retryMax      time.Duration
	retryDisabled bool
	logger        zerolog.Logger
	stateFn       func(old, new State)
}

// Option configures a Connection.
type Option func(*connOptions)

// WithCredentials enables credentialed requests (cookie handling) on the
// default transport.
func WithCredentials(enabled bool) Option {
	return func(o *connOptions) { o.credentials = enabled }
}

// WithHeader adds a header sent on every transport request.
func WithHeader(key, value string) Option {
	return func(o *connOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithHTTPClient overrides the HTTP client used by the default transport.
func WithHTTPClient(client *http.Client) Option {
	return func(o *connOptions) { o.httpClient = client }
}

// WithTransportFactory replaces the default SSE transport with a custom one,
// e.g. WebSocketFactory.
func WithTransportFactory(factory TransportFactory) Option {
	return func(o *connOptions) { o.factory = factory }
}

// WithRetry sets the backoff policy. The delay before reconnect attempt n is
// min(base << (n-1), max).
func WithRetry(base, max time.Duration) Option {
	return func(o *connOptions) {
		if base > 0 {
			o.retryBase = base
		}
		if max > 0 {
			o.retryMax = max
		}
		o.retryDisabled = false
	}
}

// WithRetryDisabled turns off automatic reconnection. A transport error then
// stalls the connection: it stays alive but takes no further action until
// closed.
func WithRetryDisabled() Option {
	return func(o *connOptions) { o.retryDisabled = true }
}

// WithLogger enables structured logging of state transitions and listener
// churn. The default logger discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *connOptions) { o.logger = logger }
}

// WithStateListener registers a callback invoked on every state transition.
// It runs on the goroutine that caused the transition, while the connection's
// internal lock is held, so it must not call back into the Connection.
func WithStateListener(fn func(old, new State)) Option {
	return func(o *connOptions) { o.stateFn = fn }
}

func defaultOptions() connOptions {
	return connOptions{
		factory:   EventSourceFactory,
		retryBase: DefaultRetryBase,
		retryMax:  DefaultRetryMax,
		logger:    zerolog.Nop(),
	}
}

// ============================================================================
// Connection
// ============================================================================

// Connection multiplexes one event stream to typed subscribers and
// transparently reconnects on transport failure.
type Connection struct {
	address string
	opts    connOptions
	log     zerolog.Logger

	mu         sync.Mutex
	state      State
	closed     bool
	transport  Transport
	generation uint64
	attempt    int
	retryTimer *time.Timer

	// registry is the source of truth for subscriptions. The live transport's
	// listener table is rebuilt from it on every reconnect, never the
	// reverse.
	registry map[string]map[*Subscription]struct{}
}

// NewConnection opens a stream to address and returns the managed connection.
// The transport is created immediately; a factory failure at this point is
// fatal and surfaces to the caller.
func NewConnection(address string, opts ...Option) (*Connection, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.factory == nil {
		return nil, ErrNoTransport
	}

	c := &Connection{
		address:  address,
		opts:     cfg,
		log:      cfg.logger.With().Str("component", "evsource").Str("address", address).Logger(),
		registry: make(map[string]map[*Subscription]struct{}),
	}

	c.mu.Lock()
	err := c.openTransportLocked()
	t := c.transport
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("evsource: connect %s: %w", address, err)
	}

	startTransport(t)
	return c, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the live transport, or nil while closed, stalled or
// between reconnect attempts.
func (c *Connection) Current() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Address returns the stream address this connection was created with.
func (c *Connection) Address() string {
	return c.address
}

// Close shuts the connection down. Idempotent. No handler is invoked and no
// transport is created after Close returns, even if a stale transport still
// holds listener references. The registry is kept so late StopListening
// calls resolve safely.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.closed = true
	c.state = StateClosed
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	t := c.transport
	c.transport = nil
	c.notifyState(old, StateClosed)
	c.mu.Unlock()

	if t != nil {
		t.Close()
	}
	c.log.Debug().Msg("connection closed")
}

// On subscribes handler to event with the raw JSON payload. Malformed
// payloads are dropped without invoking the handler. The returned
// Subscription stays valid across reconnects.
func (c *Connection) On(event string, handler func(payload json.RawMessage)) *Subscription {
	return Subscribe(c, event, handler)
}

// Subscribe attaches a typed handler to event. Text payloads are JSON-decoded
// into T; pre-structured payloads are passed through. A payload that cannot
// be decoded is dropped without invoking the handler. Whether T matches what
// the server actually sends for event is the caller's contract; no schema is
// checked at runtime.
//
// The subscription is stored in the connection's registry and re-attached to
// every transport the connection opens, so it stays valid across reconnects.
// If no transport is live right now the handler simply starts receiving after
// the next successful reconnect.
func Subscribe[T any](c *Connection, event string, handler func(T)) *Subscription {
	s := &Subscription{
		id:    uuid.NewString(),
		conn:  c,
		event: event,
	}
	s.lis = &Listener{Fn: func(m Message) {
		if s.stopped.Load() || c.isClosed() {
			return
		}
		v, err := decodePayload[T](m.Data)
		if err != nil {
			c.log.Debug().Err(err).Str("event", event).Msg("payload dropped")
			return
		}
		handler(v)
	}}

	c.mu.Lock()
	set := c.registry[event]
	if set == nil {
		set = make(map[*Subscription]struct{})
		c.registry[event] = set
	}
	set[s] = struct{}{}
	if c.transport != nil {
		// The entry still persists in the registry if the transport rejects
		// it; it is re-attached on the next reconnect.
		_ = c.transport.AddListener(event, s.lis)
	}
	c.mu.Unlock()

	c.log.Debug().Str("event", event).Str("subscription", s.id).Msg("listener attached")
	return s
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// detach removes s from the registry and from the live transport, if any.
func (c *Connection) detach(s *Subscription) {
	c.mu.Lock()
	if set := c.registry[s.event]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(c.registry, s.event)
		}
	}
	t := c.transport
	if t != nil {
		t.RemoveListener(s.event, s.lis)
	}
	c.mu.Unlock()

	c.log.Debug().Str("event", s.event).Str("subscription", s.id).Msg("listener detached")
}

// ============================================================================
// State machine
// ============================================================================

// openTransportLocked creates a fresh transport and replays the registry onto
// it. Caller holds c.mu and is responsible for starting the transport after
// releasing the lock.
func (c *Connection) openTransportLocked() error {
	t, err := c.opts.factory(c.address, TransportConfig{
		Credentials: c.opts.credentials,
		Headers:     c.opts.headers,
		HTTPClient:  c.opts.httpClient,
		Logger:      c.log,
	})
	if err != nil {
		return err
	}

	c.transport = t
	c.generation++
	c.state = StateConnecting
	gen := c.generation

	// Lifecycle listeners are bound to this transport's generation so a
	// superseded instance can never drive the state machine.
	_ = t.AddListener(EventOpen, &Listener{Fn: func(Message) {
		c.transportSignal(gen, EventOpen, nil)
	}})
	_ = t.AddListener(EventError, &Listener{Fn: func(m Message) {
		err, _ := m.Data.(error)
		c.transportSignal(gen, EventError, err)
	}})

	for event, subs := range c.registry {
		for s := range subs {
			_ = t.AddListener(event, s.lis)
		}
	}

	c.log.Debug().Uint64("generation", gen).Msg("transport created")
	return nil
}

// transportSignal is the single update function for every lifecycle signal.
// Signals from superseded transport generations are ignored.
func (c *Connection) transportSignal(gen uint64, event string, sigErr error) {
	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		return
	}
	old := c.state

	switch event {
	case EventOpen:
		if c.state != StateConnecting && c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		c.state = StateOpen
		c.attempt = 0
		c.notifyState(old, StateOpen)
		c.mu.Unlock()
		c.log.Debug().Msg("stream open")

	case EventError:
		if c.state != StateConnecting && c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		t := c.transport
		c.transport = nil
		if c.opts.retryDisabled {
			c.state = StateStalled
		} else {
			c.scheduleRetryLocked()
		}
		next := c.state
		c.notifyState(old, next)
		c.mu.Unlock()

		if t != nil {
			t.Close()
		}
		c.log.Debug().Err(sigErr).Str("state", next.String()).Msg("transport error")

	default:
		c.mu.Unlock()
	}
}

// scheduleRetryLocked increments the attempt counter and arms the single-shot
// backoff timer. Caller holds c.mu.
func (c *Connection) scheduleRetryLocked() {
	c.attempt++
	delay := retryDelay(c.attempt, c.opts.retryBase, c.opts.retryMax)
	c.state = StateAwaitingRetry
	c.retryTimer = time.AfterFunc(delay, c.reconnect)
	c.log.Debug().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnect scheduled")
}

// reconnect fires when the backoff timer elapses. A connection closed while
// the timer was pending is left alone.
func (c *Connection) reconnect() {
	c.mu.Lock()
	if c.closed || c.state != StateAwaitingRetry {
		c.mu.Unlock()
		return
	}
	old := c.state

	if err := c.openTransportLocked(); err != nil {
		c.log.Warn().Err(err).Msg("transport factory failed, rescheduling")
		c.scheduleRetryLocked()
		c.mu.Unlock()
		return
	}
	t := c.transport
	c.notifyState(old, StateConnecting)
	c.mu.Unlock()

	startTransport(t)
}

func (c *Connection) notifyState(old, new State) {
	if c.opts.stateFn != nil && old != new {
		c.opts.stateFn(old, new)
	}
}

// retryDelay computes min(base << (attempt-1), max) for attempt >= 1. Shift
// overflow for large attempts collapses to max.
func retryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 32 {
		return max
	}
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is the detachment handle returned by Subscribe, On and
// AttachTypedListener.
type Subscription struct {
	id        string
	conn      *Connection // nil for adapter-attached subscriptions
	transport Transport   // set instead of conn by AttachTypedListener
	event     string
	lis       *Listener
	stopped   atomic.Bool
}

// ID returns the unique identifier of this subscription.
func (s *Subscription) ID() string {
	return s.id
}

// Event returns the event name this subscription listens on.
func (s *Subscription) Event() string {
	return s.event
}

// StopListening removes the subscription. The second and later calls are
// no-ops. Other subscriptions on the same event are unaffected. A delivery
// already in flight on another goroutine is suppressed as well.
func (s *Subscription) StopListening() {
	if s.stopped.Swap(true) {
		return
	}
	switch {
	case s.conn != nil:
		s.conn.detach(s)
	case s.transport != nil:
		s.transport.RemoveListener(s.event, s.lis)
	}
}
