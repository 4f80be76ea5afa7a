package evsource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Transport capability
// ============================================================================

// Transport is the capability a Connection requires from the underlying
// stream: attach and detach named-event listeners, and close. Every transport
// additionally emits the EventOpen and EventError lifecycle events through
// the same listener mechanism.
type Transport interface {
	// AddListener attaches l to event. It returns ErrTransportClosed when the
	// transport is already in a terminal closed state.
	AddListener(event string, l *Listener) error

	// RemoveListener detaches l from event. Unknown listeners are ignored.
	RemoveListener(event string, l *Listener)

	// Close tears the transport down. Idempotent; no events are delivered
	// after Close returns.
	Close() error
}

// TransportConfig carries the per-connection settings handed to a
// TransportFactory.
type TransportConfig struct {
	// Credentials enables cookie handling on the default HTTP client, the
	// closest analog of a credentialed EventSource request.
	Credentials bool
	Headers     map[string]string
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

// TransportFactory opens a fresh transport for address. The Connection calls
// it once at construction and once per reconnect attempt.
type TransportFactory func(address string, cfg TransportConfig) (Transport, error)

// starter is implemented by the built-in transports, which defer dialing
// until the Connection has attached its listeners. Externally owned
// transports used with AttachTypedListener need not implement it.
type starter interface{ Start() }

func startTransport(t Transport) {
	if s, ok := t.(starter); ok {
		s.Start()
	}
}

// ============================================================================
// Listener table
// ============================================================================

// emitter is the listener table shared by the built-in transports. Listener
// identity is the *Listener pointer, so attaching the same listener twice
// never double-delivers.
type emitter struct {
	mu        sync.Mutex
	listeners map[string]map[*Listener]struct{}
	closed    bool
}

func newEmitter() emitter {
	return emitter{listeners: make(map[string]map[*Listener]struct{})}
}

// AddListener implements Transport.
func (e *emitter) AddListener(event string, l *Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrTransportClosed
	}
	set := e.listeners[event]
	if set == nil {
		set = make(map[*Listener]struct{})
		e.listeners[event] = set
	}
	set[l] = struct{}{}
	return nil
}

// RemoveListener implements Transport.
func (e *emitter) RemoveListener(event string, l *Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set := e.listeners[event]; set != nil {
		delete(set, l)
	}
}

// emit delivers msg to every listener attached to event. Listeners run
// synchronously on the calling goroutine, so one message is fully dispatched
// before the next is read. Delivery order among listeners is unspecified.
func (e *emitter) emit(event string, msg Message) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	snapshot := make([]*Listener, 0, len(e.listeners[event]))
	for l := range e.listeners[event] {
		snapshot = append(snapshot, l)
	}
	e.mu.Unlock()

	for _, l := range snapshot {
		l.Fn(msg)
	}
}

// markClosed flips the terminal flag. It returns false when already closed.
func (e *emitter) markClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	return true
}

// ============================================================================
// EventSource (text/event-stream transport)
// ============================================================================

// maxEventSize bounds a single stream frame.
const maxEventSize = 1 << 20 // 1MB

// EventSource is the default Transport: a W3C text/event-stream client over
// net/http. It emits EventOpen once the stream is confirmed, every named
// application event as it arrives, and a single EventError when the stream
// fails or ends.
type EventSource struct {
	emitter

	url     string
	client  *http.Client
	headers map[string]string
	log     zerolog.Logger

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	idMu        sync.Mutex
	lastEventID string
}

// NewEventSource prepares an SSE transport for address. The stream is not
// dialed until Start, so listeners attached in between cannot miss the open
// event.
func NewEventSource(address string, cfg TransportConfig) (*EventSource, error) {
	if _, err := url.Parse(address); err != nil {
		return nil, fmt.Errorf("evsource: parse address: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		if cfg.Credentials {
			jar, err := cookiejar.New(nil)
			if err != nil {
				return nil, fmt.Errorf("evsource: cookie jar: %w", err)
			}
			client = &http.Client{Jar: jar}
		} else {
			client = http.DefaultClient
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &EventSource{
		emitter: newEmitter(),
		url:     address,
		client:  client,
		headers: cfg.Headers,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// EventSourceFactory is the default TransportFactory.
func EventSourceFactory(address string, cfg TransportConfig) (Transport, error) {
	return NewEventSource(address, cfg)
}

// Start begins dialing the stream. Idempotent.
func (es *EventSource) Start() {
	es.startOnce.Do(func() {
		go es.run()
	})
}

// Close implements Transport.
func (es *EventSource) Close() error {
	if !es.markClosed() {
		return nil
	}
	es.cancel()
	return nil
}

// LastEventID returns the most recent id field seen on the stream. Replay of
// missed events is the server protocol's concern; the value is only surfaced
// on dispatched messages.
func (es *EventSource) LastEventID() string {
	es.idMu.Lock()
	defer es.idMu.Unlock()
	return es.lastEventID
}

func (es *EventSource) setLastEventID(id string) {
	es.idMu.Lock()
	es.lastEventID = id
	es.idMu.Unlock()
}

func (es *EventSource) run() {
	req, err := http.NewRequestWithContext(es.ctx, http.MethodGet, es.url, nil)
	if err != nil {
		es.fail(fmt.Errorf("evsource: create request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range es.headers {
		req.Header.Set(k, v)
	}

	resp, err := es.client.Do(req)
	if err != nil {
		es.fail(fmt.Errorf("evsource: connect: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		es.fail(fmt.Errorf("evsource: unexpected HTTP status %d", resp.StatusCode))
		return
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		es.fail(fmt.Errorf("evsource: unexpected content type %q", ct))
		return
	}

	es.log.Debug().Str("url", es.url).Msg("event stream open")
	es.emit(EventOpen, Message{Event: EventOpen})

	es.readLoop(resp.Body)
}

// readLoop parses the stream line protocol: event:/data:/id:/retry: fields,
// comment lines starting with ':', and a blank line dispatching the
// accumulated frame.
func (es *EventSource) readLoop(body io.Reader) {
	var (
		event string
		data  []string
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventSize)

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(data) > 0 {
				name := event
				if name == "" {
					name = EventMessage
				}
				es.emit(name, Message{
					Event:       name,
					Data:        []byte(strings.Join(data, "\n")),
					LastEventID: es.LastEventID(),
				})
			}
			event, data = "", nil
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue // keepalive comment
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field, value = line[:i], strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		case "id":
			es.setLastEventID(value)
		case "retry":
			// Server-suggested delay. The reconnect policy is owned by the
			// Connection, not the transport.
		}
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("evsource: stream ended")
	}
	es.fail(err)
}

// fail emits the terminal error event. An intentional Close suppresses it
// because emit no-ops on a closed transport.
func (es *EventSource) fail(err error) {
	es.log.Debug().Err(err).Str("url", es.url).Msg("event stream error")
	es.emit(EventError, Message{Event: EventError, Data: err})
}
