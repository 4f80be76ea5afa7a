package evsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// WebSocket transport
// ============================================================================

// wsEnvelope is the wire format for WebSocket streams: a named event plus its
// raw payload.
type wsEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// WSTransport is an alternative Transport for servers that push the same
// named events over a WebSocket instead of an SSE stream. It satisfies the
// identical capability, so a Connection reconnects over it transparently.
type WSTransport struct {
	emitter

	url     string
	client  *http.Client
	headers http.Header
	log     zerolog.Logger

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewWSTransport prepares a WebSocket transport for address. http and https
// schemes are rewritten to ws and wss. Like EventSource, it does not dial
// until Start.
func NewWSTransport(address string, cfg TransportConfig) (*WSTransport, error) {
	headers := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		emitter: newEmitter(),
		url:     wsURL(address),
		client:  cfg.HTTPClient,
		headers: headers,
		log:     cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// WebSocketFactory plugs the WebSocket transport into a Connection via
// WithTransportFactory.
func WebSocketFactory(address string, cfg TransportConfig) (Transport, error) {
	return NewWSTransport(address, cfg)
}

func wsURL(address string) string {
	switch {
	case strings.HasPrefix(address, "https://"):
		return "wss://" + strings.TrimPrefix(address, "https://")
	case strings.HasPrefix(address, "http://"):
		return "ws://" + strings.TrimPrefix(address, "http://")
	default:
		return address
	}
}

// Start begins dialing. Idempotent.
func (t *WSTransport) Start() {
	t.startOnce.Do(func() {
		go t.run()
	})
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	if !t.markClosed() {
		return nil
	}
	t.cancel()

	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (t *WSTransport) run() {
	conn, _, err := websocket.Dial(t.ctx, t.url, &websocket.DialOptions{
		HTTPClient: t.client,
		HTTPHeader: t.headers,
	})
	if err != nil {
		t.fail(fmt.Errorf("evsource: websocket dial: %w", err))
		return
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	t.log.Debug().Str("url", t.url).Msg("websocket open")
	t.emit(EventOpen, Message{Event: EventOpen})

	for {
		_, data, err := conn.Read(t.ctx)
		if err != nil {
			t.fail(fmt.Errorf("evsource: websocket read: %w", err))
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			t.log.Debug().Msg("malformed websocket frame dropped")
			continue
		}
		t.emit(env.Event, Message{Event: env.Event, Data: env.Payload})
	}
}

func (t *WSTransport) fail(err error) {
	t.log.Debug().Err(err).Str("url", t.url).Msg("websocket error")
	t.emit(EventError, Message{Event: EventError, Data: err})
}
