package evsource

import (
	"errors"
)

// ============================================================================
// Connection State
// ============================================================================

// State represents the lifecycle state of a Connection.
type State int

const (
	// StateConnecting means a transport exists but has not confirmed open yet.
	StateConnecting State = iota

	// StateOpen means the transport confirmed the stream is open.
	StateOpen

	// StateAwaitingRetry means the transport was discarded after an error and
	// a backoff timer is pending.
	StateAwaitingRetry

	// StateStalled means the transport errored with retry disabled. The
	// connection is alive but takes no further automatic action.
	StateStalled

	// StateClosed is terminal, entered only via Close.
	StateClosed
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAwaitingRetry:
		return "awaiting_retry"
	case StateStalled:
		return "stalled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ============================================================================
// Messages and Listeners
// ============================================================================

// Lifecycle event names emitted by every Transport alongside application
// events. They mirror the EventSource open/error signals.
const (
	EventOpen  = "open"
	EventError = "error"

	// EventMessage is the default event name for stream frames that carry no
	// explicit event field.
	EventMessage = "message"
)

// Message is one inbound transport message.
//
// Data is []byte (or json.RawMessage) for text payloads read off the wire,
// and may be an arbitrary pre-structured value for in-process transports.
type Message struct {
	Event       string
	Data        any
	LastEventID string
}

// MessageFunc handles one inbound message.
type MessageFunc func(msg Message)

// Listener pairs a callback with a stable identity so it can be attached to
// and detached from a Transport. Go functions are not comparable; the
// *Listener pointer is the identity, and attaching the same *Listener twice
// never double-delivers.
type Listener struct {
	Fn MessageFunc
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNoTransport is returned by NewConnection when no transport factory
	// is available.
	ErrNoTransport = errors.New("evsource: no transport factory configured")

	// ErrTransportClosed is returned when attaching to a transport that is
	// already in a terminal closed state.
	ErrTransportClosed = errors.New("evsource: transport is closed")

	// ErrPayloadType is returned when a pre-structured payload does not match
	// the type a listener declared.
	ErrPayloadType = errors.New("evsource: payload does not match declared type")
)
