package evsource

import (
	"fmt"

	"github.com/google/uuid"
)

// AttachTypedListener subscribes a typed handler to one event on an
// externally owned transport, without taking over its lifecycle: the caller
// keeps opening and closing the transport, and nothing is re-attached for
// them on reconnects.
//
// Attaching to a transport that is already terminally closed fails
// synchronously with ErrTransportClosed. Decode failures drop the message and
// are reported to onError (may be nil) together with the event name; they
// never reach the handler or tear anything down.
func AttachTypedListener[T any](t Transport, event string, handler func(T), onError func(error)) (*Subscription, error) {
	s := &Subscription{
		id:        uuid.NewString(),
		transport: t,
		event:     event,
	}
	s.lis = &Listener{Fn: func(m Message) {
		if s.stopped.Load() {
			return
		}
		v, err := decodePayload[T](m.Data)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("event %q: %w", event, err))
			}
			return
		}
		handler(v)
	}}

	if err := t.AddListener(event, s.lis); err != nil {
		return nil, err
	}
	return s, nil
}
