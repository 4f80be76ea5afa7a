package evsource

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func newWSServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for _, f := range frames {
			if err := conn.Write(r.Context(), websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		// Hold the socket open until the client goes away.
		_, _, _ = conn.Read(r.Context())
	}))
}

func TestWSTransport(t *testing.T) {
	t.Run("receives envelope events", func(t *testing.T) {
		srv := newWSServer(t, `{"event":"custom","payload":{"custom_data_id":"x","custom_data_number":1}}`)
		defer srv.Close()

		ws, err := NewWSTransport(srv.URL, TransportConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer ws.Close()

		openL, openCh := listenerChan(1)
		customL, customCh := listenerChan(1)
		_ = ws.AddListener(EventOpen, openL)
		_ = ws.AddListener("custom", customL)
		ws.Start()

		recvMessage(t, openCh)

		m := recvMessage(t, customCh)
		p, err := decodePayload[customPayload](m.Data)
		if err != nil {
			t.Fatalf("payload did not decode: %v", err)
		}
		if p.CustomDataID != "x" || p.CustomDataNumber != 1 {
			t.Fatalf("unexpected payload: %+v", p)
		}
	})

	t.Run("malformed frames are dropped", func(t *testing.T) {
		srv := newWSServer(t, `{not an envelope`, `{"event":"ok","payload":{}}`)
		defer srv.Close()

		ws, err := NewWSTransport(srv.URL, TransportConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer ws.Close()

		okL, okCh := listenerChan(1)
		_ = ws.AddListener("ok", okL)
		ws.Start()

		recvMessage(t, okCh)
	})

	t.Run("server close emits error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			conn.Close(websocket.StatusGoingAway, "bye")
		}))
		defer srv.Close()

		ws, err := NewWSTransport(srv.URL, TransportConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer ws.Close()

		errL, errCh := listenerChan(1)
		_ = ws.AddListener(EventError, errL)
		ws.Start()

		m := recvMessage(t, errCh)
		if _, ok := m.Data.(error); !ok {
			t.Fatalf("expected an error payload, got %T", m.Data)
		}
	})

	t.Run("dial failure emits error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		addr := srv.URL
		srv.Close()

		ws, err := NewWSTransport(addr, TransportConfig{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer ws.Close()

		openL, openCh := listenerChan(1)
		errL, errCh := listenerChan(1)
		_ = ws.AddListener(EventOpen, openL)
		_ = ws.AddListener(EventError, errL)
		ws.Start()

		recvMessage(t, errCh)
		select {
		case <-openCh:
			t.Fatal("open must not fire on a failed dial")
		case <-time.After(50 * time.Millisecond):
		}
	})
}
