package websocket

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// Endpoint manages a set of WebSocket connections under one roof.
//
// An Endpoint serves both roles: Listen accepts and upgrades inbound
// HTTP connections, Dial opens outbound ones. Every connection is
// tracked in a registry until it closes, which enables Broadcast and a
// graceful Shutdown.
//
// Thread-safe: registration, broadcasting and shutdown may be called
// from multiple goroutines.
//
// Example Usage:
//
//	ep := websocket.NewEndpoint(websocket.Callbacks{
//	    OnText: func(c *websocket.Conn, text string) {
//	        _ = c.SendText(text)
//	    },
//	})
//	defer ep.Shutdown(context.Background())
//
//	err := ep.Listen(":8080", "/ws", nil, nil)
type Endpoint struct {
	callbacks Callbacks

	mu    sync.RWMutex
	conns map[*Conn]struct{}

	server *http.Server

	// closed flips exactly once; operations after Shutdown are no-ops.
	closed atomic.Bool
}

// NewEndpoint creates an endpoint delivering events to cb.
func NewEndpoint(cb Callbacks) *Endpoint {
	return &Endpoint{
		callbacks: cb,
		conns:     make(map[*Conn]struct{}),
	}
}

// Handler returns an http.HandlerFunc upgrading requests into tracked
// connections.
//
// newExtensions, when non-nil, is invoked per request to build fresh
// extension instances: an Extension is stateful and owned by exactly
// one connection, so instances must never be shared.
func (e *Endpoint) Handler(opts *UpgradeOptions, newExtensions func() []Extension) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if e.closed.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		var o UpgradeOptions
		if opts != nil {
			o = *opts
		}
		if newExtensions != nil {
			o.Extensions = newExtensions()
		}
		o.Callbacks = e.trackingCallbacks(o.Callbacks)

		conn, err := Upgrade(w, r, &o)
		if err != nil {
			return // response already written
		}

		e.track(conn)
		conn.Serve()
	}
}

// Listen serves WebSocket upgrades for pattern on addr. It blocks until
// Shutdown and returns nil on a clean stop.
//
// When opts.Config.TLS is set the listener speaks TLS.
func (e *Endpoint) Listen(addr, pattern string, opts *UpgradeOptions, newExtensions func() []Extension) error {
	mux := http.NewServeMux()
	mux.Handle(pattern, e.Handler(opts, newExtensions))

	server := &http.Server{Addr: addr, Handler: mux}

	e.mu.Lock()
	if e.server != nil {
		e.mu.Unlock()
		return errors.New("websocket: endpoint already listening")
	}
	e.server = server
	e.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if opts != nil && opts.Config.TLS != nil {
		ln = tls.NewListener(ln, opts.Config.TLS)
	}

	if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Dial opens an outbound connection, tracks it, and starts its read
// loop in a new goroutine.
//
// Callbacks configured on the endpoint apply unless opts carries its
// own.
func (e *Endpoint) Dial(ctx context.Context, rawURL string, opts *DialOptions) (*Conn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	var o DialOptions
	if opts != nil {
		o = *opts
	}
	o.Callbacks = e.trackingCallbacks(o.Callbacks)

	conn, err := Dial(ctx, rawURL, &o)
	if err != nil {
		return nil, err
	}

	e.track(conn)
	go conn.Serve()
	return conn, nil
}

// trackingCallbacks fills unset callbacks from the endpoint's and
// chains OnClosed with registry removal.
func (e *Endpoint) trackingCallbacks(cb Callbacks) Callbacks {
	merged := e.callbacks
	if cb.OnOpen != nil {
		merged.OnOpen = cb.OnOpen
	}
	if cb.OnText != nil {
		merged.OnText = cb.OnText
	}
	if cb.OnBinary != nil {
		merged.OnBinary = cb.OnBinary
	}
	if cb.OnPing != nil {
		merged.OnPing = cb.OnPing
	}
	if cb.OnPong != nil {
		merged.OnPong = cb.OnPong
	}
	if cb.OnClosing != nil {
		merged.OnClosing = cb.OnClosing
	}
	if cb.OnClosed != nil {
		merged.OnClosed = cb.OnClosed
	}
	if cb.OnError != nil {
		merged.OnError = cb.OnError
	}

	userClosed := merged.OnClosed
	merged.OnClosed = func(c *Conn, code CloseCode, reason string) {
		e.untrack(c)
		if userClosed != nil {
			userClosed(c, code, reason)
		}
	}
	return merged
}

func (e *Endpoint) track(c *Conn) {
	e.mu.Lock()
	e.conns[c] = struct{}{}
	e.mu.Unlock()
}

func (e *Endpoint) untrack(c *Conn) {
	e.mu.Lock()
	delete(e.conns, c)
	e.mu.Unlock()
}

// Broadcast sends a binary message to every tracked connection.
//
// Sends run in per-connection goroutines so one slow client never
// stalls the rest. Failed sends close that client's connection.
func (e *Endpoint) Broadcast(data []byte) {
	e.each(func(c *Conn) error { return c.SendBinary(data) })
}

// BroadcastText sends a text message to every tracked connection.
func (e *Endpoint) BroadcastText(text string) {
	e.each(func(c *Conn) error { return c.SendText(text) })
}

// BroadcastJSON sends the JSON encoding of v to every tracked
// connection as a text message.
//
// Returns error if JSON marshaling fails.
func (e *Endpoint) BroadcastJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	e.each(func(c *Conn) error { return c.Send(TextMessage, data) })
	return nil
}

func (e *Endpoint) each(send func(*Conn) error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for conn := range e.conns {
		go func(c *Conn) {
			if err := send(c); err != nil {
				_ = c.Close(CloseGoingAway, "")
			}
		}(conn)
	}
}

// ClientCount returns the number of tracked connections.
func (e *Endpoint) ClientCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.conns)
}

// Shutdown stops the endpoint: the listener stops accepting, every
// tracked connection starts a 1001 closing handshake, and the HTTP
// server drains within ctx.
//
// Safe to call multiple times (no-op after first call).
func (e *Endpoint) Shutdown(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.RLock()
	conns := make([]*Conn, 0, len(e.conns))
	for conn := range e.conns {
		conns = append(conns, conn)
	}
	server := e.server
	e.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close(CloseGoingAway, "server shutting down")
	}

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
