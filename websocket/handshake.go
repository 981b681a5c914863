package websocket

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Magic GUID from RFC 6455 Section 1.3.
// Used for computing Sec-WebSocket-Accept header.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// UpgradeOptions configures WebSocket upgrade behavior.
//
// All fields are optional. Zero values use sensible defaults.
type UpgradeOptions struct {
	// Config carries the connection limits and buffer sizes applied to
	// the upgraded connection. The zero value uses defaults.
	Config Config

	// Extensions are offered server-side extensions, in preference
	// order. Each runs its negotiation against the client's
	// Sec-WebSocket-Extensions offers; accepted extensions contribute
	// to the response header and become active on the connection.
	Extensions []Extension

	// Subprotocols is the list of subprotocols advertised by server.
	// Server will select first match from client's requested subprotocols.
	// Empty list = no subprotocol negotiation.
	Subprotocols []string

	// CheckOrigin verifies the Origin header.
	// nil = allow all origins (INSECURE in production!)
	// Return false to reject the connection.
	//
	// Example:
	//   CheckOrigin: func(r *http.Request) bool {
	//       origin := r.Header.Get("Origin")
	//       return origin == "https://example.com"
	//   }
	CheckOrigin func(*http.Request) bool

	// Accept is an application-level gate running after protocol
	// validation. Returning false rejects the upgrade with 403; the
	// returned header is merged into the 101 response on acceptance.
	Accept func(*http.Request) (http.Header, bool)

	// Callbacks receive connection lifecycle and message events.
	Callbacks Callbacks
}

// Upgrade upgrades an HTTP connection to the WebSocket protocol.
//
// Implements RFC 6455 Section 4: Opening Handshake.
//
// Steps:
//  1. Verify HTTP method is GET
//  2. Check Upgrade: websocket header
//  3. Check Connection: Upgrade header
//  4. Verify Sec-WebSocket-Version: 13
//  5. Get Sec-WebSocket-Key
//  6. Check origin (if configured)
//  7. Run the application accept gate (if configured)
//  8. Negotiate subprotocol and extensions
//  9. Hijack connection and send 101 Switching Protocols
//  10. Create and return WebSocket connection
//
// Validation failures answer the request with 405 (non-GET) or 400
// (missing upgrade headers, bad version or key), and 403 when the
// origin check or accept gate rejects.
//
// Returns *Conn for reading/writing WebSocket messages.
//
// Example:
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := websocket.Upgrade(w, r, nil)
//	    if err != nil {
//	        return // response already written
//	    }
//	    conn.Serve()
//	}
//
//nolint:gocyclo,cyclop,funlen // Handshake requires many validation steps per RFC 6455
func Upgrade(w http.ResponseWriter, r *http.Request, opts *UpgradeOptions) (*Conn, error) {
	// Apply defaults
	if opts == nil {
		opts = &UpgradeOptions{}
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		http.Error(w, "invalid configuration", http.StatusInternalServerError)
		return nil, err
	}

	// 1. Verify HTTP method (RFC 6455 Section 4.1)
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, ErrInvalidMethod
	}

	// 2. Check Upgrade header (RFC 6455 Section 4.2.1, item 3)
	if !httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket") {
		http.Error(w, "bad upgrade request", http.StatusBadRequest)
		return nil, ErrMissingUpgrade
	}

	// 3. Check Connection header (RFC 6455 Section 4.2.1, item 4)
	if !httpguts.HeaderValuesContainsToken(r.Header["Connection"], "Upgrade") {
		http.Error(w, "bad upgrade request", http.StatusBadRequest)
		return nil, ErrMissingConnection
	}

	// 4. Check Sec-WebSocket-Version (RFC 6455 Section 4.2.1, item 6)
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		w.Header().Set("Sec-WebSocket-Version", "13")
		http.Error(w, "unsupported websocket version", http.StatusBadRequest)
		return nil, ErrInvalidVersion
	}

	// 5. Get Sec-WebSocket-Key (RFC 6455 Section 4.2.1, item 5)
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return nil, ErrMissingSecKey
	}

	// 6. Check origin (application-level security)
	if opts.CheckOrigin != nil && !opts.CheckOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return nil, ErrOriginDenied
	}

	// 7. Application accept gate
	var extraHeader http.Header
	if opts.Accept != nil {
		header, ok := opts.Accept(r)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return nil, ErrOriginDenied
		}
		extraHeader = header
	}

	// 8. Negotiate subprotocol and extensions
	subprotocol := negotiateSubprotocol(r, opts.Subprotocols)

	active, extHeader, err := negotiateServerExtensions(r, opts.Extensions)
	if err != nil {
		http.Error(w, "bad extension offer", http.StatusBadRequest)
		return nil, err
	}

	allowedRsv, err := composeExtensions(active)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, err
	}

	// 9. Hijack connection (take over TCP socket)
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, ErrHijackFailed
	}

	netConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHijackFailed, err)
	}

	// Bytes the HTTP server read past the request head belong to the
	// WebSocket stream.
	var reader *bufio.Reader
	switch {
	case bufrw.Reader.Buffered() > 0 && cfg.LeftoverBytes == LeftoverBytesForward:
		reader = bufrw.Reader
	case bufrw.Reader.Buffered() > 0:
		_, _ = bufrw.Reader.Discard(bufrw.Reader.Buffered())
		reader = bufio.NewReaderSize(netConn, cfg.ReadBufferSize)
	default:
		reader = bufio.NewReaderSize(netConn, cfg.ReadBufferSize)
	}
	writer := bufio.NewWriterSize(netConn, cfg.WriteBufferSize)

	// 10. Send 101 Switching Protocols response on the raw connection
	resp := http.Header{}
	resp.Set("Upgrade", "websocket")
	resp.Set("Connection", "Upgrade")
	resp.Set("Sec-WebSocket-Accept", computeAcceptKey(key))
	if subprotocol != "" {
		resp.Set("Sec-WebSocket-Protocol", subprotocol)
	}
	if extHeader != "" {
		resp.Set("Sec-WebSocket-Extensions", extHeader)
	}
	for name, values := range extraHeader {
		for _, v := range values {
			resp.Add(name, v)
		}
	}

	if err := writeUpgradeResponse(writer, resp); err != nil {
		_ = netConn.Close() // Best effort close
		return nil, err
	}

	conn := newConn(netConn, reader, writer, true, cfg, active, allowedRsv, opts.Callbacks)
	conn.subprotocol = subprotocol
	return conn, nil
}

// negotiateServerExtensions runs each configured extension against the
// client's offers and collects the response header value.
func negotiateServerExtensions(r *http.Request, exts []Extension) ([]Extension, string, error) {
	if len(exts) == 0 {
		return nil, "", nil
	}

	headerValue := strings.Join(r.Header.Values("Sec-WebSocket-Extensions"), ", ")
	offers, err := parseExtensionHeader(headerValue)
	if err != nil {
		return nil, "", err
	}

	var (
		active    []Extension
		responses []string
	)
	for _, ext := range exts {
		matched := offersFor(offers, ext.Name())
		if len(matched) == 0 {
			continue
		}

		resp, ok, err := ext.Accept(matched)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}

		active = append(active, ext)
		responses = append(responses, resp)
	}

	return active, strings.Join(responses, ", "), nil
}

// writeUpgradeResponse writes the 101 status line and headers through
// the buffered writer and flushes.
func writeUpgradeResponse(w *bufio.Writer, header http.Header) error {
	if _, err := w.WriteString("HTTP/1.1 101 Switching Protocols\r\n"); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// computeAcceptKey computes Sec-WebSocket-Accept from client key.
//
// RFC 6455 Section 1.3:
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// Where GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11".
//
// Example:
//
//	key := "dGhlIHNhbXBsZSBub25jZQ=="
//	accept := computeAcceptKey(key)
//	// accept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func computeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// negotiateSubprotocol selects first match from client's requested subprotocols.
//
// RFC 6455 Section 1.9: Server selects ONE subprotocol from client's list.
//
// Returns empty string if no match or no subprotocols configured.
func negotiateSubprotocol(r *http.Request, serverProtos []string) string {
	if len(serverProtos) == 0 {
		return ""
	}

	clientProtos := strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",")
	for _, clientProto := range clientProtos {
		clientProto = strings.TrimSpace(clientProto)
		for _, serverProto := range serverProtos {
			if clientProto == serverProto {
				return clientProto
			}
		}
	}

	return ""
}

// CheckSameOrigin returns true if Origin header matches request host.
//
// Default origin checker for production use.
//
// Usage:
//
//	opts := &UpgradeOptions{
//	    CheckOrigin: websocket.CheckSameOrigin,
//	}
func CheckSameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No Origin header = non-browser client (e.g., curl, Go client)
		return true
	}

	// Build expected origin from request
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	expectedOrigin := scheme + "://" + r.Host

	return origin == expectedOrigin
}
