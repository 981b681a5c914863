package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/http/httpguts"
)

// DialOptions configures the client side of the opening handshake.
//
// All fields are optional. Zero values use sensible defaults.
type DialOptions struct {
	// Config carries the connection limits and transport options.
	Config Config

	// Extensions are offered client-side extensions. Each contributes
	// one Sec-WebSocket-Extensions request header; extensions the
	// server accepts become active on the connection.
	Extensions []Extension

	// Header is merged into the upgrade request. Reserved handshake
	// headers (Upgrade, Connection, Sec-WebSocket-*) cannot be
	// overridden.
	Header http.Header

	// Subprotocols is sent as Sec-WebSocket-Protocol. The server picks
	// at most one.
	Subprotocols []string

	// Callbacks receive connection lifecycle and message events.
	Callbacks Callbacks
}

// reservedHandshakeHeaders cannot be supplied through DialOptions.Header.
var reservedHandshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Protocol",
}

// Dial opens a WebSocket connection to a ws:// or wss:// URL.
//
// Implements RFC 6455 Section 4.1: Client Opening Handshake.
//
// Steps:
//  1. Validate and resolve the target URL
//  2. Dial TCP, optionally bound to a named interface
//  3. Wrap in TLS for wss targets
//  4. Send the upgrade request with a random Sec-WebSocket-Key
//  5. Verify 101 status, Sec-WebSocket-Accept and upgrade headers
//  6. Validate the server's extension response
//
// The whole exchange is bounded by Config.ConnectionTimeout and by ctx.
//
// Example:
//
//	conn, err := websocket.Dial(ctx, "wss://example.com/ws", nil)
//	if err != nil {
//	    return err
//	}
//	conn.Serve()
//
//nolint:gocyclo,cyclop,funlen // Handshake requires many validation steps per RFC 6455
func Dial(ctx context.Context, rawURL string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	target, secure, err := parseDialURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	netConn, err := dialTransport(ctx, target, secure, &cfg)
	if err != nil {
		return nil, err
	}

	// Bound the handshake exchange on the socket as well, for the
	// blocking request write and response read below.
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	key, err := generateChallengeKey()
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	req, err := buildUpgradeRequest(target, key, opts)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	reader := bufio.NewReaderSize(netConn, cfg.ReadBufferSize)
	writer := bufio.NewWriterSize(netConn, cfg.WriteBufferSize)

	if err := req.Write(writer); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("write upgrade request: %w", err)
	}
	if err := writer.Flush(); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("write upgrade request: %w", err)
	}

	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		_ = netConn.Close()
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read upgrade response: %w", err)
	}
	defer resp.Body.Close()

	if err := validateUpgradeResponse(resp, key); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	active, err := validateExtensionResponse(resp, opts.Extensions)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	allowedRsv, err := composeExtensions(active)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}

	_ = netConn.SetDeadline(time.Time{})

	conn := newConn(netConn, reader, writer, false, cfg, active, allowedRsv, opts.Callbacks)
	conn.subprotocol = resp.Header.Get("Sec-WebSocket-Protocol")
	return conn, nil
}

// parseDialURL validates a dial target and resolves host:port.
//
// RFC 6455 Section 3: ws uses port 80 by default, wss port 443.
func parseDialURL(rawURL string) (*url.URL, bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	var secure bool
	switch u.Scheme {
	case "ws":
	case "wss":
		secure = true
	default:
		return nil, false, fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}

	if u.Hostname() == "" {
		return nil, false, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if u.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}

	return u, secure, nil
}

// dialTransport opens the TCP (and TLS for wss) transport per the
// configured socket options.
func dialTransport(ctx context.Context, target *url.URL, secure bool, cfg *Config) (net.Conn, error) {
	dialer := net.Dialer{}

	if cfg.Device != "" {
		addr, err := interfaceAddr(cfg.Device)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = &net.TCPAddr{IP: addr}
	}

	if cfg.ReuseAddress {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				soErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return soErr
		}
	}

	netConn, err := dialer.DialContext(ctx, "tcp", target.Host)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, ErrTimeout
		}
		return nil, err
	}

	if tcp, ok := netConn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(!cfg.TCPNoDelayDisabled)
		if cfg.TCPSendBuffer > 0 {
			_ = tcp.SetWriteBuffer(cfg.TCPSendBuffer)
		}
		if cfg.TCPReceiveBuffer > 0 {
			_ = tcp.SetReadBuffer(cfg.TCPReceiveBuffer)
		}
	}

	if !secure {
		return netConn, nil
	}

	tlsConfig := cfg.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		tlsConfig = tlsConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = target.Hostname()
	}

	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("%w: %w", ErrTLSFailed, err)
	}

	return tlsConn, nil
}

// interfaceAddr resolves the first usable unicast address of a named
// network interface.
func interfaceAddr(device string) (net.IP, error) {
	iface, err := net.InterfaceByName(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDevice, device)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDevice, device)
	}

	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLinkLocalUnicast() {
			return ipNet.IP, nil
		}
	}

	return nil, fmt.Errorf("%w: %q has no usable address", ErrInvalidDevice, device)
}

// generateChallengeKey returns a base64-encoded 16-byte random nonce.
//
// RFC 6455 Section 4.1, item 7.
func generateChallengeKey() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate Sec-WebSocket-Key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(nonce), nil
}

// buildUpgradeRequest composes the client upgrade request head.
func buildUpgradeRequest(target *url.URL, key string, opts *DialOptions) (*http.Request, error) {
	reqURL := *target
	if reqURL.Scheme == "ws" {
		reqURL.Scheme = "http"
	} else {
		reqURL.Scheme = "https"
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &reqURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       target.Host,
	}

	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", "13")

	for _, ext := range opts.Extensions {
		req.Header.Add("Sec-WebSocket-Extensions", ext.Offer())
	}
	if len(opts.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(opts.Subprotocols, ", "))
	}

	for name, values := range opts.Header {
		canonical := http.CanonicalHeaderKey(name)
		reserved := false
		for _, r := range reservedHandshakeHeaders {
			if canonical == http.CanonicalHeaderKey(r) {
				reserved = true
				break
			}
		}
		if reserved {
			return nil, fmt.Errorf("%w: header %q is managed by the handshake", ErrInvalidParameterValue, canonical)
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	return req, nil
}

// validateUpgradeResponse checks the server's handshake answer.
//
// RFC 6455 Section 4.2.2: 101 status, Upgrade and Connection tokens,
// and a Sec-WebSocket-Accept matching the sent key.
func validateUpgradeResponse(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: status %d", ErrNotUpgraded, resp.StatusCode)
	}
	if !httpguts.HeaderValuesContainsToken(resp.Header["Upgrade"], "websocket") {
		return ErrMissingUpgrade
	}
	if !httpguts.HeaderValuesContainsToken(resp.Header["Connection"], "Upgrade") {
		return ErrMissingConnection
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(key) {
		return ErrBadAcceptKey
	}
	return nil
}

// validateExtensionResponse matches the server's extension response
// against the offered extensions and activates the accepted ones.
//
// RFC 6455 Section 4.1, item 4 of the client requirements: a response
// naming an extension that was not offered fails the connection.
func validateExtensionResponse(resp *http.Response, offered []Extension) ([]Extension, error) {
	headerValue := strings.Join(resp.Header.Values("Sec-WebSocket-Extensions"), ", ")
	accepted, err := parseExtensionHeader(headerValue)
	if err != nil {
		return nil, err
	}

	var active []Extension
	for _, acc := range accepted {
		var match Extension
		for _, ext := range offered {
			if ext.Name() == acc.name {
				match = ext
				break
			}
		}
		if match == nil {
			return nil, fmt.Errorf("%w: extension %q was not offered", ErrInvalidServerResponse, acc.name)
		}

		if err := match.AcceptResponse(acc); err != nil {
			return nil, err
		}
		active = append(active, match)
	}

	return active, nil
}
