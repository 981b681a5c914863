package websocket

import (
	"bufio"
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPeer drives the remote end of a net.Pipe in the client role:
// outbound frames are masked, inbound frames are expected unmasked.
type testPeer struct {
	t    *testing.T
	conn net.Conn
	fr   *frameReader
	fw   *frameWriter
}

func (p *testPeer) writeFrame(f *frame) {
	p.t.Helper()
	require.NoError(p.t, p.fw.writeFrame(f))
}

func (p *testPeer) readFrame() *frame {
	p.t.Helper()
	f, err := p.fr.readFrame()
	require.NoError(p.t, err)
	return f
}

// readClose reads frames until the close frame arrives, skipping
// control traffic such as keep-alive pings.
func (p *testPeer) readClose() (CloseCode, string) {
	p.t.Helper()
	for {
		f := p.readFrame()
		if f.opcode != opcodeClose {
			continue
		}
		code, reason, err := parseClosePayload(f.payload)
		require.NoError(p.t, err)
		return code, reason
	}
}

// newServedConn wires a server-role connection over one end of a
// net.Pipe, starts Serve, and returns the peer driving the other end.
func newServedConn(t *testing.T, cfg Config, cb Callbacks, exts ...Extension) (*Conn, *testPeer) {
	t.Helper()
	require.NoError(t, cfg.Validate())

	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})

	var allowed rsvBits
	for _, ext := range exts {
		r1, r2, r3 := ext.RsvBits()
		allowed = allowed.union(rsvBits{r1, r2, r3})
	}

	conn := newConn(server, bufio.NewReader(server), bufio.NewWriter(server), true, cfg, exts, allowed, cb)
	go conn.Serve()

	peer := &testPeer{
		t:    t,
		conn: client,
		fr:   &frameReader{r: bufio.NewReader(client), isServer: false, maxFrameSize: DefaultMaxFrameSize, allowedRsv: allowed},
		fw:   &frameWriter{w: bufio.NewWriter(client), isServer: false},
	}
	return conn, peer
}

func waitClosed(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection never closed")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_Echo(t *testing.T) {
	_, peer := newServedConn(t, Config{}, Callbacks{
		OnText: func(c *Conn, text string) { _ = c.SendText(text) },
	})

	peer.writeFrame(&frame{fin: true, opcode: opcodeText, payload: []byte("hello")})

	f := peer.readFrame()
	assert.Equal(t, opcodeText, f.opcode)
	assert.True(t, f.fin)
	assert.Equal(t, []byte("hello"), f.payload)
}

func TestConn_OnOpen(t *testing.T) {
	opened := make(chan struct{})
	conn, _ := newServedConn(t, Config{}, Callbacks{
		OnOpen: func(*Conn) { close(opened) },
	})

	select {
	case <-opened:
	case <-time.After(time.Second):
		t.Fatal("OnOpen never fired")
	}
	assert.Equal(t, StateOpen, conn.State())
}

func TestConn_AutoPong(t *testing.T) {
	pinged := make(chan []byte, 1)
	_, peer := newServedConn(t, Config{}, Callbacks{
		OnPing: func(_ *Conn, payload []byte) { pinged <- bytes.Clone(payload) },
	})

	peer.writeFrame(&frame{fin: true, opcode: opcodePing, payload: []byte("probe")})

	f := peer.readFrame()
	assert.Equal(t, opcodePong, f.opcode)
	assert.Equal(t, []byte("probe"), f.payload)

	select {
	case payload := <-pinged:
		assert.Equal(t, []byte("probe"), payload)
	case <-time.After(time.Second):
		t.Fatal("OnPing never fired")
	}
}

func TestConn_PeerInitiatedClose(t *testing.T) {
	type closeEvent struct {
		code   CloseCode
		reason string
	}
	closing := make(chan closeEvent, 1)
	closed := make(chan closeEvent, 1)

	conn, peer := newServedConn(t, Config{}, Callbacks{
		OnClosing: func(_ *Conn, code CloseCode, reason string) { closing <- closeEvent{code, reason} },
		OnClosed:  func(_ *Conn, code CloseCode, reason string) { closed <- closeEvent{code, reason} },
	})

	payload, err := closePayload(CloseNormalClosure, "bye")
	require.NoError(t, err)
	peer.writeFrame(&frame{fin: true, opcode: opcodeClose, payload: payload})

	code, reason := peer.readClose()
	assert.Equal(t, CloseNormalClosure, code)
	assert.Equal(t, "bye", reason)

	waitClosed(t, conn)
	assert.Equal(t, closeEvent{CloseNormalClosure, "bye"}, <-closing)
	assert.Equal(t, closeEvent{CloseNormalClosure, "bye"}, <-closed)
}

func TestConn_LocalClose(t *testing.T) {
	conn, peer := newServedConn(t, Config{}, Callbacks{})

	errc := make(chan error, 1)
	go func() { errc <- conn.Close(CloseGoingAway, "done here") }()

	code, reason := peer.readClose()
	assert.Equal(t, CloseGoingAway, code)
	assert.Equal(t, "done here", reason)
	require.NoError(t, <-errc)
	assert.Equal(t, StateClosing, conn.State())

	// Echoing the close frame completes the handshake.
	payload, err := closePayload(CloseGoingAway, "done here")
	require.NoError(t, err)
	peer.writeFrame(&frame{fin: true, opcode: opcodeClose, payload: payload})

	waitClosed(t, conn)

	assert.ErrorIs(t, conn.SendText("late"), ErrNotConnected)
	assert.ErrorIs(t, conn.Close(CloseNormalClosure, ""), ErrNotConnected)
}

// newServedClientConn wires a client-role connection over one end of a
// net.Pipe. The returned peer drives the other end in the server role:
// outbound frames are unmasked, inbound frames are expected masked.
func newServedClientConn(t *testing.T, cfg Config, cb Callbacks) (*Conn, *testPeer) {
	t.Helper()
	require.NoError(t, cfg.Validate())

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	conn := newConn(client, bufio.NewReader(client), bufio.NewWriter(client), false, cfg, nil, rsvBits{}, cb)
	go conn.Serve()

	peer := &testPeer{
		t:    t,
		conn: server,
		fr:   &frameReader{r: bufio.NewReader(server), isServer: true, maxFrameSize: DefaultMaxFrameSize},
		fw:   &frameWriter{w: bufio.NewWriter(server), isServer: true},
	}
	return conn, peer
}

func TestConn_ClientWaitsForServerFIN(t *testing.T) {
	conn, peer := newServedClientConn(t, Config{}, Callbacks{})

	errc := make(chan error, 1)
	go func() { errc <- conn.Close(CloseNormalClosure, "bye") }()

	code, reason := peer.readClose()
	assert.Equal(t, CloseNormalClosure, code)
	assert.Equal(t, "bye", reason)
	require.NoError(t, <-errc)

	// Echo the close frame. The handshake is complete, but the client
	// must keep the transport open until the server closes it
	// (RFC 6455 Section 5.5.1).
	payload, err := closePayload(CloseNormalClosure, "bye")
	require.NoError(t, err)
	peer.writeFrame(&frame{fin: true, opcode: opcodeClose, payload: payload})

	select {
	case <-conn.Done():
		t.Fatal("client closed the transport before the server did")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateClosing, conn.State())

	require.NoError(t, peer.conn.Close())
	waitClosed(t, conn)
}

func TestConn_CloseSanitizesReservedCodes(t *testing.T) {
	conn, peer := newServedConn(t, Config{}, Callbacks{})

	go func() { _ = conn.Close(CloseAbnormalClosure, "") }()

	code, _ := peer.readClose()
	assert.Equal(t, CloseNormalClosure, code)
}

func TestConn_UnmaskedClientFrame(t *testing.T) {
	errs := make(chan error, 1)
	conn, peer := newServedConn(t, Config{}, Callbacks{
		OnError: func(_ *Conn, err error) { errs <- err },
	})

	// A server-role writer leaves frames unmasked, which the receiving
	// server must reject.
	unmasked := &frameWriter{w: bufio.NewWriter(peer.conn), isServer: true}
	require.NoError(t, unmasked.writeFrame(&frame{fin: true, opcode: opcodeText, payload: []byte("x")}))

	code, _ := peer.readClose()
	assert.Equal(t, CloseProtocolError, code)
	waitClosed(t, conn)
	assert.ErrorIs(t, <-errs, ErrMaskRequired)
}

func TestConn_InvalidUTF8Text(t *testing.T) {
	conn, peer := newServedConn(t, Config{}, Callbacks{})

	peer.writeFrame(&frame{fin: true, opcode: opcodeText, payload: []byte{0xff, 0xfe}})

	code, _ := peer.readClose()
	assert.Equal(t, CloseInvalidFramePayloadData, code)
	waitClosed(t, conn)
}

func TestConn_FrameTooLarge(t *testing.T) {
	conn, peer := newServedConn(t, Config{MaxFrameSize: 128}, Callbacks{})

	peer.writeFrame(&frame{fin: true, opcode: opcodeBinary, payload: make([]byte, 256)})

	code, _ := peer.readClose()
	assert.Equal(t, CloseMessageTooBig, code)
	waitClosed(t, conn)
}

func TestConn_MessageTooLarge(t *testing.T) {
	conn, peer := newServedConn(t, Config{MaxMessageSize: 100}, Callbacks{})

	peer.writeFrame(&frame{opcode: opcodeBinary, payload: make([]byte, 80)})
	peer.writeFrame(&frame{fin: true, opcode: opcodeContinuation, payload: make([]byte, 80)})

	code, _ := peer.readClose()
	assert.Equal(t, CloseMessageTooBig, code)
	waitClosed(t, conn)
}

func TestConn_StrayContinuation(t *testing.T) {
	conn, peer := newServedConn(t, Config{}, Callbacks{})

	peer.writeFrame(&frame{fin: true, opcode: opcodeContinuation, payload: []byte("x")})

	code, _ := peer.readClose()
	assert.Equal(t, CloseProtocolError, code)
	waitClosed(t, conn)
}

func TestConn_InboundFragments(t *testing.T) {
	texts := make(chan string, 1)
	_, peer := newServedConn(t, Config{}, Callbacks{
		OnText: func(_ *Conn, text string) { texts <- text },
	})

	peer.writeFrame(&frame{opcode: opcodeText, payload: []byte("he")})
	peer.writeFrame(&frame{opcode: opcodeContinuation, payload: []byte("ll")})
	peer.writeFrame(&frame{fin: true, opcode: opcodeContinuation, payload: []byte("o")})

	select {
	case text := <-texts:
		assert.Equal(t, "hello", text)
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}
}

func TestConn_OutboundFragmentation(t *testing.T) {
	conn, peer := newServedConn(t, Config{FragmentSize: 4}, Callbacks{})

	errc := make(chan error, 1)
	go func() { errc <- conn.SendText("hello world") }()

	var (
		payload bytes.Buffer
		frames  int
	)
	for {
		f := peer.readFrame()
		if frames == 0 {
			assert.Equal(t, opcodeText, f.opcode)
		} else {
			assert.Equal(t, opcodeContinuation, f.opcode)
		}
		frames++
		payload.Write(f.payload)
		require.LessOrEqual(t, len(f.payload), 4)
		if f.fin {
			break
		}
	}

	require.NoError(t, <-errc)
	assert.Equal(t, 3, frames)
	assert.Equal(t, "hello world", payload.String())
}

func TestConn_SendInvalidUTF8(t *testing.T) {
	conn, _ := newServedConn(t, Config{}, Callbacks{})

	assert.ErrorIs(t, conn.SendText(string([]byte{0xff, 0xfe})), ErrInvalidUTF8)
	assert.ErrorIs(t, conn.Send(TextMessage, []byte{0xff, 0xfe}), ErrInvalidUTF8)
}

func TestConn_SendInvalidMessageType(t *testing.T) {
	conn, _ := newServedConn(t, Config{}, Callbacks{})

	assert.ErrorIs(t, conn.Send(MessageType(99), []byte("x")), ErrInvalidMessageType)
}

func TestConn_WriteJSON(t *testing.T) {
	conn, peer := newServedConn(t, Config{}, Callbacks{})

	type envelope struct {
		Kind string `json:"kind"`
		Seq  int    `json:"seq"`
	}

	errc := make(chan error, 1)
	go func() { errc <- conn.WriteJSON(envelope{Kind: "tick", Seq: 7}) }()

	f := peer.readFrame()
	require.NoError(t, <-errc)
	assert.Equal(t, opcodeText, f.opcode)
	assert.JSONEq(t, `{"kind":"tick","seq":7}`, string(f.payload))
}

func TestJSONHandler(t *testing.T) {
	type command struct {
		Op string `json:"op"`
	}

	got := make(chan command, 1)
	errs := make(chan error, 1)
	_, peer := newServedConn(t, Config{}, Callbacks{
		OnText:  JSONHandler(func(_ *Conn, cmd command) { got <- cmd }),
		OnError: func(_ *Conn, err error) { errs <- err },
	})

	peer.writeFrame(&frame{fin: true, opcode: opcodeText, payload: []byte(`{"op":"subscribe"}`)})
	select {
	case cmd := <-got:
		assert.Equal(t, "subscribe", cmd.Op)
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}

	// Malformed JSON is reported, not fatal.
	peer.writeFrame(&frame{fin: true, opcode: opcodeText, payload: []byte(`{broken`)})
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("decode error never reported")
	}

	peer.writeFrame(&frame{fin: true, opcode: opcodeText, payload: []byte(`{"op":"publish"}`)})
	assert.Equal(t, command{Op: "publish"}, <-got)
}

func TestConn_KeepAliveSettled(t *testing.T) {
	cfg := Config{AutoPing: AutoPing{Interval: 30 * time.Millisecond, Timeout: 200 * time.Millisecond}}
	conn, peer := newServedConn(t, cfg, Callbacks{})

	// Answer two probe rounds; the connection must stay open.
	for i := 0; i < 2; i++ {
		f := peer.readFrame()
		require.Equal(t, opcodePing, f.opcode)
		require.Len(t, f.payload, pingCorrelationIDLength)
		peer.writeFrame(&frame{fin: true, opcode: opcodePong, payload: f.payload})
	}

	assert.Equal(t, StateOpen, conn.State())
	_ = conn.Close(CloseNormalClosure, "")
}

func TestConn_KeepAliveTimeout(t *testing.T) {
	errs := make(chan error, 1)
	cfg := Config{AutoPing: AutoPing{Interval: 20 * time.Millisecond, Timeout: 30 * time.Millisecond}}
	conn, peer := newServedConn(t, cfg, Callbacks{
		OnError: func(_ *Conn, err error) { errs <- err },
	})

	// Swallow the ping without answering.
	f := peer.readFrame()
	require.Equal(t, opcodePing, f.opcode)

	waitClosed(t, conn)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrTimeout)
	default:
		t.Fatal("timeout never reported")
	}
}

func TestConn_PongWithoutPendingPing(t *testing.T) {
	pongs := make(chan []byte, 1)
	conn, peer := newServedConn(t, Config{}, Callbacks{
		OnPong: func(_ *Conn, payload []byte) { pongs <- bytes.Clone(payload) },
	})

	peer.writeFrame(&frame{fin: true, opcode: opcodePong, payload: []byte("unsolicited")})

	select {
	case payload := <-pongs:
		assert.Equal(t, []byte("unsolicited"), payload)
	case <-time.After(time.Second):
		t.Fatal("OnPong never fired")
	}
	assert.Equal(t, StateOpen, conn.State())
}

func TestConn_BufferedAmount(t *testing.T) {
	conn, _ := newServedConn(t, Config{}, Callbacks{})
	assert.Zero(t, conn.BufferedAmount())
}

func TestConn_DeflateRoundTrip(t *testing.T) {
	client, server := negotiatedPair(t, DeflateOptions{}, DeflateOptions{})

	texts := make(chan string, 1)
	conn, peer := newServedConn(t, Config{}, Callbacks{
		OnText: func(_ *Conn, text string) { texts <- text },
	}, server)

	// The peer compresses with its own negotiated client extension.
	compressed, err := client.Encode(&frame{fin: true, opcode: opcodeText, payload: []byte("compressed hello")})
	require.NoError(t, err)
	peer.writeFrame(compressed)

	select {
	case text := <-texts:
		assert.Equal(t, "compressed hello", text)
	case <-time.After(time.Second):
		t.Fatal("message never delivered")
	}

	// Outbound messages are compressed and carry RSV1.
	errc := make(chan error, 1)
	go func() { errc <- conn.SendText("compressed reply") }()

	f := peer.readFrame()
	require.NoError(t, <-errc)
	assert.True(t, f.rsv1)
	decoded, err := client.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, "compressed reply", string(decoded.payload))
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "Connecting", StateConnecting.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "Closing", StateClosing.String())
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Unknown", ConnState(42).String())
}
