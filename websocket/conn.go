package websocket

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// ConnState is the lifecycle state of a connection.
//
// Transitions (RFC 6455 Section 4 and 7):
//
//	CONNECTING -> OPEN     (opening handshake completed)
//	OPEN       -> CLOSING  (close frame sent or received)
//	CLOSING    -> CLOSED   (closing handshake completed)
//	any        -> CLOSED   (transport failure)
type ConnState int32

const (
	// StateConnecting covers the opening handshake. A *Conn is only
	// handed out after the handshake, so the state is never observed
	// through the public API.
	StateConnecting ConnState = iota

	// StateOpen accepts application messages in both directions.
	StateOpen

	// StateClosing means a close frame has been sent or received and
	// only the closing handshake remains.
	StateClosing

	// StateClosed means the transport is released. All operations fail.
	StateClosed
)

// String returns string representation of connection state.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Callbacks receive connection lifecycle and message events.
//
// Callbacks run on the connection's read loop goroutine, except that
// keep-alive timeouts report from the timer goroutine, a failed send
// reports OnError and OnClosed from the sending goroutine, and a failed
// Close write reports OnClosed from the goroutine that called Close.
// They must not block for long. Nil callbacks are skipped.
type Callbacks struct {
	// OnOpen fires when Serve starts, after the opening handshake.
	OnOpen func(*Conn)

	// OnText delivers a complete, UTF-8 validated text message.
	OnText func(*Conn, string)

	// OnBinary delivers a complete binary message.
	OnBinary func(*Conn, []byte)

	// OnPing fires after the automatic pong echo was sent.
	OnPing func(*Conn, []byte)

	// OnPong fires for every inbound pong, before keep-alive
	// correlation.
	OnPong func(*Conn, []byte)

	// OnClosing fires when the peer starts the closing handshake,
	// before the close frame is echoed.
	OnClosing func(*Conn, CloseCode, string)

	// OnClosed fires exactly once when the connection reaches CLOSED.
	OnClosed func(*Conn, CloseCode, string)

	// OnError reports protocol, extension and transport failures.
	OnError func(*Conn, error)
}

// Conn is a WebSocket connection over an upgraded transport.
//
// A single goroutine (Serve) owns all inbound state. Sends are safe for
// concurrent use and serialised internally.
type Conn struct {
	conn net.Conn
	fr   *frameReader
	fw   *frameWriter

	isServer    bool
	cfg         Config
	exts        []Extension
	callbacks   Callbacks
	subprotocol string

	state atomic.Int32

	// writeMu serialises frame writes onto the transport.
	writeMu sync.Mutex

	// sendMu guards the back-pressure accounting below.
	sendMu       sync.Mutex
	sendCond     *sync.Cond
	sendBuffered int64

	assembler *messageAssembler
	pings     *pingTracker

	done      chan struct{}
	closeOnce sync.Once
}

// newConn wires an upgraded transport into a connection in the OPEN
// state. Called by Upgrade and Dial after the opening handshake.
func newConn(
	netConn net.Conn,
	reader *bufio.Reader,
	writer *bufio.Writer,
	isServer bool,
	cfg Config,
	exts []Extension,
	allowedRsv rsvBits,
	callbacks Callbacks,
) *Conn {
	c := &Conn{
		conn:      netConn,
		isServer:  isServer,
		cfg:       cfg,
		exts:      exts,
		callbacks: callbacks,
		pings:     newPingTracker(),
		done:      make(chan struct{}),
	}
	c.fr = &frameReader{
		r:            reader,
		isServer:     isServer,
		maxFrameSize: cfg.MaxFrameSize,
		allowedRsv:   allowedRsv,
	}
	c.fw = &frameWriter{w: writer, isServer: isServer}
	c.sendCond = sync.NewCond(&c.sendMu)
	c.assembler = newMessageAssembler(&c.cfg, exts)
	c.state.Store(int32(StateOpen))
	return c
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Subprotocol returns the subprotocol selected during the handshake, or
// the empty string.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Done returns a channel closed when the connection reaches CLOSED.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// BufferedAmount returns the payload bytes accepted for sending but not
// yet written to the transport. Sends block while the amount is above
// the configured high watermark and resume below the low watermark.
func (c *Conn) BufferedAmount() int64 {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendBuffered
}

// Serve runs the read loop until the connection reaches CLOSED.
//
// It fires OnOpen, starts the keep-alive prober when configured, and
// dispatches inbound frames: data frames through the message assembler,
// pings answered automatically, pongs correlated with pending pings,
// close frames through the closing handshake.
func (c *Conn) Serve() {
	if c.callbacks.OnOpen != nil {
		c.callbacks.OnOpen(c)
	}
	if c.cfg.AutoPing.Interval > 0 {
		go c.keepAlive(c.cfg.AutoPing.Interval, c.cfg.AutoPing.Timeout)
	}

	for {
		f, err := c.fr.readFrame()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if closed := c.handleFrame(f); closed {
			return
		}
	}
}

// handleFrame routes one inbound frame. It reports whether the
// connection reached CLOSED.
func (c *Conn) handleFrame(f *frame) bool {
	switch f.opcode {
	case opcodePing:
		// RFC 6455 Section 5.5.3: answer with a pong carrying the
		// ping's payload.
		_ = c.Pong(f.payload)
		if c.callbacks.OnPing != nil {
			c.callbacks.OnPing(c, f.payload)
		}
		return false

	case opcodePong:
		if c.callbacks.OnPong != nil {
			c.callbacks.OnPong(c, f.payload)
		}
		if len(f.payload) == pingCorrelationIDLength {
			c.pings.settle(string(f.payload))
		}
		return false

	case opcodeClose:
		return c.handleClose(f)

	default:
		msg, err := c.assembler.push(f)
		if err != nil {
			c.fail(err)
			return true
		}
		if msg != nil {
			c.dispatch(msg)
		}
		return false
	}
}

// dispatch delivers a complete message to the application.
func (c *Conn) dispatch(msg *message) {
	switch msg.mtype {
	case TextMessage:
		if c.callbacks.OnText != nil {
			c.callbacks.OnText(c, string(msg.data))
		}
	case BinaryMessage:
		if c.callbacks.OnBinary != nil {
			c.callbacks.OnBinary(c, msg.data)
		}
	}
}

// handleClose runs the receiving side of the closing handshake
// (RFC 6455 Section 7.1.2).
//
// When this endpoint already sent a close frame the inbound close
// completes the handshake. Otherwise the close frame is echoed, the
// server releases the transport, and the client waits for the server
// to close first (RFC 6455 Section 5.5.1).
func (c *Conn) handleClose(f *frame) bool {
	code, reason, err := parseClosePayload(f.payload)
	if err != nil {
		c.fail(err)
		return true
	}

	if ConnState(c.state.Load()) == StateClosing {
		if !c.isServer {
			c.awaitServerClose()
		}
		c.teardown(code, reason)
		return true
	}

	if c.callbacks.OnClosing != nil {
		c.callbacks.OnClosing(c, code, reason)
	}
	c.state.Store(int32(StateClosing))

	if payload, perr := closePayload(sanitizeCloseCode(code), reason); perr == nil {
		_ = c.writeControl(opcodeClose, payload)
	}

	if !c.isServer {
		c.awaitServerClose()
	}
	c.teardown(code, reason)
	return true
}

// awaitServerClose drains the transport until the server closes it,
// bounded by the connection timeout.
func (c *Conn) awaitServerClose() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
	buf := make([]byte, 512)
	for {
		if _, err := c.fr.r.Read(buf); err != nil {
			return
		}
	}
}

// handleReadError classifies a read loop failure.
//
// Protocol violations start the closing handshake with the mapped close
// code. Transport failures skip the handshake and go straight to
// CLOSED with status 1006.
func (c *Conn) handleReadError(err error) {
	if ConnState(c.state.Load()) == StateClosed {
		return
	}

	if _, ok := closeCodeForError(err); ok {
		c.fail(err)
		return
	}

	c.reportError(err)
	c.teardown(CloseAbnormalClosure, "")
}

// fail sends a close frame with the code mapped from err and tears the
// connection down.
func (c *Conn) fail(err error) {
	c.reportError(err)

	code, ok := closeCodeForError(err)
	if !ok {
		code = CloseProtocolError
	}

	if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		if payload, perr := closePayload(code, ""); perr == nil {
			_ = c.writeControl(opcodeClose, payload)
		}
	}
	c.teardown(code, "")
}

// closeCodeForError maps an error to the close code it is reported
// with. ok is false for transport errors, which carry no close frame.
func closeCodeForError(err error) (CloseCode, bool) {
	switch {
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInvalidFramePayloadData, true
	case errors.Is(err, ErrFrameTooLarge),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrLimitExceeded):
		return CloseMessageTooBig, true
	case errors.Is(err, ErrProtocolError),
		errors.Is(err, ErrReservedBits),
		errors.Is(err, ErrInvalidOpcode),
		errors.Is(err, ErrControlFragmented),
		errors.Is(err, ErrControlTooLarge),
		errors.Is(err, ErrContinuationWithoutPrevious),
		errors.Is(err, ErrNewFrameWithoutFinishingPrevious),
		errors.Is(err, ErrFragmentTooSmall),
		errors.Is(err, ErrTooManyFragments),
		errors.Is(err, ErrMaskRequired),
		errors.Is(err, ErrMaskUnexpected):
		return CloseProtocolError, true
	default:
		return 0, false
	}
}

// reportError surfaces an error through the OnError callback.
func (c *Conn) reportError(err error) {
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(c, err)
	}
}

// teardown moves the connection to CLOSED exactly once: stop the
// keep-alive timers, release the transport and extension state, fire
// OnClosed.
func (c *Conn) teardown(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.pings.stop()
		close(c.done)
		_ = c.conn.Close()
		for _, ext := range c.exts {
			_ = ext.Close()
		}
		c.sendCond.Broadcast()
		if c.callbacks.OnClosed != nil {
			c.callbacks.OnClosed(c, code, reason)
		}
	})
}

// Close starts the closing handshake (RFC 6455 Section 7.1.2).
//
// The close frame is sent immediately; the read loop completes the
// handshake when the peer's close frame arrives. Reserved codes 1005
// and 1006 are rewritten to 1000 before hitting the wire.
func (c *Conn) Close(code CloseCode, reason string) error {
	payload, err := closePayload(sanitizeCloseCode(code), reason)
	if err != nil {
		return err
	}

	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return ErrNotConnected
	}

	if err := c.writeControl(opcodeClose, payload); err != nil {
		c.teardown(CloseAbnormalClosure, "")
		return err
	}
	return nil
}

// SendText sends a text message. The text must be valid UTF-8
// (RFC 6455 Section 8.1).
func (c *Conn) SendText(text string) error {
	return c.send(TextMessage, []byte(text))
}

// SendBinary sends a binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.send(BinaryMessage, data)
}

// Send sends an application message of the given type.
func (c *Conn) Send(mt MessageType, data []byte) error {
	return c.send(mt, data)
}

// WriteJSON sends the JSON encoding of v as a text message.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return c.send(TextMessage, data)
}

// JSONHandler adapts a typed handler into an OnText callback. Messages
// that fail to decode are reported through OnError and dropped.
func JSONHandler[T any](fn func(*Conn, T)) func(*Conn, string) {
	return func(c *Conn, text string) {
		var v T
		if err := json.Unmarshal([]byte(text), &v); err != nil {
			c.reportError(fmt.Errorf("unmarshal JSON: %w", err))
			return
		}
		fn(c, v)
	}
}

// Ping sends a ping control frame.
func (c *Conn) Ping(payload []byte) error {
	return c.writeControl(opcodePing, payload)
}

// Pong sends an unsolicited pong control frame.
func (c *Conn) Pong(payload []byte) error {
	return c.writeControl(opcodePong, payload)
}

// send fragments, encodes and writes one outbound message.
func (c *Conn) send(mt MessageType, data []byte) error {
	var opcode byte
	switch mt {
	case TextMessage:
		if !utf8.Valid(data) {
			return ErrInvalidUTF8
		}
		opcode = opcodeText
	case BinaryMessage:
		opcode = opcodeBinary
	default:
		return fmt.Errorf("%w: %d", ErrInvalidMessageType, mt)
	}

	size := int64(len(data))
	c.acquireSendCredit(size)
	defer c.releaseSendCredit(size)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if ConnState(c.state.Load()) != StateOpen {
		return ErrNotConnected
	}

	for _, f := range fragmentPayload(opcode, data, c.cfg.FragmentSize) {
		encoded := f
		for _, ext := range c.exts {
			var err error
			encoded, err = ext.Encode(encoded)
			if err != nil {
				c.reportError(err)
				c.teardown(CloseInternalServerErr, "")
				return err
			}
		}
		if err := c.fw.writeFrame(encoded); err != nil {
			c.reportError(err)
			c.teardown(CloseAbnormalClosure, "")
			return fmt.Errorf("%w: %w", ErrChannelNotActive, err)
		}
	}
	return nil
}

// writeControl writes one control frame. Control frames bypass
// extensions (RFC 6455 Section 5.5). A close frame may also be sent
// from CLOSING to complete the handshake.
func (c *Conn) writeControl(opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	state := ConnState(c.state.Load())
	if state != StateOpen && !(opcode == opcodeClose && state == StateClosing) {
		return ErrNotConnected
	}

	f := &frame{fin: true, opcode: opcode, payload: payload}
	if err := c.fw.writeFrame(f); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelNotActive, err)
	}
	return nil
}

// fragmentPayload splits an outbound payload into frames. The first
// frame carries the message opcode, the rest are continuations, the
// last sets FIN (RFC 6455 Section 5.4).
func fragmentPayload(opcode byte, data []byte, fragmentSize int64) []*frame {
	if fragmentSize <= 0 || int64(len(data)) <= fragmentSize {
		return []*frame{{fin: true, opcode: opcode, payload: data}}
	}

	var frames []*frame
	step := int(fragmentSize)
	for off := 0; off < len(data); off += step {
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		f := &frame{opcode: opcodeContinuation, payload: data[off:end]}
		if off == 0 {
			f.opcode = opcode
		}
		f.fin = end == len(data)
		frames = append(frames, f)
	}
	return frames
}

// acquireSendCredit blocks while the buffered amount is above the high
// watermark. Credit is granted once the queue drains below the low
// watermark or the connection closes.
func (c *Conn) acquireSendCredit(n int64) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for c.sendBuffered > 0 &&
		c.sendBuffered+n > c.cfg.WriteHighWatermark &&
		ConnState(c.state.Load()) == StateOpen {
		c.sendCond.Wait()
	}
	c.sendBuffered += n
}

// releaseSendCredit returns credit and wakes blocked senders once the
// queue is below the low watermark.
func (c *Conn) releaseSendCredit(n int64) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.sendBuffered -= n
	if c.sendBuffered <= c.cfg.WriteLowWatermark {
		c.sendCond.Broadcast()
	}
}
