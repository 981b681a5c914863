package websocket

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// permessage-deflate extension token and parameter names
// (RFC 7692 Section 7).
const (
	extensionDeflate = "permessage-deflate"

	paramServerNoContextTakeover = "server_no_context_takeover"
	paramClientNoContextTakeover = "client_no_context_takeover"
	paramServerMaxWindowBits     = "server_max_window_bits"
	paramClientMaxWindowBits     = "client_max_window_bits"
)

// Window bits bounds (RFC 7692 Section 7.1.2).
const (
	minWindowBits     = 8
	maxWindowBits     = 15
	defaultWindowBits = 15
)

// defaultMaxDecompressionSize bounds the inflated size of a single
// message. Guards against decompression bombs.
const defaultMaxDecompressionSize = 16 << 20 // 16 MiB

// deflateMessageTail terminates a per-message DEFLATE stream for
// decompression: the 4-byte sync-flush marker stripped by the sender,
// followed by a final empty stored block so the inflater observes a
// clean end of stream.
var deflateMessageTail = []byte{0x00, 0x00, 0xff, 0xff, 0x01, 0x00, 0x00, 0xff, 0xff}

// deflateDictSize is the LZ77 sliding window retained across messages
// when context takeover is active.
const deflateDictSize = 32 << 10

// DeflateOptions configures the permessage-deflate extension
// (RFC 7692 Section 7.1).
//
// The zero value negotiates with context takeover in both directions and
// the default 15-bit window.
type DeflateOptions struct {
	// ServerNoContextTakeover requests that the server reset its
	// compression dictionary after every message.
	ServerNoContextTakeover bool

	// ClientNoContextTakeover requests that the client reset its
	// compression dictionary after every message.
	ClientNoContextTakeover bool

	// ServerMaxWindowBits bounds the server's LZ77 window
	// (log2, 8..15). Zero leaves the parameter unset.
	ServerMaxWindowBits int

	// ClientMaxWindowBits bounds the client's LZ77 window
	// (log2, 8..15). Zero leaves the parameter unset.
	ClientMaxWindowBits int

	// MaxDecompressionSize bounds the inflated size of one message.
	// Exceeding it is fatal for the connection (close code 1009).
	// Zero means the 16 MiB default.
	MaxDecompressionSize int64

	// MemoryLevel tunes compressor memory use (1..9, default 8).
	// Retained for configuration parity with zlib-based peers; the Go
	// DEFLATE implementation sizes its own state.
	MemoryLevel int

	// CompressionLevel is the flate compression level.
	// Zero means flate.DefaultCompression.
	CompressionLevel int
}

// Validate enforces option bounds at construction time.
func (o *DeflateOptions) Validate() error {
	if o.ServerMaxWindowBits != 0 &&
		(o.ServerMaxWindowBits < minWindowBits || o.ServerMaxWindowBits > maxWindowBits) {
		return fmt.Errorf("%w: server_max_window_bits=%d", ErrInvalidParameterValue, o.ServerMaxWindowBits)
	}
	if o.ClientMaxWindowBits != 0 &&
		(o.ClientMaxWindowBits < minWindowBits || o.ClientMaxWindowBits > maxWindowBits) {
		return fmt.Errorf("%w: client_max_window_bits=%d", ErrInvalidParameterValue, o.ClientMaxWindowBits)
	}
	if o.MaxDecompressionSize < 0 {
		return fmt.Errorf("%w: negative max decompression size", ErrInvalidParameterValue)
	}
	if o.MemoryLevel != 0 && (o.MemoryLevel < 1 || o.MemoryLevel > 9) {
		return fmt.Errorf("%w: memory_level=%d", ErrInvalidParameterValue, o.MemoryLevel)
	}
	if o.CompressionLevel != 0 &&
		(o.CompressionLevel < flate.HuffmanOnly || o.CompressionLevel > flate.BestCompression) {
		return fmt.Errorf("%w: compression_level=%d", ErrInvalidParameterValue, o.CompressionLevel)
	}
	return nil
}

// deflateParams is the negotiated parameter set for one connection.
type deflateParams struct {
	serverNoContextTakeover bool
	clientNoContextTakeover bool
	serverMaxWindowBits     int
	clientMaxWindowBits     int

	// echo flags: which window-bits parameters appear in the server's
	// response header. A bound the client asked for must be echoed
	// explicitly (RFC 7692 Section 7.1.2).
	echoServerBits bool
	echoClientBits bool
}

// DeflateExtension implements RFC 7692 permessage-deflate.
//
// One instance serves one connection. It owns a per-direction compressor
// and decompressor whose lifetime equals the OPEN/CLOSING connection;
// with no-context-takeover the corresponding stream is reset at every
// message boundary.
type DeflateExtension struct {
	opts DeflateOptions

	active   bool
	isServer bool
	params   deflateParams

	// Compressor state. cw writes raw DEFLATE into cbuf; the sliding
	// window persists across messages unless the local side negotiated
	// no-context-takeover.
	cw   *flate.Writer
	cbuf bytes.Buffer

	// Decompressor state. Compressed fragments of the in-flight message
	// accumulate in dbuf; dict carries the remote window across
	// messages under context takeover.
	dr   io.ReadCloser
	dbuf bytes.Buffer
	dict []byte

	failed bool
}

// NewDeflateExtension creates an inactive permessage-deflate extension
// with the given options. The extension activates during the handshake
// when negotiation succeeds.
func NewDeflateExtension(opts DeflateOptions) (*DeflateExtension, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxDecompressionSize == 0 {
		opts.MaxDecompressionSize = defaultMaxDecompressionSize
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = flate.DefaultCompression
	}
	return &DeflateExtension{opts: opts}, nil
}

// Name returns the permessage-deflate token.
func (e *DeflateExtension) Name() string { return extensionDeflate }

// RsvBits returns the reserved bits claimed by permessage-deflate.
// RFC 7692 Section 6: the extension uses RSV1 ("Per-Message Compressed").
func (e *DeflateExtension) RsvBits() (bool, bool, bool) { return true, false, false }

// Offer serialises the client's extension offer:
//
//	permessage-deflate[; server_no_context_takeover]
//	  [; server_max_window_bits=N][; client_no_context_takeover]
//	  [; client_max_window_bits=N]
func (e *DeflateExtension) Offer() string {
	parts := []string{extensionDeflate}
	if e.opts.ServerNoContextTakeover {
		parts = append(parts, paramServerNoContextTakeover)
	}
	if e.opts.ServerMaxWindowBits != 0 {
		parts = append(parts, fmt.Sprintf("%s=%d", paramServerMaxWindowBits, e.opts.ServerMaxWindowBits))
	}
	if e.opts.ClientNoContextTakeover {
		parts = append(parts, paramClientNoContextTakeover)
	}
	if e.opts.ClientMaxWindowBits != 0 {
		parts = append(parts, fmt.Sprintf("%s=%d", paramClientMaxWindowBits, e.opts.ClientMaxWindowBits))
	}
	return strings.Join(parts, "; ")
}

// Accept runs server-side negotiation over the client's ordered offers.
// The first acceptable offer wins; declining every offer deactivates the
// extension without error. RFC 7692 Section 7.1.
func (e *DeflateExtension) Accept(offers []extensionOffer) (string, bool, error) {
	for _, offer := range offersFor(offers, extensionDeflate) {
		params, ok, err := e.acceptOffer(offer)
		if err != nil {
			return "", false, err
		}
		if !ok {
			continue
		}
		e.activate(params, true)
		return serializeDeflateResponse(params), true, nil
	}
	return "", false, nil
}

// acceptOffer evaluates a single client offer against the local options.
//
// Per-parameter rules (L = local option, O = offered value):
//
//	server_no_context_takeover:  L or O
//	client_no_context_takeover:  L or O
//	server_max_window_bits:      both absent -> 15; L absent, O present ->
//	                             decline; L present, O absent -> L;
//	                             both present -> min(L, O)
//	client_max_window_bits:      both absent -> unset; L absent -> O (or
//	                             15 for a bare token); L present, O
//	                             absent -> decline; both present ->
//	                             min(L, O)
//
//nolint:gocyclo,cyclop // Parameter table per RFC 7692 Section 7.1
func (e *DeflateExtension) acceptOffer(offer extensionOffer) (deflateParams, bool, error) {
	params := deflateParams{
		serverMaxWindowBits: defaultWindowBits,
		clientMaxWindowBits: defaultWindowBits,
	}

	for name := range offer.params {
		switch name {
		case paramServerNoContextTakeover, paramClientNoContextTakeover,
			paramServerMaxWindowBits, paramClientMaxWindowBits:
		default:
			return deflateParams{}, false, fmt.Errorf("%w: %q", ErrUnknownExtensionParameter, name)
		}
	}

	if p, ok := offer.param(paramServerNoContextTakeover); ok {
		if p.hasValue {
			return deflateParams{}, false, fmt.Errorf("%w: %s takes no value", ErrInvalidParameterValue, paramServerNoContextTakeover)
		}
		params.serverNoContextTakeover = true
	}
	params.serverNoContextTakeover = params.serverNoContextTakeover || e.opts.ServerNoContextTakeover

	if p, ok := offer.param(paramClientNoContextTakeover); ok {
		if p.hasValue {
			return deflateParams{}, false, fmt.Errorf("%w: %s takes no value", ErrInvalidParameterValue, paramClientNoContextTakeover)
		}
		params.clientNoContextTakeover = true
	}
	params.clientNoContextTakeover = params.clientNoContextTakeover || e.opts.ClientNoContextTakeover

	if p, ok := offer.param(paramServerMaxWindowBits); ok {
		offered, err := parseWindowBits(paramServerMaxWindowBits, p, false)
		if err != nil {
			return deflateParams{}, false, err
		}
		if e.opts.ServerMaxWindowBits == 0 {
			// The compressor cannot honour a reduced window the
			// operator did not opt into; decline this offer.
			return deflateParams{}, false, nil
		}
		params.serverMaxWindowBits = min(e.opts.ServerMaxWindowBits, offered)
		params.echoServerBits = true
	} else if e.opts.ServerMaxWindowBits != 0 {
		params.serverMaxWindowBits = e.opts.ServerMaxWindowBits
		params.echoServerBits = true
	}

	if p, ok := offer.param(paramClientMaxWindowBits); ok {
		// A bare client_max_window_bits token signals support with the
		// default 15-bit window (RFC 7692 Section 7.1.2.2).
		offered, err := parseWindowBits(paramClientMaxWindowBits, p, true)
		if err != nil {
			return deflateParams{}, false, err
		}
		if e.opts.ClientMaxWindowBits != 0 {
			params.clientMaxWindowBits = min(e.opts.ClientMaxWindowBits, offered)
		} else {
			params.clientMaxWindowBits = offered
		}
		params.echoClientBits = true
	} else if e.opts.ClientMaxWindowBits != 0 {
		// The client gave no way to bound its window; decline.
		return deflateParams{}, false, nil
	}

	return params, true, nil
}

// serializeDeflateResponse builds the server's response header value.
// Window-bits values negotiated from an explicit bound are echoed
// explicitly.
func serializeDeflateResponse(params deflateParams) string {
	parts := []string{extensionDeflate}
	if params.serverNoContextTakeover {
		parts = append(parts, paramServerNoContextTakeover)
	}
	if params.echoServerBits {
		parts = append(parts, fmt.Sprintf("%s=%d", paramServerMaxWindowBits, params.serverMaxWindowBits))
	}
	if params.clientNoContextTakeover {
		parts = append(parts, paramClientNoContextTakeover)
	}
	if params.echoClientBits {
		parts = append(parts, fmt.Sprintf("%s=%d", paramClientMaxWindowBits, params.clientMaxWindowBits))
	}
	return strings.Join(parts, "; ")
}

// AcceptResponse validates the server's single response against the
// locally requested options and activates the extension.
// RFC 7692 Section 7.1.
//
//nolint:gocyclo,cyclop // Parameter table per RFC 7692 Section 7.1
func (e *DeflateExtension) AcceptResponse(resp extensionOffer) error {
	params := deflateParams{
		serverMaxWindowBits: defaultWindowBits,
		clientMaxWindowBits: defaultWindowBits,
	}

	for name := range resp.params {
		switch name {
		case paramServerNoContextTakeover, paramClientNoContextTakeover,
			paramServerMaxWindowBits, paramClientMaxWindowBits:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownExtensionParameter, name)
		}
	}

	// The server may demand no-context-takeover even when not requested.
	// A requested server_no_context_takeover must be honoured.
	if p, ok := resp.param(paramServerNoContextTakeover); ok {
		if p.hasValue {
			return fmt.Errorf("%w: %s takes no value", ErrInvalidParameterValue, paramServerNoContextTakeover)
		}
		params.serverNoContextTakeover = true
	} else if e.opts.ServerNoContextTakeover {
		return fmt.Errorf("%w: %s not honoured", ErrInvalidServerResponse, paramServerNoContextTakeover)
	}

	if p, ok := resp.param(paramClientNoContextTakeover); ok {
		if p.hasValue {
			return fmt.Errorf("%w: %s takes no value", ErrInvalidParameterValue, paramClientNoContextTakeover)
		}
		params.clientNoContextTakeover = true
	}
	// The client may always reset its own context more often than asked.
	params.clientNoContextTakeover = params.clientNoContextTakeover || e.opts.ClientNoContextTakeover

	if p, ok := resp.param(paramServerMaxWindowBits); ok {
		value, err := parseWindowBits(paramServerMaxWindowBits, p, false)
		if err != nil {
			return err
		}
		if e.opts.ServerMaxWindowBits != 0 && value > e.opts.ServerMaxWindowBits {
			return fmt.Errorf("%w: %s=%d exceeds requested %d",
				ErrInvalidServerResponse, paramServerMaxWindowBits, value, e.opts.ServerMaxWindowBits)
		}
		params.serverMaxWindowBits = value
	} else if e.opts.ServerMaxWindowBits != 0 {
		// A requested bound must be echoed with an explicit value.
		return fmt.Errorf("%w: %s not echoed", ErrInvalidServerResponse, paramServerMaxWindowBits)
	}

	if p, ok := resp.param(paramClientMaxWindowBits); ok {
		value, err := parseWindowBits(paramClientMaxWindowBits, p, false)
		if err != nil {
			return err
		}
		if e.opts.ClientMaxWindowBits != 0 && value > e.opts.ClientMaxWindowBits {
			return fmt.Errorf("%w: %s=%d exceeds requested %d",
				ErrInvalidServerResponse, paramClientMaxWindowBits, value, e.opts.ClientMaxWindowBits)
		}
		params.clientMaxWindowBits = value
	} else if e.opts.ClientMaxWindowBits != 0 {
		return fmt.Errorf("%w: %s not echoed", ErrInvalidServerResponse, paramClientMaxWindowBits)
	}

	e.activate(params, false)
	return nil
}

// parseWindowBits parses a window-bits parameter value in [8,15].
// allowBare treats a bare token as the default 15-bit window.
func parseWindowBits(name string, p extensionParam, allowBare bool) (int, error) {
	if !p.hasValue {
		if allowBare {
			return defaultWindowBits, nil
		}
		return 0, fmt.Errorf("%w: %s requires a value", ErrInvalidParameterValue, name)
	}
	value, err := strconv.Atoi(p.value)
	if err != nil || value < minWindowBits || value > maxWindowBits {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidParameterValue, name, p.value)
	}
	return value, nil
}

// activate commits the negotiated parameters and constructs the
// compressor; the decompressor is created by the first Decode.
//
// Neither direction is bound to a negotiated window size: the Go DEFLATE
// implementation uses a fixed 32 KiB window, so a negotiated window below
// 15 bits is validated during negotiation but not applied to the streams.
func (e *DeflateExtension) activate(params deflateParams, isServer bool) {
	e.params = params
	e.isServer = isServer
	e.active = true

	e.cbuf.Reset()
	e.cw, _ = flate.NewWriter(&e.cbuf, e.opts.CompressionLevel)
}

// Active reports whether negotiation activated the extension.
func (e *DeflateExtension) Active() bool { return e.active }

// localNoContextTakeover reports whether this side resets its compressor
// after every message; remoteNoContextTakeover reports whether the peer
// does, which drops the decompressor's dictionary after every message.
func (e *DeflateExtension) localNoContextTakeover() bool {
	if e.isServer {
		return e.params.serverNoContextTakeover
	}
	return e.params.clientNoContextTakeover
}

func (e *DeflateExtension) remoteNoContextTakeover() bool {
	if e.isServer {
		return e.params.clientNoContextTakeover
	}
	return e.params.serverNoContextTakeover
}

// Encode compresses an outbound data frame.
//
// Control frames pass through unchanged. The payload is compressed with
// a sync flush; on the final frame of a message the trailing 4-byte
// sync-flush marker (00 00 FF FF) is stripped before transmission
// (RFC 7692 Section 7.2.1). RSV1 is set on the first frame of a message
// only.
func (e *DeflateExtension) Encode(f *frame) (*frame, error) {
	if isControlFrame(f.opcode) || !e.active {
		return f, nil
	}

	e.cbuf.Reset()
	if _, err := e.cw.Write(f.payload); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := e.cw.Flush(); err != nil {
		return nil, fmt.Errorf("deflate flush: %w", err)
	}

	compressed := append([]byte(nil), e.cbuf.Bytes()...)
	if f.fin {
		// Flush always terminates with the 4-byte sync marker.
		if len(compressed) >= 4 && bytes.HasSuffix(compressed, deflateMessageTail[:4]) {
			compressed = compressed[:len(compressed)-4]
		}
		if e.localNoContextTakeover() {
			e.cw.Reset(&e.cbuf)
		}
	}

	out := *f
	out.payload = compressed
	out.rsv1 = f.opcode != opcodeContinuation
	return &out, nil
}

// Decode decompresses an inbound data frame.
//
// Control frames pass through unchanged. Compressed fragments accumulate
// until the final frame, at which point the sync-flush marker is
// restored and the whole message is inflated against the retained
// sliding-window dictionary. The inflated byte count is enforced against
// MaxDecompressionSize; exceeding it abandons the session
// (RFC 7692 Section 7.2.2).
func (e *DeflateExtension) Decode(f *frame) (*frame, error) {
	if isControlFrame(f.opcode) || !e.active {
		return f, nil
	}
	if e.failed {
		return nil, ErrLimitExceeded
	}

	e.dbuf.Write(f.payload)

	out := *f
	out.rsv1 = false

	if !f.fin {
		// The stream spans the whole message; intermediate fragments
		// contribute no inflated bytes until the final frame arrives.
		out.payload = nil
		return &out, nil
	}

	stream := make([]byte, 0, e.dbuf.Len()+len(deflateMessageTail))
	stream = append(stream, e.dbuf.Bytes()...)
	stream = append(stream, deflateMessageTail...)
	e.dbuf.Reset()

	src := bytes.NewReader(stream)
	if e.dr == nil {
		e.dr = flate.NewReaderDict(src, e.dict)
	} else if err := e.dr.(flate.Resetter).Reset(src, e.dict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	limit := e.opts.MaxDecompressionSize
	var inflated bytes.Buffer
	n, err := io.Copy(&inflated, io.LimitReader(e.dr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", ErrProtocolError, err)
	}
	if n > limit {
		e.failed = true
		return nil, fmt.Errorf("%w: %d bytes", ErrLimitExceeded, n)
	}

	if e.remoteNoContextTakeover() {
		e.dict = nil
	} else {
		e.dict = slideWindow(e.dict, inflated.Bytes())
	}

	out.payload = inflated.Bytes()
	return &out, nil
}

// slideWindow appends produced output to the dictionary and keeps the
// trailing 32 KiB.
func slideWindow(dict, produced []byte) []byte {
	if len(produced) >= deflateDictSize {
		return append(dict[:0], produced[len(produced)-deflateDictSize:]...)
	}
	dict = append(dict, produced...)
	if len(dict) > deflateDictSize {
		dict = append(dict[:0:0], dict[len(dict)-deflateDictSize:]...)
	}
	return dict
}

// Close releases the compressor and decompressor state.
func (e *DeflateExtension) Close() error {
	e.cw = nil
	e.dr = nil
	e.dict = nil
	e.dbuf.Reset()
	e.active = false
	return nil
}
