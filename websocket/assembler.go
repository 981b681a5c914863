package websocket

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// message is a fully assembled application message.
type message struct {
	mtype MessageType
	data  []byte
}

// messageAssembler rebuilds application messages from inbound data
// frames (RFC 6455 Section 5.4: Fragmentation).
//
// The assembler validates fragment sequencing, routes frames through the
// negotiated extensions in reverse negotiation order, and enforces the
// configured fragment and message limits. Control frames never reach the
// assembler.
//
// Owned by the connection's read loop. Not safe for concurrent use.
type messageAssembler struct {
	cfg  *Config
	exts []Extension

	// open is true while a fragmented message is being assembled.
	open bool

	// mtype is the message type announced by the first fragment.
	mtype MessageType

	// active holds the extensions participating in the open message,
	// selected by the first fragment's reserved bits and fixed for the
	// rest of the message. Negotiation order.
	active []Extension

	buf       bytes.Buffer
	fragments int
}

func newMessageAssembler(cfg *Config, exts []Extension) *messageAssembler {
	return &messageAssembler{cfg: cfg, exts: exts}
}

// push feeds one data frame into the assembler. It returns a complete
// message when the frame finishes one, nil while fragments accumulate,
// and an error on any violation. Every error is fatal to the connection.
//
//nolint:cyclop // Fragment sequencing requires the checks RFC 6455 Section 5.4 lists
func (a *messageAssembler) push(f *frame) (*message, error) {
	// Sequencing (RFC 6455 Section 5.4): continuation frames need an
	// open message, data frames must not interleave with one.
	if f.opcode == opcodeContinuation && !a.open {
		return nil, ErrContinuationWithoutPrevious
	}
	if f.opcode != opcodeContinuation && a.open {
		return nil, ErrNewFrameWithoutFinishingPrevious
	}

	// RFC 7692 Section 6.1: the compressed bit appears on the first
	// fragment only.
	if f.opcode == opcodeContinuation && f.rsv1 {
		return nil, ErrReservedBits
	}

	// The fragment size floor applies to the wire payload, before any
	// extension transform.
	if !f.fin && a.cfg.MinNonFinalFragmentSize > 0 && int64(len(f.payload)) < a.cfg.MinNonFinalFragmentSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFragmentTooSmall, len(f.payload))
	}

	if !a.open {
		a.open = true
		a.fragments = 0
		a.mtype = BinaryMessage
		if f.opcode == opcodeText {
			a.mtype = TextMessage
		}
		a.active = participatingExtensions(a.exts, f.rsv())
	}

	decoded := f
	for i := len(a.active) - 1; i >= 0; i-- {
		var err error
		decoded, err = a.active[i].Decode(decoded)
		if err != nil {
			a.reset()
			return nil, err
		}
	}

	a.fragments++
	if a.cfg.MaxFragmentCount > 0 && a.fragments > a.cfg.MaxFragmentCount {
		a.reset()
		return nil, ErrTooManyFragments
	}
	if a.cfg.MaxMessageSize > 0 && int64(a.buf.Len())+int64(len(decoded.payload)) > a.cfg.MaxMessageSize {
		a.reset()
		return nil, fmt.Errorf("%w: above %d bytes", ErrMessageTooLarge, a.cfg.MaxMessageSize)
	}
	a.buf.Write(decoded.payload)

	if !f.fin {
		return nil, nil
	}

	msg := &message{mtype: a.mtype, data: bytes.Clone(a.buf.Bytes())}
	a.reset()

	// RFC 6455 Section 8.1: text messages are validated once assembled.
	if msg.mtype == TextMessage && !utf8.Valid(msg.data) {
		return nil, ErrInvalidUTF8
	}

	return msg, nil
}

// reset drops any partially assembled message.
func (a *messageAssembler) reset() {
	a.open = false
	a.active = nil
	a.buf.Reset()
	a.fragments = 0
}

// participatingExtensions selects the extensions whose claimed reserved
// bits all appear on the message's first frame. An extension claiming no
// bits cannot mark its presence and never participates.
func participatingExtensions(exts []Extension, frameRsv rsvBits) []Extension {
	var active []Extension
	for _, ext := range exts {
		r1, r2, r3 := ext.RsvBits()
		bits := rsvBits{r1, r2, r3}
		if bits == (rsvBits{}) {
			continue
		}
		if frameRsv.covers(bits) {
			active = append(active, ext)
		}
	}
	return active
}
