package websocket

import (
	"fmt"
	"strings"
)

// Extension is a negotiated WebSocket extension (RFC 6455 Section 9).
//
// An extension participates in the opening handshake through Offer (client
// role) or Accept (server role), and thereafter transforms data frames on
// the send and receive paths. Control frames are never passed through
// extensions.
//
// An Extension instance is stateful and owned by exactly one connection.
type Extension interface {
	// Name returns the extension token used in the
	// Sec-WebSocket-Extensions header.
	Name() string

	// RsvBits returns the reserved header bits the extension claims.
	// Negotiated extensions on one connection must claim disjoint bits.
	RsvBits() (rsv1, rsv2, rsv3 bool)

	// Offer returns the client's Sec-WebSocket-Extensions header value
	// for this extension.
	Offer() string

	// Accept runs server-side negotiation against the client's ordered
	// offers. It returns the response header value and true when an
	// offer was accepted. Declining every offer is not an error: the
	// extension is simply not activated.
	Accept(offers []extensionOffer) (string, bool, error)

	// AcceptResponse runs client-side validation of the server's
	// response parameters and activates the extension.
	AcceptResponse(resp extensionOffer) error

	// Encode transforms an outbound data frame. Control frames are
	// returned unchanged.
	Encode(f *frame) (*frame, error)

	// Decode transforms an inbound data frame. Control frames are
	// returned unchanged.
	Decode(f *frame) (*frame, error)

	// Close releases any state held by the extension. Called during the
	// connection's transition to CLOSED.
	Close() error
}

// extensionParam is a single parameter of an extension offer. Parameters
// are either bare flags or name=value pairs.
type extensionParam struct {
	value    string
	hasValue bool
}

// extensionOffer is one offered extension: its token and parameter set.
//
// RFC 6455 Section 9.1: a Sec-WebSocket-Extensions header carries a
// comma-separated list of offers, each a token followed by
// semicolon-separated parameters.
type extensionOffer struct {
	name   string
	params map[string]extensionParam
}

// param returns the named parameter and whether it is present.
func (o extensionOffer) param(name string) (extensionParam, bool) {
	p, ok := o.params[name]
	return p, ok
}

// parseExtensionHeader parses a Sec-WebSocket-Extensions header value
// into an ordered list of offers.
//
// Values may be quoted with " or '. A parameter repeated within one offer
// is rejected with ErrDuplicateParameter.
func parseExtensionHeader(value string) ([]extensionOffer, error) {
	var offers []extensionOffer

	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.Split(entry, ";")
		offer := extensionOffer{
			name:   strings.TrimSpace(parts[0]),
			params: make(map[string]extensionParam),
		}
		if offer.name == "" {
			return nil, fmt.Errorf("%w: empty extension token", ErrInvalidParameterValue)
		}

		for _, part := range parts[1:] {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}

			name, value, hasValue := strings.Cut(part, "=")
			name = strings.TrimSpace(name)
			if name == "" {
				return nil, fmt.Errorf("%w: empty parameter name", ErrInvalidParameterValue)
			}

			if _, dup := offer.params[name]; dup {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateParameter, name)
			}

			if hasValue {
				value = strings.TrimSpace(value)
				value = unquoteParamValue(value)
				if value == "" {
					return nil, fmt.Errorf("%w: empty value for %q", ErrInvalidParameterValue, name)
				}
			}

			offer.params[name] = extensionParam{value: value, hasValue: hasValue}
		}

		offers = append(offers, offer)
	}

	return offers, nil
}

// unquoteParamValue strips a matching pair of " or ' quotes.
func unquoteParamValue(value string) string {
	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// composeExtensions validates that the active extensions claim disjoint
// reserved bits and returns their union, which becomes the allowed RSV
// set for the frame reader.
func composeExtensions(exts []Extension) (rsvBits, error) {
	var claimed rsvBits
	for _, ext := range exts {
		r1, r2, r3 := ext.RsvBits()
		bits := rsvBits{r1, r2, r3}
		if claimed.overlaps(bits) {
			return rsvBits{}, fmt.Errorf("%w: %s", ErrIncompatibleExtensions, ext.Name())
		}
		claimed = claimed.union(bits)
	}
	return claimed, nil
}

// offersFor filters parsed offers down to those matching an extension's
// token, preserving order.
func offersFor(offers []extensionOffer, name string) []extensionOffer {
	var matched []extensionOffer
	for _, offer := range offers {
		if offer.name == name {
			matched = append(matched, offer)
		}
	}
	return matched
}
