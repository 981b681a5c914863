package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtensionHeader(t *testing.T) {
	offers, err := parseExtensionHeader(
		"permessage-deflate; client_max_window_bits, permessage-deflate; server_no_context_takeover; server_max_window_bits=10")
	require.NoError(t, err)
	require.Len(t, offers, 2)

	assert.Equal(t, "permessage-deflate", offers[0].name)
	p, ok := offers[0].param("client_max_window_bits")
	require.True(t, ok)
	assert.False(t, p.hasValue)

	p, ok = offers[1].param("server_max_window_bits")
	require.True(t, ok)
	assert.True(t, p.hasValue)
	assert.Equal(t, "10", p.value)
	_, ok = offers[1].param("server_no_context_takeover")
	assert.True(t, ok)
}

func TestParseExtensionHeader_QuotedValues(t *testing.T) {
	for _, header := range []string{
		`permessage-deflate; server_max_window_bits="10"`,
		`permessage-deflate; server_max_window_bits='10'`,
	} {
		offers, err := parseExtensionHeader(header)
		require.NoError(t, err)
		require.Len(t, offers, 1)
		p, ok := offers[0].param("server_max_window_bits")
		require.True(t, ok)
		assert.Equal(t, "10", p.value)
	}
}

func TestParseExtensionHeader_Empty(t *testing.T) {
	offers, err := parseExtensionHeader("")
	require.NoError(t, err)
	assert.Empty(t, offers)

	offers, err = parseExtensionHeader(" , ,")
	require.NoError(t, err)
	assert.Empty(t, offers)
}

func TestParseExtensionHeader_DuplicateParameter(t *testing.T) {
	_, err := parseExtensionHeader(
		"permessage-deflate; client_no_context_takeover; client_no_context_takeover")
	assert.ErrorIs(t, err, ErrDuplicateParameter)
}

func TestParseExtensionHeader_InvalidValues(t *testing.T) {
	for _, header := range []string{
		"; client_max_window_bits",                 // empty token
		"permessage-deflate; =10",                  // empty parameter name
		"permessage-deflate; server_max_window_bits=", // empty value
	} {
		_, err := parseExtensionHeader(header)
		assert.ErrorIs(t, err, ErrInvalidParameterValue, "header %q", header)
	}
}

func TestComposeExtensions(t *testing.T) {
	first, err := NewDeflateExtension(DeflateOptions{})
	require.NoError(t, err)

	bits, err := composeExtensions([]Extension{first})
	require.NoError(t, err)
	assert.Equal(t, rsvBits{rsv1: true}, bits)

	second, err := NewDeflateExtension(DeflateOptions{})
	require.NoError(t, err)
	_, err = composeExtensions([]Extension{first, second})
	assert.ErrorIs(t, err, ErrIncompatibleExtensions)
}

func TestOffersFor(t *testing.T) {
	offers, err := parseExtensionHeader("a; x=1, b, a; y=2")
	require.NoError(t, err)

	matched := offersFor(offers, "a")
	require.Len(t, matched, 2)
	_, ok := matched[0].param("x")
	assert.True(t, ok)
	_, ok = matched[1].param("y")
	assert.True(t, ok)

	assert.Empty(t, offersFor(offers, "c"))
}
