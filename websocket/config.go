package websocket

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	// DefaultMaxFrameSize is the default maximum frame payload size (16 KiB).
	DefaultMaxFrameSize = 16 * 1024

	// DefaultWriteHighWatermark is the buffered-send level above which
	// writes block (64 KiB).
	DefaultWriteHighWatermark = 64 * 1024

	// DefaultWriteLowWatermark is the buffered-send level below which
	// blocked writes resume (32 KiB).
	DefaultWriteLowWatermark = 32 * 1024

	// DefaultConnectionTimeout is the default client dial and upgrade
	// timeout.
	DefaultConnectionTimeout = 10 * time.Second

	// DefaultBufferSize is the default bufio reader/writer size for the
	// hijacked connection.
	DefaultBufferSize = 4096
)

// LeftoverBytesStrategy controls what happens to bytes the HTTP server
// read past the upgrade request before the connection was hijacked.
type LeftoverBytesStrategy string

const (
	// LeftoverBytesDrop discards pre-read bytes. Frames the client sent
	// before the 101 response are lost.
	LeftoverBytesDrop LeftoverBytesStrategy = "drop"

	// LeftoverBytesForward keeps pre-read bytes in front of the frame
	// reader so early frames are processed normally.
	LeftoverBytesForward LeftoverBytesStrategy = "forward"
)

// AutoPing configures the keep-alive prober.
//
// When Interval is positive the connection sends a ping every Interval
// carrying a unique correlation id, and expects the matching pong within
// Timeout. A missing pong closes the connection with status 1006.
type AutoPing struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Config carries the tunable limits and transport options of a
// connection. The zero value is usable: every field has a documented
// default applied by Validate.
type Config struct {
	// MaxFrameSize bounds a single frame's payload length. Frames above
	// the bound fail the connection with status 1009. 0 means
	// DefaultMaxFrameSize.
	MaxFrameSize int64 `yaml:"max_frame_size"`

	// MinNonFinalFragmentSize rejects non-final fragments whose wire
	// payload is smaller, closing with 1002. 0 disables the check.
	MinNonFinalFragmentSize int64 `yaml:"min_non_final_fragment_size"`

	// MaxFragmentCount bounds the number of fragments in one message.
	// 0 means unbounded.
	MaxFragmentCount int `yaml:"max_fragment_count"`

	// MaxMessageSize bounds the total assembled message size, checked
	// incrementally while fragments accumulate. 0 means unbounded.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// FragmentSize splits outbound payloads larger than this value into
	// continuation frames. 0 disables outbound fragmentation.
	FragmentSize int64 `yaml:"fragment_size"`

	// WriteHighWatermark and WriteLowWatermark bound the buffered send
	// queue. Writes block once BufferedAmount exceeds the high mark and
	// resume when it drains below the low mark.
	WriteHighWatermark int64 `yaml:"write_high_watermark"`
	WriteLowWatermark  int64 `yaml:"write_low_watermark"`

	// ConnectionTimeout bounds the client dial plus upgrade exchange.
	// 0 means DefaultConnectionTimeout.
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`

	// AutoPing enables the keep-alive prober when Interval > 0.
	AutoPing AutoPing `yaml:"auto_ping"`

	// LeftoverBytes selects the strategy for bytes read past the
	// upgrade request. Empty means LeftoverBytesDrop.
	LeftoverBytes LeftoverBytesStrategy `yaml:"leftover_bytes"`

	// ReadBufferSize and WriteBufferSize size the bufio layers on the
	// hijacked or dialed connection. 0 means DefaultBufferSize.
	ReadBufferSize  int `yaml:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size"`

	// TLS is used for wss:// dials and TLS listeners. Nil means default
	// settings for wss and plain TCP for ws.
	TLS *tls.Config `yaml:"-"`

	// Device binds the client socket to the named network interface.
	// Empty means no binding.
	Device string `yaml:"device"`

	// TCPSendBuffer and TCPReceiveBuffer set SO_SNDBUF / SO_RCVBUF on
	// the dialed socket. 0 leaves the kernel default.
	TCPSendBuffer    int `yaml:"tcp_send_buffer"`
	TCPReceiveBuffer int `yaml:"tcp_receive_buffer"`

	// ReuseAddress sets SO_REUSEADDR on the dialed socket.
	ReuseAddress bool `yaml:"reuse_address"`

	// TCPNoDelayDisabled turns Nagle's algorithm back on. The default
	// (false) keeps TCP_NODELAY set, matching interactive traffic.
	TCPNoDelayDisabled bool `yaml:"tcp_no_delay_disabled"`
}

// Validate applies defaults and checks field consistency. It mutates the
// receiver and is called by Upgrade and Dial on the configuration they
// are handed.
func (c *Config) Validate() error {
	if c.MaxFrameSize < 0 {
		return fmt.Errorf("%w: max_frame_size must be non-negative", ErrInvalidParameterValue)
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}

	if c.MinNonFinalFragmentSize < 0 {
		return fmt.Errorf("%w: min_non_final_fragment_size must be non-negative", ErrInvalidParameterValue)
	}
	if c.MaxFragmentCount < 0 {
		return fmt.Errorf("%w: max_fragment_count must be non-negative", ErrInvalidParameterValue)
	}
	if c.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max_message_size must be non-negative", ErrInvalidParameterValue)
	}
	if c.FragmentSize < 0 {
		return fmt.Errorf("%w: fragment_size must be non-negative", ErrInvalidParameterValue)
	}

	if c.WriteHighWatermark < 0 || c.WriteLowWatermark < 0 {
		return fmt.Errorf("%w: watermarks must be non-negative", ErrInvalidParameterValue)
	}
	if c.WriteHighWatermark == 0 {
		c.WriteHighWatermark = DefaultWriteHighWatermark
	}
	if c.WriteLowWatermark == 0 {
		c.WriteLowWatermark = DefaultWriteLowWatermark
	}
	if c.WriteLowWatermark > c.WriteHighWatermark {
		return fmt.Errorf("%w: write_low_watermark above write_high_watermark", ErrInvalidParameterValue)
	}

	if c.ConnectionTimeout < 0 {
		return fmt.Errorf("%w: connection_timeout must be non-negative", ErrInvalidParameterValue)
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}

	if c.AutoPing.Interval < 0 || c.AutoPing.Timeout < 0 {
		return fmt.Errorf("%w: auto_ping durations must be non-negative", ErrInvalidParameterValue)
	}
	if c.AutoPing.Interval > 0 && c.AutoPing.Timeout == 0 {
		c.AutoPing.Timeout = c.AutoPing.Interval
	}

	switch c.LeftoverBytes {
	case "":
		c.LeftoverBytes = LeftoverBytesDrop
	case LeftoverBytesDrop, LeftoverBytesForward:
	default:
		return fmt.Errorf("%w: leftover_bytes must be drop or forward", ErrInvalidParameterValue)
	}

	if c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		return fmt.Errorf("%w: buffer sizes must be non-negative", ErrInvalidParameterValue)
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = DefaultBufferSize
	}

	if c.TCPSendBuffer < 0 || c.TCPReceiveBuffer < 0 {
		return fmt.Errorf("%w: TCP buffer sizes must be non-negative", ErrInvalidParameterValue)
	}

	return nil
}

// LoadConfig reads a YAML configuration file and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
