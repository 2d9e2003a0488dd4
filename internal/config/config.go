// Package config holds the engine-wide configuration object and its
// functional-option constructors, the same options-over-a-struct shape the
// teacher uses for client2.Config and mailproxy's Config: a struct of
// plain fields with package-level defaults and a Validate method, built up
// through small With* option functions rather than a builder type.
package config

import (
	"fmt"
	"time"
)

// Option mutates a Config during construction.
type Option func(*Config)

// Config enumerates every option in spec.md §6 plus the FEC knobs from
// §4.4 and the ticket lifetime from §4.6.
type Config struct {
	HeartbeatInterval     time.Duration
	HeartbeatTimeoutCount int
	SessionTimeout        time.Duration
	MaxStreams            int
	MaxPacketSize         int
	RateLimitMessagesPerS float64
	RateLimitBytesPerS    float64
	FECEnabled            bool
	FECGroupSize          int
	FECParity             int
	TicketLifetime        time.Duration
	MaxRetransmits        int
	ReplayWindow          int
	TimestampSkew         time.Duration

	// HandshakeTimeout and PathValidationTimeout are named in §4.6 but not
	// enumerated in the §6 option table; defaults follow the prose there.
	HandshakeTimeout      time.Duration
	PathValidationTimeout time.Duration

	// MaxDefer bounds Reliable-frame admission backoff under rate
	// limiting (§4.7).
	MaxDefer time.Duration

	// ConnMemoryBudget is the per-connection resource cap from §5.
	ConnMemoryBudget int
}

// Default returns the configuration described by the defaults column of
// spec.md §6.
func Default() *Config {
	return &Config{
		HeartbeatInterval:     5 * time.Second,
		HeartbeatTimeoutCount: 3,
		SessionTimeout:        30 * time.Second,
		MaxStreams:            100,
		MaxPacketSize:         1400,
		RateLimitMessagesPerS: 100,
		RateLimitBytesPerS:    1048576,
		FECEnabled:            false,
		FECGroupSize:          10,
		FECParity:             2,
		TicketLifetime:        3600 * time.Second,
		MaxRetransmits:        10,
		ReplayWindow:          4096,
		TimestampSkew:         60 * time.Second,
		HandshakeTimeout:      10 * time.Second,
		PathValidationTimeout: 3 * time.Second,
		MaxDefer:              200 * time.Millisecond,
		ConnMemoryBudget:      2 * 1024 * 1024,
	}
}

// New builds a Config from defaults plus the given options.
func New(opts ...Option) *Config {
	cfg := Default()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

func WithHeartbeatTimeoutCount(n int) Option {
	return func(c *Config) { c.HeartbeatTimeoutCount = n }
}

func WithSessionTimeout(d time.Duration) Option {
	return func(c *Config) { c.SessionTimeout = d }
}

func WithMaxStreams(n int) Option {
	return func(c *Config) { c.MaxStreams = n }
}

func WithMaxPacketSize(n int) Option {
	return func(c *Config) { c.MaxPacketSize = n }
}

func WithRateLimit(messagesPerS, bytesPerS float64) Option {
	return func(c *Config) {
		c.RateLimitMessagesPerS = messagesPerS
		c.RateLimitBytesPerS = bytesPerS
	}
}

func WithFEC(enabled bool, groupSize, parity int) Option {
	return func(c *Config) {
		c.FECEnabled = enabled
		c.FECGroupSize = groupSize
		c.FECParity = parity
	}
}

func WithTicketLifetime(d time.Duration) Option {
	return func(c *Config) { c.TicketLifetime = d }
}

func WithMaxRetransmits(n int) Option {
	return func(c *Config) { c.MaxRetransmits = n }
}

func WithReplayWindow(bits int) Option {
	return func(c *Config) { c.ReplayWindow = bits }
}

func WithTimestampSkew(d time.Duration) Option {
	return func(c *Config) { c.TimestampSkew = d }
}

// Validate rejects nonsensical configurations before a connection is built.
func (c *Config) Validate() error {
	switch {
	case c.MaxStreams <= 0:
		return fmt.Errorf("config: max_streams must be positive, got %d", c.MaxStreams)
	case c.MaxPacketSize < 64:
		return fmt.Errorf("config: max_packet_size too small, got %d", c.MaxPacketSize)
	case c.ReplayWindow <= 0 || c.ReplayWindow%64 != 0:
		return fmt.Errorf("config: replay_window must be a positive multiple of 64, got %d", c.ReplayWindow)
	case c.FECEnabled && (c.FECGroupSize <= 0 || c.FECParity <= 0):
		return fmt.Errorf("config: fec group_size/parity must be positive when fec_enabled")
	case c.MaxRetransmits <= 0:
		return fmt.Errorf("config: max_retransmits must be positive, got %d", c.MaxRetransmits)
	}
	return nil
}
