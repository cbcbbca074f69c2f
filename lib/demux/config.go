package demux

import (
	"fmt"
	"runtime"
	"time"

	"golang.org/x/time/rate"

	cerrors "github.com/go-i2p/connmux/lib/errors"
	"github.com/go-i2p/connmux/lib/framing"
)

// Default configuration values.
const (
	DefaultChannelInitializationTimeout = 30 * time.Second
	DefaultIdleTimeout                  = 2 * time.Minute
	DefaultMaxPooledConnections         = 10
	DefaultConnectionBufferSize         = 8192
	DefaultSettingsCacheSize            = 256
)

// DefaultMaxPendingAccepts and DefaultMaxPendingConnections scale with the
// number of CPUs.
var (
	DefaultMaxPendingAccepts     = 2 * runtime.NumCPU()
	DefaultMaxPendingConnections = 12 * runtime.NumCPU()
)

// Config configures a Demuxer.
type Config struct {
	// MaxPendingAccepts is the number of concurrent accept loops.
	MaxPendingAccepts int `toml:"max_pending_accepts"`
	// MaxPendingConnections bounds connections accepted but not yet
	// dispatched. Connections beyond it are closed immediately.
	MaxPendingConnections int `toml:"max_pending_connections"`
	// ChannelInitializationTimeout bounds reading the preamble of a new
	// connection.
	ChannelInitializationTimeout time.Duration `toml:"channel_initialization_timeout"`
	// IdleTimeout bounds each read on a dispatched connection and the wait
	// for the next preamble on a reused one. Zero disables it.
	IdleTimeout time.Duration `toml:"idle_timeout"`
	// MaxPooledConnections bounds reused connections waiting for their next
	// preamble. Zero disables reuse.
	MaxPooledConnections int `toml:"max_pooled_connections"`
	// ConnectionBufferSize is the read buffer size per connection.
	ConnectionBufferSize int `toml:"connection_buffer_size"`
	// MaxViaSize bounds the via in a preamble.
	MaxViaSize int `toml:"max_via_size"`
	// MaxContentTypeSize bounds the content type in a preamble.
	MaxContentTypeSize int `toml:"max_content_type_size"`
	// AcceptRate limits accepted connections per second. Zero is unlimited.
	AcceptRate float64 `toml:"accept_rate"`
	// AcceptBurst is the burst allowed above AcceptRate.
	AcceptBurst int `toml:"accept_burst"`
	// SettingsCacheSize is the number of resolved preambles cached. Zero
	// disables caching.
	SettingsCacheSize int `toml:"settings_cache_size"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxPendingAccepts:            DefaultMaxPendingAccepts,
		MaxPendingConnections:        DefaultMaxPendingConnections,
		ChannelInitializationTimeout: DefaultChannelInitializationTimeout,
		IdleTimeout:                  DefaultIdleTimeout,
		MaxPooledConnections:         DefaultMaxPooledConnections,
		ConnectionBufferSize:         DefaultConnectionBufferSize,
		MaxViaSize:                   framing.DefaultMaxViaSize,
		MaxContentTypeSize:           framing.DefaultMaxContentTypeSize,
		SettingsCacheSize:            DefaultSettingsCacheSize,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"max_pending_accepts", int64(c.MaxPendingAccepts)},
		{"max_pending_connections", int64(c.MaxPendingConnections)},
		{"channel_initialization_timeout", int64(c.ChannelInitializationTimeout)},
		{"idle_timeout", int64(c.IdleTimeout)},
		{"max_pooled_connections", int64(c.MaxPooledConnections)},
		{"connection_buffer_size", int64(c.ConnectionBufferSize)},
		{"max_via_size", int64(c.MaxViaSize)},
		{"max_content_type_size", int64(c.MaxContentTypeSize)},
		{"accept_burst", int64(c.AcceptBurst)},
		{"settings_cache_size", int64(c.SettingsCacheSize)},
	}
	for _, check := range checks {
		if check.value < 0 {
			return fmt.Errorf("%w: %s must not be negative", cerrors.ErrInvalidInput, check.name)
		}
	}
	if c.AcceptRate < 0 {
		return fmt.Errorf("%w: accept_rate must not be negative", cerrors.ErrInvalidInput)
	}
	return nil
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	if c.MaxPendingAccepts == 0 {
		c.MaxPendingAccepts = DefaultMaxPendingAccepts
	}
	if c.MaxPendingConnections == 0 {
		c.MaxPendingConnections = DefaultMaxPendingConnections
	}
	if c.ChannelInitializationTimeout == 0 {
		c.ChannelInitializationTimeout = DefaultChannelInitializationTimeout
	}
	if c.ConnectionBufferSize == 0 {
		c.ConnectionBufferSize = DefaultConnectionBufferSize
	}
	if c.MaxViaSize == 0 {
		c.MaxViaSize = framing.DefaultMaxViaSize
	}
	if c.MaxContentTypeSize == 0 {
		c.MaxContentTypeSize = framing.DefaultMaxContentTypeSize
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = c.MaxPendingAccepts
	}
	return c
}

func (c Config) limits() framing.Limits {
	return framing.Limits{
		MaxViaSize:         c.MaxViaSize,
		MaxContentTypeSize: c.MaxContentTypeSize,
	}
}

// acceptLimiter returns the accept throttle, or nil when unlimited.
func (c Config) acceptLimiter() *rate.Limiter {
	if c.AcceptRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.AcceptRate), c.AcceptBurst)
}
