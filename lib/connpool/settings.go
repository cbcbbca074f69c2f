package connpool

import (
	"fmt"
	"time"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

// Default settings values.
const (
	DefaultPoolGroupName                     = "default"
	DefaultIdleTimeout                       = 2 * time.Minute
	DefaultLeaseTimeout                      = 5 * time.Minute
	DefaultMaxOutboundConnectionsPerEndpoint = 10
	DefaultConnectionBufferSize              = 8192
)

// Settings describes pooling policy for a connection pool. Pools snapshot
// their settings at creation; two settings values select the same pool only
// when every field matches.
type Settings struct {
	// PoolGroupName identifies interchangeable pools sharing policy.
	PoolGroupName string `toml:"pool_group_name"`
	// IdleTimeout is how long a returned connection may sit idle before it
	// is closed. Zero disables idle expiry.
	IdleTimeout time.Duration `toml:"idle_timeout"`
	// LeaseTimeout is the maximum age of a pooled connection, independent of
	// idle time. Zero disables age expiry.
	LeaseTimeout time.Duration `toml:"lease_timeout"`
	// MaxOutboundConnectionsPerEndpoint bounds the idle connections kept per
	// endpoint. Zero disables pooling; connections are closed on return.
	MaxOutboundConnectionsPerEndpoint int `toml:"max_outbound_connections_per_endpoint"`
	// ConnectionBufferSize is the I/O buffer size used per connection.
	ConnectionBufferSize int `toml:"connection_buffer_size"`
	// SweepInterval is how often idle connections are checked for expiry.
	// Zero derives it from the timeouts.
	SweepInterval time.Duration `toml:"sweep_interval,omitempty"`
}

// DefaultSettings returns Settings with the framework defaults.
func DefaultSettings() Settings {
	return Settings{
		PoolGroupName:                     DefaultPoolGroupName,
		IdleTimeout:                       DefaultIdleTimeout,
		LeaseTimeout:                      DefaultLeaseTimeout,
		MaxOutboundConnectionsPerEndpoint: DefaultMaxOutboundConnectionsPerEndpoint,
		ConnectionBufferSize:              DefaultConnectionBufferSize,
	}
}

// Validate checks the settings for errors.
func (s Settings) Validate() error {
	if s.PoolGroupName == "" {
		return fmt.Errorf("%w: pool_group_name is required", cerrors.ErrInvalidSettings)
	}
	if s.IdleTimeout < 0 {
		return fmt.Errorf("%w: idle_timeout must not be negative", cerrors.ErrInvalidSettings)
	}
	if s.LeaseTimeout < 0 {
		return fmt.Errorf("%w: lease_timeout must not be negative", cerrors.ErrInvalidSettings)
	}
	if s.MaxOutboundConnectionsPerEndpoint < 0 {
		return fmt.Errorf("%w: max_outbound_connections_per_endpoint must not be negative", cerrors.ErrInvalidSettings)
	}
	if s.ConnectionBufferSize < 0 {
		return fmt.Errorf("%w: connection_buffer_size must not be negative", cerrors.ErrInvalidSettings)
	}
	if s.SweepInterval < 0 {
		return fmt.Errorf("%w: sweep_interval must not be negative", cerrors.ErrInvalidSettings)
	}
	return nil
}

// sweepInterval returns how often the sweeper runs, or 0 when no timeout
// is configured.
func (s Settings) sweepInterval() time.Duration {
	if s.SweepInterval > 0 {
		return s.SweepInterval
	}
	shortest := s.IdleTimeout
	if s.LeaseTimeout > 0 && (shortest == 0 || s.LeaseTimeout < shortest) {
		shortest = s.LeaseTimeout
	}
	if shortest == 0 {
		return 0
	}
	interval := shortest / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
