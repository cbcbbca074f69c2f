// Package config loads the connmuxd configuration from TOML and watches it
// for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-i2p/logger"
	"github.com/pelletier/go-toml/v2"

	"github.com/go-i2p/connmux/lib/connpool"
	"github.com/go-i2p/connmux/lib/demux"
	cerrors "github.com/go-i2p/connmux/lib/errors"
	"github.com/go-i2p/connmux/lib/framing"
	"github.com/go-i2p/connmux/lib/session"
	"github.com/go-i2p/connmux/lib/transport"
)

var log = logger.GetGoI2PLogger()

// Default configuration values
const (
	DefaultNetwork       = transport.NetworkTCP
	DefaultListenAddress = "127.0.0.1:8808"
	DefaultMetricsListen = "127.0.0.1:9808"
	DefaultI2PName       = "connmux"
	DefaultEndpointVia   = "net.tcp://localhost/echo"
	DefaultEndpointName  = "echo"
)

// Endpoint kinds.
const (
	KindSingleton = "singleton"
	KindSession   = "session"
)

// Config holds all configuration for a connmuxd instance.
type Config struct {
	Listener  ListenerConfig    `toml:"listener"`
	Demux     demux.Config      `toml:"demux"`
	Pool      connpool.Settings `toml:"pool"`
	Session   session.Config    `toml:"session"`
	Metrics   MetricsConfig     `toml:"metrics"`
	Endpoints []EndpointConfig  `toml:"endpoints"`
}

// ListenerConfig selects the transport connections are accepted on.
type ListenerConfig struct {
	// Network is one of tcp, unix, ws or i2p.
	Network string `toml:"network"`
	// Address is a host:port, a socket path, or ignored for i2p.
	Address string `toml:"address"`
	// WebSocketPath is the HTTP path upgraded for ws listeners.
	WebSocketPath string `toml:"websocket_path,omitempty"`
	// I2P configures the SAM tunnel for i2p listeners and dialers.
	I2P I2PConfig `toml:"i2p"`
}

// I2PConfig contains I2P transport settings.
type I2PConfig struct {
	// Name identifies the tunnel; its keys persist under this name.
	Name string `toml:"name"`
	// SAMAddress is the SAM bridge address (host:port)
	SAMAddress string `toml:"sam_address"`
	// Options are SAM tunnel options; empty uses the onramp defaults.
	Options []string `toml:"options,omitempty"`
}

// MetricsConfig contains metrics HTTP settings.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
}

// EndpointConfig is one logical endpoint the demuxer dispatches to.
type EndpointConfig struct {
	// Via is the address clients announce in their preamble.
	Via string `toml:"via"`
	// Name labels the endpoint in logs.
	Name string `toml:"name"`
	// Kind is singleton or session.
	Kind string `toml:"kind"`
	// MaxEnvelopeSize bounds singleton envelopes; zero uses the default.
	MaxEnvelopeSize int `toml:"max_envelope_size,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Network: DefaultNetwork,
			Address: DefaultListenAddress,
			I2P: I2PConfig{
				Name:       DefaultI2PName,
				SAMAddress: transport.DefaultSAMAddress,
			},
		},
		Demux:   demux.DefaultConfig(),
		Pool:    connpool.DefaultSettings(),
		Session: session.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  DefaultMetricsListen,
		},
		Endpoints: []EndpointConfig{
			{Via: DefaultEndpointVia, Name: DefaultEndpointName, Kind: KindSingleton},
		},
	}
}

// Load reads configuration from a TOML file.
// If the file doesn't exist, it returns the default configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", path).Debug("config file not found, using defaults")
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Endpoints replace the defaults rather than merging with them.
	cfg.Endpoints = nil
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing config file: %v", cerrors.ErrConfiguration, err)
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultConfig().Endpoints
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a TOML file.
// It creates the parent directory if it doesn't exist.
func Save(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Listener.Network {
	case transport.NetworkTCP, transport.NetworkUnix, transport.NetworkWebSocket:
		if c.Listener.Address == "" {
			return configError("listener.address is required")
		}
	case transport.NetworkI2P:
		if c.Listener.I2P.Name == "" {
			return configError("listener.i2p.name is required")
		}
	default:
		return configError(fmt.Sprintf("listener.network %q is not one of tcp, unix, ws, i2p", c.Listener.Network))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return configError("metrics.listen is required when metrics are enabled")
	}

	if err := c.Demux.Validate(); err != nil {
		return fmt.Errorf("demux: %w", err)
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Via == "" {
			return configError(fmt.Sprintf("endpoints[%d].via is required", i))
		}
		if len(ep.Via) > c.Demux.MaxViaSize && c.Demux.MaxViaSize > 0 {
			return configError(fmt.Sprintf("endpoints[%d].via exceeds demux.max_via_size", i))
		}
		if seen[ep.Via] {
			return configError(fmt.Sprintf("endpoints[%d].via %q is duplicated", i, ep.Via))
		}
		seen[ep.Via] = true
		if ep.Kind != KindSingleton && ep.Kind != KindSession {
			return configError(fmt.Sprintf("endpoints[%d].kind must be %s or %s", i, KindSingleton, KindSession))
		}
		if ep.MaxEnvelopeSize < 0 {
			return configError(fmt.Sprintf("endpoints[%d].max_envelope_size must not be negative", i))
		}
	}
	return nil
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", cerrors.ErrConfiguration, msg)
}

// Endpoint looks up the endpoint configured for via.
func (c *Config) Endpoint(via string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Via == via {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}

// Resolver returns a demux settings resolver over the configured
// endpoints. A preamble whose mode does not match the endpoint's kind is
// refused as not found.
func (c *Config) Resolver() func(p *framing.Preamble) (*demux.TransportSettings, error) {
	byVia := make(map[string]*demux.TransportSettings, len(c.Endpoints))
	kinds := make(map[string]string, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		size := ep.MaxEnvelopeSize
		if size == 0 {
			size = framing.DefaultMaxEnvelopeSize
		}
		byVia[ep.Via] = &demux.TransportSettings{Name: ep.Name, MaxEnvelopeSize: size}
		kinds[ep.Via] = ep.Kind
	}

	return func(p *framing.Preamble) (*demux.TransportSettings, error) {
		settings, ok := byVia[p.Via]
		if !ok {
			return nil, fmt.Errorf("%w: %s", cerrors.ErrEndpointNotFound, p.Via)
		}
		if (kinds[p.Via] == KindSingleton) != p.Mode.IsSingleton() {
			return nil, fmt.Errorf("%w: %s does not serve %s", cerrors.ErrEndpointNotFound, p.Via, p.Mode)
		}
		return settings, nil
	}
}
