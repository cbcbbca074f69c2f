// Package session multiplexes logical streams over a dispatched duplex
// connection with smux.
package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/logger"
	"github.com/xtaci/smux"

	cerrors "github.com/go-i2p/connmux/lib/errors"
	"github.com/go-i2p/connmux/lib/metrics"
)

var log = logger.GetGoI2PLogger()

// Session metrics.
var (
	// SessionsActive is the number of open sessions.
	SessionsActive = metrics.NewGauge(
		"connmux_session_active",
		"Number of open multiplexed sessions",
	)
	// StreamsTotal is the number of streams accepted by servers.
	StreamsTotal = metrics.NewCounter(
		"connmux_session_streams_total",
		"Total number of streams accepted",
	)
)

// Config tunes the stream multiplexer.
type Config struct {
	// KeepAliveInterval is how often keepalive frames are sent.
	KeepAliveInterval time.Duration `toml:"keepalive_interval"`
	// KeepAliveTimeout closes a session that received nothing for this long.
	KeepAliveTimeout time.Duration `toml:"keepalive_timeout"`
	// MaxFrameSize bounds a single frame.
	MaxFrameSize int `toml:"max_frame_size"`
	// MaxReceiveBuffer bounds buffered data across a session.
	MaxReceiveBuffer int `toml:"max_receive_buffer"`
	// MaxStreams bounds concurrently handled streams per session. Zero is
	// unlimited.
	MaxStreams int `toml:"max_streams"`
}

// DefaultConfig returns the default multiplexer settings.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 10 * time.Second,
		KeepAliveTimeout:  30 * time.Second,
		MaxFrameSize:      32768,
		MaxReceiveBuffer:  4 * 1024 * 1024,
	}
}

// smuxConfig converts c to an smux configuration and verifies it.
func (c Config) smuxConfig() (*smux.Config, error) {
	sconf := smux.DefaultConfig()
	if c.KeepAliveInterval > 0 {
		sconf.KeepAliveInterval = c.KeepAliveInterval
	}
	if c.KeepAliveTimeout > 0 {
		sconf.KeepAliveTimeout = c.KeepAliveTimeout
	}
	if c.MaxFrameSize > 0 {
		sconf.MaxFrameSize = c.MaxFrameSize
	}
	if c.MaxReceiveBuffer > 0 {
		sconf.MaxReceiveBuffer = c.MaxReceiveBuffer
	}
	if err := smux.VerifyConfig(sconf); err != nil {
		return nil, fmt.Errorf("%w: session: %v", cerrors.ErrInvalidInput, err)
	}
	return sconf, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxStreams < 0 {
		return fmt.Errorf("%w: session: max_streams must not be negative", cerrors.ErrInvalidInput)
	}
	_, err := c.smuxConfig()
	return err
}

// StreamHandler serves one logical stream. The stream is closed when the
// handler returns.
type StreamHandler func(stream net.Conn)

// Serve runs the server side of a session over conn, calling handler in
// its own goroutine for every stream the peer opens. It closes conn and
// returns nil once the session ends; errors are only returned when the
// session cannot be started.
func Serve(conn io.ReadWriteCloser, cfg Config, handler StreamHandler) error {
	sconf, err := cfg.smuxConfig()
	if err != nil {
		conn.Close()
		return err
	}
	sess, err := smux.Server(conn, sconf)
	if err != nil {
		conn.Close()
		return fmt.Errorf("starting session: %w", err)
	}
	SessionsActive.Inc()
	defer SessionsActive.Dec()
	defer sess.Close()

	var sem chan struct{}
	if cfg.MaxStreams > 0 {
		sem = make(chan struct{}, cfg.MaxStreams)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				log.WithField("remote", addrString(sess.RemoteAddr())).Debug("session ended")
			} else {
				log.WithField("remote", addrString(sess.RemoteAddr())).WithError(err).Debug("session ended")
			}
			return nil
		}
		StreamsTotal.Inc()

		if sem != nil {
			sem <- struct{}{}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer stream.Close()
			if sem != nil {
				defer func() { <-sem }()
			}
			handler(stream)
		}()
	}
}

// Session is the client side of a multiplexed session.
type Session struct {
	sess  *smux.Session
	ended sync.Once
}

// Client starts the client side of a session over conn.
func Client(conn io.ReadWriteCloser, cfg Config) (*Session, error) {
	sconf, err := cfg.smuxConfig()
	if err != nil {
		return nil, err
	}
	sess, err := smux.Client(conn, sconf)
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	SessionsActive.Inc()
	return &Session{sess: sess}, nil
}

// Open opens a new logical stream.
func (s *Session) Open() (net.Conn, error) {
	stream, err := s.sess.OpenStream()
	if err != nil {
		if s.IsClosed() {
			return nil, fmt.Errorf("opening stream: %w", cerrors.ErrClosed)
		}
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	return stream, nil
}

// NumStreams returns the number of open streams.
func (s *Session) NumStreams() int {
	return s.sess.NumStreams()
}

// IsClosed reports whether the session has ended, either through Close or
// because the peer or a keepalive timeout ended it.
func (s *Session) IsClosed() bool {
	if s.sess.IsClosed() {
		s.end()
		return true
	}
	return false
}

// Close ends the session and closes the underlying connection. Closing an
// ended session is a no-op.
func (s *Session) Close() error {
	defer s.end()
	if s.sess.IsClosed() {
		return nil
	}
	return s.sess.Close()
}

// end drops the session from SessionsActive exactly once.
func (s *Session) end() {
	s.ended.Do(SessionsActive.Dec)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
