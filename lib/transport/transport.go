// Package transport provides the listeners and dialers connections are
// demultiplexed from and pooled to: TCP and unix sockets, WebSocket and
// I2P streaming sessions.
package transport

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/connmux/lib/connpool"
	cerrors "github.com/go-i2p/connmux/lib/errors"
)

var log = logger.GetGoI2PLogger()

// Network names understood by Listen and PoolsFor.
const (
	NetworkTCP       = "tcp"
	NetworkUnix      = "unix"
	NetworkWebSocket = "ws"
	NetworkI2P       = "i2p"
)

// DefaultDialTimeout bounds dials when the caller's context has no deadline.
const DefaultDialTimeout = 30 * time.Second

// Listen opens a tcp or unix listener. A stale unix socket at address is
// removed first and the new socket is restricted to the owner.
func Listen(network, address string) (net.Listener, error) {
	switch network {
	case NetworkTCP, "tcp4", "tcp6":
		ln, err := net.Listen(network, address)
		if err != nil {
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
		log.WithField("address", ln.Addr().String()).Debug("listening on TCP")
		return ln, nil
	case NetworkUnix:
		return listenUnix(address)
	default:
		return nil, fmt.Errorf("%w: %q", cerrors.ErrUnsupportedNetwork, network)
	}
}

func listenUnix(path string) (net.Listener, error) {
	os.Remove(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	log.WithField("path", path).Debug("listening on unix socket")
	return ln, nil
}

// NewDialer returns a dialer for tcp and unix pools.
func NewDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: 30 * time.Second,
	}
}

// PoolsFor returns the pool constructor for a network. I2P pools need an
// open session and are built with I2PPools instead.
func PoolsFor(network string) (connpool.CreateFunc, error) {
	switch network {
	case NetworkTCP:
		return connpool.TCPPools(NewDialer()), nil
	case NetworkUnix:
		return connpool.UnixPools(NewDialer()), nil
	case NetworkWebSocket, "wss":
		return WebSocketPools(NewWebSocketDialer()), nil
	default:
		return nil, fmt.Errorf("%w: %q", cerrors.ErrUnsupportedNetwork, network)
	}
}
