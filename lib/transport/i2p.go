package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-i2p/onramp"

	"github.com/go-i2p/connmux/lib/connpool"
	cerrors "github.com/go-i2p/connmux/lib/errors"
)

// DefaultSAMAddress is the default SAM bridge address.
const DefaultSAMAddress = "127.0.0.1:7656"

// I2P carries streams over an I2P tunnel through the SAM bridge. One
// tunnel is shared by the listener and every outbound dial.
type I2P struct {
	mu         sync.Mutex
	name       string
	samAddr    string
	samOptions []string
	garlic     *onramp.Garlic
	listener   net.Listener

	// dial is replaced in tests.
	dial func(network, address string) (net.Conn, error)
}

// NewI2P creates an I2P transport using the default SAM address.
func NewI2P(name string) *I2P {
	return NewI2PWithOptions(name, DefaultSAMAddress, nil)
}

// NewI2PWithOptions creates an I2P transport with custom SAM options.
// If options is nil or empty, onramp.OPT_DEFAULTS will be used.
func NewI2PWithOptions(name, samAddr string, options []string) *I2P {
	if samAddr == "" {
		samAddr = DefaultSAMAddress
	}
	return &I2P{
		name:       name,
		samAddr:    samAddr,
		samOptions: options,
	}
}

// Open creates the tunnel. The tunnel's keys persist under name, so the
// local destination is stable across restarts.
func (t *I2P) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.garlic != nil || t.dial != nil {
		return cerrors.ErrTransportAlreadyOpen
	}

	options := t.samOptions
	if len(options) == 0 {
		options = onramp.OPT_DEFAULTS
	}

	garlic, err := onramp.NewGarlic(t.name, t.samAddr, options)
	if err != nil {
		return fmt.Errorf("creating garlic session: %w", err)
	}
	t.garlic = garlic
	t.dial = garlic.Dial

	log.WithField("name", t.name).WithField("sam", t.samAddr).Info("I2P transport opened")
	return nil
}

// Listen accepts inbound streams on the tunnel's destination.
func (t *I2P) Listen() (net.Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.garlic == nil {
		return nil, cerrors.ErrTransportNotOpen
	}
	if t.listener != nil {
		return t.listener, nil
	}

	ln, err := t.garlic.Listen()
	if err != nil {
		return nil, fmt.Errorf("listen i2p: %w", err)
	}
	t.listener = ln

	log.WithField("address", ln.Addr().String()).Debug("listening on I2P")
	return ln, nil
}

// DialContext opens a stream to an I2P destination. The SAM dial blocks
// until the tunnel answers, so ctx is honored by abandoning the dial and
// closing whatever it eventually returns.
func (t *I2P) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	t.mu.Lock()
	dial := t.dial
	t.mu.Unlock()

	if dial == nil {
		return nil, cerrors.ErrTransportNotOpen
	}

	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := dial("tcp", address)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("i2p dial %s: %w", address, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close shuts down the listener and the tunnel.
func (t *I2P) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error

	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing listener: %w", err))
		}
		t.listener = nil
	}

	if t.garlic != nil {
		if err := t.garlic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing garlic: %w", err))
		}
		t.garlic = nil
	}
	t.dial = nil

	log.WithField("name", t.name).Debug("I2P transport closed")
	return errors.Join(errs...)
}

// I2PPools creates connection pools that dial through t. Endpoint keys are
// base32 destinations so every spelling of a destination shares a pool.
func I2PPools(t *I2P) connpool.CreateFunc {
	return func(s connpool.Settings) (*connpool.Pool, error) {
		return connpool.NewPool(NetworkI2P, t, connpool.I2PEndpoint, s)
	}
}
