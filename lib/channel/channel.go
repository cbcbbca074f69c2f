// Package channel opens framed client connections to a demultiplexing
// server. A Factory draws physical connections from a shared connection
// pool, announces them with a preamble and returns singleton connections
// to the pool once their message sequence has ended.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/logger"

	"github.com/go-i2p/connmux/lib/connpool"
	cerrors "github.com/go-i2p/connmux/lib/errors"
	"github.com/go-i2p/connmux/lib/framing"
	"github.com/go-i2p/connmux/lib/pool"
	"github.com/go-i2p/connmux/lib/session"
)

var log = logger.GetGoI2PLogger()

// Factory opens channels that share one preamble and one connection pool.
type Factory struct {
	registry *connpool.Registry
	pool     *connpool.Pool
	preamble framing.Preamble
	buffers  *pool.BufferPool
	bufSize  int

	maxEnvelopeSize int

	mu     sync.Mutex
	closed bool
}

// NewFactory takes a reference on the registry pool matching settings. The
// via is the logical endpoint announced to the server; mode and contentType
// complete the preamble.
func NewFactory(registry *connpool.Registry, settings connpool.Settings, via string, mode framing.Mode, contentType string) (*Factory, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: registry is required", cerrors.ErrInvalidInput)
	}
	preamble := framing.Preamble{
		MajorVersion: framing.MajorVersion,
		MinorVersion: framing.MinorVersion,
		Mode:         mode,
		Via:          via,
		ContentType:  contentType,
	}
	// Reject a bad preamble before taking a pool reference.
	if _, err := framing.AppendPreamble(nil, &preamble); err != nil {
		return nil, err
	}

	bufSize := settings.ConnectionBufferSize
	if bufSize <= 0 {
		bufSize = connpool.DefaultConnectionBufferSize
	}
	buffers, err := pool.GetBufferPool(bufSize)
	if err != nil {
		return nil, err
	}

	p, err := registry.Lookup(settings)
	if err != nil {
		return nil, fmt.Errorf("connection pool: %w", err)
	}

	return &Factory{
		registry:        registry,
		pool:            p,
		preamble:        preamble,
		buffers:         buffers,
		bufSize:         bufSize,
		maxEnvelopeSize: framing.DefaultMaxEnvelopeSize,
	}, nil
}

// Pool returns the connection pool the factory draws from.
func (f *Factory) Pool() *connpool.Pool {
	return f.pool
}

// Preamble returns a copy of the preamble sent on every channel.
func (f *Factory) Preamble() framing.Preamble {
	return f.preamble
}

// SetMaxEnvelopeSize bounds the envelopes and faults a channel accepts.
// Zero removes the bound.
func (f *Factory) SetMaxEnvelopeSize(n int) {
	f.mu.Lock()
	f.maxEnvelopeSize = n
	f.mu.Unlock()
}

// Open connects to address and completes the preamble handshake within
// ctx. A fault from the server is returned as a *framing.FaultError and the
// connection is discarded.
func (f *Factory) Open(ctx context.Context, address string) (*Channel, error) {
	f.mu.Lock()
	closed := f.closed
	maxEnvelope := f.maxEnvelopeSize
	f.mu.Unlock()
	if closed {
		return nil, cerrors.ErrClosed
	}

	lease, err := f.pool.TakeConnection(ctx, address)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		factory:     f,
		lease:       lease,
		reader:      bufio.NewReaderSize(lease, f.bufSize),
		maxEnvelope: maxEnvelope,
	}

	if err := ch.handshake(ctx); err != nil {
		ch.discard()
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: preamble ack from %s: %v", cerrors.ErrTimeout, address, err)
		}
		return nil, fmt.Errorf("open channel to %s: %w", address, err)
	}

	log.WithField("endpoint", lease.Key()).
		WithField("via", f.preamble.Via).
		WithField("mode", f.preamble.Mode.String()).
		Debug("channel opened")
	return ch, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || cerrors.IsTimeout(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// OpenSession opens a duplex channel and runs a stream-multiplexing client
// session over it. Closing the session discards the connection.
func (f *Factory) OpenSession(ctx context.Context, address string, cfg session.Config) (*session.Session, error) {
	if f.preamble.Mode != framing.ModeDuplex {
		return nil, fmt.Errorf("%w: sessions need duplex mode, factory uses %s", cerrors.ErrInvalidState, f.preamble.Mode)
	}
	ch, err := f.Open(ctx, address)
	if err != nil {
		return nil, err
	}
	s, err := session.Client(ch, cfg)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return s, nil
}

// Close drops the factory's pool reference. The pool is drained within
// timeout once no other factory holds it. It reports whether the pool
// finished closing.
func (f *Factory) Close(timeout time.Duration) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return f.pool.State() == connpool.StateClosed
	}
	f.closed = true
	f.mu.Unlock()

	return f.registry.Release(f.pool, timeout)
}

// Channel is an open, acknowledged client connection. It is a net.Conn
// whose reads go through a buffered reader. Singleton channels exchange
// envelopes with Send and Receive and finish with Release.
type Channel struct {
	factory     *Factory
	lease       *connpool.Lease
	reader      *bufio.Reader
	maxEnvelope int

	mu   sync.Mutex
	done bool
}

func (c *Channel) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.lease.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		c.lease.SetDeadline(time.Now())
	})
	defer stop()

	if err := framing.WritePreamble(c.lease, &c.factory.preamble); err != nil {
		return err
	}
	if err := framing.ReadAck(c.reader, c.maxEnvelope); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if !stop() {
		return ctx.Err()
	}
	return c.lease.SetDeadline(time.Time{})
}

// Mode returns the channel's framing mode.
func (c *Channel) Mode() framing.Mode {
	return c.factory.preamble.Mode
}

// Key returns the endpoint key of the underlying connection.
func (c *Channel) Key() string {
	return c.lease.Key()
}

// Read reads raw bytes following the handshake.
func (c *Channel) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// ReadByte reads one raw byte.
func (c *Channel) ReadByte() (byte, error) {
	return c.reader.ReadByte()
}

// Send writes payload as one envelope, chunked when the channel was opened
// in unsized singleton mode.
func (c *Channel) Send(payload []byte) error {
	mode := c.factory.preamble.Mode
	size := framing.MessageSize(mode, len(payload))
	if size > c.factory.buffers.BufferSize() {
		return framing.WriteMessage(c.lease, mode, payload)
	}

	buf := c.factory.buffers.Take()
	defer c.factory.buffers.Return(buf)

	b := framing.AppendMessage(buf[:0], mode, payload)
	_, err := c.lease.Write(b)
	return err
}

// Receive reads the next envelope. It returns io.EOF once the server has
// ended the sequence and a *framing.FaultError for a fault.
func (c *Channel) Receive() ([]byte, error) {
	return framing.ReadMessage(c.reader, c.factory.preamble.Mode, c.maxEnvelope)
}

// Release ends a singleton sequence and returns the connection to the pool
// for reuse. Envelopes the server sends before its End record are dropped.
// Session channels, and any channel whose end handshake fails, are closed
// instead.
func (c *Channel) Release() error {
	if !c.factory.preamble.Mode.IsSingleton() {
		return c.Close()
	}

	if err := framing.WriteEnd(c.lease); err != nil {
		c.discard()
		return err
	}
	for {
		_, err := c.Receive()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.discard()
			return fmt.Errorf("waiting for end: %w", err)
		}
	}

	// Stray bytes past End would corrupt the next handshake.
	reusable := c.reader.Buffered() == 0 && c.lease.SetDeadline(time.Time{}) == nil
	if !c.finish() {
		return net.ErrClosed
	}
	c.factory.pool.ReturnConnection(c.lease, reusable)
	return nil
}

// Close discards the underlying connection.
func (c *Channel) Close() error {
	if !c.discard() {
		return net.ErrClosed
	}
	return nil
}

func (c *Channel) discard() bool {
	if !c.finish() {
		return false
	}
	c.factory.pool.ReturnConnection(c.lease, false)
	return true
}

func (c *Channel) finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	c.done = true
	return true
}

func (c *Channel) Write(p []byte) (int, error) { return c.lease.Write(p) }

func (c *Channel) LocalAddr() net.Addr  { return c.lease.LocalAddr() }
func (c *Channel) RemoteAddr() net.Addr { return c.lease.RemoteAddr() }

func (c *Channel) SetDeadline(t time.Time) error      { return c.lease.SetDeadline(t) }
func (c *Channel) SetReadDeadline(t time.Time) error  { return c.lease.SetReadDeadline(t) }
func (c *Channel) SetWriteDeadline(t time.Time) error { return c.lease.SetWriteDeadline(t) }
