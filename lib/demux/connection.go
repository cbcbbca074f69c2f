package demux

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/go-i2p/connmux/lib/framing"
)

// idleReader bounds every underlying read by the idle timeout once set.
type idleReader struct {
	conn net.Conn
	idle time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.idle > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(r.idle)); err != nil {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

// Connection is an accepted physical connection. Reads go through a pooled
// buffered reader; after dispatch every read is bounded by the demuxer's
// idle timeout. A Connection also satisfies framing.Reader.
type Connection struct {
	net.Conn

	id       ulid.ULID
	demux    *Demuxer
	src      *idleReader
	preamble *framing.Preamble
	settings *TransportSettings
	reused   bool

	mu     sync.RWMutex
	reader *bufio.Reader
	closed bool
}

func newConnection(d *Demuxer, conn net.Conn) *Connection {
	src := &idleReader{conn: conn}
	reader := d.readers.Take()
	reader.Reset(src)
	return &Connection{
		Conn:   conn,
		id:     ulid.Make(),
		demux:  d,
		src:    src,
		reader: reader,
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id.String()
}

// Preamble returns the preamble the connection was dispatched with.
func (c *Connection) Preamble() *framing.Preamble {
	return c.preamble
}

// Settings returns the transport settings resolved for the preamble.
func (c *Connection) Settings() *TransportSettings {
	return c.settings
}

// Reused reports whether the connection carried an earlier preamble.
func (c *Connection) Reused() bool {
	return c.reused
}

// Read reads buffered data from the connection.
func (c *Connection) Read(p []byte) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.reader.Read(p)
}

// ReadByte reads a single buffered byte.
func (c *Connection) ReadByte() (byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.reader.ReadByte()
}

// Close closes the connection and returns its reader to the pool.
// It is safe to call more than once.
func (c *Connection) Close() error {
	err := c.Conn.Close()
	if !c.detach() {
		return nil
	}
	c.demux.untrack(c)
	return err
}

// detach marks c closed and releases its reader. It reports false when c
// was already detached. The underlying connection is left alone.
func (c *Connection) detach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.reader.Reset(nil)
	c.demux.readers.Return(c.reader)
	c.reader = nil
	return true
}

// handoff moves the physical connection and its buffered bytes into a new
// Connection, leaving c unusable. It returns nil if c was already closed.
func (c *Connection) handoff() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	next := &Connection{
		Conn:   c.Conn,
		id:     ulid.Make(),
		demux:  c.demux,
		src:    c.src,
		reader: c.reader,
		reused: true,
	}
	c.reader = nil
	return next
}

// Reuse hands a connection whose exchange has finished back to the
// demuxer, which waits up to the idle timeout for the next preamble on it.
// When reuse is disabled or MaxPooledConnections connections are already
// waiting, the connection is closed instead. Reuse reports whether the
// connection was pooled. c must not be used afterwards.
func (c *Connection) Reuse() bool {
	return c.demux.reuse(c)
}
