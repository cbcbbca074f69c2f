package demux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-i2p/logger"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	cerrors "github.com/go-i2p/connmux/lib/errors"
	"github.com/go-i2p/connmux/lib/framing"
	"github.com/go-i2p/connmux/lib/metrics"
	"github.com/go-i2p/connmux/lib/pool"
)

var log = logger.GetGoI2PLogger()

// faultWriteTimeout bounds writing a fault or ack to a peer.
const faultWriteTimeout = 5 * time.Second

// TransportSettings describes the endpoint a preamble resolved to.
type TransportSettings struct {
	// Name identifies the endpoint.
	Name string
	// MaxEnvelopeSize bounds messages read from the connection.
	MaxEnvelopeSize int
	// Value carries state owned by the listener that registered the endpoint.
	Value any
}

// Handlers are the callbacks a Demuxer dispatches to. ResolveSettings is
// required. A nil handler for a mode refuses preambles of that mode.
// Handlers own the connection they are given and must Close or Reuse it.
type Handlers struct {
	// ResolveSettings maps a preamble to the endpoint that serves it. It
	// should return an error wrapping ErrEndpointNotFound when none does.
	ResolveSettings func(p *framing.Preamble) (*TransportSettings, error)
	// HandleSingleton serves a singleton-mode connection.
	HandleSingleton func(conn *Connection, settings *TransportSettings)
	// HandleSession serves a duplex or simplex session connection.
	HandleSession func(conn *Connection, settings *TransportSettings)
	// OnError is told about every per-connection failure and about accept
	// errors, for which conn is nil.
	OnError func(conn net.Conn, err error)
}

type cacheKey struct {
	via         string
	mode        framing.Mode
	contentType string
}

// Demuxer accepts physical connections from a listener, reads each
// connection's preamble and dispatches it to the matching handler.
type Demuxer struct {
	listener net.Listener
	cfg      Config
	handlers Handlers
	pending  *pendingLimit
	readers  *pool.Bounded[*bufio.Reader]
	cache    *lru.Cache[cacheKey, *TransportSettings]
	throttle *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	conns   map[*Connection]struct{}
	pooled  int

	// Metrics
	accepted   uint64
	rejected   uint64
	dispatched uint64
	timedOut   uint64
	failed     uint64
	reused     uint64
}

// New creates a Demuxer for listener. Nothing is accepted until Start.
func New(listener net.Listener, cfg Config, h Handlers) (*Demuxer, error) {
	if listener == nil {
		return nil, fmt.Errorf("%w: listener is required", cerrors.ErrInvalidInput)
	}
	if h.ResolveSettings == nil {
		return nil, fmt.Errorf("%w: ResolveSettings handler is required", cerrors.ErrInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalize()

	bufSize := cfg.ConnectionBufferSize
	readers := pool.NewBounded(
		func() *bufio.Reader { return bufio.NewReaderSize(nil, bufSize) },
		nil,
		pool.Config{BatchCount: pool.BatchCount(bufSize)},
	)

	var cache *lru.Cache[cacheKey, *TransportSettings]
	if cfg.SettingsCacheSize > 0 {
		var err error
		cache, err = lru.New[cacheKey, *TransportSettings](cfg.SettingsCacheSize)
		if err != nil {
			return nil, fmt.Errorf("settings cache: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Demuxer{
		listener: listener,
		cfg:      cfg,
		handlers: h,
		pending:  newPendingLimit(cfg.MaxPendingConnections),
		readers:  readers,
		cache:    cache,
		throttle: cfg.acceptLimiter(),
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*Connection]struct{}),
	}

	return d, nil
}

// Config returns the effective configuration.
func (d *Demuxer) Config() Config {
	return d.cfg
}

// Addr returns the listener's address.
func (d *Demuxer) Addr() net.Addr {
	return d.listener.Addr()
}

// SetMaxPendingConnections adjusts the pending connection bound at runtime.
func (d *Demuxer) SetMaxPendingConnections(n int) {
	d.pending.setMax(n)
	log.WithField("max", d.pending.limit()).Info("pending connection limit updated")
}

// MaxPendingConnections returns the current pending connection bound.
func (d *Demuxer) MaxPendingConnections() int {
	return d.pending.limit()
}

// Start launches MaxPendingAccepts accept loops.
func (d *Demuxer) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return cerrors.ErrDemuxerClosed
	}
	if d.started {
		return cerrors.ErrAlreadyStarted
	}
	d.started = true

	for i := 0; i < d.cfg.MaxPendingAccepts; i++ {
		d.wg.Add(1)
		go d.acceptLoop()
	}

	log.WithField("address", addrString(d.listener.Addr())).
		WithField("acceptors", d.cfg.MaxPendingAccepts).
		WithField("maxPending", d.cfg.MaxPendingConnections).
		Info("demuxer started")
	return nil
}

// Close stops accepting, closes the listener and aborts every connection
// still reading a preamble or waiting for reuse. Dispatched connections
// belong to their handlers and are not waited for. Close is idempotent and
// may be called before Start.
func (d *Demuxer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conns := make([]*Connection, 0, len(d.conns))
	for c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.Unlock()

	d.cancel()
	err := d.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	for _, c := range conns {
		c.Conn.Close()
	}
	d.wg.Wait()
	d.readers.Close()

	log.WithField("aborted", len(conns)).Info("demuxer closed")
	return err
}

func (d *Demuxer) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// acceptLoop accepts connections until the listener is closed.
func (d *Demuxer) acceptLoop() {
	defer d.wg.Done()

	b := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		if d.throttle != nil {
			if err := d.throttle.Wait(d.ctx); err != nil {
				return
			}
		}

		conn, err := d.listener.Accept()
		if err != nil {
			if d.handleAcceptError(err, b) {
				return
			}
			continue
		}
		b.Reset()

		atomic.AddUint64(&d.accepted, 1)
		DemuxAcceptedTotal.Inc()
		s := d.pending.admit()
		if s == nil {
			d.refuse(conn)
			continue
		}
		go d.serve(newConnection(d, conn), s)
	}
}

// refuse closes a connection that arrived while the pending bound was
// reached. No handler or error callback sees it.
func (d *Demuxer) refuse(conn net.Conn) {
	atomic.AddUint64(&d.rejected, 1)
	DemuxRejectedTotal.Inc()
	log.WithField("remote", addrString(conn.RemoteAddr())).
		WithField("pending", d.pending.count()).
		WithField("max", d.pending.limit()).
		Warn("connection refused: too many pending connections")
	conn.Close()
}

// handleAcceptError reports err and waits before the next attempt. It
// returns true if the loop should exit.
func (d *Demuxer) handleAcceptError(err error, b *backoff.Backoff) bool {
	if d.isClosed() || errors.Is(err, net.ErrClosed) {
		return true
	}

	log.WithError(err).Warn("accept error")
	d.report(nil, err)

	wait := b.Duration()
	select {
	case <-d.ctx.Done():
		return true
	case <-time.After(wait):
		return false
	}
}

// track registers c as owned by the demuxer. It returns false once the
// demuxer is closed.
func (d *Demuxer) track(c *Connection) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.conns[c] = struct{}{}
	return true
}

func (d *Demuxer) untrack(c *Connection) {
	d.mu.Lock()
	delete(d.conns, c)
	d.mu.Unlock()
}

// serve reads the preamble of c and dispatches it. s is the pending slot
// of a freshly accepted connection; reused connections have none.
func (d *Demuxer) serve(c *Connection, s *slot) {
	defer s.release()

	if !d.track(c) {
		if c.reused {
			d.unpool()
		}
		c.Close()
		return
	}

	log := log.WithField("conn", c.ID()).WithField("remote", addrString(c.RemoteAddr()))
	if c.reused {
		log.Debug("waiting for preamble on reused connection")
	} else {
		log.Debug("accepted connection")
	}

	timer := metrics.NewTimer(PreambleLatency)
	p, err := d.readPreamble(c)
	if c.reused {
		d.unpool()
	}
	if err != nil {
		if c.reused && errors.Is(err, io.EOF) {
			log.Debug("reused connection closed by peer")
			c.Close()
			return
		}
		d.fail(c, err)
		return
	}

	settings, err := d.resolve(p)
	if err != nil {
		d.fail(c, err)
		return
	}

	handler := d.handlers.HandleSession
	if p.Mode.IsSingleton() {
		handler = d.handlers.HandleSingleton
	}
	if handler == nil {
		d.fail(c, fmt.Errorf("%w: no handler for %s mode", cerrors.ErrDispatchFailed, p.Mode))
		return
	}

	c.SetWriteDeadline(time.Now().Add(faultWriteTimeout))
	if err := framing.WriteAck(c); err != nil {
		d.fail(c, fmt.Errorf("writing preamble ack: %w", err))
		return
	}
	c.SetWriteDeadline(time.Time{})
	c.SetReadDeadline(time.Time{})
	timer.ObserveDuration()

	c.preamble = p
	c.settings = settings
	c.src.idle = d.cfg.IdleTimeout
	d.untrack(c)
	s.release()

	atomic.AddUint64(&d.dispatched, 1)
	DemuxDispatchedTotal.Inc()
	log.WithField("via", p.Via).
		WithField("mode", p.Mode.String()).
		WithField("endpoint", settings.Name).
		Debug("dispatching connection")

	handler(c, settings)
}

// readPreamble reads the preamble within the channel initialization timeout,
// or the idle timeout for reused connections.
func (d *Demuxer) readPreamble(c *Connection) (*framing.Preamble, error) {
	timeout := d.cfg.ChannelInitializationTimeout
	if c.reused {
		timeout = d.cfg.IdleTimeout
	}
	c.src.idle = 0
	if timeout > 0 {
		c.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.SetReadDeadline(time.Time{})
	}

	p, err := framing.ReadPreamble(c, d.cfg.limits())
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w after %v", cerrors.ErrPreambleTimeout, timeout)
		}
		return nil, err
	}
	return p, nil
}

// resolve maps a preamble to transport settings through the cache.
func (d *Demuxer) resolve(p *framing.Preamble) (*TransportSettings, error) {
	key := cacheKey{via: p.Via, mode: p.Mode, contentType: p.ContentType}
	if d.cache != nil {
		if s, ok := d.cache.Get(key); ok {
			return s, nil
		}
	}

	s, err := d.handlers.ResolveSettings(p)
	if err != nil {
		if _, ok := framing.FaultFor(err); !ok {
			err = fmt.Errorf("%w: %s: %v", cerrors.ErrEndpointNotFound, p.Via, err)
		}
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", cerrors.ErrEndpointNotFound, p.Via)
	}

	if d.cache != nil {
		d.cache.Add(key, s)
	}
	return s, nil
}

// fail reports err for c, sends the peer a fault when one applies and
// closes c.
func (d *Demuxer) fail(c *Connection, err error) {
	if d.isClosed() {
		c.Close()
		return
	}

	if errors.Is(err, cerrors.ErrTimeout) {
		atomic.AddUint64(&d.timedOut, 1)
		DemuxTimedOutTotal.Inc()
	}
	atomic.AddUint64(&d.failed, 1)
	DemuxFailedTotal.Inc()

	if fault, ok := framing.FaultFor(err); ok {
		c.SetWriteDeadline(time.Now().Add(faultWriteTimeout))
		if werr := framing.WriteFault(c, fault); werr != nil {
			log.WithField("conn", c.ID()).WithError(werr).Debug("failed to send fault")
		}
	}

	log.WithField("conn", c.ID()).
		WithField("remote", addrString(c.RemoteAddr())).
		WithError(err).
		Debug("connection failed before dispatch")
	d.report(c, err)
	c.Close()
}

func (d *Demuxer) report(conn net.Conn, err error) {
	if d.handlers.OnError != nil {
		d.handlers.OnError(conn, err)
	}
}

// reuse pools c to wait for its next preamble, or closes it.
func (d *Demuxer) reuse(c *Connection) bool {
	d.mu.Lock()
	ok := !d.closed && d.pooled < d.cfg.MaxPooledConnections
	if ok {
		d.pooled++
	}
	d.mu.Unlock()

	if !ok {
		c.Close()
		return false
	}

	next := c.handoff()
	if next == nil {
		d.unpool()
		return false
	}
	atomic.AddUint64(&d.reused, 1)
	DemuxPooled.Set(int64(d.Stats().Pooled))
	go d.serve(next, nil)
	return true
}

func (d *Demuxer) unpool() {
	d.mu.Lock()
	d.pooled--
	n := d.pooled
	d.mu.Unlock()
	DemuxPooled.Set(int64(n))
}

// Stats contains demuxer statistics.
type Stats struct {
	// Accepted is the number of connections accepted from the listener.
	Accepted uint64
	// Rejected is the number refused by the pending connection bound.
	Rejected uint64
	// Dispatched is the number of preambles handed to a handler.
	Dispatched uint64
	// TimedOut is the number of preamble reads that exceeded their deadline.
	TimedOut uint64
	// Failed is the number of connections closed before dispatch.
	Failed uint64
	// Reused is the number of connections handed back for another preamble.
	Reused uint64
	// Pending is the number of connections awaiting dispatch.
	Pending int
	// Pooled is the number of reused connections awaiting a preamble.
	Pooled int
}

// Stats returns current demuxer statistics.
func (d *Demuxer) Stats() Stats {
	d.mu.Lock()
	pooled := d.pooled
	d.mu.Unlock()

	return Stats{
		Accepted:   atomic.LoadUint64(&d.accepted),
		Rejected:   atomic.LoadUint64(&d.rejected),
		Dispatched: atomic.LoadUint64(&d.dispatched),
		TimedOut:   atomic.LoadUint64(&d.timedOut),
		Failed:     atomic.LoadUint64(&d.failed),
		Reused:     atomic.LoadUint64(&d.reused),
		Pending:    d.pending.count(),
		Pooled:     pooled,
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
