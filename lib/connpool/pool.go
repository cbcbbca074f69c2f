package connpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/go-i2p/logger"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

var log = logger.GetGoI2PLogger()

// State is the lifecycle state of a Pool.
type State int32

const (
	// StateOpen accepts new references, takes and returns.
	StateOpen State = iota
	// StateClosing is draining idle connections; it never reopens.
	StateClosing
	// StateClosed has released every idle connection.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dialer opens physical connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Lease is a physical connection owned either by the pool (while idle) or
// by exactly one caller (between TakeConnection and ReturnConnection).
type Lease struct {
	net.Conn
	key       string
	createdAt time.Time
	idleSince time.Time
}

// Key returns the normalized endpoint key the lease belongs to.
func (l *Lease) Key() string { return l.key }

// CreatedAt returns when the underlying connection was established.
func (l *Lease) CreatedAt() time.Time { return l.createdAt }

// Pool keeps idle physical connections to remote endpoints for reuse.
// A pool starts open with one reference held by its creator; TryOpen adds
// references and Close drops them. The last Close drains the pool.
type Pool struct {
	settings Settings
	network  string
	dialer   Dialer
	endpoint EndpointFunc

	mu        sync.Mutex
	state     State
	refCount  int
	endpoints map[string]*queue.Queue
	numIdle   int
	breaker   BreakerConfig
	circuits  map[string]*breaker

	stopSweep chan struct{}
	sweepDone chan struct{}

	// Metrics
	dialCount    uint64
	dialFailed   uint64
	reuseCount   uint64
	returnCount  uint64
	expiredCount uint64
	evictCount   uint64
}

// NewPool creates an open pool dialing network through dialer. Creation
// only allocates memory and starts the sweeper; it performs no I/O.
func NewPool(network string, dialer Dialer, endpoint EndpointFunc, settings Settings) (*Pool, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil || endpoint == nil {
		return nil, fmt.Errorf("%w: dialer and endpoint function are required", cerrors.ErrInvalidInput)
	}

	p := &Pool{
		settings:  settings,
		network:   network,
		dialer:    dialer,
		endpoint:  endpoint,
		state:     StateOpen,
		refCount:  1,
		endpoints: make(map[string]*queue.Queue),
		breaker:   DefaultBreakerConfig(),
		circuits:  make(map[string]*breaker),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if interval := settings.sweepInterval(); interval > 0 {
		go p.sweepLoop(interval)
	} else {
		close(p.sweepDone)
	}

	PoolsCreatedTotal.Inc()
	log.WithField("group", settings.PoolGroupName).
		WithField("network", network).
		WithField("leaseTimeout", settings.LeaseTimeout).
		Debug("connection pool created")
	return p, nil
}

// Name returns the pool group name.
func (p *Pool) Name() string {
	return p.settings.PoolGroupName
}

// Network returns the network the pool dials.
func (p *Pool) Network() string {
	return p.network
}

// Settings returns the settings snapshot the pool was created with.
func (p *Pool) Settings() Settings {
	return p.settings
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsCompatible reports whether settings select this pool. It has no side
// effects.
func (p *Pool) IsCompatible(s Settings) bool {
	return p.settings.PoolGroupName == s.PoolGroupName &&
		p.settings.IdleTimeout == s.IdleTimeout &&
		p.settings.LeaseTimeout == s.LeaseTimeout &&
		p.settings.MaxOutboundConnectionsPerEndpoint == s.MaxOutboundConnectionsPerEndpoint &&
		p.settings.ConnectionBufferSize == s.ConnectionBufferSize &&
		p.settings.SweepInterval == s.SweepInterval
}

// TryOpen adds a reference to an open pool. It returns false once the pool
// has begun closing; such a pool never reopens.
func (p *Pool) TryOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen || p.refCount <= 0 {
		return false
	}
	p.refCount++
	return true
}

// RefCount returns the number of outstanding references.
func (p *Pool) RefCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount
}

// Close drops one reference. When it was the last, the pool drains and
// closes its idle connections within timeout and Close returns true.
// It returns false while other holders keep the pool open.
func (p *Pool) Close(timeout time.Duration) bool {
	last, done := p.release()
	if done {
		return true
	}
	if !last {
		return false
	}
	p.drain(timeout)
	return true
}

// Abort tears the pool down immediately regardless of outstanding references.
func (p *Pool) Abort() {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return
	}
	p.state = StateClosing
	p.refCount = 0
	p.mu.Unlock()

	p.drain(0)
}

// release drops a reference. last reports that this call moved the pool to
// StateClosing; done reports that the pool was already closing or closed.
func (p *Pool) release() (last, done bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return false, true
	}
	p.refCount--
	if p.refCount > 0 {
		return false, false
	}
	p.state = StateClosing
	return true, false
}

// drain stops the sweeper and closes all idle connections. Closes that do
// not finish within timeout are left to complete in the background.
func (p *Pool) drain(timeout time.Duration) {
	close(p.stopSweep)
	<-p.sweepDone

	p.mu.Lock()
	var idle []*Lease
	for key, q := range p.endpoints {
		for q.Length() > 0 {
			idle = append(idle, q.Remove().(*Lease))
		}
		delete(p.endpoints, key)
	}
	p.numIdle = 0
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range idle {
		wg.Add(1)
		go func(l *Lease) {
			defer wg.Done()
			l.Conn.Close()
		}(l)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			log.WithField("group", p.settings.PoolGroupName).
				WithField("timeout", timeout).
				Warn("timed out closing idle connections, abandoning remainder")
		}
	}

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()

	PoolsClosedTotal.Inc()
	log.WithField("group", p.settings.PoolGroupName).WithField("closed", len(idle)).Debug("connection pool closed")
}

// TakeConnection returns an idle connection to address or dials a new one.
// ctx bounds lease acquisition; exceeding its deadline yields an error
// wrapping ErrTimeout. The caller owns the lease until ReturnConnection.
func (p *Pool) TakeConnection(ctx context.Context, address string) (*Lease, error) {
	ep, err := p.endpoint(address)
	if err != nil {
		return nil, err
	}
	key := ep.Key

	now := time.Now()
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return nil, cerrors.ErrPoolClosed
	}
	lease, expired := p.takeIdleLocked(key, now)
	p.mu.Unlock()

	closeLeases(expired)
	if lease != nil {
		atomic.AddUint64(&p.reuseCount, 1)
		LeasesReusedTotal.Inc()
		log.WithField("endpoint", key).Debug("reusing pooled connection")
		return lease, nil
	}

	p.mu.Lock()
	cfg, b := p.circuitLocked(key)
	p.mu.Unlock()

	if b == nil {
		return p.dial(ctx, ep)
	}
	if !b.allow(cfg, time.Now()) {
		CircuitRejectedTotal.Inc()
		return nil, fmt.Errorf("%w: %s", cerrors.ErrCircuitOpen, key)
	}

	lease, err = p.dial(ctx, ep)
	switch {
	case err == nil:
		b.success()
	case ctx.Err() != nil || errors.Is(err, cerrors.ErrPoolClosed):
		b.abandon()
	case b.failure(cfg, time.Now()):
		CircuitTripsTotal.Inc()
		log.WithField("endpoint", key).
			WithField("cooldown", cfg.Cooldown).
			WithError(err).
			Warn("endpoint circuit opened after repeated dial failures")
	}
	return lease, err
}

// circuitLocked returns the dial breaker for key, or nil when circuit
// breaking is disabled. Caller must hold p.mu.
func (p *Pool) circuitLocked(key string) (BreakerConfig, *breaker) {
	cfg := p.breaker
	if cfg.FailureThreshold <= 0 {
		return cfg, nil
	}
	b, ok := p.circuits[key]
	if !ok {
		b = &breaker{}
		p.circuits[key] = b
	}
	return cfg, b
}

// SetBreaker replaces the dial breaker configuration. Existing circuit
// state is kept.
func (p *Pool) SetBreaker(cfg BreakerConfig) {
	p.mu.Lock()
	p.breaker = cfg
	p.mu.Unlock()
}

// Circuit returns the dial circuit state for address.
func (p *Pool) Circuit(address string) CircuitState {
	ep, err := p.endpoint(address)
	if err != nil {
		return CircuitClosed
	}
	key := ep.Key
	p.mu.Lock()
	cfg := p.breaker
	b, ok := p.circuits[key]
	p.mu.Unlock()
	if !ok {
		return CircuitClosed
	}
	return b.current(cfg, time.Now())
}

// takeIdleLocked pops the oldest unexpired idle lease for key and collects
// expired ones for closing outside the lock. Caller must hold p.mu.
func (p *Pool) takeIdleLocked(key string, now time.Time) (*Lease, []*Lease) {
	q, ok := p.endpoints[key]
	if !ok {
		return nil, nil
	}

	var expired []*Lease
	var found *Lease
	for q.Length() > 0 {
		l := q.Remove().(*Lease)
		p.numIdle--
		if p.expired(l, now) {
			expired = append(expired, l)
			continue
		}
		found = l
		break
	}
	if q.Length() == 0 {
		delete(p.endpoints, key)
	}
	if len(expired) > 0 {
		atomic.AddUint64(&p.expiredCount, uint64(len(expired)))
		LeasesExpiredTotal.Add(uint64(len(expired)))
	}
	return found, expired
}

func (p *Pool) dial(ctx context.Context, ep Endpoint) (*Lease, error) {
	key, address := ep.Key, ep.Address
	atomic.AddUint64(&p.dialCount, 1)
	conn, err := p.dialer.DialContext(ctx, p.network, address)
	if err != nil {
		atomic.AddUint64(&p.dialFailed, 1)
		LeaseDialFailedTotal.Inc()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %v", cerrors.ErrLeaseTimeout, address, err)
		}
		log.WithField("endpoint", key).WithError(err).Debug("failed to dial connection")
		return nil, fmt.Errorf("dial %s %s: %w", p.network, address, err)
	}

	now := time.Now()
	lease := &Lease{Conn: conn, key: key, createdAt: now, idleSince: now}

	// The pool may have closed while the dial was in flight.
	if p.State() != StateOpen {
		conn.Close()
		return nil, cerrors.ErrPoolClosed
	}

	LeasesDialedTotal.Inc()
	log.WithField("endpoint", key).Debug("dialed new connection")
	return lease, nil
}

// ReturnConnection hands a lease back. The lease is closed instead of pooled
// when it is not reusable, has outlived LeaseTimeout, the pool is no longer
// open, or its endpoint already holds MaxOutboundConnectionsPerEndpoint idle
// connections.
func (p *Pool) ReturnConnection(lease *Lease, reusable bool) {
	if lease == nil {
		return
	}
	atomic.AddUint64(&p.returnCount, 1)

	now := time.Now()
	p.mu.Lock()
	keep := reusable && p.state == StateOpen && !p.expired(lease, now)
	if keep {
		q, ok := p.endpoints[lease.key]
		if !ok {
			q = queue.New()
			p.endpoints[lease.key] = q
		}
		if q.Length() >= p.settings.MaxOutboundConnectionsPerEndpoint {
			keep = false
			if q.Length() == 0 {
				delete(p.endpoints, lease.key)
			}
			atomic.AddUint64(&p.evictCount, 1)
		} else {
			lease.idleSince = now
			q.Add(lease)
			p.numIdle++
		}
	}
	p.mu.Unlock()

	if !keep {
		lease.Conn.Close()
		return
	}
	log.WithField("endpoint", lease.key).Debug("connection returned to pool")
}

// expired reports whether l has been idle longer than IdleTimeout or alive
// longer than LeaseTimeout.
func (p *Pool) expired(l *Lease, now time.Time) bool {
	if p.settings.IdleTimeout > 0 && now.Sub(l.idleSince) > p.settings.IdleTimeout {
		return true
	}
	if p.settings.LeaseTimeout > 0 && now.Sub(l.createdAt) > p.settings.LeaseTimeout {
		return true
	}
	return false
}

// sweepLoop periodically closes expired idle connections.
func (p *Pool) sweepLoop(interval time.Duration) {
	defer close(p.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep closes every expired idle connection and returns how many it closed.
func (p *Pool) Sweep() int {
	now := time.Now()

	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return 0
	}
	var expired []*Lease
	for key, q := range p.endpoints {
		// Rotate once through the FIFO keeping live leases in order.
		for n := q.Length(); n > 0; n-- {
			l := q.Remove().(*Lease)
			if p.expired(l, now) {
				expired = append(expired, l)
				p.numIdle--
				continue
			}
			q.Add(l)
		}
		if q.Length() == 0 {
			delete(p.endpoints, key)
		}
	}
	p.mu.Unlock()

	closeLeases(expired)
	if len(expired) > 0 {
		atomic.AddUint64(&p.expiredCount, uint64(len(expired)))
		LeasesExpiredTotal.Add(uint64(len(expired)))
		log.WithField("group", p.settings.PoolGroupName).WithField("closed", len(expired)).Debug("sweep closed expired connections")
	}
	return len(expired)
}

func closeLeases(leases []*Lease) {
	for _, l := range leases {
		go l.Conn.Close()
	}
}

// Stats contains pool statistics.
type Stats struct {
	// State is the lifecycle state.
	State State
	// RefCount is the number of outstanding references.
	RefCount int
	// Endpoints is the number of endpoints with idle connections.
	Endpoints int
	// NumIdle is the number of idle connections across endpoints.
	NumIdle int
	// Dials is the number of dial attempts.
	Dials uint64
	// DialFailures is the number of failed dials.
	DialFailures uint64
	// Reuses is the number of takes served from idle connections.
	Reuses uint64
	// Returns is the number of ReturnConnection calls.
	Returns uint64
	// Expired is the number of idle connections closed by expiry.
	Expired uint64
	// Evicted is the number of returns refused by the per-endpoint bound.
	Evicted uint64
}

// Stats returns current pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		State:        p.state,
		RefCount:     p.refCount,
		Endpoints:    len(p.endpoints),
		NumIdle:      p.numIdle,
		Dials:        atomic.LoadUint64(&p.dialCount),
		DialFailures: atomic.LoadUint64(&p.dialFailed),
		Reuses:       atomic.LoadUint64(&p.reuseCount),
		Returns:      atomic.LoadUint64(&p.returnCount),
		Expired:      atomic.LoadUint64(&p.expiredCount),
		Evicted:      atomic.LoadUint64(&p.evictCount),
	}
}

// IdleCount returns the number of idle connections held for address.
func (p *Pool) IdleCount(address string) int {
	ep, err := p.endpoint(address)
	if err != nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.endpoints[ep.Key]; ok {
		return q.Length()
	}
	return 0
}
