package connpool

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/go-i2p/connmux/lib/metrics"
)

// CreateFunc constructs a protocol-specific pool for settings. It must only
// allocate; no I/O may happen while the registry lock is held.
type CreateFunc func(settings Settings) (*Pool, error)

// Registry shares connection pools between users with compatible settings.
// Pools are grouped by PoolGroupName; a group may hold several pools when
// their other settings differ.
type Registry struct {
	create CreateFunc

	mu    sync.Mutex
	pools map[string][]*Pool
}

// NewRegistry returns an empty registry that builds pools with create.
func NewRegistry(create CreateFunc) *Registry {
	return &Registry{
		create: create,
		pools:  make(map[string][]*Pool),
	}
}

// Lookup returns an open pool compatible with settings, taking a reference
// on it, or creates and registers a new one. Every successful Lookup must be
// paired with a Release.
func (r *Registry) Lookup(settings Settings) (*Pool, error) {
	timer := metrics.NewTimer(LookupLatency)
	defer timer.ObserveDuration()

	key := settings.PoolGroupName

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.pools[key]
	live := list[:0]
	var found *Pool
	for _, p := range list {
		if p.State() != StateOpen {
			PoolsActive.Dec()
			continue
		}
		live = append(live, p)
		if found == nil && p.IsCompatible(settings) && p.TryOpen() {
			found = p
		}
	}
	for i := len(live); i < len(list); i++ {
		list[i] = nil
	}
	r.store(key, live)

	if found != nil {
		log.WithField("group", key).Debug("reusing registered connection pool")
		return found, nil
	}

	p, err := r.create(settings)
	if err != nil {
		log.WithField("group", key).WithError(err).Warn("failed to create connection pool")
		return nil, err
	}
	r.store(key, append(live, p))
	PoolsActive.Inc()
	return p, nil
}

// Release drops a reference obtained from Lookup. When it was the last
// reference the pool is unregistered and its idle connections are closed
// within timeout; Release then returns true.
func (r *Registry) Release(p *Pool, timeout time.Duration) bool {
	if p == nil {
		return false
	}

	r.mu.Lock()
	last, done := p.release()
	if last {
		r.remove(p)
	}
	r.mu.Unlock()

	if last {
		// Draining may block on slow closes; it must not hold the registry.
		p.drain(timeout)
	}
	return last || done
}

// remove unregisters p. Caller must hold r.mu.
func (r *Registry) remove(p *Pool) {
	key := p.settings.PoolGroupName
	list := r.pools[key]
	for i, q := range list {
		if q == p {
			list = append(list[:i], list[i+1:]...)
			PoolsActive.Dec()
			break
		}
	}
	r.store(key, list)
}

func (r *Registry) store(key string, list []*Pool) {
	if len(list) == 0 {
		delete(r.pools, key)
		return
	}
	r.pools[key] = list
}

// Len returns the number of registered pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, list := range r.pools {
		n += len(list)
	}
	return n
}

// Keys returns the registered pool group names in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.pools))
	for k := range r.pools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TCPPools builds TCP pools dialing through dialer.
func TCPPools(dialer Dialer) CreateFunc {
	return func(settings Settings) (*Pool, error) {
		return NewPool("tcp", dialer, TCPEndpoint, settings)
	}
}

// UnixPools builds unix socket pools dialing through dialer.
func UnixPools(dialer Dialer) CreateFunc {
	return func(settings Settings) (*Pool, error) {
		return NewPool("unix", dialer, UnixEndpoint, settings)
	}
}

var (
	defaultTCPOnce     sync.Once
	defaultTCPRegistry *Registry
)

// DefaultTCPRegistry returns the process-wide TCP pool registry.
func DefaultTCPRegistry() *Registry {
	defaultTCPOnce.Do(func() {
		dialer := &net.Dialer{KeepAlive: 30 * time.Second}
		defaultTCPRegistry = NewRegistry(TCPPools(dialer))
	})
	return defaultTCPRegistry
}
