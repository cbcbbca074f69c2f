package pool

import (
	"sync"
	"sync/atomic"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// Batch sizing constants.
const (
	// SingleBatchSize is the number of bytes a batch aims to allocate at once.
	SingleBatchSize = 128 * 1024
	// MaxBatchCount caps the number of items created per batch.
	MaxBatchCount = 16
	// MaxFreeCountFactor is the default ratio of MaxFreeCount to BatchCount.
	MaxFreeCountFactor = 4
)

// BatchCount returns how many items of itemSize bytes are created together
// when a pool runs dry: ceil(SingleBatchSize/itemSize), capped at
// MaxBatchCount. Size-independent resources (itemSize <= 0) use
// MaxBatchCount.
func BatchCount(itemSize int) int {
	if itemSize <= 0 {
		return MaxBatchCount
	}
	n := (SingleBatchSize + itemSize - 1) / itemSize
	if n > MaxBatchCount {
		return MaxBatchCount
	}
	if n < 1 {
		return 1
	}
	return n
}

// Config configures a Bounded pool.
type Config struct {
	// BatchCount is the number of items created when the free list is empty.
	// Default: MaxBatchCount
	BatchCount int
	// MaxFreeCount is the maximum number of idle items retained.
	// Values below BatchCount are raised to BatchCount.
	// Default: MaxFreeCountFactor * BatchCount
	MaxFreeCount int
}

func (c Config) normalize() Config {
	if c.BatchCount <= 0 {
		c.BatchCount = MaxBatchCount
	}
	if c.MaxFreeCount <= 0 {
		c.MaxFreeCount = MaxFreeCountFactor * c.BatchCount
	}
	if c.MaxFreeCount < c.BatchCount {
		c.MaxFreeCount = c.BatchCount
	}
	return c
}

// Bounded is a thread-safe LIFO free list that allocates in batches.
// The zero value is not usable; create pools with NewBounded.
type Bounded[T any] struct {
	newItem func() T
	destroy func(T)
	cfg     Config

	mu     sync.Mutex
	free   []T
	closed bool

	created   uint64
	destroyed uint64
	batches   uint64
	taken     uint64
	returned  uint64
}

// NewBounded creates a pool that builds items with newItem and disposes of
// discarded items with destroy. destroy may be nil.
func NewBounded[T any](newItem func() T, destroy func(T), cfg Config) *Bounded[T] {
	cfg = cfg.normalize()
	return &Bounded[T]{
		newItem: newItem,
		destroy: destroy,
		cfg:     cfg,
		free:    make([]T, 0, cfg.MaxFreeCount),
	}
}

// Take returns a free item, allocating a new batch when none is available.
// It never waits for another holder to return an item.
func (p *Bounded[T]) Take() T {
	atomic.AddUint64(&p.taken, 1)

	p.mu.Lock()
	if n := len(p.free); n > 0 {
		item := p.free[n-1]
		var zero T
		p.free[n-1] = zero
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return item
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		// Nothing will be cached once the pool is torn down.
		return p.create()
	}

	batch := p.allocateBatch()
	p.retain(batch[1:])
	return batch[0]
}

// Return hands an item back to the pool. The caller must not use the item
// afterwards and must not return it twice.
func (p *Bounded[T]) Return(item T) {
	atomic.AddUint64(&p.returned, 1)

	p.mu.Lock()
	if !p.closed && len(p.free) < p.cfg.MaxFreeCount {
		p.free = append(p.free, item)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.discard(item)
}

// Close destroys all free items. Items returned afterwards are destroyed
// immediately. Close is idempotent.
func (p *Bounded[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	free := p.free
	p.free = nil
	p.mu.Unlock()

	for _, item := range free {
		p.discard(item)
	}
}

// allocateBatch creates BatchCount items without holding the lock.
func (p *Bounded[T]) allocateBatch() []T {
	batch := make([]T, p.cfg.BatchCount)
	for i := range batch {
		batch[i] = p.create()
	}
	atomic.AddUint64(&p.batches, 1)
	PoolBatchesTotal.Inc()
	log.WithField("batch", p.cfg.BatchCount).WithField("maxFree", p.cfg.MaxFreeCount).Debug("allocated pool batch")
	return batch
}

// retain stores the remainder of a batch, destroying whatever does not fit
// because a concurrent batch or returns filled the free list first.
func (p *Bounded[T]) retain(items []T) {
	p.mu.Lock()
	keep := 0
	if !p.closed {
		keep = p.cfg.MaxFreeCount - len(p.free)
		if keep > len(items) {
			keep = len(items)
		}
		if keep < 0 {
			keep = 0
		}
		p.free = append(p.free, items[:keep]...)
	}
	p.mu.Unlock()

	for _, item := range items[keep:] {
		p.discard(item)
	}
}

func (p *Bounded[T]) create() T {
	atomic.AddUint64(&p.created, 1)
	PoolItemsCreatedTotal.Inc()
	return p.newItem()
}

func (p *Bounded[T]) discard(item T) {
	atomic.AddUint64(&p.destroyed, 1)
	PoolItemsDestroyedTotal.Inc()
	if p.destroy != nil {
		p.destroy(item)
	}
}

// Stats contains pool statistics.
type Stats struct {
	// BatchCount is the configured batch size.
	BatchCount int
	// MaxFreeCount is the configured retention bound.
	MaxFreeCount int
	// Free is the current number of idle items.
	Free int
	// Created is the total number of items allocated.
	Created uint64
	// Destroyed is the total number of items discarded.
	Destroyed uint64
	// Batches is the number of batch allocations.
	Batches uint64
	// Taken is the number of Take calls.
	Taken uint64
	// Returned is the number of Return calls.
	Returned uint64
}

// Stats returns current pool statistics.
func (p *Bounded[T]) Stats() Stats {
	p.mu.Lock()
	free := len(p.free)
	p.mu.Unlock()

	return Stats{
		BatchCount:   p.cfg.BatchCount,
		MaxFreeCount: p.cfg.MaxFreeCount,
		Free:         free,
		Created:      atomic.LoadUint64(&p.created),
		Destroyed:    atomic.LoadUint64(&p.destroyed),
		Batches:      atomic.LoadUint64(&p.batches),
		Taken:        atomic.LoadUint64(&p.taken),
		Returned:     atomic.LoadUint64(&p.returned),
	}
}
