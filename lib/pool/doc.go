// Package pool provides batch-allocating free lists for resources that are
// expensive to construct and cheap to reuse, such as per-connection I/O
// buffers and buffered readers.
//
// A Bounded pool never blocks: Take returns a free item when one exists and
// otherwise allocates a whole batch, handing out one item and keeping the
// rest. Return keeps an item only while the free list holds fewer than
// MaxFreeCount items; anything beyond that is destroyed.
//
// # Basic Usage
//
//	readers := pool.NewBounded(
//	    func() *bufio.Reader { return bufio.NewReaderSize(nil, 8192) },
//	    nil,
//	    pool.Config{BatchCount: pool.BatchCount(8192)},
//	)
//	defer readers.Close()
//
//	r := readers.Take()
//	r.Reset(conn)
//	// Use reader...
//	r.Reset(nil)
//	readers.Return(r)
//
// # Buffer Pools
//
// BufferPool specialises Bounded for fixed-size byte slices. Listeners and
// channel factories with the same buffer size share a pool through
// GetBufferPool:
//
//	bp, err := pool.GetBufferPool(64 * 1024)
//	buf := bp.Take()
//	defer bp.Return(buf)
//
// # Metrics
//
// Item churn across all pools is exported through the metrics package:
//   - connmux_pool_items_created_total: Items allocated by batches
//   - connmux_pool_items_destroyed_total: Items discarded on return or close
//   - connmux_pool_batches_total: Batch allocations
package pool
