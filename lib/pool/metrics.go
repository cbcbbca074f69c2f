package pool

import "github.com/go-i2p/connmux/lib/metrics"

// Pool churn metrics, aggregated across all pools in the process.
var (
	// PoolItemsCreatedTotal is the number of items allocated by batches.
	PoolItemsCreatedTotal = metrics.NewCounter(
		"connmux_pool_items_created_total",
		"Total number of pooled items allocated",
	)
	// PoolItemsDestroyedTotal is the number of items discarded.
	PoolItemsDestroyedTotal = metrics.NewCounter(
		"connmux_pool_items_destroyed_total",
		"Total number of pooled items discarded on return or close",
	)
	// PoolBatchesTotal is the number of batch allocations.
	PoolBatchesTotal = metrics.NewCounter(
		"connmux_pool_batches_total",
		"Total number of batch allocations",
	)
)
