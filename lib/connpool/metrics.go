package connpool

import "github.com/go-i2p/connmux/lib/metrics"

// Connection pool metrics, aggregated across pools.
var (
	// PoolsCreatedTotal is the number of pools created.
	PoolsCreatedTotal = metrics.NewCounter(
		"connmux_connpool_pools_created_total",
		"Total number of connection pools created",
	)
	// PoolsClosedTotal is the number of pools drained and closed.
	PoolsClosedTotal = metrics.NewCounter(
		"connmux_connpool_pools_closed_total",
		"Total number of connection pools closed",
	)
	// PoolsActive is the number of pools held by registries.
	PoolsActive = metrics.NewGauge(
		"connmux_connpool_pools_active",
		"Number of connection pools currently registered",
	)
	// LeasesDialedTotal is the number of leases served by a new dial.
	LeasesDialedTotal = metrics.NewCounter(
		"connmux_connpool_leases_dialed_total",
		"Total number of leases served by dialing a new connection",
	)
	// LeasesReusedTotal is the number of leases served from idle connections.
	LeasesReusedTotal = metrics.NewCounter(
		"connmux_connpool_leases_reused_total",
		"Total number of leases served from idle connections",
	)
	// LeaseDialFailedTotal is the number of failed dials.
	LeaseDialFailedTotal = metrics.NewCounter(
		"connmux_connpool_dial_failed_total",
		"Total number of failed dials",
	)
	// LeasesExpiredTotal is the number of idle connections closed on expiry.
	LeasesExpiredTotal = metrics.NewCounter(
		"connmux_connpool_leases_expired_total",
		"Total number of idle connections closed after expiring",
	)
	// CircuitTripsTotal is the number of times an endpoint circuit opened.
	CircuitTripsTotal = metrics.NewCounter(
		"connmux_connpool_circuit_trips_total",
		"Total number of endpoint dial circuits opened",
	)
	// CircuitRejectedTotal is the number of takes refused by an open circuit.
	CircuitRejectedTotal = metrics.NewCounter(
		"connmux_connpool_circuit_rejected_total",
		"Total number of takes refused because the endpoint circuit was open",
	)
	// LookupLatency tracks time spent in Registry.Lookup.
	LookupLatency = metrics.NewHistogram(
		"connmux_connpool_lookup_duration_seconds",
		"Time spent looking up or creating a pool",
		metrics.DefaultLatencyBuckets,
	)
)
