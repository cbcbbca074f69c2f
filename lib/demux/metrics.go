package demux

import "github.com/go-i2p/connmux/lib/metrics"

// Demuxer metrics, aggregated across demuxers.
var (
	// DemuxAcceptedTotal is the number of connections accepted.
	DemuxAcceptedTotal = metrics.NewCounter(
		"connmux_demux_accepted_total",
		"Total number of connections accepted",
	)
	// DemuxRejectedTotal is the number of connections refused at the pending bound.
	DemuxRejectedTotal = metrics.NewCounter(
		"connmux_demux_rejected_total",
		"Total number of connections refused by the pending connection bound",
	)
	// DemuxDispatchedTotal is the number of connections dispatched.
	DemuxDispatchedTotal = metrics.NewCounter(
		"connmux_demux_dispatched_total",
		"Total number of connections dispatched to a handler",
	)
	// DemuxFailedTotal is the number of connections closed before dispatch.
	DemuxFailedTotal = metrics.NewCounter(
		"connmux_demux_failed_total",
		"Total number of connections closed before dispatch",
	)
	// DemuxTimedOutTotal is the number of preamble reads that timed out.
	DemuxTimedOutTotal = metrics.NewCounter(
		"connmux_demux_timed_out_total",
		"Total number of preamble reads that exceeded their deadline",
	)
	// DemuxPending is the number of connections awaiting dispatch.
	DemuxPending = metrics.NewGauge(
		"connmux_demux_pending_connections",
		"Number of accepted connections awaiting dispatch",
	)
	// DemuxPooled is the number of reused connections awaiting a preamble.
	DemuxPooled = metrics.NewGauge(
		"connmux_demux_pooled_connections",
		"Number of reused connections awaiting their next preamble",
	)
	// PreambleLatency tracks time from accept to dispatch.
	PreambleLatency = metrics.NewHistogram(
		"connmux_demux_preamble_duration_seconds",
		"Time spent reading and resolving a preamble",
		metrics.DefaultLatencyBuckets,
	)
)
