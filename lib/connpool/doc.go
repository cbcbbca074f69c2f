// Package connpool keeps idle physical connections to remote endpoints so
// that outbound channels can reuse them, and shares pools between users
// with compatible settings through a Registry.
//
// A Pool is reference counted. It starts open with one reference held by
// whoever created it; TryOpen adds a reference and Close drops one. When
// the last reference goes away the pool moves to closing, never reopens,
// and closes every idle connection.
//
// The pool supports:
//   - Per-endpoint idle connection bound (MaxOutboundConnectionsPerEndpoint)
//   - Idle and lifetime expiry, enforced on access and by a sweeper
//   - Endpoint key normalization for tcp, unix, ws and I2P addresses
//   - Metrics for pool churn
//
// # Basic Usage
//
//	reg := connpool.DefaultTCPRegistry()
//	p, err := reg.Lookup(connpool.DefaultSettings())
//	if err != nil {
//	    return err
//	}
//	defer reg.Release(p, 5*time.Second)
//
//	lease, err := p.TakeConnection(ctx, "example.com:808")
//	if err != nil {
//	    return err
//	}
//	// Use lease as a net.Conn...
//	p.ReturnConnection(lease, true)
//
// # Metrics
//
// Pool metrics are automatically registered with the metrics package:
//   - connmux_connpool_pools_created_total: Pools created
//   - connmux_connpool_pools_closed_total: Pools drained and closed
//   - connmux_connpool_pools_active: Pools currently registered
//   - connmux_connpool_leases_dialed_total: Leases served by a new dial
//   - connmux_connpool_leases_reused_total: Leases served from idle connections
//   - connmux_connpool_dial_failed_total: Failed dials
//   - connmux_connpool_leases_expired_total: Idle connections closed on expiry
//   - connmux_connpool_lookup_duration_seconds: Registry lookup latency
package connpool
