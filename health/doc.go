// Package health builds health reports for a query node.
//
// # Health States
//
// A Status is one of three states:
//   - healthy: operating normally
//   - degraded: serving, but the event transport is reconnecting
//   - unhealthy: table events cannot be delivered
//
// Caches never report unhealthy on their own. FromCache attaches their
// occupancy and hit ratio so operators can judge capacity from /healthz.
//
// # Usage
//
//	status := health.Aggregate("node", []health.Status{
//	    health.FromNATS("nats", client.GetStatus(), client.URL()),
//	    health.FromCache("column_cache", columns.Stats(), columns.Capacity()),
//	})
//	if status.IsUnhealthy() {
//	    w.WriteHeader(http.StatusServiceUnavailable)
//	}
//
// Messages built from NATS URLs have embedded credentials redacted.
package health
