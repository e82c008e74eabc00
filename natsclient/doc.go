// Package natsclient wraps the NATS Go client with circuit breaker protection,
// automatic reconnection and context propagation. It is the transport that
// carries table lifecycle events between query nodes.
//
// # Core Features
//
// Circuit Breaker Pattern: after a threshold of consecutive connection failures
// (default: 5) the circuit opens and Connect fails fast. The backoff doubles
// each round up to a maximum, then the circuit half-opens and the next Connect
// may try again.
//
// Connection Lifecycle: Disconnected → Connecting → Connected → Reconnecting →
// Connected. Status changes can be observed through callbacks, and with
// WithMetrics they are exported as querycache_nats_* Prometheus metrics.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("querycache-node"),
//	    natsclient.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	err = client.Subscribe(ctx, "querycache.table.>", func(msgCtx context.Context, data []byte) {
//	    // msgCtx carries the handler timeout (30s by default)
//	})
//
//	err = client.Publish(ctx, "querycache.table.removed", payload)
//
// # Errors
//
// Connection, publish and subscribe failures are transient-class errors from
// the errors package. ErrNotConnected and ErrCircuitOpen can be matched with
// errors.Is.
//
// # Testing
//
// NewTestClient starts a NATS server in a container with testcontainers-go
// and returns a connected Client that is cleaned up with the test:
//
//	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
//	err := tc.Client.Publish(ctx, "subject", data)
//
// Tests that need a server are behind the integration build tag. Unit tests
// should use testutil.MockNATSClient instead.
package natsclient
