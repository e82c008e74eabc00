// Package tableevents announces table lifecycle changes to the caches of a
// query node.
//
// When a table is removed every cached value derived from it must be
// forgotten at once. Caches subscribe through the Notifier interface and
// never poll:
//
//	bus := tableevents.NewBus()
//	flattened.Attach(ctx, bus)
//	columns.Attach(ctx, bus)
//
//	bus.Publish(ctx, tableevents.NewEvent(tableevents.TableRemoved, "orders"))
//
// Bus delivers in process and synchronously. NATSNotifier carries the same
// events between nodes over NATS as JSON on "<prefix>.table.<type>":
//
//	{"id":"6f1c...","type":"table.removed","table":"orders","source":"node-1","timestamp":"2024-01-01T00:00:00Z"}
//
// A payload that does not decode or validate is logged, counted in
// querycache_table_events_dropped_total, and dropped.
package tableevents
