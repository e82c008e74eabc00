// Package testutil provides test doubles shared across querycache packages.
//
// MockNATSClient is an in-memory stand-in for natsclient.Client:
//   - Publish and Subscribe have the same signatures as the real client
//   - "*" and ">" subject wildcards are honoured
//   - handlers run synchronously inside Publish, so tests need no waiting
//   - every published message is kept for verification
//
// Example:
//
//	client := testutil.NewMockNATSClient()
//	notifier := tableevents.NewNATSNotifier(client, "querycache", nil)
//	err := notifier.Publish(ctx, tableevents.NewEvent(tableevents.TableRemoved, "orders"))
//	testutil.AssertMessageReceived(t, client, "querycache.table.removed")
package testutil
