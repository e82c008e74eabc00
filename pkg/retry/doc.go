// Package retry runs operations with exponential backoff.
//
// Do retries only errors that the errors package classifies as transient.
// Invalid and fatal errors, such as a bad NATS URL, return after the first
// attempt:
//
//	err := retry.Do(ctx, retry.Startup(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Set Config.RetryIf to retry on a different condition. Context
// cancellation ends the loop during backoff and the returned error wraps
// ctx.Err().
package retry
