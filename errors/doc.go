// Package errors provides standardized error handling patterns for querycache components.
//
// # Overview
//
// The errors package implements a three-class error classification system: Transient
// (temporary, retryable), Invalid (bad input, non-retryable), and Fatal (unrecoverable,
// stop processing).
//
// Cache misses are never errors. Lookups report absence through a boolean, and the
// errors in this package are reserved for construction failures, rejected offers and
// transport problems on the table-lifecycle notifier.
//
// # Quick Start
//
// Wrap errors with context for debugging:
//
//	if err := sizeFn(value); err != nil {
//	    return errors.WrapInvalid(err, "CountingCache", "Offer", "memory size computation")
//	}
//
// Check classification:
//
//	if err := cache.Offer(shard, column, value); err != nil {
//	    if errors.IsInvalid(err) {
//	        // value cannot be cached, serve it uncached
//	    }
//	}
//
// # Error Message Format
//
// Wrap produces messages of the form:
//
//	component.method: action failed: underlying error
//
// The original error stays reachable through errors.Is and errors.As.
package errors
