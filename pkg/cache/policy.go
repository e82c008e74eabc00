package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// CleanupPolicy decides, after each mutation, whether the cache should
// consolidate synchronously. Returning false defers consolidation to an
// explicit Consolidate call or to a later mutation.
type CleanupPolicy func() bool

// Always consolidates after every mutation.
func Always() CleanupPolicy {
	return func() bool { return true }
}

// Never leaves consolidation to explicit Consolidate calls.
func Never() CleanupPolicy {
	return func() bool { return false }
}

// EveryN consolidates on every n-th mutation. n <= 1 behaves like Always.
func EveryN(n int) CleanupPolicy {
	if n <= 1 {
		return Always()
	}
	var calls atomic.Int64
	return func() bool {
		return calls.Add(1)%int64(n) == 0
	}
}

// Interval consolidates when at least d has elapsed since the last time the
// policy returned true. The first call returns true.
func Interval(clock Clock, d time.Duration) CleanupPolicy {
	if d <= 0 {
		return Always()
	}
	if clock == nil {
		clock = SystemClock()
	}
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func() bool {
		now := clock.Now()
		mu.Lock()
		defer mu.Unlock()
		if last.IsZero() || now.Sub(last) >= d {
			last = now
			return true
		}
		return false
	}
}
