package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/querycache/errors"
)

// newestVersion is the newest-index entry of one source key.
type newestVersion[ID comparable, V any] struct {
	id           ID
	value        V
	registeredAt time.Time
}

// VersionedCache manages several concurrently alive versions of a derived
// value per source key. It tracks which version is newest and, when a newer
// version supersedes it, flags the previous one so it stays resident for a
// grace window while in-flight readers finish with it.
//
// Flags are plain expiry instants checked lazily on read and on consolidation;
// nothing runs on a timer.
type VersionedCache[S, ID comparable, V any] struct {
	cache      *CountingCache[S, ID, V]
	flagWindow time.Duration
	trigger    CleanupPolicy
	clock      Clock
	logger     *slog.Logger

	mu     sync.Mutex
	newest map[S]newestVersion[ID, V]
	flags  map[Key[S, ID]]time.Time
}

// NewVersioned creates a VersionedCache over a counting cache of capacityBytes.
// flagWindow 0 disables flagging. trigger decides after each registration
// whether to consolidate; nil means Always.
func NewVersioned[S, ID comparable, V any](
	capacityBytes int64, sizeFn MemorySizeFunc[V], flagWindow time.Duration, trigger CleanupPolicy,
	options ...Option,
) (*VersionedCache[S, ID, V], error) {
	if flagWindow < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewVersioned",
			fmt.Sprintf("flag window must not be negative, got %v", flagWindow))
	}
	if trigger == nil {
		trigger = Always()
	}

	opts := applyOptions(options...)
	// The underlying cache never consolidates on its own: residency has to
	// account for flags, which only this layer knows about.
	cache, err := newCountingCache[S, ID, V](capacityBytes, Never(), sizeFn, opts, "NewVersioned")
	if err != nil {
		return nil, err
	}

	return &VersionedCache[S, ID, V]{
		cache:      cache,
		flagWindow: flagWindow,
		trigger:    trigger,
		clock:      opts.clock,
		logger:     opts.logger,
		newest:     make(map[S]newestVersion[ID, V]),
		flags:      make(map[Key[S, ID]]time.Time),
	}, nil
}

// RegisterVersion offers value as version id of source. If id is not already
// the newest version of source it becomes the newest, and the version it
// replaces is flagged for the flag window. Registering the newest id again
// only re-offers it.
func (vc *VersionedCache[S, ID, V]) RegisterVersion(id ID, value V, source S) error {
	now := vc.clock.Now()

	// The offer and the newest-index update are one step for Consolidate:
	// its forget pass must never see id tracked but not yet newest.
	vc.mu.Lock()
	if err := vc.cache.Offer(source, id, value); err != nil {
		vc.mu.Unlock()
		return err
	}
	current, exists := vc.newest[source]
	switch {
	case !exists:
		vc.newest[source] = newestVersion[ID, V]{id: id, value: value, registeredAt: now}
	case current.id != id:
		vc.newest[source] = newestVersion[ID, V]{id: id, value: value, registeredAt: now}
		if vc.flagWindow > 0 {
			vc.flags[Key[S, ID]{Outer: source, Inner: current.id}] = now.Add(vc.flagWindow)
		}
		vc.logger.Debug("version superseded",
			"source", source, "previous", current.id, "newest", id, "flag_window", vc.flagWindow)
	default:
		current.value = value
		vc.newest[source] = current
	}
	vc.mu.Unlock()

	if vc.trigger() {
		vc.Consolidate()
	}
	return nil
}

// GetDerivedValue returns version id of source if it is resident or still
// flagged. It counts as a use. Version ids that were never registered, or
// have been forgotten, are absent and not counted.
func (vc *VersionedCache[S, ID, V]) GetDerivedValue(id ID, source S) (V, bool) {
	key := Key[S, ID]{Outer: source, Inner: id}
	t, ok := vc.cache.lookup(key)
	if !ok {
		vc.cache.stats.Miss()
		vc.cache.metrics.recordMiss()
		var zero V
		return zero, false
	}
	t.count.Add(1)

	if vc.isFlagged(key, vc.clock.Now()) {
		if cell := t.cell.Load(); cell != nil {
			vc.cache.stats.Hit()
			vc.cache.metrics.recordHit()
			return cell.value, true
		}
	}
	return vc.cache.residentValue(key, t)
}

// GetNewestVersion returns the newest version of source. It reads the newest
// index only and does not count as a use.
func (vc *VersionedCache[S, ID, V]) GetNewestVersion(source S) (ID, V, bool) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	current, ok := vc.newest[source]
	return current.id, current.value, ok
}

// GetNewestVersionAndFlag returns the newest version of source and flags it
// for a full flag window from now, so a caller about to use it can rely on it
// staying resident regardless of its count.
func (vc *VersionedCache[S, ID, V]) GetNewestVersionAndFlag(source S) (ID, V, bool) {
	now := vc.clock.Now()

	vc.mu.Lock()
	defer vc.mu.Unlock()

	current, ok := vc.newest[source]
	if ok && vc.flagWindow > 0 {
		vc.flags[Key[S, ID]{Outer: source, Inner: current.id}] = now.Add(vc.flagWindow)
	}
	return current.id, current.value, ok
}

// Consolidate recomputes residency. Flagged versions are admitted first and
// charged against the budget; the remaining budget goes to unflagged versions
// by count. Superseded versions that are neither flagged nor admitted can no
// longer be reached through the newest index and are forgotten.
func (vc *VersionedCache[S, ID, V]) Consolidate() {
	now := vc.clock.Now()

	vc.mu.Lock()
	pinned := make(map[Key[S, ID]]struct{}, len(vc.flags))
	for key, expiry := range vc.flags {
		if now.Before(expiry) {
			pinned[key] = struct{}{}
		} else {
			delete(vc.flags, key)
		}
	}
	vc.cache.metrics.updateFlagged(len(pinned))
	vc.mu.Unlock()

	result := vc.cache.consolidate(pinned)
	if len(result.rejected) == 0 {
		return
	}

	vc.mu.Lock()
	defer vc.mu.Unlock()

	stale := make(map[Key[S, ID]]struct{})
	for _, key := range result.rejected {
		if current, ok := vc.newest[key.Outer]; ok && current.id == key.Inner {
			continue
		}
		if vc.isFlaggedLocked(key, now) {
			continue
		}
		stale[key] = struct{}{}
	}
	if len(stale) == 0 {
		return
	}

	forgotten := vc.cache.RemoveIf(func(s S, id ID) bool {
		_, ok := stale[Key[S, ID]{Outer: s, Inner: id}]
		return ok
	})
	vc.logger.Debug("superseded versions forgotten", "count", forgotten)
}

// Forget drops every version of source, its flags and its newest entry.
// It returns the number of versions dropped from the underlying cache.
func (vc *VersionedCache[S, ID, V]) Forget(source S) int {
	return vc.ForgetIf(func(s S) bool { return s == source })
}

// ForgetIf drops every source key matched by pred.
func (vc *VersionedCache[S, ID, V]) ForgetIf(pred func(S) bool) int {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	for source := range vc.newest {
		if pred(source) {
			delete(vc.newest, source)
		}
	}
	for key := range vc.flags {
		if pred(key.Outer) {
			delete(vc.flags, key)
		}
	}
	return vc.cache.RemoveIf(func(s S, _ ID) bool { return pred(s) })
}

// GetCount returns the use count of version id of source.
func (vc *VersionedCache[S, ID, V]) GetCount(id ID, source S) (int64, bool) {
	return vc.cache.GetCount(source, id)
}

// IsFlagged reports whether version id of source is currently flagged.
func (vc *VersionedCache[S, ID, V]) IsFlagged(id ID, source S) bool {
	return vc.isFlagged(Key[S, ID]{Outer: source, Inner: id}, vc.clock.Now())
}

// Size returns the number of resident versions.
func (vc *VersionedCache[S, ID, V]) Size() int {
	return vc.cache.Size()
}

// MemoryUsage returns the resident bytes.
func (vc *VersionedCache[S, ID, V]) MemoryUsage() int64 {
	return vc.cache.MemoryUsage()
}

// FlagWindow returns the configured flag window.
func (vc *VersionedCache[S, ID, V]) FlagWindow() time.Duration {
	return vc.flagWindow
}

// Stats returns statistics of the underlying cache.
func (vc *VersionedCache[S, ID, V]) Stats() *Statistics {
	return vc.cache.Stats()
}

func (vc *VersionedCache[S, ID, V]) isFlagged(key Key[S, ID], now time.Time) bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.isFlaggedLocked(key, now)
}

func (vc *VersionedCache[S, ID, V]) isFlaggedLocked(key Key[S, ID], now time.Time) bool {
	expiry, ok := vc.flags[key]
	return ok && now.Before(expiry)
}
