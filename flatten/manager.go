package flatten

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/metric"
	"github.com/c360/querycache/pkg/cache"
	"github.com/c360/querycache/tableevents"
)

// Key identifies a flattened table: source table T flattened along the
// repeated field F.
type Key struct {
	Table string `json:"table"`
	Field string `json:"field"`
}

// String returns "table/field".
func (k Key) String() string {
	return k.Table + "/" + k.Field
}

// FlattenFunc materializes the flattening of key from its source table.
type FlattenFunc[V any] func(ctx context.Context, key Key) (V, error)

// Manager keeps flattened materializations of source tables resident by
// query frequency. Every recompute registers a new version with a fresh id;
// the version it replaces stays readable for the flag window so queries
// already planned against it can finish.
type Manager[V any] struct {
	versions   *cache.VersionedCache[Key, string, V]
	tombstones *cache.ConstantTimeCache[string, struct{}, time.Time]
	group      singleflight.Group

	// removal is held shared by registrations and exclusively by RemoveTable,
	// so a tombstone check and the write it guards cannot straddle a removal.
	removal sync.RWMutex

	clock   cache.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New creates a Manager from config. It uses CapacityBytes, FlagWindow and
// Cleanup for the version cache and TTL for how long a removed table stays
// tombstoned.
func New[V any](config cache.Config, sizeFn cache.MemorySizeFunc[V], opts ...Option) (*Manager[V], error) {
	o := applyOptions(opts...)

	versions, err := cache.NewVersionedFromConfig[Key, string, V](config, sizeFn, o.cacheOptions("flatten_versions")...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "flatten", "New", "create version cache")
	}
	tombstones, err := cache.NewConstantTimeFromConfig[string, struct{}, time.Time](config,
		o.cacheOptions("flatten_tombstones")...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "flatten", "New", "create tombstone cache")
	}

	return &Manager[V]{
		versions:   versions,
		tombstones: tombstones,
		clock:      o.clock,
		logger:     o.logger,
		metrics:    o.metrics,
	}, nil
}

// Register stores flattened as a new version of (table, field) and makes it
// the newest. It returns the version id.
func (m *Manager[V]) Register(table, field string, flattened V) (string, error) {
	m.removal.RLock()
	defer m.removal.RUnlock()

	if m.removed(table) {
		return "", errors.WrapInvalid(errors.ErrTableRemoved, "flatten", "Register",
			fmt.Sprintf("table %s", table))
	}

	key := Key{Table: table, Field: field}
	id := uuid.NewString()
	if err := m.versions.RegisterVersion(id, flattened, key); err != nil {
		return "", err
	}

	m.logger.Debug("flattened version registered", "table", table, "field", field, "version", id)
	return id, nil
}

// Get returns version id of (table, field) if it is still resident or
// flagged. It counts as a use of that version.
func (m *Manager[V]) Get(id, table, field string) (V, bool) {
	return m.versions.GetDerivedValue(id, Key{Table: table, Field: field})
}

// Newest returns the newest version of (table, field) without flagging it.
func (m *Manager[V]) Newest(table, field string) (string, V, bool) {
	return m.versions.GetNewestVersion(Key{Table: table, Field: field})
}

// NewestAndFlag returns the newest version of (table, field) and keeps it
// resident for a full flag window. Query planning uses this so the version a
// query was planned against survives until the query is done with it.
func (m *Manager[V]) NewestAndFlag(table, field string) (string, V, bool) {
	return m.versions.GetNewestVersionAndFlag(Key{Table: table, Field: field})
}

type flattenResult[V any] struct {
	id    string
	value V
}

// GetOrFlatten returns the newest version of (table, field), flagged for the
// caller, computing and registering it with fn if there is none. Concurrent
// calls for the same key share one computation.
func (m *Manager[V]) GetOrFlatten(ctx context.Context, table, field string, fn FlattenFunc[V]) (string, V, error) {
	var zero V
	if m.removed(table) {
		return "", zero, errors.WrapInvalid(errors.ErrTableRemoved, "flatten", "GetOrFlatten",
			fmt.Sprintf("table %s", table))
	}
	if id, v, ok := m.NewestAndFlag(table, field); ok {
		return id, v, nil
	}

	key := Key{Table: table, Field: field}
	res, err, shared := m.group.Do(key.Table+"\x00"+key.Field, func() (any, error) {
		// A concurrent caller may have registered a version while this one waited
		if id, v, ok := m.NewestAndFlag(key.Table, key.Field); ok {
			return flattenResult[V]{id: id, value: v}, nil
		}
		return m.flatten(ctx, key, fn)
	})
	if err != nil {
		return "", zero, err
	}
	if shared {
		m.logger.Debug("flatten shared with concurrent caller", "table", table, "field", field)
	}

	result := res.(flattenResult[V])
	return result.id, result.value, nil
}

// Refresh recomputes (table, field) with fn and registers it as the new
// newest version, whether or not one exists. The version it replaces stays
// flagged for the flag window.
func (m *Manager[V]) Refresh(ctx context.Context, table, field string, fn FlattenFunc[V]) (string, V, error) {
	var zero V
	if m.removed(table) {
		return "", zero, errors.WrapInvalid(errors.ErrTableRemoved, "flatten", "Refresh",
			fmt.Sprintf("table %s", table))
	}

	key := Key{Table: table, Field: field}
	res, err, _ := m.group.Do("refresh\x00"+key.Table+"\x00"+key.Field, func() (any, error) {
		return m.flatten(ctx, key, fn)
	})
	if err != nil {
		return "", zero, err
	}
	result := res.(flattenResult[V])
	return result.id, result.value, nil
}

func (m *Manager[V]) flatten(ctx context.Context, key Key, fn FlattenFunc[V]) (flattenResult[V], error) {
	start := m.clock.Now()
	value, err := fn(ctx, key)
	m.metrics.RecordRecompute("flatten", m.clock.Now().Sub(start))
	if err != nil {
		return flattenResult[V]{}, errors.Wrap(err, "flatten", "GetOrFlatten", fmt.Sprintf("flatten %s", key))
	}

	// The table may have been removed while the recompute ran
	id, err := m.Register(key.Table, key.Field, value)
	if err != nil {
		return flattenResult[V]{}, err
	}
	m.versions.GetNewestVersionAndFlag(key)

	m.logger.Info("table flattened", "table", key.Table, "field", key.Field, "version", id,
		"took", m.clock.Now().Sub(start))
	return flattenResult[V]{id: id, value: value}, nil
}

// RemoveTable forgets every flattened version derived from table and
// tombstones it so a recompute still in flight cannot bring it back.
// It returns the number of versions forgotten.
func (m *Manager[V]) RemoveTable(table string) int {
	m.removal.Lock()
	defer m.removal.Unlock()

	m.tombstones.Purge()
	m.tombstones.Offer(table, struct{}{}, m.clock.Now())
	n := m.versions.ForgetIf(func(k Key) bool { return k.Table == table })
	m.metrics.RecordKeysForgotten("flatten", n)
	m.logger.Info("flattened table versions forgotten", "table", table, "versions", n)
	return n
}

// Attach subscribes the manager to table lifecycle events. A removed table
// is forgotten at once; a table loaded again is no longer tombstoned.
func (m *Manager[V]) Attach(ctx context.Context, notifier tableevents.Notifier) error {
	return notifier.Subscribe(ctx, func(_ context.Context, event tableevents.Event) {
		switch event.Type {
		case tableevents.TableRemoved:
			m.RemoveTable(event.Table)
		case tableevents.TableLoaded:
			m.tombstones.Remove(event.Table, struct{}{})
		}
	})
}

// Consolidate recomputes which versions are resident.
func (m *Manager[V]) Consolidate() {
	m.versions.Consolidate()
}

// Size returns the number of resident versions.
func (m *Manager[V]) Size() int {
	return m.versions.Size()
}

// MemoryUsage returns the resident bytes.
func (m *Manager[V]) MemoryUsage() int64 {
	return m.versions.MemoryUsage()
}

// Stats returns statistics of the version cache.
func (m *Manager[V]) Stats() *cache.Statistics {
	return m.versions.Stats()
}

func (m *Manager[V]) removed(table string) bool {
	_, ok := m.tombstones.Get(table, struct{}{})
	return ok
}
