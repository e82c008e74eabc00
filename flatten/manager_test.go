package flatten

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/metric"
	"github.com/c360/querycache/pkg/cache"
	"github.com/c360/querycache/tableevents"
)

type flattened struct {
	key   Key
	rows  int
	bytes int64
}

func sizeOf(f *flattened) (int64, error) {
	if f == nil {
		return 0, fmt.Errorf("nil table")
	}
	return f.bytes, nil
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const testFlagWindow = 10 * time.Second

func testConfig(capacity int64) cache.Config {
	return cache.Config{
		CapacityBytes: capacity,
		Cleanup:       cache.PolicyConfig{Kind: cache.PolicyAlways},
		TTL:           time.Minute,
		FlagWindow:    testFlagWindow,
	}
}

func newTestManager(t *testing.T, capacity int64, opts ...Option) (*Manager[*flattened], *cache.ManualClock) {
	t.Helper()
	clock := cache.NewManualClock(testEpoch)
	m, err := New[*flattened](testConfig(capacity), sizeOf, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	return m, clock
}

func flattenWith(bytes int64, calls *atomic.Int32) FlattenFunc[*flattened] {
	return func(_ context.Context, key Key) (*flattened, error) {
		calls.Add(1)
		return &flattened{key: key, rows: 10, bytes: bytes}, nil
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(0)
	_, err := New[*flattened](cfg, sizeOf)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	cfg = testConfig(100)
	cfg.TTL = 0
	_, err = New[*flattened](cfg, sizeOf)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestKey_String(t *testing.T) {
	assert.Equal(t, "orders/items", Key{Table: "orders", Field: "items"}.String())
}

func TestRegisterAndGet(t *testing.T) {
	m, _ := newTestManager(t, 1000)

	value := &flattened{rows: 3, bytes: 100}
	id, err := m.Register("orders", "items", value)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, ok := m.Get(id, "orders", "items")
	require.True(t, ok)
	assert.Same(t, value, got)

	newestID, newest, ok := m.Newest("orders", "items")
	require.True(t, ok)
	assert.Equal(t, id, newestID)
	assert.Same(t, value, newest)

	_, ok = m.Get("unknown", "orders", "items")
	assert.False(t, ok)
	_, _, ok = m.Newest("orders", "other")
	assert.False(t, ok)
}

func TestRegister_VersionIDsAreUnique(t *testing.T) {
	m, _ := newTestManager(t, 1000)

	first, err := m.Register("orders", "items", &flattened{bytes: 10})
	require.NoError(t, err)
	second, err := m.Register("orders", "items", &flattened{bytes: 10})
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	newestID, _, _ := m.Newest("orders", "items")
	assert.Equal(t, second, newestID)
}

func TestRegister_SizeFailure(t *testing.T) {
	m, _ := newTestManager(t, 1000)

	_, err := m.Register("orders", "items", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSizeUnavailable))

	_, _, ok := m.Newest("orders", "items")
	assert.False(t, ok)
}

func TestGetOrFlatten_ComputesOnce(t *testing.T) {
	m, _ := newTestManager(t, 1000)
	ctx := context.Background()
	var calls atomic.Int32

	id, value, err := m.GetOrFlatten(ctx, "orders", "items", flattenWith(100, &calls))
	require.NoError(t, err)
	assert.Equal(t, Key{Table: "orders", Field: "items"}, value.key)

	again, same, err := m.GetOrFlatten(ctx, "orders", "items", flattenWith(100, &calls))
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Same(t, value, same)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrFlatten_ConcurrentCallersShare(t *testing.T) {
	m, _ := newTestManager(t, 1000)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(_ context.Context, key Key) (*flattened, error) {
		calls.Add(1)
		<-release
		return &flattened{key: key, bytes: 100}, nil
	}

	const callers = 8
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := m.GetOrFlatten(ctx, "orders", "items", fn)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestGetOrFlatten_Error(t *testing.T) {
	m, _ := newTestManager(t, 1000)
	boom := stderrors.New("boom")

	_, _, err := m.GetOrFlatten(context.Background(), "orders", "items",
		func(context.Context, Key) (*flattened, error) { return nil, boom })
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))

	_, _, ok := m.Newest("orders", "items")
	assert.False(t, ok)
}

func TestGetOrFlatten_FlagsNewest(t *testing.T) {
	m, clock := newTestManager(t, 50)
	var calls atomic.Int32

	// Larger than the budget: only the flag keeps it readable
	id, _, err := m.GetOrFlatten(context.Background(), "orders", "items", flattenWith(100, &calls))
	require.NoError(t, err)

	_, ok := m.Get(id, "orders", "items")
	assert.True(t, ok)

	clock.Advance(testFlagWindow)
	m.Consolidate()
	_, ok = m.Get(id, "orders", "items")
	assert.False(t, ok)
}

func TestRefresh_SupersededVersionStaysFlagged(t *testing.T) {
	m, clock := newTestManager(t, 150)
	ctx := context.Background()
	var calls atomic.Int32

	oldID, _, err := m.GetOrFlatten(ctx, "orders", "items", flattenWith(100, &calls))
	require.NoError(t, err)
	newID, _, err := m.Refresh(ctx, "orders", "items", flattenWith(100, &calls))
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)
	assert.Equal(t, int32(2), calls.Load())

	newestID, _, _ := m.Newest("orders", "items")
	assert.Equal(t, newID, newestID)

	// Both are flagged, so both are readable even though only one fits
	_, ok := m.Get(oldID, "orders", "items")
	assert.True(t, ok)
	for i := 0; i < 2; i++ {
		_, ok = m.Get(newID, "orders", "items")
		assert.True(t, ok)
	}

	clock.Advance(testFlagWindow + time.Second)
	m.Consolidate()

	_, ok = m.Get(oldID, "orders", "items")
	assert.False(t, ok, "superseded version should be forgotten once its flag expires")
	_, ok = m.Get(newID, "orders", "items")
	assert.True(t, ok)
	assert.Equal(t, 1, m.Size())
	assert.Equal(t, int64(100), m.MemoryUsage())
}

func TestRemoveTable(t *testing.T) {
	m, clock := newTestManager(t, 1000)

	_, err := m.Register("orders", "items", &flattened{bytes: 10})
	require.NoError(t, err)
	_, err = m.Register("orders", "payments", &flattened{bytes: 10})
	require.NoError(t, err)
	_, err = m.Register("users", "addresses", &flattened{bytes: 10})
	require.NoError(t, err)

	assert.Equal(t, 2, m.RemoveTable("orders"))

	_, _, ok := m.Newest("orders", "items")
	assert.False(t, ok)
	_, _, ok = m.Newest("orders", "payments")
	assert.False(t, ok)
	_, _, ok = m.Newest("users", "addresses")
	assert.True(t, ok)

	_, err = m.Register("orders", "items", &flattened{bytes: 10})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTableRemoved))
	assert.True(t, errors.IsInvalid(err))

	var calls atomic.Int32
	_, _, err = m.GetOrFlatten(context.Background(), "orders", "items", flattenWith(10, &calls))
	assert.True(t, errors.Is(err, errors.ErrTableRemoved))
	_, _, err = m.Refresh(context.Background(), "orders", "items", flattenWith(10, &calls))
	assert.True(t, errors.Is(err, errors.ErrTableRemoved))
	assert.Equal(t, int32(0), calls.Load())

	// The tombstone expires after the configured TTL
	clock.Advance(time.Minute)
	_, err = m.Register("orders", "items", &flattened{bytes: 10})
	assert.NoError(t, err)
}

func TestGetOrFlatten_TableRemovedDuringRecompute(t *testing.T) {
	m, _ := newTestManager(t, 1000)

	_, _, err := m.GetOrFlatten(context.Background(), "orders", "items",
		func(_ context.Context, key Key) (*flattened, error) {
			m.RemoveTable(key.Table)
			return &flattened{key: key, bytes: 10}, nil
		})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTableRemoved))

	_, _, ok := m.Newest("orders", "items")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Size())
}

func TestAttach(t *testing.T) {
	m, _ := newTestManager(t, 1000)
	bus := tableevents.NewBus()
	ctx := context.Background()
	require.NoError(t, m.Attach(ctx, bus))

	_, err := m.Register("orders", "items", &flattened{bytes: 10})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, tableevents.NewEvent(tableevents.TableRemoved, "orders")))
	_, _, ok := m.Newest("orders", "items")
	assert.False(t, ok)
	_, err = m.Register("orders", "items", &flattened{bytes: 10})
	assert.True(t, errors.Is(err, errors.ErrTableRemoved))

	require.NoError(t, bus.Publish(ctx, tableevents.NewEvent(tableevents.TableLoaded, "orders")))
	_, err = m.Register("orders", "items", &flattened{bytes: 10})
	assert.NoError(t, err)
}

func TestMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m, _ := newTestManager(t, 1000, WithMetrics(registry))
	var calls atomic.Int32

	_, _, err := m.GetOrFlatten(context.Background(), "orders", "items", flattenWith(10, &calls))
	require.NoError(t, err)
	m.RemoveTable("orders")

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := make(map[string]bool)
	for _, mf := range families {
		for _, sample := range mf.Metric {
			for _, label := range sample.Label {
				if label.GetName() != "component" {
					continue
				}
				found[mf.GetName()+"/"+label.GetValue()] = true
				switch mf.GetName() {
				case "querycache_derived_recompute_duration_seconds":
					assert.Equal(t, uint64(1), sample.GetHistogram().GetSampleCount())
				case "querycache_cache_keys_forgotten_total":
					assert.Equal(t, float64(1), sample.GetCounter().GetValue())
				}
			}
		}
	}

	assert.True(t, found["querycache_derived_recompute_duration_seconds/flatten"])
	assert.True(t, found["querycache_cache_keys_forgotten_total/flatten"])
	assert.True(t, found["querycache_cache_offers_total/flatten_versions"])
	assert.True(t, found["querycache_cache_offers_total/flatten_tombstones"])
}

func TestRemoveTable_WaitsForRegistrationInProgress(t *testing.T) {
	var (
		m       *Manager[*flattened]
		armed   atomic.Bool
		removed = make(chan int, 1)
	)
	// The size function runs inside the registration, after its tombstone
	// check. A removal started there must not be overtaken by the write.
	sizeFn := func(f *flattened) (int64, error) {
		if armed.CompareAndSwap(true, false) {
			started := make(chan struct{})
			go func() {
				close(started)
				removed <- m.RemoveTable("orders")
			}()
			<-started
			time.Sleep(20 * time.Millisecond)
		}
		return sizeOf(f)
	}

	clock := cache.NewManualClock(testEpoch)
	var err error
	m, err = New[*flattened](testConfig(1000), sizeFn, WithClock(clock))
	require.NoError(t, err)

	armed.Store(true)
	_, err = m.Register("orders", "items", &flattened{bytes: 10})
	require.NoError(t, err)

	assert.Equal(t, 1, <-removed)
	_, _, ok := m.Newest("orders", "items")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Size())
}

func TestRemoveTable_ConcurrentRegistrationsStayForgotten(t *testing.T) {
	for round := 0; round < 20; round++ {
		m, _ := newTestManager(t, 1<<20)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				<-start
				for i := 0; i < 50; i++ {
					_, _ = m.Register("orders", fmt.Sprintf("f%d", g), &flattened{bytes: 10})
				}
			}(g)
		}
		close(start)
		m.RemoveTable("orders")
		wg.Wait()

		for g := 0; g < 4; g++ {
			_, _, ok := m.Newest("orders", fmt.Sprintf("f%d", g))
			assert.False(t, ok, "round %d field f%d", round, g)
		}
		m.Consolidate()
		assert.Equal(t, 0, m.Size(), "round %d", round)
	}
}
