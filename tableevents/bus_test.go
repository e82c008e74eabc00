package tableevents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querycache/metric"
)

func TestBus_PublishDeliversInOrder(t *testing.T) {
	bus := NewBus(WithSource("node-1"))
	ctx := context.Background()

	var order []string
	require.NoError(t, bus.Subscribe(ctx, func(_ context.Context, e Event) { order = append(order, "first:"+e.Table) }))
	require.NoError(t, bus.Subscribe(ctx, func(_ context.Context, e Event) {
		order = append(order, "second:"+e.Table)
		assert.Equal(t, "node-1", e.Source)
	}))

	require.NoError(t, bus.Publish(ctx, NewEvent(TableRemoved, "orders")))
	assert.Equal(t, []string{"first:orders", "second:orders"}, order)
}

func TestBus_PublishRejectsInvalidEvent(t *testing.T) {
	bus := NewBus()
	delivered := false
	require.NoError(t, bus.Subscribe(context.Background(), func(context.Context, Event) { delivered = true }))

	err := bus.Publish(context.Background(), Event{Type: TableRemoved})
	assert.Error(t, err)
	assert.False(t, delivered)
}

func TestBus_SubscribeCancelledContext(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, bus.Subscribe(ctx, func(context.Context, Event) {}))
}

func TestBus_ConcurrentPublish(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	bus := NewBus(WithMetrics(registry))
	ctx := context.Background()

	var (
		mu    sync.Mutex
		count int
	)
	require.NoError(t, bus.Subscribe(ctx, func(context.Context, Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = bus.Publish(ctx, NewEvent(TableLoaded, "t"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, count)
}

func TestBus_CancelledSubscriptionStopsDelivery(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var cancelled, kept int
	require.NoError(t, bus.Subscribe(ctx, func(context.Context, Event) {
		mu.Lock()
		cancelled++
		mu.Unlock()
	}))
	require.NoError(t, bus.Subscribe(context.Background(), func(context.Context, Event) {
		mu.Lock()
		kept++
		mu.Unlock()
	}))

	require.NoError(t, bus.Publish(context.Background(), NewEvent(TableLoaded, "orders")))
	cancel()
	assert.Eventually(t, func() bool { return bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), NewEvent(TableRemoved, "orders")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 2, kept)
}
