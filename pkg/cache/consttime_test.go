package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querycache/errors"
)

const (
	testTTL        = 200 * time.Millisecond
	testFlagWindow = 10 * time.Second
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestConstantTime(t *testing.T) (*ConstantTimeCache[int, string, int], *ManualClock) {
	t.Helper()
	clock := NewManualClock(testEpoch)
	c, err := NewConstantTime[int, string, int](testTTL, WithClock(clock))
	require.NoError(t, err)
	return c, clock
}

func TestNewConstantTime_RequiresPositiveTTL(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
	}{
		{"zero", 0},
		{"negative", -time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConstantTime[int, string, int](tt.ttl)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestConstantTimeCache_ScenarioB(t *testing.T) {
	c, clock := newTestConstantTime(t)

	c.Offer(1, "x", 42)

	clock.Advance(50 * time.Millisecond)
	v, ok := c.Get(1, "x")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	clock.Advance(200 * time.Millisecond)
	_, ok = c.Get(1, "x")
	assert.False(t, ok)
}

func TestConstantTimeCache_ExpiryBoundary(t *testing.T) {
	c, clock := newTestConstantTime(t)

	c.Offer(1, "x", 1)

	clock.Advance(testTTL - time.Nanosecond)
	_, ok := c.Get(1, "x")
	assert.True(t, ok, "present just before ttl elapses")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get(1, "x")
	assert.False(t, ok, "absent once ttl has elapsed")
}

func TestConstantTimeCache_OfferRestartsTTL(t *testing.T) {
	c, clock := newTestConstantTime(t)

	c.Offer(1, "x", 1)
	clock.Advance(150 * time.Millisecond)
	c.Offer(1, "x", 2)
	clock.Advance(150 * time.Millisecond)

	v, ok := c.Get(1, "x")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestConstantTimeCache_GetAll(t *testing.T) {
	c, clock := newTestConstantTime(t)

	c.Offer(1, "a", 1)
	clock.Advance(100 * time.Millisecond)
	c.Offer(1, "b", 2)
	c.Offer(2, "c", 3)

	assert.ElementsMatch(t, []int{1, 2}, c.GetAll(1))
	assert.Equal(t, 3, c.Size())

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, []int{2}, c.GetAll(1))
	assert.Equal(t, 2, c.Size())

	assert.Empty(t, c.GetAll(99))
}

func TestConstantTimeCache_OfferPrunesExpiredSiblings(t *testing.T) {
	c, clock := newTestConstantTime(t)

	c.Offer(1, "old", 1)
	clock.Advance(testTTL)
	c.Offer(1, "new", 2)

	c.mu.RLock()
	_, stillStored := c.items[1]["old"]
	c.mu.RUnlock()
	assert.False(t, stillStored)
}

func TestConstantTimeCache_Remove(t *testing.T) {
	c, _ := newTestConstantTime(t)

	c.Offer(1, "a", 1)
	c.Offer(1, "b", 2)
	c.Offer(2, "c", 3)

	assert.True(t, c.Remove(1, "a"))
	assert.False(t, c.Remove(1, "a"))
	assert.False(t, c.Remove(7, "a"))

	assert.Equal(t, 1, c.RemoveOuter(1))
	assert.Equal(t, 0, c.RemoveOuter(1))
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, int64(2), c.Stats().RemovalCount())

	c.Clear()
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, int64(3), c.Stats().RemovalCount())
}

func TestConstantTimeCache_ClearSkipsExpiredInRemovalCount(t *testing.T) {
	c, clock := newTestConstantTime(t)

	c.Offer(1, "a", 1)
	clock.Advance(testTTL)
	c.Offer(2, "b", 2)

	c.Clear()
	assert.Equal(t, int64(1), c.Stats().RemovalCount())
}

func TestConstantTimeCache_Purge(t *testing.T) {
	c, clock := newTestConstantTime(t)

	c.Offer(1, "a", 1)
	c.Offer(2, "b", 2)
	clock.Advance(testTTL / 2)
	c.Offer(3, "c", 3)
	clock.Advance(testTTL / 2)

	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, 0, c.Purge())
	assert.Equal(t, int64(2), c.Stats().EvictionCount())

	c.mu.RLock()
	_, one := c.items[1]
	_, three := c.items[3]
	c.mu.RUnlock()
	assert.False(t, one, "empty outer keys are dropped")
	assert.True(t, three)
	assert.Equal(t, 1, c.Size())
}

func TestConstantTimeCache_Stats(t *testing.T) {
	c, clock := newTestConstantTime(t)

	c.Offer(1, "a", 1)
	_, _ = c.Get(1, "a")
	_, _ = c.Get(1, "missing")
	clock.Advance(testTTL)
	_, _ = c.Get(1, "a")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Offers())
	assert.Equal(t, int64(1), stats.Hits())
	assert.Equal(t, int64(2), stats.Misses())
	assert.InDelta(t, 1.0/3.0, stats.HitRatio(), 0.0001)
}

func TestConstantTimeCache_Concurrent(t *testing.T) {
	c, clock := newTestConstantTime(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Offer(g, "k", i)
				_, _ = c.Get(g, "k")
				_ = c.GetAll(g)
				if i%50 == 0 {
					clock.Advance(time.Millisecond)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 8)
}
