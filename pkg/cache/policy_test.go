package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlwaysAndNever(t *testing.T) {
	always, never := Always(), Never()
	for i := 0; i < 3; i++ {
		assert.True(t, always())
		assert.False(t, never())
	}
}

func TestEveryN(t *testing.T) {
	policy := EveryN(3)

	var fired []int
	for i := 1; i <= 9; i++ {
		if policy() {
			fired = append(fired, i)
		}
	}
	assert.Equal(t, []int{3, 6, 9}, fired)
}

func TestEveryN_SmallValuesBehaveLikeAlways(t *testing.T) {
	for _, n := range []int{-1, 0, 1} {
		policy := EveryN(n)
		assert.True(t, policy())
		assert.True(t, policy())
	}
}

func TestEveryN_Concurrent(t *testing.T) {
	policy := EveryN(10)

	var (
		mu    sync.Mutex
		fired int
		wg    sync.WaitGroup
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if policy() {
					mu.Lock()
					fired++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, fired)
}

func TestInterval(t *testing.T) {
	clock := NewManualClock(testEpoch)
	policy := Interval(clock, time.Second)

	assert.True(t, policy(), "first call fires")
	assert.False(t, policy())

	clock.Advance(999 * time.Millisecond)
	assert.False(t, policy())

	clock.Advance(time.Millisecond)
	assert.True(t, policy())
	assert.False(t, policy())
}

func TestInterval_NonPositiveBehavesLikeAlways(t *testing.T) {
	policy := Interval(nil, 0)
	assert.True(t, policy())
	assert.True(t, policy())
}

func TestManualClock(t *testing.T) {
	clock := NewManualClock(testEpoch)
	assert.Equal(t, testEpoch, clock.Now())

	clock.Advance(time.Minute)
	assert.Equal(t, testEpoch.Add(time.Minute), clock.Now())

	later := testEpoch.Add(time.Hour)
	clock.Set(later)
	assert.Equal(t, later, clock.Now())
}

func TestSystemClockAdvances(t *testing.T) {
	clock := SystemClock()
	first := clock.Now()
	assert.False(t, clock.Now().Before(first))
}
