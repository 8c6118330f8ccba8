package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedGetOrCreateOnce(t *testing.T) {
	m := NewSharded[*int64]()
	var created atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := m.GetOrCreate("EURUSD", func() *int64 {
				created.Add(1)
				return new(int64)
			})
			atomic.AddInt64(p, 1)
		}()
	}
	wg.Wait()

	require.Equal(t, int64(1), created.Load())
	p, ok := m.Get("EURUSD")
	require.True(t, ok)
	assert.Equal(t, int64(64), atomic.LoadInt64(p))
}

func TestShardedKeysAndDelete(t *testing.T) {
	m := NewSharded[float64]()
	for i, sym := range []string{"USDJPY", "EURUSD", "GBPUSD"} {
		m.Set(sym, float64(i))
	}
	assert.Equal(t, []string{"EURUSD", "GBPUSD", "USDJPY"}, m.Keys())
	assert.Equal(t, 3, m.Len())

	m.Delete("GBPUSD")
	_, ok := m.Get("GBPUSD")
	assert.False(t, ok)

	seen := 0
	m.Range(func(string, float64) bool { seen++; return true })
	assert.Equal(t, 2, seen)
}

func TestTTLExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewTTL[string](10*time.Second, WithClock(func() time.Time { return now }))

	c.Set("a", "filled")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "filled", v)

	now = now.Add(10 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTTLSetIfAbsent(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewTTL[int](time.Second, WithClock(func() time.Time { return now }))

	_, stored := c.SetIfAbsent("k", 1)
	require.True(t, stored)
	v, stored := c.SetIfAbsent("k", 2)
	require.False(t, stored)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	_, stored = c.SetIfAbsent("k", 3)
	assert.True(t, stored)
}

func TestTTLBoundedSize(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewTTL[int](time.Minute, WithMaxSize(3), WithClock(func() time.Time { return now }))

	for i := 0; i < 5; i++ {
		now = now.Add(time.Millisecond)
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("k0")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("k4")
	assert.True(t, ok)
}

func TestTTLSweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewTTL[int](time.Second, WithClock(func() time.Time { return now }))
	c.Set("a", 1)
	c.Set("b", 2)
	now = now.Add(time.Second)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 0, c.Len())
}
