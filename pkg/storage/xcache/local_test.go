package xcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUTier(t *testing.T) {
	tier := newTestLRU(t, 2, 0)

	tier.Set("a", []byte("1"))
	tier.Set("b", []byte("2"))
	_, _ = tier.Get("a") // a 变为最近使用
	tier.Set("c", []byte("3"))

	_, ok := tier.Get("b")
	assert.False(t, ok, "least recently used entry evicted")
	v, ok := tier.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, 2, tier.Len())

	tier.Delete("a")
	_, ok = tier.Get("a")
	assert.False(t, ok)
}

func TestLRUTier_TTL(t *testing.T) {
	tier := newTestLRU(t, 8, 30*time.Millisecond)
	tier.Set("a", []byte("1"))

	_, ok := tier.Get("a")
	require.True(t, ok)
	time.Sleep(50 * time.Millisecond)
	_, ok = tier.Get("a")
	assert.False(t, ok)
}

func TestLRUTier_InvalidConfig(t *testing.T) {
	_, err := NewLRUTier(0, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewLRUTier(maxLRUSize+1, 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewLRUTier(1, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLRUTier_CloseIdempotent(t *testing.T) {
	tier, err := NewLRUTier(4, time.Minute)
	require.NoError(t, err)
	tier.Set("a", []byte("1"))
	require.NoError(t, tier.Close())
	require.NoError(t, tier.Close())
	assert.Equal(t, 0, tier.Len())
}

func TestLRUTier_Concurrent(t *testing.T) {
	tier := newTestLRU(t, 64, 0)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				key := fmt.Sprintf("k%d", (i*200+j)%100)
				tier.Set(key, []byte(key))
				if v, ok := tier.Get(key); ok {
					assert.Equal(t, key, string(v))
				}
				tier.Delete(key)
			}
		}()
	}
	wg.Wait()
}

func TestMemoryTier(t *testing.T) {
	tier, err := NewMemoryTier(
		WithMemoryNumCounters(1000),
		WithMemoryMaxCost(1), // 低于下限时取 MinMemoryMaxCost
		WithMemoryBufferItems(64),
	)
	require.NoError(t, err)
	defer tier.Close()

	tier.Set("a", []byte("1"))
	v, ok := tier.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	tier.Delete("a")
	_, ok = tier.Get("a")
	assert.False(t, ok)

	s := tier.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.KeysAdded)
}

func TestMemoryTier_TTL(t *testing.T) {
	tier, err := NewMemoryTier(WithMemoryNumCounters(1000), WithMemoryTTL(30*time.Millisecond))
	require.NoError(t, err)
	defer tier.Close()

	tier.Set("a", []byte("1"))
	_, ok := tier.Get("a")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := tier.Get("a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
