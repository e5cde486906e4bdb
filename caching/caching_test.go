package caching_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/christireid/Token-shield-sub001/caching"
	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactHit(t *testing.T) {
	c := caching.New(caching.DefaultConfig(), zerolog.Nop(), nil)
	c.Store("What is 2+2?", "4", "gpt-4o-mini", 10, 5)

	lr := c.Lookup("What is 2+2?", "gpt-4o-mini")
	require.True(t, lr.Hit)
	assert.Equal(t, caching.MatchExact, lr.MatchType)
	assert.Equal(t, "4", lr.Entry.ResponseText)
}

func TestMissOnColdCache(t *testing.T) {
	c := caching.New(caching.DefaultConfig(), zerolog.Nop(), nil)
	lr := c.Lookup("never seen before", "gpt-4o-mini")
	assert.False(t, lr.Hit)
}

func TestResolveDeduplicatesConcurrentBuilds(t *testing.T) {
	c := caching.New(caching.DefaultConfig(), zerolog.Nop(), nil)
	var calls int64

	build := func() (string, int, int, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return "4", 10, 5, nil
	}

	const n = 10
	var wg sync.WaitGroup
	texts := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, _, _, _, _, _, err := c.Resolve("X", "gpt-4o-mini", build)
			require.NoError(t, err)
			texts[i] = text
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, text := range texts {
		assert.Equal(t, "4", text)
	}
}

func TestPersistedEntrySurvivesColdCache(t *testing.T) {
	store := persistence.NewMemoryStore()
	c1 := caching.New(caching.DefaultConfig(), zerolog.Nop(), store)
	c1.Store("What is 2+2?", "4", "gpt-4o-mini", 10, 5)

	// c1 serves the entry from memory straight away. Store's write to the
	// durable backstop runs off the hot path, so the fresh, otherwise-cold
	// Cache below polls until that write has landed.
	require.Eventually(t, func() bool {
		lr := c1.Lookup("What is 2+2?", "gpt-4o-mini")
		return lr.Hit
	}, time.Second, time.Millisecond)

	c2 := caching.New(caching.DefaultConfig(), zerolog.Nop(), store)
	require.Eventually(t, func() bool {
		return c2.Lookup("What is 2+2?", "gpt-4o-mini").Hit
	}, time.Second, time.Millisecond)
}

func TestScopeByModelSeparatesEntries(t *testing.T) {
	cfg := caching.DefaultConfig()
	cfg.ScopeByModel = true
	c := caching.New(cfg, zerolog.Nop(), nil)
	c.Store("hello", "from gpt-4o", "gpt-4o", 1, 1)

	lr := c.Lookup("hello", "gpt-4o-mini")
	assert.False(t, lr.Hit)
}
