package guard_test

import (
	"testing"
	"time"

	"github.com/christireid/Token-shield-sub001/guard"
	"github.com/christireid/Token-shield-sub001/pricing"
	"github.com/christireid/Token-shield-sub001/tokencount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard(cfg guard.Config) *guard.Guard {
	return guard.New(cfg, tokencount.New(), pricing.NewRegistry())
}

func TestMinInputLength(t *testing.T) {
	cfg := guard.DefaultConfig()
	cfg.MinInputLength = 10
	g := newGuard(cfg)

	res := g.Check("short", "gpt-4o-mini", 100)
	require.False(t, res.Allowed)
	assert.Equal(t, "min_input_length", res.Reason)
}

func TestDebounceRejectsIdenticalPromptWithinWindow(t *testing.T) {
	cfg := guard.DefaultConfig()
	cfg.DebounceMs = 1000
	cfg.DeduplicateWindowMs = 0
	g := newGuard(cfg)

	first := g.Check("identical prompt text here", "gpt-4o-mini", 10)
	require.True(t, first.Allowed)

	second := g.Check("identical prompt text here", "gpt-4o-mini", 10)
	assert.False(t, second.Allowed)
	assert.Equal(t, "debounce", second.Reason)
}

func TestRollingRateLimit(t *testing.T) {
	cfg := guard.DefaultConfig()
	cfg.DebounceMs = 0
	cfg.DeduplicateWindowMs = 0
	cfg.MaxRequestsPerMinute = 2
	g := newGuard(cfg)

	for i := 0; i < 2; i++ {
		res := g.Check("prompt number", "gpt-4o-mini", 10)
		require.True(t, res.Allowed)
		g.StartRequest("prompt number")
	}

	res := g.Check("prompt number", "gpt-4o-mini", 10)
	assert.False(t, res.Allowed)
	assert.Equal(t, "rate_limit", res.Reason)
}

func TestRollingCostLimit(t *testing.T) {
	cfg := guard.DefaultConfig()
	cfg.DebounceMs = 0
	cfg.DeduplicateWindowMs = 0
	cfg.MaxRequestsPerMinute = 0
	cfg.MaxCostPerHour = 0.01
	g := newGuard(cfg)

	g.CompleteRequest("p", 1000, 1000, "gpt-4o", 0.02)

	res := g.Check("another prompt", "gpt-4o-mini", 10)
	assert.False(t, res.Allowed)
	assert.Equal(t, "cost_limit", res.Reason)
}

func TestDedupWindowBlocksInFlightIdenticalPrompt(t *testing.T) {
	cfg := guard.DefaultConfig()
	cfg.DebounceMs = 0
	cfg.DeduplicateWindowMs = int(time.Minute / time.Millisecond)
	g := newGuard(cfg)

	g.StartRequest("dup prompt")
	res := g.Check("dup prompt", "gpt-4o-mini", 10)
	assert.False(t, res.Allowed)
	assert.Equal(t, "dedup_in_flight", res.Reason)
}
