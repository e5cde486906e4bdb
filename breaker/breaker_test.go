package breaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/christireid/Token-shield-sub001/breaker"
	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSpendWarnsAtEightyPercent(t *testing.T) {
	b := breaker.New(breaker.Config{Windows: []breaker.WindowConfig{
		{Kind: breaker.WindowSession, Ceiling: 10.0},
	}}, nil, nil)

	res := b.RecordSpend(8.5)
	require.Len(t, res.NewlyWarned, 1)
	assert.Equal(t, breaker.WindowSession, res.NewlyWarned[0])
	assert.Empty(t, res.NewlyTripped)

	check := b.Check()
	assert.True(t, check.Allowed)
}

func TestRecordSpendTripsAtCeiling(t *testing.T) {
	b := breaker.New(breaker.Config{Windows: []breaker.WindowConfig{
		{Kind: breaker.WindowSession, Ceiling: 10.0},
	}}, nil, nil)

	b.RecordSpend(9.5)
	res := b.RecordSpend(1.0)
	require.Len(t, res.NewlyTripped, 1)

	check := b.Check()
	assert.False(t, check.Allowed)
	assert.Equal(t, breaker.WindowSession, check.TrippedWindow)
}

func TestResetClearsTrippedState(t *testing.T) {
	b := breaker.New(breaker.Config{Windows: []breaker.WindowConfig{
		{Kind: breaker.WindowSession, Ceiling: 5.0},
	}}, nil, nil)
	b.RecordSpend(6.0)
	require.False(t, b.Check().Allowed)

	b.Reset(breaker.WindowSession)
	assert.True(t, b.Check().Allowed)
}

func TestWindowRolloverResetsSpend(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := breaker.New(breaker.Config{Windows: []breaker.WindowConfig{
		{Kind: breaker.WindowHour, Ceiling: 1.0, Period: time.Hour},
	}}, clock, nil)

	b.RecordSpend(1.0)
	require.False(t, b.Check().Allowed)

	now = now.Add(2 * time.Hour)
	assert.True(t, b.Check().Allowed)
}

func TestWarnOnlyActionNeverBlocks(t *testing.T) {
	b := breaker.New(breaker.Config{
		Action: breaker.ActionWarnOnly,
		Windows: []breaker.WindowConfig{
			{Kind: breaker.WindowSession, Ceiling: 5.0},
		},
	}, nil, nil)

	res := b.RecordSpend(6.0)
	require.Len(t, res.NewlyTripped, 1)

	assert.True(t, b.Check().Allowed)
}

func TestBreakerPersistsAndReloads(t *testing.T) {
	store := persistence.NewMemoryStore()
	cfg := breaker.Config{Windows: []breaker.WindowConfig{
		{Kind: breaker.WindowSession, Ceiling: 10.0},
	}}

	b1 := breaker.New(cfg, nil, store)
	b1.RecordSpend(9.0)

	require.Eventually(t, func() bool {
		_, ok, err := store.Get(context.Background(), "breaker:state")
		return err == nil && ok
	}, time.Second, time.Millisecond)

	b2 := breaker.New(cfg, nil, store)
	status := b2.Status()
	require.Len(t, status, 1)
	assert.InDelta(t, 9.0, status[0].Spend, 1e-9)
	assert.Equal(t, breaker.StateWarn, status[0].State)
}

func TestLayeredWindowsTripIndependently(t *testing.T) {
	b := breaker.New(breaker.Config{Windows: []breaker.WindowConfig{
		{Kind: breaker.WindowSession, Ceiling: 100.0},
		{Kind: breaker.WindowHour, Ceiling: 1.0, Period: time.Hour},
	}}, nil, nil)

	res := b.RecordSpend(1.0)
	assert.Contains(t, res.NewlyTripped, breaker.WindowHour)
	assert.NotContains(t, res.NewlyTripped, breaker.WindowSession)

	check := b.Check()
	assert.False(t, check.Allowed)
	assert.Equal(t, breaker.WindowHour, check.TrippedWindow)
}
