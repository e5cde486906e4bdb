package pricing_test

import (
	"testing"

	"github.com/christireid/Token-shield-sub001/pricing"
	"github.com/christireid/Token-shield-sub001/sherrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	r := pricing.NewRegistry()

	t.Run("known model", func(t *testing.T) {
		cost, err := r.Calculate("gpt-4o-mini", 1_000_000, 1_000_000)
		require.NoError(t, err)
		assert.InDelta(t, 0.75, cost, 1e-9)
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := r.Calculate("not-a-model", 100, 100)
		require.Error(t, err)
		var se *sherrors.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, sherrors.UnknownModel, se.Kind)
	})

	t.Run("free tier model costs nothing", func(t *testing.T) {
		cost, err := r.Calculate("llama-3.1-70b", 1_000_000, 1_000_000)
		require.NoError(t, err)
		assert.Zero(t, cost)
	})
}

func TestSafeCost(t *testing.T) {
	r := pricing.NewRegistry()
	cost, ok := r.SafeCost("not-a-model", 100, 100)
	assert.False(t, ok)
	assert.Zero(t, cost)
}

func TestListModelsByTierOrdering(t *testing.T) {
	r := pricing.NewRegistry()
	tiers := r.ListModelsByTier()
	for i := 1; i < len(tiers); i++ {
		assert.LessOrEqual(t, tiers[i-1].Tier, tiers[i].Tier)
	}
}

func TestCachedInputDiscountFraction(t *testing.T) {
	r := pricing.NewRegistry()
	assert.Greater(t, r.CachedInputDiscountFraction("gpt-4o"), 0.0)
	assert.Zero(t, r.CachedInputDiscountFraction("gpt-4-turbo"))
	assert.Zero(t, r.CachedInputDiscountFraction("unknown"))
}
