package modelrouter_test

import (
	"strings"
	"testing"

	"github.com/christireid/Token-shield-sub001/modelrouter"
	"github.com/christireid/Token-shield-sub001/pricing"
	"github.com/christireid/Token-shield-sub001/tokencount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteDowngradesSimpleRequest(t *testing.T) {
	pricer := pricing.NewRegistry()
	counter := tokencount.New()
	r := modelrouter.New(modelrouter.Config{
		Tiers: []modelrouter.Tier{
			{ModelID: "gpt-4o-mini", MaxComplexity: 40},
			{ModelID: "gpt-4o", MaxComplexity: 100},
		},
	}, pricer, counter)

	messages := []tokencount.ChatMessage{{Role: "user", Content: "hi there"}}
	res := r.Route(messages, "gpt-4o", 50)

	require.Equal(t, "gpt-4o-mini", res.Model)
	assert.Equal(t, "gpt-4o", res.OriginalModel)
	assert.Greater(t, res.SavedDollars, 0.0)
}

func TestRouteKeepsComplexRequestOnRequestedModel(t *testing.T) {
	pricer := pricing.NewRegistry()
	counter := tokencount.New()
	r := modelrouter.New(modelrouter.Config{
		Tiers: []modelrouter.Tier{
			{ModelID: "gpt-4o-mini", MaxComplexity: 40},
			{ModelID: "gpt-4o", MaxComplexity: 100},
		},
	}, pricer, counter)

	complex := strings.Repeat("func complicated(x int) { ```code``` unique_word_"+"abcdefg ", 200)
	messages := []tokencount.ChatMessage{{Role: "user", Content: complex}}
	res := r.Route(messages, "gpt-4o", 500)

	assert.Equal(t, "gpt-4o", res.Model)
	assert.Zero(t, res.SavedDollars)
}

func TestSavingsNeverNegative(t *testing.T) {
	pricer := pricing.NewRegistry()
	counter := tokencount.New()
	r := modelrouter.New(modelrouter.Config{
		Tiers: []modelrouter.Tier{{ModelID: "gpt-4o", MaxComplexity: 100}},
	}, pricer, counter)

	messages := []tokencount.ChatMessage{{Role: "user", Content: "hi"}}
	res := r.Route(messages, "gpt-4o-mini", 10)
	assert.GreaterOrEqual(t, res.SavedDollars, 0.0)
}
