// Package pricing is the Pricing Registry and Cost Estimator: a table
// of per-model prices pre-loaded at construction, to which hosts may add
// or override entries at runtime with Register, plus the dollar-cost
// math every other subsystem (Ledger,
// Breaker, User Budget Manager, Model Router) calls into.
package pricing

import (
	"sync"

	"github.com/christireid/Token-shield-sub001/sherrors"
)

// ModelPrice is the ModelPricing entity from the data model: provider,
// per-million-token input/output prices, an optional cached-input
// discount, the model's context window, and a coarse pricing tier that
// orders ListModelsByTier.
type ModelPrice struct {
	Provider         string
	Model            string
	InputPer1M       float64
	OutputPer1M      float64
	CachedInputPer1M float64 // 0 means no documented prefix-cache discount
	ContextWindow    int
	Tier             int // lower is cheaper; ListModelsByTier orders by it
	Free             bool
}

// Registry is the in-process pricing table.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]ModelPrice
}

// NewRegistry returns a Registry pre-loaded with a representative set
// of current-generation model prices, the same shape as the grounding
// teacher's hardcoded defaultPricing() table.
func NewRegistry() *Registry {
	r := &Registry{prices: make(map[string]ModelPrice)}
	for _, p := range defaultPricing() {
		r.prices[p.Model] = p
	}
	return r
}

func defaultPricing() []ModelPrice {
	return []ModelPrice{
		{Provider: "openai", Model: "gpt-4o", InputPer1M: 2.50, OutputPer1M: 10.00, CachedInputPer1M: 1.25, ContextWindow: 128_000, Tier: 3},
		{Provider: "openai", Model: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.60, CachedInputPer1M: 0.075, ContextWindow: 128_000, Tier: 1},
		{Provider: "openai", Model: "gpt-4-turbo", InputPer1M: 10.00, OutputPer1M: 30.00, ContextWindow: 128_000, Tier: 4},
		{Provider: "openai", Model: "o1", InputPer1M: 15.00, OutputPer1M: 60.00, ContextWindow: 200_000, Tier: 5},
		{Provider: "openai", Model: "o1-mini", InputPer1M: 3.00, OutputPer1M: 12.00, ContextWindow: 128_000, Tier: 2},
		{Provider: "anthropic", Model: "claude-3-opus", InputPer1M: 15.00, OutputPer1M: 75.00, ContextWindow: 200_000, Tier: 5},
		{Provider: "anthropic", Model: "claude-3-sonnet", InputPer1M: 3.00, OutputPer1M: 15.00, CachedInputPer1M: 0.30, ContextWindow: 200_000, Tier: 3},
		{Provider: "anthropic", Model: "claude-3-haiku", InputPer1M: 0.25, OutputPer1M: 1.25, CachedInputPer1M: 0.03, ContextWindow: 200_000, Tier: 1},
		{Provider: "anthropic", Model: "claude-3.5-sonnet", InputPer1M: 3.00, OutputPer1M: 15.00, CachedInputPer1M: 0.30, ContextWindow: 200_000, Tier: 3},
		{Provider: "google", Model: "gemini-1.5-pro", InputPer1M: 1.25, OutputPer1M: 5.00, ContextWindow: 2_000_000, Tier: 3},
		{Provider: "google", Model: "gemini-1.5-flash", InputPer1M: 0.075, OutputPer1M: 0.30, ContextWindow: 1_000_000, Tier: 1},
		{Provider: "google", Model: "gemini-2.0-flash", InputPer1M: 0.10, OutputPer1M: 0.40, ContextWindow: 1_000_000, Tier: 2},
		{Provider: "groq", Model: "llama-3.1-70b", Free: true, ContextWindow: 131_072, Tier: 1},
		{Provider: "groq", Model: "mixtral-8x7b", Free: true, ContextWindow: 32_768, Tier: 1},
	}
}

// Register adds or overrides a model's pricing entry.
func (r *Registry) Register(p ModelPrice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[p.Model] = p
}

// Get looks up a model's pricing entry.
func (r *Registry) Get(model string) (ModelPrice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prices[model]
	return p, ok
}

// ListModelsByTier returns every registered model's pricing, ordered by
// tier then model name, cheapest tier first.
func (r *Registry) ListModelsByTier() []ModelPrice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelPrice, 0, len(r.prices))
	for _, p := range r.prices {
		out = append(out, p)
	}
	// simple insertion sort by (Tier, Model): registries are small
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func less(a, b ModelPrice) bool {
	if a.Tier != b.Tier {
		return a.Tier < b.Tier
	}
	return a.Model < b.Model
}

// Calculate returns the exact dollar cost of a completed request, or an
// UnknownModelError if the model was never registered.
func (r *Registry) Calculate(model string, inputTokens, outputTokens int) (float64, error) {
	p, ok := r.Get(model)
	if !ok {
		return 0, sherrors.NewUnknownModelError(model)
	}
	if p.Free {
		return 0, nil
	}
	cost := float64(inputTokens)/1_000_000*p.InputPer1M + float64(outputTokens)/1_000_000*p.OutputPer1M
	return cost, nil
}

// SafeCost is Calculate's fallback form: on an unknown model it returns
// 0 instead of an error, per §7's "Cost estimator offers a safeCost
// fallback returning 0". Callers are expected to emit a storage:error-
// style warning themselves when ok is false.
func (r *Registry) SafeCost(model string, inputTokens, outputTokens int) (cost float64, ok bool) {
	cost, err := r.Calculate(model, inputTokens, outputTokens)
	if err != nil {
		return 0, false
	}
	return cost, true
}

// CachedInputDiscountFraction returns the fraction (0..1) of the input
// price a prefix-cache hit discounts, used by the Prefix Optimizer to
// estimate savings. 0 if the model has no documented discount.
func (r *Registry) CachedInputDiscountFraction(model string) float64 {
	p, ok := r.Get(model)
	if !ok || p.InputPer1M == 0 || p.CachedInputPer1M == 0 {
		return 0
	}
	return 1 - p.CachedInputPer1M/p.InputPer1M
}

// InputPricePer1M returns the registered input price, or 0 if unknown.
func (r *Registry) InputPricePer1M(model string) float64 {
	p, ok := r.Get(model)
	if !ok {
		return 0
	}
	return p.InputPer1M
}
