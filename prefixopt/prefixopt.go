// Package prefixopt is the Prefix Optimizer: reorders the message list's
// stable prefix (system block, stable instructions) ahead of the
// volatile user turn to maximize hit rate against the provider's
// server-side prompt cache, and estimates the resulting dollar savings
// from the provider's documented cached-input discount.
//
// Original to this module — no repo in the pack reorders prompts for
// provider-side cache affinity — but the savings math reuses the
// Pricing Registry's CachedInputDiscountFraction, grounded in the
// teacher's CostEngine-style per-model price table
// (metering.CostEngine).
package prefixopt

import "github.com/christireid/Token-shield-sub001/tokencount"

// Config mirrors the spec's `prefix.provider` configuration option.
type Config struct {
	Provider string // "openai" | "anthropic" | "google" | "auto"
}

// Result is the reordered message list plus the estimated savings.
type Result struct {
	Messages     []tokencount.ChatMessage
	SavedDollars float64
}

type Optimizer struct {
	cfg    Config
	pricer pricer
}

// pricer is the subset of *pricing.Registry this package depends on.
type pricer interface {
	CachedInputDiscountFraction(model string) float64
	InputPricePer1M(model string) float64
}

func New(cfg Config, p pricer) *Optimizer {
	return &Optimizer{cfg: cfg, pricer: p}
}

// Optimize stabilizes the prefix: every system message first (in
// original relative order), then non-system/non-final messages (stable
// instructions), then the final message last (the volatile turn).
// Token counts are unchanged — only ordering — per spec §4.7.
func (o *Optimizer) Optimize(messages []tokencount.ChatMessage, modelID string, estInputTokens int) Result {
	if len(messages) == 0 {
		return Result{Messages: messages}
	}

	var systemMsgs, middleMsgs []tokencount.ChatMessage
	last := messages[len(messages)-1]
	for _, m := range messages[:len(messages)-1] {
		if m.Role == "system" {
			systemMsgs = append(systemMsgs, m)
		} else {
			middleMsgs = append(middleMsgs, m)
		}
	}

	reordered := make([]tokencount.ChatMessage, 0, len(messages))
	reordered = append(reordered, systemMsgs...)
	reordered = append(reordered, middleMsgs...)
	reordered = append(reordered, last)

	alreadyStable := sameOrder(messages, reordered)

	discount := o.pricer.CachedInputDiscountFraction(modelID)
	saved := 0.0
	if !alreadyStable && discount > 0 && len(reordered) > 1 {
		// The prefix is every message but the final volatile turn.
		prefixTokenShare := estInputTokens
		if len(reordered) > 0 {
			prefixTokenShare = estInputTokens * (len(reordered) - 1) / len(reordered)
		}
		saved = float64(prefixTokenShare) / 1_000_000 * o.pricer.InputPricePer1M(modelID) * discount
	}

	return Result{Messages: reordered, SavedDollars: saved}
}

func sameOrder(a, b []tokencount.ChatMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
