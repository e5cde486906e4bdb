// Package modelrouter is the Model Router: complexity-based
// down-tiering that picks the cheapest model tier that can plausibly
// handle a request.
//
// The complexity scoring and cheapest-alternative search are grounded
// in Sergey-Bar-Alfred's intelligence.ArbitrageEngine (equivalence-
// group cheaper-alternative search with a minimum-savings threshold),
// adapted from "find a cheaper equivalent model" to "pick the cheapest
// tier whose ceiling covers this request's complexity".
package modelrouter

import (
	"strings"
	"unicode"

	"github.com/christireid/Token-shield-sub001/pricing"
	"github.com/christireid/Token-shield-sub001/tokencount"
)

// Tier is one entry in the routing table: a model and the highest
// complexity score it is trusted to handle.
type Tier struct {
	ModelID       string
	MaxComplexity float64
}

// Config mirrors the spec's `router.*` configuration options.
type Config struct {
	Tiers               []Tier
	ComplexityThreshold float64
}

// RouteResult is the `route()` contract.
type RouteResult struct {
	Model         string
	OriginalModel string
	SavedDollars  float64
}

// Router computes a complexity score per request and selects the
// cheapest tier able to handle it.
type Router struct {
	cfg     Config
	pricer  *pricing.Registry
	counter *tokencount.Counter
}

func New(cfg Config, pricer *pricing.Registry, counter *tokencount.Counter) *Router {
	return &Router{cfg: cfg, pricer: pricer, counter: counter}
}

// Route scores messages' complexity in [0,100] and returns the cheapest
// tier whose MaxComplexity covers the score and whose price is no
// higher than requestedModel's, clamping savings at 0.
func (r *Router) Route(messages []tokencount.ChatMessage, requestedModel string, estOutputTokens int) RouteResult {
	score := complexityScore(messages)

	requestedPrice, hasRequested := r.pricer.Get(requestedModel)
	best := requestedModel
	var bestPrice pricing.ModelPrice
	haveBest := false
	if hasRequested {
		bestPrice = requestedPrice
		haveBest = true
	}

	for _, tier := range r.cfg.Tiers {
		if tier.MaxComplexity < score {
			continue
		}
		p, ok := r.pricer.Get(tier.ModelID)
		if !ok {
			continue
		}
		if hasRequested && totalPrice(p) > totalPrice(requestedPrice) {
			continue
		}
		if !haveBest || totalPrice(p) < totalPrice(bestPrice) {
			best = tier.ModelID
			bestPrice = p
			haveBest = true
		}
	}

	estInputTokens := r.counter.CountMessages(messages)
	saved := 0.0
	if hasRequested && haveBest && best != requestedModel {
		origCost, _ := r.pricer.Calculate(requestedModel, estInputTokens, estOutputTokens)
		newCost, _ := r.pricer.Calculate(best, estInputTokens, estOutputTokens)
		saved = origCost - newCost
		if saved < 0 {
			saved = 0
		}
	}

	return RouteResult{Model: best, OriginalModel: requestedModel, SavedDollars: saved}
}

func totalPrice(p pricing.ModelPrice) float64 {
	return p.InputPer1M + p.OutputPer1M
}

// complexityScore derives a [0,100] score from message length,
// vocabulary diversity, and the presence of code or structured-data
// markers — the three signals the spec names.
func complexityScore(messages []tokencount.ChatMessage) float64 {
	var allText strings.Builder
	for _, m := range messages {
		allText.WriteString(m.Content)
		allText.WriteString(" ")
	}
	text := allText.String()
	if len(text) == 0 {
		return 0
	}

	lengthScore := clamp(float64(len(text))/20.0, 0, 40) // longer prompts skew harder, cap 40

	words := strings.Fields(strings.ToLower(text))
	uniq := make(map[string]struct{}, len(words))
	for _, w := range words {
		uniq[w] = struct{}{}
	}
	diversity := 0.0
	if len(words) > 0 {
		diversity = float64(len(uniq)) / float64(len(words))
	}
	diversityScore := clamp(diversity*30, 0, 30)

	markerScore := 0.0
	if strings.Contains(text, "```") || strings.Contains(text, "{") || strings.Contains(text, "def ") || strings.Contains(text, "func ") || strings.Contains(text, "class ") {
		markerScore = 30
	} else if hasDigitHeavyContent(text) {
		markerScore = 15
	}

	return clamp(lengthScore+diversityScore+markerScore, 0, 100)
}

func hasDigitHeavyContent(s string) bool {
	digits, total := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			total++
			if unicode.IsDigit(r) {
				digits++
			}
		}
	}
	return total > 0 && float64(digits)/float64(total) > 0.15
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
