// Package guard is the Request Guard: debounce, dedup, and rolling
// rate/cost gating evaluated before any other pipeline stage.
//
// Grounded in Sergey-Bar-Alfred's middleware.RateLimiter (per-key
// sliding window, append-and-prune, in-process map-of-slices) and
// andreimerfu-pllm's ratelimit.InMemoryLimiter, generalized from an
// HTTP middleware into the spec's six ordered rules.
package guard

import (
	"sync"
	"time"

	"github.com/christireid/Token-shield-sub001/pricing"
	"github.com/christireid/Token-shield-sub001/textnorm"
	"github.com/christireid/Token-shield-sub001/tokencount"
)

// Config mirrors the spec's `guard.*` configuration options.
type Config struct {
	DebounceMs           int
	MaxRequestsPerMinute int
	MaxCostPerHour       float64
	DeduplicateWindowMs  int
	MinInputLength       int
	MaxInputTokens       int // 0 = unlimited
}

func DefaultConfig() Config {
	return Config{
		DebounceMs:           500,
		MaxRequestsPerMinute: 60,
		MaxCostPerHour:       5.00,
		DeduplicateWindowMs:  2000,
		MinInputLength:       1,
		MaxInputTokens:       0,
	}
}

// CheckResult is the `check()` contract.
type CheckResult struct {
	Allowed       bool
	Reason        string // offending rule name when !Allowed
	EstimatedCost float64
	// CostUnknown is true when model isn't in the Pricing Registry, so
	// EstimatedCost is a zero-value fallback rather than a real quote.
	// Guard has no eventbus access, so it surfaces this structurally for
	// the caller (shield.Engine) to emit storage:error/UnknownModelError.
	CostUnknown bool
}

type spendSample struct {
	at   time.Time
	cost float64
}

// Guard is the Request Guard. State is process-local; every window is
// an append-and-prune slice under a single mutex, matching the spec's
// single-writer concurrency model.
type Guard struct {
	mu sync.Mutex
	cfg     Config
	counter *tokencount.Counter
	pricer  *pricing.Registry

	lastSeen    map[string]time.Time // fingerprint -> last check time (debounce)
	inFlightAt  map[string]time.Time // fingerprint -> start time (dedup: in flight)
	completedAt map[string]time.Time // fingerprint -> completion time (dedup: recently completed)

	requestTimes   []time.Time    // sliding 60s window for rate limit
	completedSpend []spendSample  // sliding 60m window for cost limit
}

func New(cfg Config, counter *tokencount.Counter, pricer *pricing.Registry) *Guard {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Guard{
		cfg:         cfg,
		counter:     counter,
		pricer:      pricer,
		lastSeen:    make(map[string]time.Time),
		inFlightAt:  make(map[string]time.Time),
		completedAt: make(map[string]time.Time),
	}
}

// Check evaluates the six rules in order; the first failure wins.
func (g *Guard) Check(prompt, model string, expectedOutputTokens int) CheckResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	fp := textnorm.Fingerprint(prompt)

	if len(prompt) < g.cfg.MinInputLength {
		return CheckResult{Allowed: false, Reason: "min_input_length"}
	}

	inputTokens := g.counter.CountText(prompt)
	if g.cfg.MaxInputTokens > 0 && inputTokens > g.cfg.MaxInputTokens {
		return CheckResult{Allowed: false, Reason: "max_input_tokens"}
	}

	if last, ok := g.lastSeen[fp]; ok && g.cfg.DebounceMs > 0 {
		if now.Sub(last) < time.Duration(g.cfg.DebounceMs)*time.Millisecond {
			return CheckResult{Allowed: false, Reason: "debounce"}
		}
	}
	g.lastSeen[fp] = now

	if g.cfg.DeduplicateWindowMs > 0 {
		window := time.Duration(g.cfg.DeduplicateWindowMs) * time.Millisecond
		if started, ok := g.inFlightAt[fp]; ok && now.Sub(started) < window {
			return CheckResult{Allowed: false, Reason: "dedup_in_flight"}
		}
		if done, ok := g.completedAt[fp]; ok && now.Sub(done) < window {
			return CheckResult{Allowed: false, Reason: "dedup_recent"}
		}
	}

	g.requestTimes = pruneRequests(g.requestTimes, now)
	if g.cfg.MaxRequestsPerMinute > 0 && len(g.requestTimes) >= g.cfg.MaxRequestsPerMinute {
		return CheckResult{Allowed: false, Reason: "rate_limit"}
	}

	g.completedSpend = pruneSpend(g.completedSpend, now)
	if g.cfg.MaxCostPerHour > 0 {
		spent := sumSpend(g.completedSpend)
		if spent >= g.cfg.MaxCostPerHour {
			return CheckResult{Allowed: false, Reason: "cost_limit"}
		}
	}

	estCost, ok := g.pricer.SafeCost(model, inputTokens, expectedOutputTokens)
	return CheckResult{Allowed: true, EstimatedCost: estCost, CostUnknown: !ok}
}

// StartRequest marks a prompt as in flight and consumes one slot of the
// rolling rate-limit window. Call only after Check allows the request.
func (g *Guard) StartRequest(prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	fp := textnorm.Fingerprint(prompt)
	g.inFlightAt[fp] = now
	g.requestTimes = append(g.requestTimes, now)
}

// CompleteRequest records actual spend against the rolling cost window
// and moves the prompt from in-flight to recently-completed.
func (g *Guard) CompleteRequest(prompt string, inputTokens, outputTokens int, model string, actualCost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	fp := textnorm.Fingerprint(prompt)
	delete(g.inFlightAt, fp)
	g.completedAt[fp] = now
	g.completedSpend = append(g.completedSpend, spendSample{at: now, cost: actualCost})
}

func pruneRequests(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func pruneSpend(samples []spendSample, now time.Time) []spendSample {
	cutoff := now.Add(-time.Hour)
	out := samples[:0]
	for _, s := range samples {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func sumSpend(samples []spendSample) float64 {
	var total float64
	for _, s := range samples {
		total += s.cost
	}
	return total
}
