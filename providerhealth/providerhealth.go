// Package providerhealth is a supplemented feature: rolling
// latency/error-rate tracking per provider, de-bound from any concrete
// provider SDK (the spec's Non-goals exclude bindings to specific
// provider SDKs) so it works against whatever host-supplied
// DoGenerateFunc/DoStreamFunc the shield wraps.
//
// Grounded in Sergey-Bar-Alfred's provider.HealthPoller in shape only
// (per-provider status with healthy/unhealthy transition detection and
// a status-change callback) — but inverted from an active background
// poller hitting provider endpoints into a passive EWMA updated from
// the outcome of calls the shield already makes, since TokenShield
// never talks to a provider directly.
package providerhealth

import (
	"sync"
	"time"
)

// Status is a provider's derived health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Thresholds control the EWMA-derived status classification.
type Thresholds struct {
	DegradedErrorRate  float64 // e.g. 0.10
	UnhealthyErrorRate float64 // e.g. 0.35
	DegradedLatency    time.Duration
	UnhealthyLatency   time.Duration
}

// DefaultThresholds are reasonable general-purpose defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedErrorRate:  0.10,
		UnhealthyErrorRate: 0.35,
		DegradedLatency:    3 * time.Second,
		UnhealthyLatency:   10 * time.Second,
	}
}

// ewmaAlpha weights how quickly the rolling average reacts to new
// samples; 0.2 roughly corresponds to a window of the last ~10 calls.
const ewmaAlpha = 0.2

type providerState struct {
	errorRate  float64
	latencyEWMA time.Duration
	samples    int
	lastStatus Status
}

// Tracker maintains one EWMA state per provider name.
type Tracker struct {
	mu         sync.Mutex
	thresholds Thresholds
	providers  map[string]*providerState
	onChange   func(provider string, from, to Status)
}

func New(thresholds Thresholds) *Tracker {
	return &Tracker{thresholds: thresholds, providers: make(map[string]*providerState)}
}

// OnTransition registers a callback fired whenever a provider's
// derived status changes.
func (t *Tracker) OnTransition(cb func(provider string, from, to Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = cb
}

// Report folds one call's outcome into provider's rolling state and
// returns the (possibly unchanged) resulting status.
func (t *Tracker) Report(provider string, latency time.Duration, failed bool) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.providers[provider]
	if !ok {
		st = &providerState{lastStatus: StatusHealthy}
		t.providers[provider] = st
	}

	errSample := 0.0
	if failed {
		errSample = 1.0
	}
	if st.samples == 0 {
		st.errorRate = errSample
		st.latencyEWMA = latency
	} else {
		st.errorRate = ewmaAlpha*errSample + (1-ewmaAlpha)*st.errorRate
		st.latencyEWMA = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(st.latencyEWMA))
	}
	st.samples++

	newStatus := classify(st, t.thresholds)
	if newStatus != st.lastStatus {
		old := st.lastStatus
		st.lastStatus = newStatus
		if t.onChange != nil {
			t.onChange(provider, old, newStatus)
		}
	}
	return newStatus
}

func classify(st *providerState, th Thresholds) Status {
	if st.errorRate >= th.UnhealthyErrorRate || st.latencyEWMA >= th.UnhealthyLatency {
		return StatusUnhealthy
	}
	if st.errorRate >= th.DegradedErrorRate || st.latencyEWMA >= th.DegradedLatency {
		return StatusDegraded
	}
	return StatusHealthy
}

// Snapshot is a point-in-time view of one provider's rolling state.
type Snapshot struct {
	Provider   string
	Status     Status
	ErrorRate  float64
	LatencyEWMA time.Duration
	Samples    int
}

// Status returns provider's current snapshot.
func (t *Tracker) Status(provider string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.providers[provider]
	if !ok {
		return Snapshot{Provider: provider, Status: StatusHealthy}
	}
	return Snapshot{Provider: provider, Status: st.lastStatus, ErrorRate: st.errorRate, LatencyEWMA: st.latencyEWMA, Samples: st.samples}
}

// HealthyProviders returns the names of every provider currently
// classified Healthy.
func (t *Tracker) HealthyProviders() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for name, st := range t.providers {
		if st.lastStatus == StatusHealthy {
			out = append(out, name)
		}
	}
	return out
}
