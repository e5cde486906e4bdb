// Package breaker is the layered Circuit Breaker (spec §4.10): unlike
// a classic failure-count breaker, each window (session/hour/day/month)
// trips on accumulated *spend* crossing a configured ceiling, passing
// through a WARN state at 80% first.
//
// Generalized from andreimerfu-pllm's pkg/circuitbreaker.SimpleBreaker
// — same RWMutex-guarded state-plus-threshold shape and the same
// Manager-of-breakers pattern (there, one breaker per model; here, one
// window tracker per spend ceiling) — adapted from a single open/closed
// failure counter to several independently-windowed spend accumulators
// sharing one WARN/TRIPPED state machine.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/christireid/Token-shield-sub001/persistence"
)

// State is a window's position in the CLOSED -> WARN -> TRIPPED
// progression.
type State string

const (
	StateClosed  State = "closed"
	StateWarn    State = "warn"
	StateTripped State = "tripped"
)

// warnThreshold is the fraction of a window's ceiling that transitions
// it from CLOSED to WARN, per spec §4.10.
const warnThreshold = 0.80

// persistKey is the single `breaker:state` key spec §6's persisted
// state layout names — one snapshot covering every configured window.
const persistKey = "breaker:state"

// Action selects what a TRIPPED window does to Check: block the
// request, or only ever warn and let it through.
type Action string

const (
	ActionBlock    Action = "block"
	ActionWarnOnly Action = "warn_only"
)

// WindowKind names one of the four layered windows.
type WindowKind string

const (
	WindowSession WindowKind = "session"
	WindowHour    WindowKind = "hour"
	WindowDay     WindowKind = "day"
	WindowMonth   WindowKind = "month"
)

// WindowConfig is one window's spend ceiling. Ceiling <= 0 disables the
// window.
type WindowConfig struct {
	Kind    WindowKind
	Ceiling float64
	Period  time.Duration // rollover period; session has no rollover (Period == 0)
}

// Config is the full layered configuration.
type Config struct {
	Windows []WindowConfig
	Action  Action // default ActionBlock
}

type windowState struct {
	cfg       WindowConfig
	spend     float64
	state     State
	windowEnd time.Time // zero for session (never rolls over)
}

// CheckResult is the `check()` contract.
type CheckResult struct {
	Allowed       bool
	TrippedWindow WindowKind
}

// Breaker tracks every configured window's accumulated spend and
// derives CLOSED/WARN/TRIPPED per window.
type Breaker struct {
	mu      sync.Mutex
	windows map[WindowKind]*windowState
	now     func() time.Time
	action  Action
	store   persistence.Store
}

// New constructs a Breaker from cfg. now is injectable for tests; nil
// means time.Now. store, if non-nil, is loaded from at construction
// and written to on every spend/reset — the `breaker:state` entry in
// spec §6's persisted state layout.
func New(cfg Config, now func() time.Time, store persistence.Store) *Breaker {
	if now == nil {
		now = time.Now
	}
	action := cfg.Action
	if action == "" {
		action = ActionBlock
	}
	b := &Breaker{windows: make(map[WindowKind]*windowState), now: now, action: action, store: store}
	t := now()
	for _, w := range cfg.Windows {
		ws := &windowState{cfg: w, state: StateClosed}
		if w.Period > 0 {
			ws.windowEnd = t.Add(w.Period)
		}
		b.windows[w.Kind] = ws
	}
	b.loadState()
	return b
}

// persistedWindow is one window's durable snapshot.
type persistedWindow struct {
	Kind      WindowKind `json:"kind"`
	Spend     float64    `json:"spend"`
	State     State      `json:"state"`
	WindowEnd time.Time  `json:"windowEnd"`
}

func (b *Breaker) loadState() {
	if b.store == nil {
		return
	}
	raw, ok, err := b.store.Get(context.Background(), persistKey)
	if err != nil || !ok {
		return
	}
	var saved []persistedWindow
	if err := json.Unmarshal(raw, &saved); err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sw := range saved {
		ws, ok := b.windows[sw.Kind]
		if !ok {
			continue
		}
		ws.spend = sw.Spend
		ws.state = sw.State
		if !sw.WindowEnd.IsZero() {
			ws.windowEnd = sw.WindowEnd
		}
	}
}

// persistStateLocked writes the current window snapshot, non-blocking.
// Caller must hold b.mu; the write itself runs in a goroutine off of a
// value copy so it never contends with the lock it was taken under.
func (b *Breaker) persistStateLocked() {
	if b.store == nil {
		return
	}
	saved := make([]persistedWindow, 0, len(b.windows))
	for k, ws := range b.windows {
		saved = append(saved, persistedWindow{Kind: k, Spend: ws.spend, State: ws.state, WindowEnd: ws.windowEnd})
	}
	store := b.store
	go func() {
		raw, err := json.Marshal(saved)
		if err != nil {
			return
		}
		_ = store.Set(context.Background(), persistKey, raw)
	}()
}

// Check reports whether a new request is allowed. In ActionBlock (the
// default), any TRIPPED window denies the request. In ActionWarnOnly,
// a TRIPPED window never blocks — RecordSpend already reported the
// warning/tripped transition for the host to act on however it likes.
func (b *Breaker) Check() CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	if b.action == ActionWarnOnly {
		return CheckResult{Allowed: true}
	}
	for kind, ws := range b.windows {
		if ws.state == StateTripped {
			return CheckResult{Allowed: false, TrippedWindow: kind}
		}
	}
	return CheckResult{Allowed: true}
}

// RecordSpendResult reports, per window, whether this spend caused a
// WARN or TRIPPED transition, so the caller (the shield engine) can
// emit `breaker:warning` / `breaker:tripped`.
type RecordSpendResult struct {
	NewlyWarned  []WindowKind
	NewlyTripped []WindowKind
}

// RecordSpend folds cost into every configured window and returns any
// state transitions it caused.
func (b *Breaker) RecordSpend(cost float64) RecordSpendResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()

	var res RecordSpendResult
	for kind, ws := range b.windows {
		if ws.cfg.Ceiling <= 0 {
			continue
		}
		before := ws.state
		ws.spend += cost
		ws.state = deriveState(ws.spend, ws.cfg.Ceiling)
		if before != StateWarn && ws.state == StateWarn {
			res.NewlyWarned = append(res.NewlyWarned, kind)
		}
		if before != StateTripped && ws.state == StateTripped {
			res.NewlyTripped = append(res.NewlyTripped, kind)
		}
	}
	b.persistStateLocked()
	return res
}

func deriveState(spend, ceiling float64) State {
	ratio := spend / ceiling
	switch {
	case ratio >= 1.0:
		return StateTripped
	case ratio >= warnThreshold:
		return StateWarn
	default:
		return StateClosed
	}
}

// Reset clears a specific window back to CLOSED with zero spend.
func (b *Breaker) Reset(kind WindowKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ws, ok := b.windows[kind]; ok {
		ws.spend = 0
		ws.state = StateClosed
	}
	b.persistStateLocked()
}

// ResetAll clears every window.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ws := range b.windows {
		ws.spend = 0
		ws.state = StateClosed
	}
	b.persistStateLocked()
}

// WindowStatus is a snapshot of one window, for observability.
type WindowStatus struct {
	Kind    WindowKind
	State   State
	Spend   float64
	Ceiling float64
}

// Status returns a snapshot of every configured window.
func (b *Breaker) Status() []WindowStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rolloverLocked()
	out := make([]WindowStatus, 0, len(b.windows))
	for kind, ws := range b.windows {
		out = append(out, WindowStatus{Kind: kind, State: ws.state, Spend: ws.spend, Ceiling: ws.cfg.Ceiling})
	}
	return out
}

// rolloverLocked resets any window whose period has elapsed. Caller
// must hold b.mu.
func (b *Breaker) rolloverLocked() {
	t := b.now()
	for _, ws := range b.windows {
		if ws.cfg.Period <= 0 {
			continue // session windows never roll over on their own
		}
		if !t.Before(ws.windowEnd) {
			ws.spend = 0
			ws.state = StateClosed
			// Advance by whole periods so a long-idle breaker doesn't
			// immediately re-trip on the next rollover check.
			for !t.Before(ws.windowEnd) {
				ws.windowEnd = ws.windowEnd.Add(ws.cfg.Period)
			}
		}
	}
}
