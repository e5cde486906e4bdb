// Package eventbus is the in-process publish/subscribe bus that stitches
// the pipeline's subsystems together. Only the Pipeline Engine holds a
// bus and emits on it (see design note: "the bus is a weak channel —
// subsystems hold it, it holds handler closures, ownership flows one
// way"); every other subsystem is a leaf and never imports this package.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog"
)

// Event names the fixed catalog from the external interfaces table.
// Handlers subscribe by name; emitting an event with no subscribers is
// always a no-op, never an error.
type Event string

const (
	RequestAllowed     Event = "request:allowed"
	RequestBlocked     Event = "request:blocked"
	CacheHit           Event = "cache:hit"
	CacheMiss          Event = "cache:miss"
	CacheStore         Event = "cache:store"
	ContextTrimmed     Event = "context:trimmed"
	RouterDowngraded   Event = "router:downgraded"
	PrefixOptimized    Event = "prefix:optimized"
	LedgerEntry        Event = "ledger:entry"
	BreakerWarning     Event = "breaker:warning"
	BreakerTripped     Event = "breaker:tripped"
	UserBudgetWarning  Event = "userBudget:warning"
	UserBudgetExceeded Event = "userBudget:exceeded"
	UserBudgetSpend    Event = "userBudget:spend"
	StreamChunk        Event = "stream:chunk"
	StreamAbort        Event = "stream:abort"
	StreamComplete     Event = "stream:complete"
	AnomalyDetected    Event = "anomaly:detected"
	StorageError       Event = "storage:error"
)

// Handler receives an event's payload. The concrete payload type is
// documented per Event in §6 of the spec; handlers type-assert.
type Handler func(payload any)

// Subscription is the token On returns; pass it to Off to unsubscribe.
// Go function values aren't comparable, so unlike the spec's
// `off(event, handler)` signature, Off here takes the token On gave you
// — the idiomatic Go shape for the same "undo this specific
// subscription" intent.
type Subscription struct {
	event Event
	id    uint64
}

// Bus is a synchronous, single-writer-discipline publish/subscribe hub.
type Bus struct {
	mu       sync.RWMutex
	logger   zerolog.Logger
	handlers map[Event]map[uint64]Handler
	nextID   uint64
}

// New returns an empty Bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:   logger,
		handlers: make(map[Event]map[uint64]Handler),
	}
}

// On registers a handler for an event and returns a Subscription for Off.
func (b *Bus) On(event Event, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[uint64]Handler)
	}
	b.handlers[event][id] = h
	return Subscription{event: event, id: id}
}

// Off removes a previously registered subscription. Removing an unknown
// or already-removed subscription is a no-op.
func (b *Bus) Off(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers[sub.event], sub.id)
}

// Emit dispatches payload to every handler registered for event,
// synchronously, in the caller's own goroutine. A handler that panics is
// isolated: it is recovered, logged, and never propagates to the
// emitter or to sibling handlers.
func (b *Bus) Emit(event Event, payload any) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.dispatchOne(event, h, payload)
	}
}

func (b *Bus) dispatchOne(event Event, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", string(event)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(payload)
}
