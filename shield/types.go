// Package shield is the Pipeline Engine (spec §4.1): the only package
// that owns an *eventbus.Bus and calls Emit on it. Every subsystem it
// wires (guard, caching, contextmgr, modelrouter, prefixopt, breaker,
// userbudget, ledger, audit, streamtracker, anomaly, providerhealth) is
// a pure leaf that returns a structured result; this package alone
// translates those results into named events, per the design note that
// the bus is a weak channel subsystems hold but never emit on
// themselves.
//
// Grounded in Sergey-Bar-Alfred's handler.ProxyHandler request
// lifecycle (parse → route → call provider → log) and its own
// services/gateway/main.go wiring style, generalized from an HTTP
// handler composing one provider call into a middleware composing many
// cost-saving subsystems around an opaque host-supplied callable.
package shield

import (
	"context"
	"time"

	"github.com/christireid/Token-shield-sub001/anomaly"
	"github.com/christireid/Token-shield-sub001/caching"
	"github.com/christireid/Token-shield-sub001/streamtracker"
	"github.com/christireid/Token-shield-sub001/tokencount"
)

// Params is the host-facing request the three middleware operations
// act on — the spec's opaque `params` record, minus ShieldMeta (which
// is attached only on the TransformedParams the engine returns).
type Params struct {
	ModelID              string
	UserID               string
	Messages             []tokencount.ChatMessage
	ExpectedOutputTokens int
	Feature              string
}

// shieldMeta is the spec's ShieldMeta scratchpad: created by
// TransformParams, consumed by WrapGenerate/WrapStream, discarded
// after. It is unexported so hosts never observe it directly — the
// Go equivalent of the spec's "keyed by a private symbol".
type shieldMeta struct {
	startTime           time.Time
	fingerprint         string
	promptText          string // the flattened original prompt, fixed before context/router/prefix may rewrite messages — Response Cache keys are always computed against this, never the post-transform text
	lastUserText        string
	originalInputTokens int
	originalModel       string

	cacheHit         bool
	cacheHitText     string
	cacheMatchType   caching.MatchType
	cacheSimilarity  float64
	cacheAvoidedCost float64

	contextSaved float64
	routerSaved  float64
	prefixSaved  float64

	estimatedCost  float64
	reservationID  string // "" if no reservation was made (no UserID, or blocked before reserve)
}

// TransformedParams is Params plus the engine's private scratchpad.
// Hosts pass the Params embedded within it straight through to
// doGenerate/doStream; WrapGenerate/WrapStream read the unexported meta
// field themselves.
type TransformedParams struct {
	Params
	meta shieldMeta
}

// GenerateResult mirrors the spec's doGenerate return shape.
type GenerateResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// DoGenerateFunc is the host-supplied single-shot model call
// WrapGenerate wraps.
type DoGenerateFunc func(ctx context.Context, modelID string, messages []tokencount.ChatMessage) (GenerateResult, error)

// StreamChunk mirrors one `{type:"text-delta", textDelta}` event from
// the spec's doStream ReadableStream.
type StreamChunk struct {
	TextDelta string
	Done      bool
}

// Stream is the minimal pull interface WrapStream consumes from a
// host-supplied stream and re-exposes to the host, modeled on
// Sergey-Bar-Alfred's provider stream reader (Next/Close).
type Stream interface {
	// Next returns the next chunk, or io.EOF when the stream is
	// exhausted.
	Next(ctx context.Context) (StreamChunk, error)
	Close() error
}

// DoStreamFunc is the host-supplied streaming model call WrapStream
// wraps.
type DoStreamFunc func(ctx context.Context, modelID string, messages []tokencount.ChatMessage) (Stream, error)

// UsageReport is passed to Hooks.OnUsage after every terminal outcome
// (cache hit, successful generate, successful or aborted stream).
type UsageReport struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
	Saved        float64
}

// Hooks are the user callbacks §6 names (`onUsage`,
// `anomaly.onAnomalyDetected`, `stream.onAbort`,
// `stream.onCostThreshold`). All are optional.
type Hooks struct {
	OnUsage               func(UsageReport)
	OnAnomalyDetected     func(anomaly.Result)
	OnStreamAbort         func(streamtracker.Result)
	OnStreamCostThreshold func(cost float64)
}
