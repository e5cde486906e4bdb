package shield

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/christireid/Token-shield-sub001/eventbus"
	"github.com/christireid/Token-shield-sub001/ledger"
	"github.com/christireid/Token-shield-sub001/sherrors"
	"github.com/christireid/Token-shield-sub001/streamtracker"
)

// trackedStream wraps a host-supplied Stream, folding every chunk into
// a streamtracker.Tracker and converging on exactly one terminal
// accounting call no matter how the caller stops consuming it.
type trackedStream struct {
	inner   Stream
	tracker *streamtracker.Tracker
	engine  *Engine
	tp      TransformedParams
	buf     strings.Builder
	done    bool

	// latency is doStream's own setup/connect duration — the time to
	// first return of the call, not the full streaming duration — the
	// closest analog to WrapGenerate's single round-trip measurement.
	latency time.Duration

	costThreshold      float64
	costThresholdFired bool
}

// WrapStream implements the spec §4.1 streaming request path: transform
// params, short-circuit a cache hit by returning a synthetic one-chunk
// stream, otherwise call doStream and hand back a tracked wrapper that
// settles exactly once. On completion it records the ledger entry,
// breaker spend and budget commit; on a caller-initiated Close or
// context cancellation before completion it releases the budget
// reservation, emits stream:abort and reports usage, and records no
// ledger entry or breaker spend.
func (e *Engine) WrapStream(ctx context.Context, p Params, doStream DoStreamFunc) (Stream, error) {
	tp, err := e.TransformParams(ctx, p)
	if err != nil {
		return nil, err
	}

	if tp.meta.cacheHit {
		e.releaseReservation(tp)
		e.recordLedgerCacheHit(tp, 0, 0, tp.meta.cacheAvoidedCost)
		e.hooks.callUsage(UsageReport{Saved: tp.meta.cacheAvoidedCost})
		return &cachedStream{text: tp.meta.cacheHitText, sent: false}, nil
	}

	start := time.Now()
	inner, serr := doStream(ctx, tp.Params.ModelID, tp.Params.Messages)
	connectLatency := time.Since(start)
	if serr != nil {
		e.releaseReservation(tp)
		e.providerHealth.Report(tp.Params.ModelID, connectLatency, true)
		return nil, sherrors.NewProviderError(serr)
	}

	return &trackedStream{
		inner:         inner,
		tracker:       streamtracker.New(e.counter, tp.meta.originalInputTokens),
		engine:        e,
		tp:            tp,
		latency:       connectLatency,
		costThreshold: e.cfg.Stream.CostThreshold,
	}, nil
}

func (s *trackedStream) Next(ctx context.Context) (StreamChunk, error) {
	chunk, err := s.inner.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.finish(s.tracker.Complete())
		} else if ctx.Err() != nil {
			s.finish(s.tracker.Cancel())
		} else {
			s.finish(s.tracker.Abort())
		}
		return StreamChunk{}, err
	}

	s.tracker.AddChunk(chunk.TextDelta)
	s.buf.WriteString(chunk.TextDelta)
	s.engine.bus.Emit(eventbus.StreamChunk, StreamEventPayload{Tokens: s.tracker.OutputTokens()})

	if !s.costThresholdFired && s.costThreshold > 0 && s.engine.hooks.OnStreamCostThreshold != nil {
		runningCost := s.engine.safeCost(s.tp.Params.ModelID, s.tp.meta.originalInputTokens, s.tracker.OutputTokens())
		if runningCost >= s.costThreshold {
			s.costThresholdFired = true
			s.engine.hooks.OnStreamCostThreshold(runningCost)
		}
	}

	if chunk.Done {
		s.finish(s.tracker.Complete())
	}
	return chunk, nil
}

// Close lets the host abandon the stream early (e.g. the caller stopped
// reading); it latches an abort if no terminal outcome was reached yet.
func (s *trackedStream) Close() error {
	s.finish(s.tracker.Abort())
	return s.inner.Close()
}

// finish runs the shared post-stream accounting exactly once, relying
// on streamtracker.Tracker's own sync.Once latch so a Next() that hits
// EOF and a subsequent Close() both calling finish is harmless — only
// the first call's Result is used.
func (s *trackedStream) finish(result streamtracker.Result) {
	if s.done {
		return
	}
	s.done = true

	cost := s.engine.safeCost(s.tp.Params.ModelID, result.InputTokens, result.OutputTokens)

	if result.Outcome != streamtracker.OutcomeCompleted {
		s.engine.releaseReservation(s.tp)
		s.engine.bus.Emit(eventbus.StreamAbort, StreamEventPayload{Tokens: result.OutputTokens, EstimatedCost: cost})
		if s.engine.hooks.OnStreamAbort != nil {
			s.engine.hooks.OnStreamAbort(result)
		}
		s.engine.hooks.callUsage(UsageReport{InputTokens: result.InputTokens, OutputTokens: result.OutputTokens, Cost: cost})
		return
	}

	savings := ledger.SavingsBreakdown{Context: s.tp.meta.contextSaved, Router: s.tp.meta.routerSaved, Prefix: s.tp.meta.prefixSaved}
	entry := s.engine.ledger.Record(ledger.Entry{
		Feature:      s.tp.Params.Feature,
		Model:        s.tp.Params.ModelID,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		Cost:         cost,
		Savings:      savings,
	})
	s.engine.bus.Emit(eventbus.LedgerEntry, entry)
	s.engine.bus.Emit(eventbus.StreamComplete, StreamEventPayload{Tokens: result.OutputTokens, EstimatedCost: cost})

	s.engine.guard.CompleteRequest(s.tp.meta.promptText, result.InputTokens, result.OutputTokens, s.tp.Params.ModelID, cost)

	bsr := s.engine.breaker.RecordSpend(cost)
	for _, w := range bsr.NewlyWarned {
		s.engine.bus.Emit(eventbus.BreakerWarning, BreakerPayload{LimitType: string(w)})
	}
	for _, w := range bsr.NewlyTripped {
		s.engine.bus.Emit(eventbus.BreakerTripped, BreakerPayload{LimitType: string(w)})
	}

	s.engine.commitOrRelease(s.tp, cost)
	s.engine.providerHealth.Report(s.tp.Params.ModelID, s.latency, false)
	s.engine.hooks.callUsage(UsageReport{InputTokens: result.InputTokens, OutputTokens: result.OutputTokens, Cost: cost, Saved: savings.Context + savings.Router + savings.Prefix})

	s.engine.checkAnomalies(s.tp.Params.ModelID, cost, result.OutputTokens)

	s.engine.cache.Store(s.tp.meta.promptText, s.buf.String(), s.tp.Params.ModelID, result.InputTokens, result.OutputTokens)
	s.engine.bus.Emit(eventbus.CacheStore, CacheStorePayload{ModelID: s.tp.Params.ModelID, Tokens: result.OutputTokens})
}

// cachedStream is the synthetic one-shot stream WrapStream returns on a
// cache hit: the host still drives it through the same Next/Close
// contract, it just has the whole response ready immediately.
type cachedStream struct {
	text string
	sent bool
}

func (c *cachedStream) Next(ctx context.Context) (StreamChunk, error) {
	if c.sent {
		return StreamChunk{}, io.EOF
	}
	c.sent = true
	return StreamChunk{TextDelta: c.text, Done: true}, nil
}

func (c *cachedStream) Close() error { return nil }
