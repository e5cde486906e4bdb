package shield

import (
	"context"
	"time"

	"github.com/christireid/Token-shield-sub001/anomaly"
	"github.com/christireid/Token-shield-sub001/audit"
	"github.com/christireid/Token-shield-sub001/eventbus"
	"github.com/christireid/Token-shield-sub001/ledger"
	"github.com/christireid/Token-shield-sub001/sherrors"
)

// WrapGenerate implements the spec §4.1 request path around a single-
// shot host-supplied model call: transform params, short-circuit on a
// cache hit, otherwise call doGenerate once (deduplicated against any
// identical in-flight call via the Response Cache's singleflight
// build), then record cost, savings, spend, and anomaly signals.
func (e *Engine) WrapGenerate(ctx context.Context, p Params, doGenerate DoGenerateFunc) (GenerateResult, error) {
	tp, err := e.TransformParams(ctx, p)
	if err != nil {
		return GenerateResult{}, err
	}

	if tp.meta.cacheHit {
		return e.finishCacheHit(tp)
	}

	var lastResult GenerateResult
	var latency time.Duration
	text, in, out, cacheHit, matchType, similarity, rerr := e.cache.Resolve(
		tp.meta.promptText, tp.Params.ModelID,
		func() (string, int, int, error) {
			start := time.Now()
			gr, gerr := doGenerate(ctx, tp.Params.ModelID, tp.Params.Messages)
			latency = time.Since(start)
			if gerr != nil {
				return "", 0, 0, gerr
			}
			lastResult = gr
			return gr.Text, gr.InputTokens, gr.OutputTokens, nil
		},
	)
	if rerr != nil {
		e.releaseReservation(tp)
		e.providerHealth.Report(tp.Params.ModelID, latency, true)
		return GenerateResult{}, sherrors.NewProviderError(rerr)
	}

	if cacheHit {
		// A sibling caller's in-flight build served this request: no
		// second provider call was issued, so from this caller's
		// perspective it is functionally a cache hit (spec §8 scenario 5).
		cost := e.safeCost(tp.Params.ModelID, in, out)
		e.bus.Emit(eventbus.CacheHit, CacheHitPayload{MatchType: string(matchType), Similarity: similarity, SavedCost: cost})
		e.commitOrRelease(tp, 0)
		e.recordLedgerCacheHit(tp, in, out, cost)
		e.hooks.callUsage(UsageReport{Saved: cost})
		return GenerateResult{Text: text, InputTokens: in, OutputTokens: out, FinishReason: lastResult.FinishReason}, nil
	}

	return e.finishGenerated(tp, GenerateResult{Text: text, InputTokens: in, OutputTokens: out, FinishReason: lastResult.FinishReason}, latency)
}

func (e *Engine) finishCacheHit(tp TransformedParams) (GenerateResult, error) {
	e.releaseReservation(tp)
	e.recordLedgerCacheHit(tp, 0, 0, tp.meta.cacheAvoidedCost)
	e.hooks.callUsage(UsageReport{Saved: tp.meta.cacheAvoidedCost})
	return GenerateResult{Text: tp.meta.cacheHitText, FinishReason: "stop"}, nil
}

func (e *Engine) recordLedgerCacheHit(tp TransformedParams, in, out int, avoidedCost float64) {
	entry := e.ledger.RecordCacheHit(tp.Params.ModelID, in, out, avoidedCost)
	e.bus.Emit(eventbus.LedgerEntry, entry)
}

// finishGenerated runs the post-call accounting shared by a fresh
// provider call and a real (non-shared) build under Resolve: cache
// store already happened inside Resolve's build closure, so this only
// computes cost/savings, appends the ledger entry, commits the budget
// reservation, records breaker spend, completes the guard request, and
// checks for anomalies.
func (e *Engine) finishGenerated(tp TransformedParams, gr GenerateResult, latency time.Duration) (GenerateResult, error) {
	cost := e.safeCost(tp.Params.ModelID, gr.InputTokens, gr.OutputTokens)
	savings := ledger.SavingsBreakdown{Context: tp.meta.contextSaved, Router: tp.meta.routerSaved, Prefix: tp.meta.prefixSaved}

	entry := e.ledger.Record(ledger.Entry{
		Feature:      tp.Params.Feature,
		Model:        tp.Params.ModelID,
		InputTokens:  gr.InputTokens,
		OutputTokens: gr.OutputTokens,
		Cost:         cost,
		Savings:      savings,
	})
	e.bus.Emit(eventbus.LedgerEntry, entry)

	e.guard.CompleteRequest(tp.meta.promptText, gr.InputTokens, gr.OutputTokens, tp.Params.ModelID, cost)

	bsr := e.breaker.RecordSpend(cost)
	for _, w := range bsr.NewlyWarned {
		e.bus.Emit(eventbus.BreakerWarning, BreakerPayload{LimitType: string(w)})
	}
	for _, w := range bsr.NewlyTripped {
		e.bus.Emit(eventbus.BreakerTripped, BreakerPayload{LimitType: string(w)})
	}

	e.commitOrRelease(tp, cost)

	e.providerHealth.Report(tp.Params.ModelID, latency, false)

	e.hooks.callUsage(UsageReport{InputTokens: gr.InputTokens, OutputTokens: gr.OutputTokens, Cost: cost, Saved: savings.Context + savings.Router + savings.Prefix})

	e.checkAnomalies(tp.Params.ModelID, cost, gr.OutputTokens)

	return gr, nil
}

// checkAnomalies runs all three anomaly.Kind checks (spec §4.13) for one
// completed call, reusing the same model-scoped rolling window across
// WrapGenerate and WrapStream. Each kind gets its own composite history
// key (modelID+kind) since anomaly.Detector's rolling window is keyed
// purely by the string passed in — sharing one bare modelID key across
// cost/tokens/rate would corrupt all three into a single window.
func (e *Engine) checkAnomalies(modelID string, cost float64, outputTokens int) {
	rate := e.sampleRequestRate(modelID)
	checks := []struct {
		kind   anomaly.Kind
		metric string
		value  float64
	}{
		{anomaly.KindCostSpike, "cost", cost},
		{anomaly.KindTokenSpike, "tokens", float64(outputTokens)},
		{anomaly.KindRateChange, "rate", rate},
	}
	for _, c := range checks {
		res := e.anomalyDet.Check(modelID+":"+string(c.kind), c.kind, c.value)
		if res.IsAnomaly {
			e.bus.Emit(eventbus.AnomalyDetected, AnomalyDetectedPayload{Type: string(res.Kind), Severity: string(res.Severity), Metric: c.metric, Value: res.Value, Expected: res.Mean})
			e.hooks.callAnomaly(res)
		}
	}
}

func (e *Engine) releaseReservation(tp TransformedParams) {
	if tp.meta.reservationID == "" {
		return
	}
	if _, err := e.userBudget.Release(tp.meta.reservationID); err != nil {
		e.auditLog.Append("reservation_release_failed", audit.SeverityWarning, err.Error())
	}
}

func (e *Engine) commitOrRelease(tp TransformedParams, actualCost float64) {
	if tp.meta.reservationID == "" {
		return
	}
	if _, err := e.userBudget.Commit(tp.meta.reservationID, actualCost); err != nil {
		e.auditLog.Append("reservation_commit_failed", audit.SeverityWarning, err.Error())
		return
	}
	e.bus.Emit(eventbus.UserBudgetSpend, UserBudgetPayload{UserID: tp.Params.UserID, PercentUsed: maxPercentUsed(e.userBudget.UserStatusFor(tp.Params.UserID))})
}

func (h Hooks) callUsage(r UsageReport) {
	if h.OnUsage != nil {
		h.OnUsage(r)
	}
}

func (h Hooks) callAnomaly(r anomaly.Result) {
	if h.OnAnomalyDetected != nil {
		h.OnAnomalyDetected(r)
	}
}
