package shield

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/christireid/Token-shield-sub001/audit"
	"github.com/christireid/Token-shield-sub001/contextmgr"
	"github.com/christireid/Token-shield-sub001/eventbus"
	"github.com/christireid/Token-shield-sub001/observability"
	"github.com/christireid/Token-shield-sub001/sherrors"
	"github.com/christireid/Token-shield-sub001/textnorm"
	"github.com/christireid/Token-shield-sub001/tokencount"
	"github.com/christireid/Token-shield-sub001/userbudget"
)

// flattenPrompt joins a chat message list into the single string the
// Request Guard and Response Cache fingerprint and fuzzy-match against.
// Neither package is message-aware — both were grounded on teacher code
// that fingerprinted a single prompt string — so the engine is
// responsible for projecting Params.Messages down to one.
func flattenPrompt(messages []tokencount.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func lastUserMessage(messages []tokencount.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

// TransformParams runs the spec §4.1 fixed pipeline — guard, circuit
// breaker, user budget reservation, cache lookup, context trim, model
// routing, prefix optimization — short-circuiting on the first blocking
// stage with a typed *sherrors.Error, and otherwise returning the fully
// transformed params plus the private scratchpad WrapGenerate/WrapStream
// consume.
func (e *Engine) TransformParams(ctx context.Context, p Params) (TransformedParams, error) {
	tp := TransformedParams{Params: p}
	tp.meta.startTime = time.Now()

	prompt := flattenPrompt(p.Messages)
	tp.meta.promptText = prompt
	tp.meta.fingerprint = textnorm.Fingerprint(textnorm.Normalize(prompt))
	tp.meta.lastUserText = lastUserMessage(p.Messages)
	tp.meta.originalModel = p.ModelID
	tp.meta.originalInputTokens = e.counter.CountMessages(p.Messages)
	tp.meta.estimatedCost = e.safeCost(p.ModelID, tp.meta.originalInputTokens, p.ExpectedOutputTokens)

	// 1. Request Guard
	if e.cfg.Modules.Guard {
		ctx2, span := observability.StartStageSpan(ctx, "guard")
		cr := e.guard.Check(prompt, p.ModelID, p.ExpectedOutputTokens)
		span.End()
		ctx = ctx2
		if !cr.Allowed {
			e.auditLog.Append("request_blocked", audit.SeverityWarning, "guard:"+cr.Reason)
			e.bus.Emit(eventbus.RequestBlocked, RequestBlockedPayload{Fingerprint: tp.meta.fingerprint, Reason: cr.Reason})
			return tp, sherrors.NewGuardBlocked(cr.Reason)
		}
		e.guard.StartRequest(prompt)
		tp.meta.estimatedCost = cr.EstimatedCost
		if cr.CostUnknown {
			e.emitStorageError("pricing", "safe_cost", sherrors.NewUnknownModelError(p.ModelID))
		}
	}

	// 2. Circuit Breaker — always consulted; unlike Guard/Cache/Context/
	// Router/Prefix it has no dedicated ModulesConfig flag in spec §6,
	// since a layered spend ceiling is treated as always-on protection
	// rather than an optional cost-saving feature.
	{
		ctx2, span := observability.StartStageSpan(ctx, "breaker")
		bc := e.breaker.Check()
		span.End()
		ctx = ctx2
		if !bc.Allowed {
			e.auditLog.Append("request_blocked", audit.SeverityCritical, "breaker:"+string(bc.TrippedWindow))
			e.bus.Emit(eventbus.RequestBlocked, RequestBlockedPayload{Fingerprint: tp.meta.fingerprint, Reason: "breaker:" + string(bc.TrippedWindow)})
			return tp, sherrors.NewBreakerTripped(string(bc.TrippedWindow))
		}
	}

	// 3. User Budget reservation
	if p.UserID != "" {
		ctx2, span := observability.StartStageSpan(ctx, "userBudget")
		reservationID := uuid.NewString()
		rr := e.userBudget.Reserve(reservationID, p.UserID, tp.meta.estimatedCost)
		span.End()
		ctx = ctx2
		if !rr.Allowed {
			window := budgetWindow(e.userBudget.UserStatusFor(p.UserID), tp.meta.estimatedCost)
			e.auditLog.Append("request_blocked", audit.SeverityWarning, "budget:"+window)
			e.bus.Emit(eventbus.RequestBlocked, RequestBlockedPayload{Fingerprint: tp.meta.fingerprint, Reason: "budget:" + window})
			return tp, sherrors.NewBudgetBlocked(window)
		}
		tp.meta.reservationID = reservationID
		if rr.Signal == userbudget.SignalWarning {
			status := e.userBudget.UserStatusFor(p.UserID)
			e.bus.Emit(eventbus.UserBudgetWarning, UserBudgetPayload{UserID: p.UserID, LimitType: warnedWindow(status), PercentUsed: maxPercentUsed(status)})
		}
	}

	e.bus.Emit(eventbus.RequestAllowed, RequestAllowedPayload{Fingerprint: tp.meta.fingerprint})

	// 4. Response Cache lookup (peek only — the authoritative,
	// singleflight-deduplicated resolution happens in WrapGenerate via
	// Cache.Resolve; this stage exists so the pipeline can short-circuit
	// and emit cache:hit/cache:miss at the documented point in the fixed
	// stage order).
	if e.cfg.Modules.Cache {
		_, span := observability.StartStageSpan(ctx, "cache")
		lr := e.cache.Lookup(prompt, p.ModelID)
		span.End()
		if lr.Hit {
			cost := e.safeCost(p.ModelID, lr.Entry.InputTokens, lr.Entry.OutputTokens)
			tp.meta.cacheHit = true
			tp.meta.cacheHitText = lr.Entry.ResponseText
			tp.meta.cacheMatchType = lr.MatchType
			tp.meta.cacheSimilarity = lr.Similarity
			tp.meta.cacheAvoidedCost = cost
			e.bus.Emit(eventbus.CacheHit, CacheHitPayload{MatchType: string(lr.MatchType), Similarity: lr.Similarity, SavedCost: cost})
			return tp, nil
		}
		e.bus.Emit(eventbus.CacheMiss, CacheMissPayload{ModelID: p.ModelID})
	}

	messages := p.Messages

	// 5. Context Manager trim
	if e.cfg.Modules.Context {
		ctx2, span := observability.StartStageSpan(ctx, "context")
		fr := contextmgr.FitToBudget(e.counter, messages, contextmgr.FitOptions{
			MaxInputTokens:    e.cfg.Context.MaxInputTokens,
			ReservedForOutput: e.cfg.Context.ReserveForOutput,
			PreserveSystem:    true,
		})
		span.End()
		ctx = ctx2
		if fr.Trimmed {
			before := e.counter.CountMessages(messages)
			after := e.counter.CountMessages(fr.Messages)
			saved := e.safeCost(p.ModelID, before-after, 0)
			tp.meta.contextSaved = saved
			e.bus.Emit(eventbus.ContextTrimmed, ContextTrimmedPayload{OriginalTokens: before, TrimmedTokens: after, SavedTokens: before - after})
		}
		messages = fr.Messages
	}

	// 6. Model Router
	selectedModel := p.ModelID
	if e.cfg.Modules.Router {
		ctx2, span := observability.StartStageSpan(ctx, "router")
		rr := e.router.Route(messages, p.ModelID, p.ExpectedOutputTokens)
		span.End()
		ctx = ctx2
		selectedModel = rr.Model
		if rr.Model != rr.OriginalModel {
			tp.meta.routerSaved = rr.SavedDollars
			e.bus.Emit(eventbus.RouterDowngraded, RouterDowngradedPayload{OriginalModel: rr.OriginalModel, SelectedModel: rr.Model, SavedCost: rr.SavedDollars})
		}
	}

	// 7. Prefix Cache Optimizer
	if e.cfg.Modules.Prefix {
		ctx2, span := observability.StartStageSpan(ctx, "prefix")
		pr := e.prefix.Optimize(messages, selectedModel, e.counter.CountMessages(messages))
		span.End()
		ctx = ctx2
		messages = pr.Messages
		if pr.SavedDollars > 0 {
			tp.meta.prefixSaved = pr.SavedDollars
			e.bus.Emit(eventbus.PrefixOptimized, PrefixOptimizedPayload{SavedDollars: pr.SavedDollars})
		}
	}

	tp.Params.Messages = messages
	tp.Params.ModelID = selectedModel
	_ = ctx
	return tp, nil
}

// budgetWindow infers which ceiling a denied Reserve call hit, since
// userbudget.ReserveResult only carries a pass/fail Signal, not a
// window name. Comparing the post-hoc UserStatusFor snapshot against
// Limits recovers it without changing userbudget's return contract.
func budgetWindow(status userbudget.UserStatus, estimatedCost float64) string {
	if status.Limits.Daily > 0 && status.DailySpend+estimatedCost > status.Limits.Daily {
		return "daily"
	}
	if status.Limits.Monthly > 0 && status.MonthlySpend+estimatedCost > status.Limits.Monthly {
		return "monthly"
	}
	return "daily"
}

// warnedWindow and maxPercentUsed do the same inference for the
// non-blocking 80% warning signal, reported as whichever window is
// closer to its ceiling.
func warnedWindow(status userbudget.UserStatus) string {
	if ratio(status.DailySpend, status.Limits.Daily) >= ratio(status.MonthlySpend, status.Limits.Monthly) {
		return "daily"
	}
	return "monthly"
}

func maxPercentUsed(status userbudget.UserStatus) float64 {
	d := ratio(status.DailySpend, status.Limits.Daily)
	m := ratio(status.MonthlySpend, status.Limits.Monthly)
	if d > m {
		return d
	}
	return m
}

func ratio(spend, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return spend / limit
}
