package shield

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/christireid/Token-shield-sub001/anomaly"
	"github.com/christireid/Token-shield-sub001/audit"
	"github.com/christireid/Token-shield-sub001/breaker"
	"github.com/christireid/Token-shield-sub001/caching"
	"github.com/christireid/Token-shield-sub001/config"
	"github.com/christireid/Token-shield-sub001/eventbus"
	"github.com/christireid/Token-shield-sub001/guard"
	"github.com/christireid/Token-shield-sub001/ledger"
	"github.com/christireid/Token-shield-sub001/modelrouter"
	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/christireid/Token-shield-sub001/prefixopt"
	"github.com/christireid/Token-shield-sub001/pricing"
	"github.com/christireid/Token-shield-sub001/providerhealth"
	"github.com/christireid/Token-shield-sub001/sherrors"
	"github.com/christireid/Token-shield-sub001/tokencount"
	"github.com/christireid/Token-shield-sub001/userbudget"
)

// auditMaxEntries bounds the in-process audit chain before the oldest
// prefix is pruned (spec §4.9). Not currently exposed through config.Config
// since no §6 option names it; revisit if a host needs a different cap.
const auditMaxEntries = 50_000

// Engine is the Pipeline Engine (spec §4.1): the host-facing middleware
// object with transformParams/wrapGenerate/wrapStream plus the getters
// §6's middleware contract names (events, cache, ledger, breaker,
// userBudget, auditLog, dispose).
//
// Engine is the sole owner of the *eventbus.Bus (see design note in
// spec §9: "Pipeline → subsystems → Event Bus → (subscribers in
// Pipeline) is a cycle only through the bus... ownership flows one
// way"); every subsystem below is a pure leaf the engine calls into and
// translates the result of into a named event itself.
type Engine struct {
	cfg    config.Config
	hooks  Hooks
	logger zerolog.Logger
	pricer *pricing.Registry

	counter *tokencount.Counter
	bus     *eventbus.Bus

	guard          *guard.Guard
	cache          *caching.Cache
	router         *modelrouter.Router
	prefix         *prefixopt.Optimizer
	breaker        *breaker.Breaker
	userBudget     *userbudget.Manager
	ledger         *ledger.Ledger
	auditLog       *audit.Log
	anomalyDet     *anomaly.Detector
	providerHealth *providerhealth.Tracker

	store persistence.Store // raw, host-supplied — closed by Dispose

	requestMu     sync.Mutex
	lastRequestAt map[string]time.Time
}

// New builds an Engine from cfg, wiring every subsystem per §2's
// ownership graph. store may be nil (no persistence — ledger and audit
// stay in-memory only, matching their own New functions' nil-store
// contract).
func New(cfg config.Config, hooks Hooks, logger zerolog.Logger, store persistence.Store) *Engine {
	counter := tokencount.New()
	pricer := pricing.NewRegistry()

	e := &Engine{
		cfg:           cfg,
		hooks:         hooks,
		logger:        logger,
		pricer:        pricer,
		counter:       counter,
		bus:           eventbus.New(logger),
		store:         store,
		lastRequestAt: make(map[string]time.Time),
	}

	// Every subsystem that persists writes through one debounced wrapper
	// around the host-supplied store, so a write that ultimately fails
	// after retrying surfaces as storage:error exactly once per failure,
	// regardless of which subsystem issued it (spec §5/§7).
	var wrappedStore persistence.Store
	if store != nil {
		wrappedStore = persistence.NewDebounced(store, cfg.Persistence.DebounceInterval, logger, func(op, key string, err error) {
			e.emitStorageError(moduleForPersistKey(key), op, err)
		})
	}

	e.guard = guard.New(guard.Config{
		DebounceMs:           cfg.Guard.DebounceMs,
		MaxRequestsPerMinute: cfg.Guard.MaxRequestsPerMinute,
		MaxCostPerHour:       cfg.Guard.MaxCostPerHour,
		DeduplicateWindowMs:  cfg.Guard.DeduplicateWindowMs,
		MinInputLength:       cfg.Guard.MinInputLength,
		MaxInputTokens:       cfg.Guard.MaxInputTokens,
	}, counter, pricer)

	var cacheStore persistence.Store
	if cfg.Cache.Persist {
		cacheStore = wrappedStore
	}
	e.cache = caching.New(caching.Config{
		MaxEntries:          cfg.Cache.MaxEntries,
		TTL:                 time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
		ScopeByModel:        cfg.Cache.ScopeByModel,
	}, logger, cacheStore)

	tiers := make([]modelrouter.Tier, 0, len(cfg.Router.Tiers))
	for _, t := range cfg.Router.Tiers {
		tiers = append(tiers, modelrouter.Tier{ModelID: t.ModelID, MaxComplexity: t.MaxComplexity})
	}
	e.router = modelrouter.New(modelrouter.Config{Tiers: tiers, ComplexityThreshold: cfg.Router.ComplexityThreshold}, pricer, counter)

	e.prefix = prefixopt.New(prefixopt.Config{Provider: cfg.Prefix.Provider}, pricer)

	// Breaker windows roll over on a fixed period; session never rolls
	// over (Period 0). Month uses a 30-day approximation rather than a
	// calendar boundary — unlike userbudget's exact nextMonthBoundary,
	// the breaker's windowState only models fixed-duration rollover, so
	// an approximation is documented here rather than adding a second
	// rollover strategy to that package for one window.
	var breakerStore persistence.Store
	if cfg.Breaker.Persist {
		breakerStore = wrappedStore
	}
	e.breaker = breaker.New(breaker.Config{
		Action: breaker.Action(cfg.Breaker.Action),
		Windows: []breaker.WindowConfig{
			{Kind: breaker.WindowSession, Ceiling: cfg.Breaker.Limits.PerSession, Period: 0},
			{Kind: breaker.WindowHour, Ceiling: cfg.Breaker.Limits.PerHour, Period: time.Hour},
			{Kind: breaker.WindowDay, Ceiling: cfg.Breaker.Limits.PerDay, Period: 24 * time.Hour},
			{Kind: breaker.WindowMonth, Ceiling: cfg.Breaker.Limits.PerMonth, Period: 30 * 24 * time.Hour},
		},
	}, nil, breakerStore)

	var userBudgetStore persistence.Store
	if cfg.UserBudget.Persist {
		userBudgetStore = wrappedStore
	}
	e.userBudget = userbudget.New(userbudget.Limits{
		Daily:   cfg.UserBudget.DefaultDailyBudget,
		Monthly: cfg.UserBudget.DefaultMonthlyBudget,
	}, nil, userBudgetStore)

	var ledgerStore persistence.Store
	if cfg.Ledger.Persist {
		ledgerStore = wrappedStore
	}
	e.ledger = ledger.New(ledgerStore, logger)

	// The audit log is the tamper-evidence trail itself, not a cache or
	// ledger convenience — it persists whenever a store is supplied,
	// with no separate config.Config toggle of its own.
	e.auditLog = audit.New(wrappedStore, auditMaxEntries, logger)

	e.anomalyDet = anomaly.New(anomaly.DefaultConfig())
	e.providerHealth = providerhealth.New(providerhealth.DefaultThresholds())

	return e
}

// Events returns the engine's Event Bus, per the §6 middleware
// contract's `events` field.
func (e *Engine) Events() *eventbus.Bus { return e.bus }

// Cache returns the Response Cache, for hosts that want cache.stats()
// without going through a request.
func (e *Engine) Cache() *caching.Cache { return e.cache }

// Ledger returns the Cost Ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Breaker returns the Circuit Breaker.
func (e *Engine) Breaker() *breaker.Breaker { return e.breaker }

// UserBudget returns the User Budget Manager.
func (e *Engine) UserBudget() *userbudget.Manager { return e.userBudget }

// AuditLog returns the Audit Log.
func (e *Engine) AuditLog() *audit.Log { return e.auditLog }

// ProviderHealth returns the Provider Health tracker.
func (e *Engine) ProviderHealth() *providerhealth.Tracker { return e.providerHealth }

// Pricing returns the model price registry so a host can Register the
// models it actually calls before routing any traffic through the
// engine — pricing.Registry has no config-driven construction path of
// its own (spec §7's pricing table is host data, not ambient config).
func (e *Engine) Pricing() *pricing.Registry { return e.pricer }

// Dispose releases background resources (the ledger's async drain
// goroutine) and closes the persistence backend, if any. Per the §6
// middleware contract's `dispose()`.
func (e *Engine) Dispose() error {
	if err := e.ledger.Close(); err != nil {
		return err
	}
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// moduleForPersistKey recovers which subsystem a persisted key belongs
// to from its name, for the Module field on an emitted storage:error —
// spec §6's persisted key prefixes (`ledger:`, `audit:`, `breaker:`,
// `userBudget:`, `cache:`) are also its module names.
func moduleForPersistKey(key string) string {
	for _, prefix := range []string{"ledger", "audit", "breaker", "userBudget", "cache"} {
		if strings.HasPrefix(key, prefix+":") {
			return prefix
		}
	}
	return "persistence"
}

// emitStorageError is the one place a persistence failure becomes a
// storage:error event and an audit trail entry (spec §7's
// PersistenceError kind) — every subsystem's debounced store shares the
// same ErrorHook wired to this.
func (e *Engine) emitStorageError(module, op string, err error) {
	e.auditLog.Append("storage_error", audit.SeverityCritical, sherrors.NewPersistenceError(op, err).Error())
	e.bus.Emit(eventbus.StorageError, StorageErrorPayload{Module: module, Operation: op, Err: err})
}

// safeCost wraps pricer.SafeCost, emitting storage:error (with a typed
// UnknownModelError cause) on the !ok fallback path instead of silently
// discarding it — per pricing.go's own doc comment, callers are expected
// to surface this.
func (e *Engine) safeCost(model string, inputTokens, outputTokens int) float64 {
	cost, ok := e.pricer.SafeCost(model, inputTokens, outputTokens)
	if !ok {
		e.emitStorageError("pricing", "safe_cost", sherrors.NewUnknownModelError(model))
	}
	return cost
}

// sampleRequestRate estimates modelID's instantaneous request rate as
// the reciprocal of the time since its last observed request, feeding
// anomaly.KindRateChange. The very first request for a model has no
// prior sample and reports 0 (no rate signal yet).
func (e *Engine) sampleRequestRate(modelID string) float64 {
	now := time.Now()
	e.requestMu.Lock()
	defer e.requestMu.Unlock()
	last, ok := e.lastRequestAt[modelID]
	e.lastRequestAt[modelID] = now
	if !ok {
		return 0
	}
	elapsed := now.Sub(last).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return 1 / elapsed
}
