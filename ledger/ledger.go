// Package ledger is the Cost Ledger (spec §4.8): a monotonic, append-
// only record of what every request actually cost and how much each
// shield subsystem saved off of it, plus running per-model summaries.
//
// The async buffered-channel-plus-drain-goroutine persistence pattern
// is grounded directly in Sergey-Bar-Alfred's metering.AsyncLogger —
// entries are queued non-blockingly and flushed to the configured
// persistence.Store in batches by a background goroutine, so a slow or
// unavailable store never stalls the request path.
package ledger

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/rs/zerolog"
)

// SavingsBreakdown attributes a request's savings to the subsystem
// responsible, per spec §4.8.
type SavingsBreakdown struct {
	Context  float64 `json:"context"`
	Router   float64 `json:"router"`
	Prefix   float64 `json:"prefix"`
	CacheHit float64 `json:"cacheHit"`
}

func (s SavingsBreakdown) total() float64 {
	return s.Context + s.Router + s.Prefix + s.CacheHit
}

// Entry is one ledger record.
type Entry struct {
	Seq          uint64           `json:"seq"`
	Timestamp    time.Time        `json:"timestamp"`
	Feature      string           `json:"feature,omitempty"`
	Model        string           `json:"model"`
	InputTokens  int              `json:"inputTokens"`
	OutputTokens int              `json:"outputTokens"`
	Cost         float64          `json:"cost"`
	Savings      SavingsBreakdown `json:"savings"`
	LatencyMs    int64            `json:"latencyMs"`
}

// ModelSummary is one model's slice of the running summary.
type ModelSummary struct {
	Calls   int     `json:"calls"`
	Spent   float64 `json:"spent"`
	Saved   float64 `json:"saved"`
}

// Summary is the `getSummary()` contract.
type Summary struct {
	TotalSpent float64                 `json:"totalSpent"`
	TotalSaved float64                 `json:"totalSaved"`
	TotalCalls int                     `json:"totalCalls"`
	PerModel   map[string]ModelSummary `json:"perModel"`
}

const persistKey = "ledger:entries"

// Ledger accumulates entries in memory (for fast summaries and export)
// while asynchronously persisting them through store, if one is
// configured.
type Ledger struct {
	mu      sync.RWMutex
	logger  zerolog.Logger
	store   persistence.Store
	entries []Entry
	seq     uint64
	summary Summary

	ch chan Entry
	wg sync.WaitGroup
}

// New constructs a Ledger. store may be nil, in which case entries are
// kept in memory only (used by tests and the no-persistence demo
// mode).
func New(store persistence.Store, logger zerolog.Logger) *Ledger {
	l := &Ledger{
		logger:  logger,
		store:   store,
		summary: Summary{PerModel: make(map[string]ModelSummary)},
		ch:      make(chan Entry, 10000),
	}
	if store != nil {
		l.loadExisting()
		l.wg.Add(1)
		go l.drain()
	}
	return l
}

func (l *Ledger) loadExisting() {
	raw, ok, err := l.store.Get(context.Background(), persistKey)
	if err != nil || !ok {
		return
	}
	var existing []Entry
	if err := json.Unmarshal(raw, &existing); err != nil {
		l.logger.Warn().Err(err).Msg("ledger: discarding unreadable persisted entries")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range existing {
		l.applyLocked(e)
		l.seq = e.Seq
	}
}

// Record assigns a monotonic sequence number to entry, folds it into
// the running summary, and queues it for async persistence.
func (l *Ledger) Record(entry Entry) Entry {
	l.mu.Lock()
	l.seq++
	entry.Seq = l.seq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	l.applyLocked(entry)
	l.mu.Unlock()

	l.enqueue()
	return entry
}

// RecordCacheHit records a zero-spend entry whose only contribution is
// the avoided cost of a fresh call, per spec §4.8's cache-hit case.
func (l *Ledger) RecordCacheHit(model string, inputTokens, outputTokens int, avoidedCost float64) Entry {
	return l.Record(Entry{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         0,
		Savings:      SavingsBreakdown{CacheHit: avoidedCost},
	})
}

func (l *Ledger) applyLocked(e Entry) {
	l.entries = append(l.entries, e)
	l.summary.TotalCalls++
	l.summary.TotalSpent += e.Cost
	l.summary.TotalSaved += e.Savings.total()

	ms := l.summary.PerModel[e.Model]
	ms.Calls++
	ms.Spent += e.Cost
	ms.Saved += e.Savings.total()
	l.summary.PerModel[e.Model] = ms
}

func (l *Ledger) enqueue() {
	select {
	case l.ch <- Entry{}:
	default:
	}
}

// GetSummary returns a snapshot of the running totals.
func (l *Ledger) GetSummary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	perModel := make(map[string]ModelSummary, len(l.summary.PerModel))
	for k, v := range l.summary.PerModel {
		perModel[k] = v
	}
	return Summary{
		TotalSpent: l.summary.TotalSpent,
		TotalSaved: l.summary.TotalSaved,
		TotalCalls: l.summary.TotalCalls,
		PerModel:   perModel,
	}
}

// Entries returns a copy of all entries recorded so far.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ExportJSON serializes all entries as a JSON array.
func (l *Ledger) ExportJSON() ([]byte, error) {
	return json.Marshal(l.Entries())
}

// ExportCSV serializes all entries as CSV, one row per entry.
func (l *Ledger) ExportCSV() ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	header := []string{"seq", "timestamp", "feature", "model", "inputTokens", "outputTokens", "cost", "savingsContext", "savingsRouter", "savingsPrefix", "savingsCacheHit", "latencyMs"}
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for _, e := range l.Entries() {
		row := []string{
			strconv.FormatUint(e.Seq, 10),
			e.Timestamp.Format(time.RFC3339),
			e.Feature,
			e.Model,
			strconv.Itoa(e.InputTokens),
			strconv.Itoa(e.OutputTokens),
			strconv.FormatFloat(e.Cost, 'f', -1, 64),
			strconv.FormatFloat(e.Savings.Context, 'f', -1, 64),
			strconv.FormatFloat(e.Savings.Router, 'f', -1, 64),
			strconv.FormatFloat(e.Savings.Prefix, 'f', -1, 64),
			strconv.FormatFloat(e.Savings.CacheHit, 'f', -1, 64),
			strconv.FormatInt(e.LatencyMs, 10),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

// Close stops the async persistence goroutine, flushing first.
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	close(l.ch)
	l.wg.Wait()
	return nil
}

// drain periodically persists the full entry snapshot. Entries is the
// unit of persistence (not individual records) because the ledger's
// durable contract is "the whole history", matching how the teacher's
// AsyncLogger batches rather than writes per-entry.
func (l *Ledger) drain() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	dirty := false

	flush := func() {
		if !dirty {
			return
		}
		raw, err := l.ExportJSON()
		if err != nil {
			l.logger.Warn().Err(err).Msg("ledger: failed to serialize entries for persistence")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.store.Set(ctx, persistKey, raw); err != nil {
			l.logger.Warn().Err(err).Msg("ledger: failed to persist entries")
			return
		}
		dirty = false
	}

	for {
		select {
		case _, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			dirty = true
		case <-ticker.C:
			flush()
		}
	}
}

var _ fmt.Stringer = Summary{}

func (s Summary) String() string {
	return fmt.Sprintf("calls=%d spent=%.4f saved=%.4f", s.TotalCalls, s.TotalSpent, s.TotalSaved)
}
