// Package audit is the Audit Log (spec §4.9): a hash-chained,
// append-only record of shield decisions (blocks, breaker trips,
// budget denials, integrity events) that can be verified and exported.
//
// No repo in the pack implements a hash chain; this is an original
// construction in the teacher's idiom — an append-only mutex-guarded
// slice exactly like metering.ReservationStore's map-plus-RWMutex
// shape, with crypto/sha256 linking each entry to its predecessor the
// way a content-addressed log would.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Severity is the audit entry's severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Entry is one audit record. Hash is computed over every other field
// plus PrevHash, so any tampering with an entry or reordering of the
// chain is detectable by recomputing from Seq 1 forward.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"eventType"`
	Severity  Severity  `json:"severity"`
	Detail    string    `json:"detail"`
	PrevHash  string    `json:"prevHash"`
	Hash      string    `json:"hash"`
}

func canonical(e Entry) string {
	return strings.Join([]string{
		strconv.FormatUint(e.Seq, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.EventType,
		string(e.Severity),
		e.Detail,
		e.PrevHash,
	}, "|")
}

func computeHash(e Entry) string {
	sum := sha256.Sum256([]byte(canonical(e)))
	return hex.EncodeToString(sum[:])
}

const persistKey = "audit:entries"

// genesisHash seeds the chain so the first entry still has a
// well-defined PrevHash to link against: 64 hex zeros, the same width
// as a real sha256 digest.
var genesisHash = strings.Repeat("0", sha256.Size*2)

// Log is the hash-chained append-only audit log.
type Log struct {
	mu         sync.Mutex
	logger     zerolog.Logger
	store      persistence.Store
	maxEntries int
	entries    []Entry
	seq        uint64
	lastHash   string
	persistSF  singleflight.Group
}

// New constructs a Log. maxEntries <= 0 means unbounded.
func New(store persistence.Store, maxEntries int, logger zerolog.Logger) *Log {
	l := &Log{
		logger:     logger,
		store:      store,
		maxEntries: maxEntries,
		lastHash:   genesisHash,
	}
	l.loadExisting()
	return l
}

func (l *Log) loadExisting() {
	if l.store == nil {
		return
	}
	raw, ok, err := l.store.Get(context.Background(), persistKey)
	if err != nil || !ok {
		return
	}
	var existing []Entry
	if err := json.Unmarshal(raw, &existing); err != nil {
		l.logger.Warn().Err(err).Msg("audit: discarding unreadable persisted entries")
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range existing {
		l.entries = append(l.entries, e)
		l.seq = e.Seq
		l.lastHash = e.Hash
	}
}

// Append records a new entry, linking it to the previous entry's hash.
func (l *Log) Append(eventType string, severity Severity, detail string) Entry {
	l.mu.Lock()
	l.seq++
	e := Entry{
		Seq:       l.seq,
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Severity:  severity,
		Detail:    detail,
		PrevHash:  l.lastHash,
	}
	e.Hash = computeHash(e)
	l.entries = append(l.entries, e)
	l.lastHash = e.Hash

	if l.maxEntries > 0 && len(l.entries) > l.maxEntries {
		// Drop the oldest prefix wholesale; verification from the new
		// first entry starts a fresh chain rooted at genesisHash so
		// verifyIntegrity still has something well-defined to check
		// against, per spec §4.9's pruning semantics.
		drop := len(l.entries) - l.maxEntries
		l.entries = l.entries[drop:]
		l.entries[0].PrevHash = genesisHash
		l.entries[0].Hash = computeHash(l.entries[0])
		for i := 1; i < len(l.entries); i++ {
			l.entries[i].PrevHash = l.entries[i-1].Hash
			l.entries[i].Hash = computeHash(l.entries[i])
		}
		l.lastHash = l.entries[len(l.entries)-1].Hash
	}
	l.mu.Unlock()

	l.persistAsync()
	return e
}

func (l *Log) persistAsync() {
	if l.store == nil {
		return
	}
	// singleflight collapses bursts of Append calls into one physical
	// write of the full snapshot, the same coalescing goal as
	// persistence.DebouncedStore but scoped to this log's own key.
	go func() {
		_, _, _ = l.persistSF.Do(persistKey, func() (interface{}, error) {
			raw, err := l.ExportJSON()
			if err != nil {
				return nil, err
			}
			if err := l.store.Set(context.Background(), persistKey, raw); err != nil {
				l.logger.Warn().Err(err).Msg("audit: failed to persist entries")
				return nil, err
			}
			return nil, nil
		})
	}()
}

// VerifyResult is the `verifyIntegrity()` contract.
type VerifyResult struct {
	Valid        bool   `json:"valid"`
	Pruned       bool   `json:"pruned"`
	VerifiedFrom uint64 `json:"verifiedFrom"`
	BrokenAtSeq  uint64 `json:"brokenAtSeq,omitempty"`
}

// VerifyIntegrity recomputes each entry's hash from its recorded
// PrevHash and content and confirms the chain is unbroken.
func (l *Log) VerifyIntegrity() VerifyResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 {
		return VerifyResult{Valid: true}
	}

	pruned := l.entries[0].Seq != 1
	expectedPrev := genesisHash
	if !pruned {
		expectedPrev = genesisHash
	} else {
		expectedPrev = l.entries[0].PrevHash
	}

	for i, e := range l.entries {
		if i == 0 {
			if e.PrevHash != expectedPrev {
				return VerifyResult{Valid: false, Pruned: pruned, VerifiedFrom: l.entries[0].Seq, BrokenAtSeq: e.Seq}
			}
		} else if e.PrevHash != l.entries[i-1].Hash {
			return VerifyResult{Valid: false, Pruned: pruned, VerifiedFrom: l.entries[0].Seq, BrokenAtSeq: e.Seq}
		}
		if computeHash(e) != e.Hash {
			return VerifyResult{Valid: false, Pruned: pruned, VerifiedFrom: l.entries[0].Seq, BrokenAtSeq: e.Seq}
		}
	}

	return VerifyResult{Valid: true, Pruned: pruned, VerifiedFrom: l.entries[0].Seq}
}

// Filter narrows entries by severity and/or eventType. Empty strings
// match anything.
func (l *Log) Filter(severity Severity, eventType string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if severity != "" && e.Severity != severity {
			continue
		}
		if eventType != "" && e.EventType != eventType {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Entries returns every retained entry.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ExportJSON serializes entries without recording anything; it is also
// the snapshot persistAsync writes. ExportJSONAudited is the variant that
// records an export_requested entry.
func (l *Log) ExportJSON() ([]byte, error) {
	return json.Marshal(l.Entries())
}

// ExportJSONAudited is ExportJSON plus the export_requested entry.
func (l *Log) ExportJSONAudited() ([]byte, error) {
	raw, err := l.ExportJSON()
	if err != nil {
		return nil, err
	}
	l.Append("export_requested", SeverityInfo, "format=json")
	return raw, nil
}

// ExportCSVAudited serializes entries as CSV and records the export.
func (l *Log) ExportCSVAudited() ([]byte, error) {
	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write([]string{"seq", "timestamp", "eventType", "severity", "detail", "prevHash", "hash"}); err != nil {
		return nil, err
	}
	for _, e := range l.Entries() {
		row := []string{
			strconv.FormatUint(e.Seq, 10),
			e.Timestamp.Format(time.RFC3339),
			e.EventType,
			string(e.Severity),
			e.Detail,
			e.PrevHash,
			e.Hash,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	l.Append("export_requested", SeverityInfo, "format=csv")
	return []byte(sb.String()), nil
}

var _ fmt.Stringer = VerifyResult{}

func (v VerifyResult) String() string {
	return fmt.Sprintf("valid=%t pruned=%t verifiedFrom=%d", v.Valid, v.Pruned, v.VerifiedFrom)
}
