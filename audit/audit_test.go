package audit_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/christireid/Token-shield-sub001/audit"
	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendChainsHashes(t *testing.T) {
	l := audit.New(nil, 0, zerolog.Nop())

	e1 := l.Append("request_blocked", audit.SeverityWarning, "rate limit")
	e2 := l.Append("breaker_tripped", audit.SeverityCritical, "hour window")

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.NotEqual(t, e1.Hash, e2.Hash)
}

func TestVerifyIntegrityDetectsTamper(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemoryStore()

	l := audit.New(store, 0, zerolog.Nop())
	l.Append("a", audit.SeverityInfo, "one")
	e2 := l.Append("b", audit.SeverityInfo, "two")
	l.Append("c", audit.SeverityInfo, "three")

	var raw []byte
	require.Eventually(t, func() bool {
		r, ok, err := store.Get(ctx, "audit:entries")
		if err != nil || !ok {
			return false
		}
		var entries []audit.Entry
		if json.Unmarshal(r, &entries) != nil || len(entries) != 3 {
			return false
		}
		raw = r
		return true
	}, time.Second, 5*time.Millisecond)

	var entries []audit.Entry
	require.NoError(t, json.Unmarshal(raw, &entries))

	// Corrupt the middle entry's detail in place without recomputing its
	// hash, the same way an out-of-band edit to the backing store would.
	require.Equal(t, e2.Seq, entries[1].Seq)
	entries[1].Detail = "tampered"
	tampered, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "audit:entries", tampered))

	reloaded := audit.New(store, 0, zerolog.Nop())
	res := reloaded.VerifyIntegrity()
	assert.False(t, res.Valid)
	assert.Equal(t, e2.Seq, res.BrokenAtSeq)
}

func TestMaxEntriesPrunesOldestAndRemainsVerifiable(t *testing.T) {
	l := audit.New(nil, 2, zerolog.Nop())
	l.Append("a", audit.SeverityInfo, "1")
	l.Append("b", audit.SeverityInfo, "2")
	l.Append("c", audit.SeverityInfo, "3")

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].EventType)
	assert.Equal(t, "c", entries[1].EventType)

	res := l.VerifyIntegrity()
	assert.True(t, res.Valid)
	assert.True(t, res.Pruned)
	assert.Equal(t, entries[0].Seq, res.VerifiedFrom)
}

func TestFilterBySeverityAndEventType(t *testing.T) {
	l := audit.New(nil, 0, zerolog.Nop())
	l.Append("request_blocked", audit.SeverityWarning, "x")
	l.Append("breaker_tripped", audit.SeverityCritical, "y")
	l.Append("request_blocked", audit.SeverityWarning, "z")

	warnings := l.Filter(audit.SeverityWarning, "")
	assert.Len(t, warnings, 2)

	blocked := l.Filter("", "request_blocked")
	assert.Len(t, blocked, 2)

	both := l.Filter(audit.SeverityCritical, "breaker_tripped")
	assert.Len(t, both, 1)
}

func TestExportAuditsItself(t *testing.T) {
	l := audit.New(nil, 0, zerolog.Nop())
	l.Append("request_blocked", audit.SeverityWarning, "x")

	_, err := l.ExportJSONAudited()
	require.NoError(t, err)

	entries := l.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, "export_requested", last.EventType)
}
