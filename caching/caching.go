// Package caching is the Response Cache: exact-fingerprint and fuzzy
// (MinHash) lookups over normalized prompt text, with at-most-one-
// concurrent-build per fingerprint and LRU+TTL eviction.
//
// Grounded in Sergey-Bar-Alfred's caching.Engine (normalize/hash,
// config shape, stats, poisoning-style response validation) but the
// storage backing is swapped from a hand-rolled map to
// maypok86/otter/v2 (a real TTL+LRU cache library pulled from the
// eugener-gandalf example), and embedding+cosine similarity is
// replaced by the MinHash Index per spec §4.3. The in-flight-build
// promise map becomes golang.org/x/sync/singleflight, the idiomatic Go
// equivalent already used elsewhere in the pack.
package caching

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/christireid/Token-shield-sub001/minhash"
	"github.com/christireid/Token-shield-sub001/persistence"
	"github.com/christireid/Token-shield-sub001/textnorm"
)

// Config mirrors the spec's `cache.*` configuration options.
type Config struct {
	MaxEntries          int
	TTL                 time.Duration
	SimilarityThreshold float64
	ScopeByModel        bool
}

func DefaultConfig() Config {
	return Config{MaxEntries: 10_000, TTL: time.Hour, SimilarityThreshold: 0.85, ScopeByModel: true}
}

// Entry is the CacheEntry data-model entity.
type Entry struct {
	Fingerprint  string
	ModelScope   string
	ResponseText string
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
	LastAccess   time.Time
	HitCount     int64
}

// MatchType distinguishes an exact fingerprint hit from a fuzzy MinHash
// hit.
type MatchType string

const (
	MatchExact MatchType = "exact"
	MatchFuzzy MatchType = "fuzzy"
)

// LookupResult is returned by Lookup.
type LookupResult struct {
	Hit        bool
	Entry      Entry
	MatchType  MatchType
	Similarity float64
}

// Stats summarizes cache performance, the `stats()` contract.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// Cache is the Response Cache.
type Cache struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	cfg     Config
	store   *otter.Cache[string, *Entry]
	fuzzy   *minhash.Index
	builds  singleflight.Group
	hits    int64
	misses  int64
	evicted int64
	persist persistence.Store
}

// New returns a Cache backed by an otter TTL+LRU store of capacity
// cfg.MaxEntries and a MinHash Index for fuzzy matching. persist, if
// non-nil, durably backstops otter's in-memory LRU so an exact-match
// entry survives a process restart — the `cache:<fingerprint>` key
// spec §6's persisted state layout names.
func New(cfg Config, logger zerolog.Logger, persist persistence.Store) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg = DefaultConfig()
	}
	store := otter.Must(&otter.Options[string, *Entry]{
		MaximumSize:      cfg.MaxEntries,
		ExpiryCalculator: otter.Expiry[string, *Entry](cfg.TTL),
	})
	return &Cache{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		fuzzy:   minhash.New(minhash.DefaultConfig()),
		persist: persist,
	}
}

func persistKeyFor(storeKey string) string { return "cache:" + storeKey }

func (c *Cache) scopeKey(modelID string) string {
	if !c.cfg.ScopeByModel {
		return "*"
	}
	return modelID
}

func (c *Cache) storeKey(fp, scope string) string { return scope + "|" + fp }

// Lookup implements the spec §4.2 lookup order: exact fingerprint hit,
// then fuzzy MinHash candidate at or above SimilarityThreshold, else a
// miss. Storage errors degrade to a miss rather than failing the
// caller.
func (c *Cache) Lookup(prompt, modelID string) LookupResult {
	norm := textnorm.Normalize(prompt)
	fp := textnorm.Fingerprint(norm)
	scope := c.scopeKey(modelID)

	key := c.storeKey(fp, scope)
	if e, ok := c.store.GetIfPresent(key); ok {
		c.mu.Lock()
		e.LastAccess = time.Now()
		e.HitCount++
		c.hits++
		c.mu.Unlock()
		return LookupResult{Hit: true, Entry: *e, MatchType: MatchExact}
	}

	if e, ok := c.loadPersisted(key); ok {
		e.LastAccess = time.Now()
		e.HitCount++
		c.store.Set(key, e)
		c.fuzzy.Insert(key, norm, key)
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return LookupResult{Hit: true, Entry: *e, MatchType: MatchExact}
	}

	if res, ok := c.fuzzy.Find(norm, c.cfg.SimilarityThreshold); ok {
		if e, ok := c.store.GetIfPresent(res.ID); ok {
			c.mu.Lock()
			e.LastAccess = time.Now()
			e.HitCount++
			c.hits++
			c.mu.Unlock()
			return LookupResult{Hit: true, Entry: *e, MatchType: MatchFuzzy, Similarity: res.Similarity}
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return LookupResult{Hit: false}
}

// Store inserts a new entry for prompt/modelID, keyed by its exact
// fingerprint and indexed for fuzzy lookup.
func (c *Cache) Store(prompt, response, modelID string, inputTokens, outputTokens int) {
	norm := textnorm.Normalize(prompt)
	fp := textnorm.Fingerprint(norm)
	scope := c.scopeKey(modelID)
	key := c.storeKey(fp, scope)

	now := time.Now()
	e := &Entry{
		Fingerprint:  fp,
		ModelScope:   scope,
		ResponseText: response,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CreatedAt:    now,
		LastAccess:   now,
	}
	c.store.Set(key, e)
	c.fuzzy.Insert(key, norm, key)
	c.persistEntry(key, e)
}

// loadPersisted checks the durable backstop for key, falling back to a
// miss on any read/decode error.
func (c *Cache) loadPersisted(key string) (*Entry, bool) {
	if c.persist == nil {
		return nil, false
	}
	raw, ok, err := c.persist.Get(context.Background(), persistKeyFor(key))
	if err != nil || !ok {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	return &e, true
}

// persistEntry writes e to the durable backstop, non-blocking.
func (c *Cache) persistEntry(key string, e *Entry) {
	if c.persist == nil {
		return
	}
	store := c.persist
	pk := persistKeyFor(key)
	snap := *e
	go func() {
		raw, err := json.Marshal(snap)
		if err != nil {
			return
		}
		_ = store.Set(context.Background(), pk, raw)
	}()
}

// BuildFunc produces the response to cache on a miss (the call into
// doGenerate). It returns the response text plus token counts.
type BuildFunc func() (text string, inputTokens, outputTokens int, err error)

// Resolve implements the at-most-one-concurrent-build invariant: a
// lookup, and on miss a singleflight-deduplicated call to build,
// followed by a store. Concurrent callers for the same (prompt,
// modelID) during a miss all observe the single in-flight build's
// result rather than issuing N calls to build.
func (c *Cache) Resolve(prompt, modelID string, build BuildFunc) (text string, inputTokens, outputTokens int, cacheHit bool, matchType MatchType, similarity float64, err error) {
	if lr := c.Lookup(prompt, modelID); lr.Hit {
		return lr.Entry.ResponseText, lr.Entry.InputTokens, lr.Entry.OutputTokens, true, lr.MatchType, lr.Similarity, nil
	}

	scope := c.scopeKey(modelID)
	fp := textnorm.Fingerprint(textnorm.Normalize(prompt))
	sfKey := scope + "|build|" + fp

	v, err, shared := c.builds.Do(sfKey, func() (any, error) {
		t, in, out, berr := build()
		if berr != nil {
			return nil, berr
		}
		c.Store(prompt, t, modelID, in, out)
		return buildResult{text: t, in: in, out: out}, nil
	})
	if err != nil {
		return "", 0, 0, false, "", 0, err
	}
	br := v.(buildResult)
	// shared==true means a sibling call's build served this caller: from
	// their perspective it is functionally a cache hit (no second
	// doGenerate was issued), matching §8 scenario 5's accounting.
	return br.text, br.in, br.out, shared, MatchExact, 0, nil
}

type buildResult struct {
	text string
	in   int
	out  int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evicted, Entries: int(c.store.EstimatedSize())}
}
