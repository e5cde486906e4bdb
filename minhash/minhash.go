// Package minhash is the MinHash Index: a locality-sensitive-hash side
// index over shingled prompt text, used by the Response Cache to find
// fuzzy (near-duplicate) hits when the exact fingerprint misses.
//
// No repo in the retrieval pack implements true MinHash/LSH banding —
// the closest grounding (Sergey-Bar-Alfred's caching.Engine) uses
// embeddings and cosine similarity instead, which needs a live
// embedding model and answers a different question (semantic
// closeness, not lexical near-duplication). This package is therefore
// original, built idiomatically against the pack's general shape
// (mutex-guarded maps, a small Config/New/Insert/Find/Remove/Stats
// surface matching the contract in spec §4.3).
package minhash

import (
	"fmt"
	"sort"
	"sync"

	"github.com/christireid/Token-shield-sub001/textnorm"
)

// Config controls signature width and the band/row split.
//
// Open question resolution (spec §9): with NumHashes = Bands * Rows,
// the LSH S-curve's 50%-probability threshold is approximately
// (1/Bands)^(1/Rows). Targeting the spec's default similarity
// threshold of 0.85 while keeping the hash count practical, Bands=8,
// Rows=16 (128 hashes total) gives (1/8)^(1/16) ≈ 0.878, at a cost of
// 128 hash evaluations per insert/lookup. The probability that a pair
// becomes a candidate is 1-(1-s^16)^8: about 0.46 at similarity 0.85,
// 0.80 at 0.90 and 0.99 at 0.95, so near-duplicates just above 0.85 are
// often not found. ShingleSize defaults to the spec's literal k=3.
func DefaultConfig() Config {
	return Config{NumHashes: 128, Bands: 8, Rows: 16, ShingleSize: 3}
}

type Config struct {
	NumHashes   int
	Bands       int
	Rows        int
	ShingleSize int
}

// Signature is a fixed-width array of 64-bit min-hashes over a
// shingled token stream.
type Signature []uint64

// Index is the banded LSH side index.
type Index struct {
	mu      sync.RWMutex
	cfg     Config
	seeds   []uint64
	sigs    map[string]Signature
	data    map[string]any
	buckets map[string]map[string]struct{} // bandKey -> set of ids
}

// New returns an empty Index using cfg. Pass DefaultConfig() absent a
// reason to deviate.
func New(cfg Config) *Index {
	if cfg.NumHashes <= 0 {
		cfg = DefaultConfig()
	}
	return &Index{
		cfg:     cfg,
		seeds:   hashSeeds(cfg.NumHashes),
		sigs:    make(map[string]Signature),
		data:    make(map[string]any),
		buckets: make(map[string]map[string]struct{}),
	}
}

// hashSeeds deterministically derives NumHashes independent multiplier
// seeds from a fixed base, so signatures are reproducible across
// process restarts without persisting the seed table.
func hashSeeds(n int) []uint64 {
	seeds := make([]uint64, n)
	x := uint64(0x9E3779B97F4A7C15)
	for i := range seeds {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		seeds[i] = x
	}
	return seeds
}

func hash64(s string, seed uint64) uint64 {
	// FNV-1a mixed with a per-hash-function seed.
	h := uint64(14695981039346656037) ^ seed
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

func signature(shingles []string, seeds []uint64) Signature {
	sig := make(Signature, len(seeds))
	for i, seed := range seeds {
		min := uint64(^uint64(0))
		for _, sh := range shingles {
			h := hash64(sh, seed)
			if h < min {
				min = h
			}
		}
		sig[i] = min
	}
	return sig
}

func (ix *Index) bandKeys(sig Signature) []string {
	keys := make([]string, ix.cfg.Bands)
	for b := 0; b < ix.cfg.Bands; b++ {
		start := b * ix.cfg.Rows
		end := start + ix.cfg.Rows
		if end > len(sig) {
			end = len(sig)
		}
		keys[b] = fmt.Sprintf("%d:%x", b, sig[start:end])
	}
	return keys
}

// jaccardEstimate returns the fraction of matching hash slots between
// two equal-width signatures, an unbiased estimator of the shingle
// sets' true Jaccard similarity.
func jaccardEstimate(a, b Signature) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// Insert signs text, stores data under id, and buckets the signature
// for fuzzy lookup.
func (ix *Index) Insert(id, text string, data any) {
	shingles := textnorm.Shingles(textnorm.Normalize(text), ix.cfg.ShingleSize)
	sig := signature(shingles, ix.seeds)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.sigs[id] = sig
	ix.data[id] = data
	for _, k := range ix.bandKeys(sig) {
		if ix.buckets[k] == nil {
			ix.buckets[k] = make(map[string]struct{})
		}
		ix.buckets[k][id] = struct{}{}
	}
}

// FindResult is the candidate minhash returned, with its estimated
// Jaccard similarity.
type FindResult struct {
	ID         string
	Data       any
	Similarity float64
}

// Find returns the candidate with the highest similarity at or above
// threshold; among equally similar candidates the lexicographically
// smallest id wins. Insertion order is not tracked and plays no part.
func (ix *Index) Find(text string, threshold float64) (FindResult, bool) {
	shingles := textnorm.Shingles(textnorm.Normalize(text), ix.cfg.ShingleSize)
	sig := signature(shingles, ix.seeds)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := make(map[string]struct{})
	for _, k := range ix.bandKeys(sig) {
		for id := range ix.buckets[k] {
			candidates[id] = struct{}{}
		}
	}

	var best FindResult
	found := false
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic tie-break order
	for _, id := range ids {
		sim := jaccardEstimate(sig, ix.sigs[id])
		if sim >= threshold && (!found || sim > best.Similarity) {
			best = FindResult{ID: id, Data: ix.data[id], Similarity: sim}
			found = true
		}
	}
	return best, found
}

// Remove deletes id's signature, data, and bucket memberships.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	sig, ok := ix.sigs[id]
	if !ok {
		return
	}
	for _, k := range ix.bandKeys(sig) {
		delete(ix.buckets[k], id)
		if len(ix.buckets[k]) == 0 {
			delete(ix.buckets, k)
		}
	}
	delete(ix.sigs, id)
	delete(ix.data, id)
}

// Stats summarizes the index's current size.
type Stats struct {
	Entries int
	Buckets int
}

func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{Entries: len(ix.sigs), Buckets: len(ix.buckets)}
}
