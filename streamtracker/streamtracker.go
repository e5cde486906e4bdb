// Package streamtracker is the Stream Tracker (spec §4.12): accumulates
// output token counts chunk-by-chunk during a streaming response and
// guarantees exactly one terminal accounting event no matter whether
// the stream completes, is aborted by the caller, or the context is
// canceled mid-flight.
//
// Grounded in Sergey-Bar-Alfred's metering.StreamMeter (atomic
// chunk/token counters, pre-loaded input token count, Duration()) —
// generalized with a sync.Once-guarded Finish so every termination path
// converges on one result instead of StreamMeter's read-only accessors.
package streamtracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/christireid/Token-shield-sub001/tokencount"
)

// Outcome distinguishes how a stream ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeCanceled  Outcome = "canceled"
)

// Result is the one-shot terminal accounting a Tracker produces.
type Result struct {
	InputTokens  int
	OutputTokens int
	ChunkCount   int
	Duration     time.Duration
	Outcome      Outcome
}

// Tracker accumulates output tokens across AddChunk calls and latches
// its terminal Result on the first of Complete/Abort/Cancel.
type Tracker struct {
	counter      *tokencount.Counter
	inputTokens  int
	outputTokens int64
	chunkCount   int64
	startTime    time.Time

	once   sync.Once
	result Result
}

// New starts a tracker pre-loaded with the request's input token count.
func New(counter *tokencount.Counter, inputTokens int) *Tracker {
	return &Tracker{counter: counter, inputTokens: inputTokens, startTime: time.Now()}
}

// AddChunk estimates text's token count and folds it into the running
// output total. Safe to call concurrently with itself, but never after
// the tracker has reached a terminal outcome.
func (t *Tracker) AddChunk(text string) {
	tokens := t.counter.CountText(text)
	atomic.AddInt64(&t.outputTokens, int64(tokens))
	atomic.AddInt64(&t.chunkCount, 1)
}

// OutputTokens returns the output tokens accumulated so far.
func (t *Tracker) OutputTokens() int {
	return int(atomic.LoadInt64(&t.outputTokens))
}

// Complete latches the terminal result as a normal completion.
func (t *Tracker) Complete() Result {
	return t.finish(OutcomeCompleted)
}

// Abort latches the terminal result as a caller-initiated abort (e.g.
// the host stopped consuming the stream).
func (t *Tracker) Abort() Result {
	return t.finish(OutcomeAborted)
}

// Cancel latches the terminal result as a context cancellation.
func (t *Tracker) Cancel() Result {
	return t.finish(OutcomeCanceled)
}

func (t *Tracker) finish(outcome Outcome) Result {
	t.once.Do(func() {
		t.result = Result{
			InputTokens:  t.inputTokens,
			OutputTokens: t.OutputTokens(),
			ChunkCount:   int(atomic.LoadInt64(&t.chunkCount)),
			Duration:     time.Since(t.startTime),
			Outcome:      outcome,
		}
	})
	return t.result
}
