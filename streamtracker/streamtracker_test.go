package streamtracker_test

import (
	"sync"
	"testing"

	"github.com/christireid/Token-shield-sub001/streamtracker"
	"github.com/christireid/Token-shield-sub001/tokencount"
	"github.com/stretchr/testify/assert"
)

func TestCompleteAccumulatesChunks(t *testing.T) {
	counter := tokencount.New()
	tr := streamtracker.New(counter, 100)

	tr.AddChunk("hello ")
	tr.AddChunk("world")

	res := tr.Complete()
	assert.Equal(t, 100, res.InputTokens)
	assert.Equal(t, 2, res.ChunkCount)
	assert.Equal(t, streamtracker.OutcomeCompleted, res.Outcome)
	assert.Positive(t, res.OutputTokens)
}

func TestAbortLatchesTerminalResultExactlyOnce(t *testing.T) {
	counter := tokencount.New()
	tr := streamtracker.New(counter, 10)
	tr.AddChunk("partial")

	first := tr.Abort()
	assert.Equal(t, streamtracker.OutcomeAborted, first.Outcome)

	// A second, different termination call does not override the latch.
	second := tr.Complete()
	assert.Equal(t, first, second)
}

func TestConcurrentAddChunkIsRaceSafe(t *testing.T) {
	counter := tokencount.New()
	tr := streamtracker.New(counter, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.AddChunk("chunk")
		}()
	}
	wg.Wait()

	res := tr.Complete()
	assert.Equal(t, 50, res.ChunkCount)
}
