package contextmgr_test

import (
	"strings"
	"testing"

	"github.com/christireid/Token-shield-sub001/contextmgr"
	"github.com/christireid/Token-shield-sub001/tokencount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeat(word string, n int) string {
	return strings.Repeat(word+" ", n)
}

func TestContextTrimPreservesSystemAndFinalUser(t *testing.T) {
	counter := tokencount.New()
	messages := []tokencount.ChatMessage{
		{Role: "system", Content: repeat("sys", 25)},
		{Role: "user", Content: repeat("old", 500)},
		{Role: "assistant", Content: repeat("reply", 125)},
		{Role: "user", Content: repeat("new", 875)},
	}

	res := contextmgr.FitToBudget(counter, messages, contextmgr.FitOptions{
		MaxInputTokens:    4000,
		ReservedForOutput: 500,
		PreserveSystem:    true,
	})

	require.True(t, res.Trimmed)
	assert.GreaterOrEqual(t, res.EvictedTokens, 2500)

	roles := make([]string, len(res.Messages))
	for i, m := range res.Messages {
		roles[i] = m.Role
	}
	assert.Contains(t, roles, "system")
	assert.Equal(t, "user", res.Messages[len(res.Messages)-1].Role)
	assert.Contains(t, res.Messages[len(res.Messages)-1].Content, "new")
}

func TestFinalUserMessageNeverEvicted(t *testing.T) {
	counter := tokencount.New()
	messages := []tokencount.ChatMessage{
		{Role: "user", Content: repeat("huge", 10000)},
	}

	res := contextmgr.FitToBudget(counter, messages, contextmgr.FitOptions{
		MaxInputTokens:    100,
		ReservedForOutput: 50,
		PreserveSystem:    true,
	})

	require.Len(t, res.Messages, 1)
	assert.Equal(t, "user", res.Messages[0].Role)
	assert.True(t, res.FailOpen)
}

func TestNoTrimWhenUnderBudget(t *testing.T) {
	counter := tokencount.New()
	messages := []tokencount.ChatMessage{
		{Role: "system", Content: "be helpful"},
		{Role: "user", Content: "hi"},
	}
	res := contextmgr.FitToBudget(counter, messages, contextmgr.FitOptions{
		MaxInputTokens:    4000,
		ReservedForOutput: 500,
		PreserveSystem:    true,
	})
	assert.False(t, res.Trimmed)
	assert.Len(t, res.Messages, 2)
}
