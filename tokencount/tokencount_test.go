package tokencount_test

import (
	"testing"

	"github.com/christireid/Token-shield-sub001/tokencount"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountText(t *testing.T) {
	c := tokencount.New()
	assert.Equal(t, 0, c.CountText(""))
	assert.Greater(t, c.CountText("hello world"), 0)
}

func TestCountMessages(t *testing.T) {
	c := tokencount.New()
	msgs := []tokencount.ChatMessage{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "What is 2+2?"},
	}
	got := c.CountMessages(msgs)
	require.Greater(t, got, 0)

	// adding a message should never decrease the estimate
	longer := append(msgs, tokencount.ChatMessage{Role: "assistant", Content: "4"})
	assert.Greater(t, c.CountMessages(longer), got)
}

func TestNewWithRatio(t *testing.T) {
	t.Run("invalid ratio falls back to default", func(t *testing.T) {
		c := tokencount.NewWithRatio(0)
		assert.Equal(t, tokencount.New().CountText("abcdefgh"), c.CountText("abcdefgh"))
	})

	t.Run("custom ratio changes estimate", func(t *testing.T) {
		coarse := tokencount.NewWithRatio(8)
		fine := tokencount.NewWithRatio(2)
		text := "this is a reasonably long sentence to estimate"
		assert.Less(t, coarse.CountText(text), fine.CountText(text))
	})
}
