// Package contextmgr is the Context Manager: token-budget fitting for
// the message list before it reaches the model.
//
// This package is original (no repo in the pack trims chat history to a
// token budget), built against the spec's algorithm and the pack's
// idiom of small, pure, leaf packages that take their token counter as
// a constructor argument rather than reaching for a global.
package contextmgr

import "github.com/christireid/Token-shield-sub001/tokencount"

// FitOptions mirrors the spec's `context.*` configuration plus the
// `preserveSystem` flag from the fitToBudget contract.
type FitOptions struct {
	MaxInputTokens    int
	ReservedForOutput int
	PreserveSystem    bool
}

// FitResult reports what fitToBudget did.
type FitResult struct {
	Messages      []tokencount.ChatMessage
	EvictedTokens int
	Trimmed       bool
	FailOpen      bool // the final user message alone exceeds budget
}

// headRatio is the fraction of the truncation budget given to the head
// of an over-long message; the remainder goes to the tail.
//
// Open question resolution (spec §9): the spec trims messages but
// leaves the head/tail split for middle truncation unspecified. 60/40
// is chosen because the head of a message more often carries the
// controlling instruction or question, while the tail often carries a
// concluding ask ("...so please respond with X") worth preserving over
// the middle; this is documented here rather than left to guesswork
// at the call site.
const headRatio = 0.6

// FitToBudget keeps all system messages (if PreserveSystem) and the most
// recent user message, then adds the other messages back newest first,
// each only if it fits whole; a message that does not fit is evicted
// whole. No message is truncated: since messages are only kept back when
// they fit, the middle-truncation pass below never finds a candidate.
// The final user message is never evicted; if it alone exceeds budget
// the request fails open and the overflow is added to EvictedTokens.
func FitToBudget(counter *tokencount.Counter, messages []tokencount.ChatMessage, opts FitOptions) FitResult {
	budget := opts.MaxInputTokens - opts.ReservedForOutput
	if budget < 0 {
		budget = 0
	}

	lastUserIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}

	type counted struct {
		msg    tokencount.ChatMessage
		tokens int
		idx    int
		system bool
		keep   bool
	}
	items := make([]counted, len(messages))
	for i, m := range messages {
		items[i] = counted{
			msg:    m,
			tokens: counter.CountText(m.Content),
			idx:    i,
			system: opts.PreserveSystem && m.Role == "system",
		}
	}
	for i := range items {
		if items[i].system || items[i].idx == lastUserIdx {
			items[i].keep = true
		}
	}

	total := func() int {
		sum := 0
		for _, it := range items {
			if it.keep {
				sum += it.tokens
			}
		}
		return sum
	}

	// Add non-kept messages back in, most recent first, while they fit.
	order := make([]int, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if !items[i].keep {
			order = append(order, i)
		}
	}
	evictedTokens := 0
	for _, i := range order {
		if total()+items[i].tokens <= budget {
			items[i].keep = true
		} else {
			evictedTokens += items[i].tokens
		}
	}

	trimmed := evictedTokens > 0
	failOpen := false

	// While over budget, shrink the oldest kept message that is neither a
	// system message nor the final user message. Messages were only kept
	// above when they fit, so this loop only runs when system messages and
	// the final user message remain, and it just records the fail-open
	// overflow; the final user message is never evicted or truncated.
	for total() > budget {
		oldestIdx := -1
		for i, it := range items {
			if it.keep && !it.system && it.idx != lastUserIdx {
				oldestIdx = i
				break
			}
		}
		if oldestIdx == -1 {
			// Only system messages and the final user message remain.
			if lastUserIdx >= 0 && items[lastUserIdx].tokens > budget {
				failOpen = true
				evictedTokens += total() - budget
			}
			break
		}
		over := total() - budget
		it := &items[oldestIdx]
		if it.tokens <= over {
			it.keep = false
			evictedTokens += it.tokens
			continue
		}
		newTokens := it.tokens - over
		it.msg.Content = truncateMiddle(it.msg.Content, newTokens, counter)
		evictedTokens += over
		it.tokens = counter.CountText(it.msg.Content)
	}

	out := make([]tokencount.ChatMessage, 0, len(items))
	for _, it := range items {
		if it.keep {
			out = append(out, it.msg)
		}
	}

	return FitResult{Messages: out, EvictedTokens: evictedTokens, Trimmed: trimmed || evictedTokens > 0, FailOpen: failOpen}
}

// truncateMiddle keeps a head and tail of content sized to fit
// targetTokens, dropping the middle, per headRatio.
func truncateMiddle(content string, targetTokens int, counter *tokencount.Counter) string {
	if targetTokens <= 0 {
		return ""
	}
	targetChars := targetTokens * 4 // inverse of the char-per-token heuristic
	if targetChars >= len(content) {
		return content
	}
	headChars := int(float64(targetChars) * headRatio)
	tailChars := targetChars - headChars
	if headChars+tailChars >= len(content) {
		return content
	}
	return content[:headChars] + " […] " + content[len(content)-tailChars:]
}
