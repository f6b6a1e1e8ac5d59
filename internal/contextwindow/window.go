// Package contextwindow builds the token-bounded slice of a conversation that
// is actually sent to a provider. Pruning is recency-biased: the system
// prompt and the newest user turn always survive, older turns are dropped
// oldest-first once the budget runs out.
package contextwindow

import (
	"errors"
)

// perMessageOverhead accounts for the role/format tokens each chat message
// costs on top of its content (cl100k chat convention).
const perMessageOverhead = 4

// ErrContextTooLarge reports that the system prompt leaves no room for even a
// truncated newest message within the target budget. It is an input
// validation failure, not a routing failure.
var ErrContextTooLarge = errors.New("contextwindow: input exceeds the provider context budget")

// Message is one conversation turn. The token count is computed once per
// message and cached, so rebuilding windows for a growing conversation is
// O(new messages) as long as callers reuse the same *Message values.
type Message struct {
	Role    string
	Content string

	tokens int
}

// TokenCount returns the message's token cost, computing and caching it on
// first use.
func (m *Message) TokenCount(c Counter) int {
	if m.tokens == 0 && m.Content != "" {
		m.tokens = c.Count(m.Content)
	}
	return m.tokens
}

// Window is the bounded message set for one dispatch. It is request-local
// and discarded after the request completes.
type Window struct {
	SystemPrompt string
	Messages     []*Message
	TotalTokens  int

	// Truncated is set when the newest message had to be cut from its tail
	// to fit the budget. Callers surface it as a warning, never silently.
	Truncated bool
}

// Build produces a window that fits maxTokens. The newest message is never
// pruned; when it cannot fit whole it is truncated tail-first and the window
// flagged. ErrContextTooLarge is returned when even an empty newest message
// would not fit beside the system prompt.
func Build(history []*Message, systemPrompt string, maxTokens int, c Counter) (*Window, error) {
	if len(history) == 0 {
		return nil, errors.New("contextwindow: empty history")
	}
	if c == nil {
		c = DefaultCounter()
	}

	sysTokens := 0
	if systemPrompt != "" {
		sysTokens = c.Count(systemPrompt)
	}

	budget := maxTokens - sysTokens
	if budget <= perMessageOverhead {
		return nil, ErrContextTooLarge
	}

	newest := history[len(history)-1]
	newestCost := newest.TokenCount(c) + perMessageOverhead

	if newestCost > budget {
		trimmed, cost, ok := truncateToFit(newest, budget-perMessageOverhead, c)
		if !ok {
			return nil, ErrContextTooLarge
		}
		return &Window{
			SystemPrompt: systemPrompt,
			Messages:     []*Message{trimmed},
			TotalTokens:  sysTokens + cost + perMessageOverhead,
			Truncated:    true,
		}, nil
	}

	// Walk backward from the second-newest message, keeping turns while they
	// fit, then restore oldest-first order.
	kept := []*Message{newest}
	total := newestCost
	for i := len(history) - 2; i >= 0; i-- {
		cost := history[i].TokenCount(c) + perMessageOverhead
		if total+cost > budget {
			break
		}
		kept = append(kept, history[i])
		total += cost
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	return &Window{
		SystemPrompt: systemPrompt,
		Messages:     kept,
		TotalTokens:  sysTokens + total,
	}, nil
}

// truncateToFit cuts a message's tail until its content costs at most limit
// tokens, via binary search over the rune prefix length. The original
// message is never mutated.
func truncateToFit(m *Message, limit int, c Counter) (*Message, int, bool) {
	if limit <= 0 {
		return nil, 0, false
	}

	runes := []rune(m.Content)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.Count(string(runes[:mid])) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return nil, 0, false
	}

	content := string(runes[:lo])
	cost := c.Count(content)
	return &Message{Role: m.Role, Content: content, tokens: cost}, cost, true
}
