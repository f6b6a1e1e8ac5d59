package contextwindow

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"

	log "github.com/lumenchat/relay/internal/logging"
)

// Counter estimates the token cost of a piece of text. Implementations must
// be safe for concurrent use.
type Counter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc tokenizer.Codec
}

func (c *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.enc.Encode(text)
	if err != nil {
		return heuristicCounter{}.Count(text)
	}
	return len(ids)
}

// heuristicCounter approximates roughly four runes per token. It is the
// fallback when the BPE tables cannot be loaded and keeps window building
// deterministic either way.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// NewHeuristicCounter returns the rune-length estimator.
func NewHeuristicCounter() Counter { return heuristicCounter{} }

var defaultCounter = sync.OnceValue(func() Counter {
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warnf("contextwindow: cl100k tokenizer unavailable, using heuristic estimator: %v", err)
		return heuristicCounter{}
	}
	return &tiktokenCounter{enc: enc}
})

// DefaultCounter returns the cl100k tokenizer, falling back to the heuristic
// estimator if the encoding cannot be loaded.
func DefaultCounter() Counter { return defaultCounter() }
