// Package upstream contains the provider-agnostic dispatch contract and the
// wire adapters for each supported vendor dialect. The router hands an
// adapter a prepared request plus one credential; the adapter returns a
// channel of incremental chunks. Mid-stream failures arrive as a chunk
// carrying an error, followed by channel close.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/lumenchat/relay/internal/config"
)

// Message is one conversation turn on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a prepared, provider-agnostic chat request. The window building
// already happened upstream of this package; Messages fit the target's
// context budget.
type Request struct {
	Model           string
	System          string
	Messages        []Message
	MaxOutputTokens int
}

// Target identifies where and with which credential to dispatch.
type Target struct {
	BaseURL  string
	APIKey   string
	ProxyURL string
	Headers  map[string]string
}

// Usage carries provider-reported token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Chunk is one unit of streamed output.
type Chunk struct {
	Text  string
	Usage *Usage
	Err   error
}

// Client dispatches one streamed request to a provider. Stream returns an
// error for dispatch-stage failures (connect, TLS, non-2xx status); once a
// channel is returned the stream is live and later failures arrive in-band.
type Client interface {
	Stream(ctx context.Context, target Target, req Request) (<-chan Chunk, error)
}

// Options tunes adapter behavior shared across dialects.
type Options struct {
	// IdleTimeout closes streams whose upstream stops producing data.
	IdleTimeout time.Duration
}

// NewClient returns the adapter for a provider type.
func NewClient(t config.ProviderType, opts Options) (Client, error) {
	switch t {
	case config.ProviderTypeOpenAI:
		return NewOpenAIClient(opts), nil
	case config.ProviderTypeAnthropic:
		return NewAnthropicClient(opts), nil
	default:
		return nil, fmt.Errorf("upstream: no adapter for provider type %q", t)
	}
}
