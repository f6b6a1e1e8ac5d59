package upstream

import (
	"context"
	"errors"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const chunkBufferSize = 64

// OpenAIClient speaks the OpenAI-compatible chat completions dialect. Most
// aggregators (Groq, OpenRouter, Together) expose this surface, so one
// adapter covers them all via Target.BaseURL.
type OpenAIClient struct {
	opts Options
}

// NewOpenAIClient creates the adapter for OpenAI-compatible endpoints.
func NewOpenAIClient(opts Options) *OpenAIClient {
	return &OpenAIClient{opts: opts}
}

func (c *OpenAIClient) Stream(ctx context.Context, target Target, req Request) (<-chan Chunk, error) {
	cfg := openai.DefaultConfig(target.APIKey)
	if target.BaseURL != "" {
		cfg.BaseURL = target.BaseURL
	}
	httpClient, err := NewHTTPClient(target.ProxyURL, 0)
	if err != nil {
		return nil, err
	}
	cfg.HTTPClient = withHeaders(httpClient, target.Headers)
	client := openai.NewClientWithConfig(cfg)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	streamReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxOutputTokens > 0 {
		streamReq.MaxTokens = req.MaxOutputTokens
	}

	stream, err := client.CreateChatCompletionStream(ctx, streamReq)
	if err != nil {
		return nil, translateOpenAIError(err)
	}

	out := make(chan Chunk, chunkBufferSize)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				out <- Chunk{Err: translateOpenAIError(err)}
				return
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content != "" {
					out <- Chunk{Text: choice.Delta.Content}
				}
			}
			if resp.Usage != nil {
				out <- Chunk{Usage: &Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}}
			}
		}
	}()
	return out, nil
}

// translateOpenAIError converts go-openai errors into ProviderError so the
// failover classifier sees a uniform shape.
func translateOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := &ProviderError{
			Provider: "openai",
			Status:   apiErr.HTTPStatusCode,
			Message:  apiErr.Message,
		}
		if code, ok := apiErr.Code.(string); ok {
			pe.Code = code
		}
		if apiErr.HTTPStatusCode == 429 {
			// The SDK drops Retry-After; a conservative minute matches
			// typical aggregator rate windows.
			pe = pe.WithRetryAfter(time.Minute)
		}
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{
			Provider: "openai",
			Status:   reqErr.HTTPStatusCode,
			Message:  reqErr.Error(),
		}
	}
	return err
}
