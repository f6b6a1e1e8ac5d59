package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicMaxBodySlurp   = 64 * 1024
)

// AnthropicClient speaks the Anthropic Messages dialect over SSE.
type AnthropicClient struct {
	opts Options
}

// NewAnthropicClient creates the adapter for Anthropic-style endpoints.
func NewAnthropicClient(opts Options) *AnthropicClient {
	return &AnthropicClient{opts: opts}
}

func (c *AnthropicClient) Stream(ctx context.Context, target Target, req Request) (<-chan Chunk, error) {
	body, err := buildAnthropicBody(req)
	if err != nil {
		return nil, err
	}

	baseURL := target.BaseURL
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	url := strings.TrimRight(baseURL, "/") + "/v1/messages"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	httpReq.Header.Set("Connection", "keep-alive")
	httpReq.Header.Set("x-api-key", target.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	for k, v := range target.Headers {
		httpReq.Header.Set(k, v)
	}

	httpClient, err := NewHTTPClient(target.ProxyURL, 0)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, anthropicStatusError(resp)
	}

	decoded, err := decodeBody(resp)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	reader := newStreamBody(ctx, decoded, c.opts.IdleTimeout, "anthropic")

	out := make(chan Chunk, chunkBufferSize)
	go func() {
		defer close(out)
		defer reader.Close()
		relayAnthropicEvents(reader, out)
	}()
	return out, nil
}

// buildAnthropicBody renders the Messages API request. max_tokens is
// mandatory in this dialect, so a fallback is applied when the caller set
// none.
func buildAnthropicBody(req Request) ([]byte, error) {
	msgs, err := sonic.Marshal(req.Messages)
	if err != nil {
		return nil, err
	}
	body := []byte(`{}`)
	if body, err = sjson.SetBytes(body, "model", req.Model); err != nil {
		return nil, err
	}
	if body, err = sjson.SetRawBytes(body, "messages", msgs); err != nil {
		return nil, err
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if body, err = sjson.SetBytes(body, "max_tokens", maxTokens); err != nil {
		return nil, err
	}
	if req.System != "" {
		if body, err = sjson.SetBytes(body, "system", req.System); err != nil {
			return nil, err
		}
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, err
	}
	return body, nil
}

// anthropicStatusError converts a non-200 response into a ProviderError.
func anthropicStatusError(resp *http.Response) error {
	pe := &ProviderError{
		Provider: "anthropic",
		Status:   resp.StatusCode,
	}
	decoded, err := decodeBody(resp)
	if err == nil {
		raw, _ := io.ReadAll(io.LimitReader(decoded, anthropicMaxBodySlurp))
		pe.Code = gjson.GetBytes(raw, "error.type").String()
		pe.Message = gjson.GetBytes(raw, "error.message").String()
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(resp.StatusCode)
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			pe = pe.WithRetryAfter(time.Duration(secs) * time.Second)
		}
	}
	return pe
}

// relayAnthropicEvents scans the SSE stream and forwards text deltas, usage,
// and in-band errors. The stream ends on message_stop, an error event, or
// reader exhaustion.
func relayAnthropicEvents(r io.Reader, out chan<- Chunk) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage Usage
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 {
			continue
		}

		switch gjson.GetBytes(payload, "type").String() {
		case "content_block_delta":
			if text := gjson.GetBytes(payload, "delta.text").String(); text != "" {
				out <- Chunk{Text: text}
			}
		case "message_start":
			usage.InputTokens = int(gjson.GetBytes(payload, "message.usage.input_tokens").Int())
		case "message_delta":
			usage.OutputTokens = int(gjson.GetBytes(payload, "usage.output_tokens").Int())
		case "message_stop":
			usage.TotalTokens = usage.InputTokens + usage.OutputTokens
			out <- Chunk{Usage: &usage}
			return
		case "error":
			out <- Chunk{Err: &ProviderError{
				Provider: "anthropic",
				Status:   http.StatusInternalServerError,
				Code:     gjson.GetBytes(payload, "error.type").String(),
				Message:  gjson.GetBytes(payload, "error.message").String(),
			}}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- Chunk{Err: fmt.Errorf("anthropic: stream read: %w", err)}
	}
}
