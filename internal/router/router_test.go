package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumenchat/relay/internal/config"
	"github.com/lumenchat/relay/internal/contextwindow"
	"github.com/lumenchat/relay/internal/keypool"
	"github.com/lumenchat/relay/internal/registry"
	"github.com/lumenchat/relay/internal/upstream"
)

type dispatchScript struct {
	err    error
	chunks []upstream.Chunk
}

// fakeClient serves scripted responses keyed by target base URL, in order.
type fakeClient struct {
	mu      sync.Mutex
	scripts map[string][]dispatchScript
	calls   []string
}

func (f *fakeClient) Stream(ctx context.Context, target upstream.Target, req upstream.Request) (<-chan upstream.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target.BaseURL)
	queue := f.scripts[target.BaseURL]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unscripted dispatch to %s", target.BaseURL)
	}
	s := queue[0]
	f.scripts[target.BaseURL] = queue[1:]
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan upstream.Chunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeClient) callCount(baseURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == baseURL {
			n++
		}
	}
	return n
}

func newTestRouter(t *testing.T, providers []config.Provider, fake *fakeClient) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(providers)
	r := New(reg, Options{
		AttemptTimeout: 2 * time.Second,
		StreamTimeout:  5 * time.Second,
	})
	r.newClient = func(config.ProviderType, upstream.Options) (upstream.Client, error) {
		return fake, nil
	}
	return r, reg
}

func history(contents ...string) []*contextwindow.Message {
	var msgs []*contextwindow.Message
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, &contextwindow.Message{Role: role, Content: c})
	}
	return msgs
}

func textChunks(parts ...string) []upstream.Chunk {
	var chunks []upstream.Chunk
	for _, p := range parts {
		chunks = append(chunks, upstream.Chunk{Text: p})
	}
	return chunks
}

func TestRoute_Success(t *testing.T) {
	fake := &fakeClient{scripts: map[string][]dispatchScript{
		"https://groq.test": {{chunks: append(textChunks("Hel", "lo, ", "world"),
			upstream.Chunk{Usage: &upstream.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}})}},
	}}
	r, _ := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama-3.3-70b", MaxContextTokens: 8192, APIKey: "k1", DailyLimit: 100},
	}, fake)

	var forwarded []string
	res, err := r.Route(context.Background(), ChatRequest{History: history("hi")}, func(text string) {
		forwarded = append(forwarded, text)
	})
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Text != "Hello, world" {
		t.Errorf("Text = %q, want %q", res.Text, "Hello, world")
	}
	if strings.Join(forwarded, "") != res.Text {
		t.Errorf("forwarded %q differs from accumulated %q", strings.Join(forwarded, ""), res.Text)
	}
	if res.Provider != "groq" || res.Usage == nil || res.Usage.TotalTokens != 15 {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.Attempts) != 1 || res.Attempts[0].Outcome != upstream.OutcomeSuccess {
		t.Errorf("attempt log = %+v, want one success", res.Attempts)
	}
}

func TestRoute_FailoverChain(t *testing.T) {
	// groq rate-limits its only key, openrouter fails transport once then
	// succeeds on a second key, anthropic is never reached.
	fake := &fakeClient{scripts: map[string][]dispatchScript{
		"https://groq.test": {{err: &upstream.ProviderError{Provider: "groq", Status: http.StatusTooManyRequests}}},
		"https://or.test": {
			{err: errors.New("connection reset by peer")},
			{chunks: textChunks("ok")},
		},
	}}
	r, _ := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "gk", DailyLimit: 100},
		{Type: config.ProviderTypeOpenAI, Name: "openrouter", Priority: 2, BaseURL: "https://or.test", Model: "qwen", MaxContextTokens: 8192,
			APIKeys: []config.ProviderAPIKey{{Key: "ok1"}, {Key: "ok2"}}, DailyLimit: 100},
		{Type: config.ProviderTypeAnthropic, Name: "anthropic", Priority: 3, BaseURL: "https://anthropic.test", Model: "claude", MaxContextTokens: 8192, APIKey: "ak", DailyLimit: 100},
	}, fake)

	res, err := r.Route(context.Background(), ChatRequest{History: history("hi")}, nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Provider != "openrouter" || res.Text != "ok" {
		t.Errorf("result = %+v, want text %q from openrouter", res, "ok")
	}

	want := []upstream.Outcome{upstream.OutcomeRateLimited, upstream.OutcomeNetworkError, upstream.OutcomeSuccess}
	if len(res.Attempts) != len(want) {
		t.Fatalf("attempt log has %d entries, want %d: %+v", len(res.Attempts), len(want), res.Attempts)
	}
	for i, w := range want {
		if res.Attempts[i].Outcome != w {
			t.Errorf("attempt[%d].Outcome = %s, want %s", i, res.Attempts[i].Outcome, w)
		}
	}
	if res.Attempts[0].Provider != "groq" || res.Attempts[1].Provider != "openrouter" || res.Attempts[2].Provider != "openrouter" {
		t.Errorf("attempt providers = %+v", res.Attempts)
	}
	// The transport retry must use a different credential.
	if res.Attempts[1].CredentialID == res.Attempts[2].CredentialID {
		t.Errorf("retry reused credential %s", res.Attempts[1].CredentialID)
	}
	if n := fake.callCount("https://anthropic.test"); n != 0 {
		t.Errorf("anthropic was dispatched %d times, want 0", n)
	}
}

func TestRoute_AuthErrorDisablesCredential(t *testing.T) {
	fake := &fakeClient{scripts: map[string][]dispatchScript{
		"https://groq.test": {{err: &upstream.ProviderError{Provider: "groq", Status: http.StatusUnauthorized}}},
	}}
	r, reg := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "bad", DailyLimit: 100},
	}, fake)

	_, err := r.Route(context.Background(), ChatRequest{History: history("hi")}, nil)
	var terminal *NoProviderAvailableError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected NoProviderAvailableError, got %v", err)
	}
	if len(terminal.Attempts) != 1 || terminal.Attempts[0].Outcome != upstream.OutcomeAuthError {
		t.Errorf("attempt log = %+v, want one authError", terminal.Attempts)
	}

	snaps := reg.Ordered()[0].Pool.Snapshots()
	if snaps[0].Status != keypool.StatusDisabled {
		t.Errorf("credential status = %s, want disabled", snaps[0].Status)
	}
}

func TestRoute_AllExhaustedIsTerminalWithRetryAfter(t *testing.T) {
	fake := &fakeClient{scripts: map[string][]dispatchScript{}}
	r, reg := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "k", DailyLimit: 1},
	}, fake)

	// Burn the only quota unit.
	if _, err := reg.Ordered()[0].Pool.Acquire(); err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}

	_, err := r.Route(context.Background(), ChatRequest{History: history("hi")}, nil)
	var terminal *NoProviderAvailableError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected NoProviderAvailableError, got %v", err)
	}
	if len(terminal.Attempts) != 0 {
		t.Errorf("expected empty attempt log, got %+v", terminal.Attempts)
	}
	if terminal.RetryAfter <= 0 || terminal.RetryAfter > 24*time.Hour {
		t.Errorf("RetryAfter = %v, want within the next day", terminal.RetryAfter)
	}
	if len(fake.calls) != 0 {
		t.Errorf("no dispatch should happen, got %v", fake.calls)
	}
}

func TestRoute_ContextTooLargeBurnsNoQuota(t *testing.T) {
	fake := &fakeClient{scripts: map[string][]dispatchScript{}}
	r, reg := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", APIKey: "k", MaxContextTokens: 10, DailyLimit: 100},
	}, fake)

	_, err := r.Route(context.Background(), ChatRequest{
		System:  strings.Repeat("rules ", 300),
		History: history("hi"),
	}, nil)
	if !errors.Is(err, contextwindow.ErrContextTooLarge) {
		t.Fatalf("expected ErrContextTooLarge, got %v", err)
	}

	snaps := reg.Ordered()[0].Pool.Snapshots()
	if snaps[0].Used != 0 {
		t.Errorf("quota used = %d, want 0 for a rejected request", snaps[0].Used)
	}
}

func TestRoute_MidStreamFailureKeepsPartial(t *testing.T) {
	fake := &fakeClient{scripts: map[string][]dispatchScript{
		"https://groq.test": {{chunks: []upstream.Chunk{
			{Text: "partial "},
			{Text: "answer"},
			{Err: errors.New("upstream closed connection")},
		}}},
	}}
	r, _ := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "k", DailyLimit: 100},
		{Type: config.ProviderTypeOpenAI, Name: "openrouter", Priority: 2, BaseURL: "https://or.test", Model: "qwen", MaxContextTokens: 8192, APIKey: "k2", DailyLimit: 100},
	}, fake)

	res, err := r.Route(context.Background(), ChatRequest{History: history("hi")}, nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Err == nil {
		t.Error("expected mid-stream error on result")
	}
	if res.Text != "partial answer" {
		t.Errorf("partial text = %q, want %q", res.Text, "partial answer")
	}
	// No failover after bytes were forwarded.
	if n := fake.callCount("https://or.test"); n != 0 {
		t.Errorf("openrouter was dispatched %d times after partial output, want 0", n)
	}
}

func TestRoute_RateLimitRotatesWithinProvider(t *testing.T) {
	fake := &fakeClient{scripts: map[string][]dispatchScript{
		"https://groq.test": {
			{err: &upstream.ProviderError{Provider: "groq", Status: http.StatusTooManyRequests}},
			{chunks: textChunks("second key works")},
		},
	}}
	r, reg := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192,
			APIKeys: []config.ProviderAPIKey{{Key: "k1"}, {Key: "k2"}}, DailyLimit: 100},
	}, fake)

	res, err := r.Route(context.Background(), ChatRequest{History: history("hi")}, nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Text != "second key works" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Attempts) != 2 || res.Attempts[0].Outcome != upstream.OutcomeRateLimited {
		t.Fatalf("attempt log = %+v", res.Attempts)
	}
	if res.Attempts[0].CredentialID == res.Attempts[1].CredentialID {
		t.Error("rotation reused the rate-limited credential")
	}

	// The provider's 429 must exhaust the key even though the local
	// counter is far from the limit.
	exhausted := 0
	for _, s := range reg.Ordered()[0].Pool.Snapshots() {
		if s.Status == keypool.StatusExhausted {
			exhausted++
		}
	}
	if exhausted != 1 {
		t.Errorf("exhausted credentials = %d, want 1", exhausted)
	}
}

func TestRoute_SingleCredentialTransportRetry(t *testing.T) {
	// openrouter has one key; its transport retry must reuse that key
	// instead of skipping ahead to anthropic.
	fake := &fakeClient{scripts: map[string][]dispatchScript{
		"https://groq.test": {{err: &upstream.ProviderError{Provider: "groq", Status: http.StatusTooManyRequests}}},
		"https://or.test": {
			{err: errors.New("connection reset by peer")},
			{chunks: textChunks("recovered")},
		},
		"https://anthropic.test": {{chunks: textChunks("should not be reached")}},
	}}
	r, _ := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "gk", DailyLimit: 100},
		{Type: config.ProviderTypeOpenAI, Name: "openrouter", Priority: 2, BaseURL: "https://or.test", Model: "qwen", MaxContextTokens: 8192, APIKey: "ok", DailyLimit: 100},
		{Type: config.ProviderTypeAnthropic, Name: "anthropic", Priority: 3, BaseURL: "https://anthropic.test", Model: "claude", MaxContextTokens: 8192, APIKey: "ak", DailyLimit: 100},
	}, fake)

	res, err := r.Route(context.Background(), ChatRequest{History: history("hi")}, nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.Provider != "openrouter" || res.Text != "recovered" {
		t.Errorf("result = %+v, want text %q from openrouter", res, "recovered")
	}

	want := []upstream.Outcome{upstream.OutcomeRateLimited, upstream.OutcomeNetworkError, upstream.OutcomeSuccess}
	if len(res.Attempts) != len(want) {
		t.Fatalf("attempt log has %d entries, want %d: %+v", len(res.Attempts), len(want), res.Attempts)
	}
	for i, w := range want {
		if res.Attempts[i].Outcome != w {
			t.Errorf("attempt[%d].Outcome = %s, want %s", i, res.Attempts[i].Outcome, w)
		}
	}
	if res.Attempts[1].CredentialID != res.Attempts[2].CredentialID {
		t.Errorf("retry used %s after %s failed, want the same sole credential",
			res.Attempts[2].CredentialID, res.Attempts[1].CredentialID)
	}
	if n := fake.callCount("https://anthropic.test"); n != 0 {
		t.Errorf("anthropic was dispatched %d times, want 0", n)
	}
}

func TestRoute_TerminalRetryAfterUsesProviderHint(t *testing.T) {
	pe := (&upstream.ProviderError{Provider: "groq", Status: http.StatusTooManyRequests}).WithRetryAfter(30 * time.Second)
	fake := &fakeClient{scripts: map[string][]dispatchScript{
		"https://groq.test": {{err: pe}},
	}}
	r, _ := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "k", DailyLimit: 100},
	}, fake)

	_, err := r.Route(context.Background(), ChatRequest{History: history("hi")}, nil)
	var terminal *NoProviderAvailableError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected NoProviderAvailableError, got %v", err)
	}
	// The vendor's 30s cooldown beats the until-midnight estimate unless
	// midnight happens to be closer.
	if terminal.RetryAfter <= 0 || terminal.RetryAfter > 30*time.Second {
		t.Errorf("RetryAfter = %v, want in (0s, 30s]", terminal.RetryAfter)
	}
}

// cancelingClient tears down the caller's context before failing, the way a
// client disconnect mid-dispatch does.
type cancelingClient struct {
	cancel context.CancelFunc
}

func (c *cancelingClient) Stream(ctx context.Context, target upstream.Target, req upstream.Request) (<-chan upstream.Chunk, error) {
	c.cancel()
	return nil, errors.New("connection reset by peer")
}

func TestRoute_CancelKeepsAttemptLog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New([]config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "k", DailyLimit: 100},
		{Type: config.ProviderTypeOpenAI, Name: "openrouter", Priority: 2, BaseURL: "https://or.test", Model: "qwen", MaxContextTokens: 8192, APIKey: "k2", DailyLimit: 100},
	})
	r := New(reg, Options{AttemptTimeout: 2 * time.Second, StreamTimeout: 5 * time.Second})
	r.newClient = func(config.ProviderType, upstream.Options) (upstream.Client, error) {
		return &cancelingClient{cancel: cancel}, nil
	}

	_, err := r.Route(ctx, ChatRequest{History: history("hi")}, nil)
	var canceled *CanceledError
	if !errors.As(err, &canceled) {
		t.Fatalf("expected CanceledError, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("CanceledError must unwrap to context.Canceled")
	}
	if len(canceled.Attempts) != 1 {
		t.Errorf("attempt log = %+v, want the dispatch made before the cancel", canceled.Attempts)
	}
}

func TestRoute_BudgetOverflowPrefersCapacityError(t *testing.T) {
	// The input overflows groq's tiny budget but fits openrouter's; with
	// openrouter out of quota the failure is about capacity, not input size.
	fake := &fakeClient{scripts: map[string][]dispatchScript{}}
	r, reg := newTestRouter(t, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 10, APIKey: "k", DailyLimit: 100},
		{Type: config.ProviderTypeOpenAI, Name: "openrouter", Priority: 2, BaseURL: "https://or.test", Model: "qwen", MaxContextTokens: 8192, APIKey: "k2", DailyLimit: 1},
	}, fake)

	// Burn openrouter's only quota unit.
	if _, err := reg.Ordered()[1].Pool.Acquire(); err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}

	_, err := r.Route(context.Background(), ChatRequest{
		System:  strings.Repeat("rules ", 300),
		History: history("hi"),
	}, nil)
	if errors.Is(err, contextwindow.ErrContextTooLarge) {
		t.Fatal("got ErrContextTooLarge although a larger-budget provider exists")
	}
	var terminal *NoProviderAvailableError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected NoProviderAvailableError, got %v", err)
	}
	if len(fake.calls) != 0 {
		t.Errorf("no dispatch should happen, got %v", fake.calls)
	}
}
