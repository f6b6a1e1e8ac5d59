package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lumenchat/relay/internal/config"
	"github.com/lumenchat/relay/internal/registry"
	"github.com/lumenchat/relay/internal/usage"
)

func newTestServer(t *testing.T, cfg *config.Config, providers []config.Provider) *Server {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	return NewServer(Options{
		Config:   cfg,
		Registry: registry.New(providers),
		Counters: usage.NewCounters(),
	})
}

func TestHealth_OK(t *testing.T) {
	s := newTestServer(t, nil, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "k", DailyLimit: 10},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"status":"ok"`) {
		t.Errorf("body missing ok status: %s", body)
	}
	if !strings.Contains(body, `"groq"`) {
		t.Errorf("body missing provider: %s", body)
	}
}

func TestHealth_DegradedWhenAllExhausted(t *testing.T) {
	providers := []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: "k", DailyLimit: 1},
	}
	reg := registry.New(providers)
	if _, err := reg.Ordered()[0].Pool.Acquire(); err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	s := NewServer(Options{Config: &config.Config{}, Registry: reg, Counters: usage.NewCounters()})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"degraded"`) {
		t.Errorf("body missing degraded status: %s", w.Body.String())
	}
}

func TestHealth_NeverExposesCredentialSecrets(t *testing.T) {
	const secret = "sk-super-secret-value"
	s := newTestServer(t, nil, []config.Provider{
		{Type: config.ProviderTypeOpenAI, Name: "groq", Priority: 1, BaseURL: "https://groq.test", Model: "llama", MaxContextTokens: 8192, APIKey: secret, DailyLimit: 10},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(w, req)

	if strings.Contains(w.Body.String(), secret) {
		t.Fatal("health response leaks a credential secret")
	}
	if !strings.Contains(w.Body.String(), "groq/key-1") {
		t.Errorf("health response should identify credentials by ID: %s", w.Body.String())
	}
}

func TestChat_InvalidRequest(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"messages":[]}`))
	req.Header.Set("Content-Type", "application/json")
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestUsage_NotConfigured(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	s.engine.ServeHTTP(w, req)

	if w.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.engine.ServeHTTP(w, req)
	if w.Header().Get(requestIDHeader) == "" {
		t.Error("missing generated request ID header")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-abc123")
	s.engine.ServeHTTP(w, req)
	if got := w.Header().Get(requestIDHeader); got != "req-abc123" {
		t.Errorf("request ID = %q, want caller-supplied req-abc123", got)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := &config.Config{RateLimit: config.RateLimit{RPS: 1, Burst: 1}}
	s := newTestServer(t, cfg, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"messages":[]}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.1.2.3:4000"
		s.engine.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusBadRequest {
		t.Errorf("first request = %d, want 400 (past the limiter)", codes[0])
	}
	limited := 0
	for _, code := range codes[1:] {
		if code == http.StatusTooManyRequests {
			limited++
		}
	}
	if limited == 0 {
		t.Errorf("expected follow-up requests to be rate limited, got %v", codes)
	}
}
