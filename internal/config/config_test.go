package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
providers:
  - type: openai
    name: groq
    base-url: https://api.groq.com/openai/v1
    model: llama-3.3-70b
    api-key: gsk_test
    daily-limit: 14400
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Host != "0.0.0.0" || cfg.Port != 8711 {
		t.Errorf("addr defaults = %s, want 0.0.0.0:8711", cfg.Addr())
	}
	if cfg.Routing.AttemptTimeout != 15*time.Second {
		t.Errorf("AttemptTimeout = %v, want 15s", cfg.Routing.AttemptTimeout)
	}
	if cfg.Routing.StreamTimeout != 10*time.Minute {
		t.Errorf("StreamTimeout = %v, want 10m", cfg.Routing.StreamTimeout)
	}
	if cfg.Routing.IdleTimeout != 3*time.Minute {
		t.Errorf("IdleTimeout = %v, want 3m", cfg.Routing.IdleTimeout)
	}
	if cfg.Routing.DrainTimeout != 30*time.Second {
		t.Errorf("DrainTimeout = %v, want 30s", cfg.Routing.DrainTimeout)
	}
	if cfg.Routing.RetryBudget != 50 {
		t.Errorf("RetryBudget = %d, want 50", cfg.Routing.RetryBudget)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers = %d, want 1", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.MaxContextTokens != 8192 {
		t.Errorf("MaxContextTokens = %d, want default 8192", p.MaxContextTokens)
	}
	if p.DailyLimit != 14400 {
		t.Errorf("DailyLimit = %d, want 14400", p.DailyLimit)
	}
}

func TestLoad_JSONWithCommentsAndTrailingCommas(t *testing.T) {
	path := writeFile(t, "config.jsonc", `{
  // primary pool
  "port": 9000,
  "routing": {"drain-on-cancel": true},
  "providers": [
    {
      "type": "anthropic",
      "name": "claude",
      "model": "claude-sonnet-4-20250514",
      "api-key": "sk-ant-test",
      "max-context-tokens": 200000,
    },
  ],
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if !cfg.Routing.DrainOnCancel {
		t.Error("DrainOnCancel should be true")
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Type != ProviderTypeAnthropic {
		t.Fatalf("providers = %+v, want one anthropic entry", cfg.Providers)
	}
	if cfg.Providers[0].MaxContextTokens != 200000 {
		t.Errorf("MaxContextTokens = %d, want 200000", cfg.Providers[0].MaxContextTokens)
	}
}

func TestLoad_NoUsableProviders(t *testing.T) {
	path := writeFile(t, "config.yaml", `
providers:
  - type: openai
    base-url: https://x.test
    model: m
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load should fail when no provider has credentials")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load should fail for a missing file")
	}
}

func TestSanitizeProviders(t *testing.T) {
	disabled := false
	providers := []Provider{
		{Type: "  OpenAI ", Name: " groq ", BaseURL: "https://api.groq.com/", Model: " llama ", APIKey: " k1 "},
		{Type: ProviderTypeOpenAI, Name: "groq", BaseURL: "https://api.groq.com", Model: "llama", APIKey: "dup"},
		{Type: ProviderTypeOpenAI, Name: "off", BaseURL: "https://off.test", Model: "m", APIKey: "k", Enabled: &disabled},
		{Type: ProviderTypeOpenAI, Name: "nokey", BaseURL: "https://nokey.test", Model: "m"},
		{Type: "mystery", Name: "bad", Model: "m", APIKey: "k"},
		{Type: ProviderTypeAnthropic, Name: "claude", Model: "sonnet", APIKeys: []ProviderAPIKey{{Key: " sk "}, {Key: ""}}},
	}

	got := SanitizeProviders(providers)
	if len(got) != 2 {
		t.Fatalf("sanitized = %d providers, want 2: %+v", len(got), got)
	}

	groq := got[0]
	if groq.Name != "groq" || groq.BaseURL != "https://api.groq.com" || groq.APIKey != "k1" {
		t.Errorf("normalization failed: %+v", groq)
	}
	if groq.Type != ProviderTypeOpenAI {
		t.Errorf("type = %q, want openai", groq.Type)
	}

	claude := got[1]
	if len(claude.APIKeys) != 1 || claude.APIKeys[0].Key != "sk" {
		t.Errorf("blank keys should be dropped: %+v", claude.APIKeys)
	}
	if claude.MaxContextTokens != 8192 {
		t.Errorf("MaxContextTokens = %d, want default 8192", claude.MaxContextTokens)
	}
}

func TestProvider_GetAPIKeys(t *testing.T) {
	p := Provider{APIKey: "solo"}
	keys := p.GetAPIKeys()
	if len(keys) != 1 || keys[0].Key != "solo" {
		t.Fatalf("GetAPIKeys = %+v, want single solo entry", keys)
	}

	p.APIKeys = []ProviderAPIKey{{Key: "a"}, {Key: "b", ProxyURL: "socks5://127.0.0.1:1080"}}
	keys = p.GetAPIKeys()
	if len(keys) != 2 || keys[1].ProxyURL == "" {
		t.Fatalf("GetAPIKeys = %+v, want the explicit list", keys)
	}
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn     string
		backend string
		wantErr bool
		wantNil bool
	}{
		{dsn: "", wantNil: true},
		{dsn: "  ", wantNil: true},
		{dsn: "sqlite://~/relay/usage.db", backend: "sqlite"},
		{dsn: "postgres://u:p@localhost:5432/relay", backend: "postgres"},
		{dsn: "postgresql://u:p@localhost:5432/relay", backend: "postgres"},
		{dsn: "sqlite://", wantErr: true},
		{dsn: "mysql://localhost/relay", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDSN(tt.dsn)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDSN(%q) should fail", tt.dsn)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDSN(%q): %v", tt.dsn, err)
			continue
		}
		if tt.wantNil {
			if got != nil {
				t.Errorf("ParseDSN(%q) = %+v, want nil", tt.dsn, got)
			}
			continue
		}
		if got.Backend != tt.backend {
			t.Errorf("ParseDSN(%q).Backend = %q, want %q", tt.dsn, got.Backend, tt.backend)
		}
	}
	if parsed, _ := ParseDSN("sqlite:///var/lib/relay.db"); parsed.Path != "/var/lib/relay.db" {
		t.Errorf("sqlite path = %q, want /var/lib/relay.db", parsed.Path)
	}
}
