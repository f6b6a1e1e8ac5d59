package config

import "strings"

// ProviderType selects the wire dialect used to talk to a provider.
type ProviderType string

const (
	// ProviderTypeOpenAI covers OpenAI-compatible APIs (OpenAI, Groq,
	// OpenRouter, DeepSeek, Together and friends).
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeAnthropic uses Anthropic's Messages API.
	ProviderTypeAnthropic ProviderType = "anthropic"
)

// Provider describes one upstream LLM vendor instance.
type Provider struct {
	// Type specifies the wire dialect (openai, anthropic).
	Type ProviderType `yaml:"type" json:"type"`

	// Name is the display name for this provider instance. Required when
	// multiple providers share a type. Examples: "groq", "openrouter".
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Enabled allows disabling a provider without removing it. Default: true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Priority orders failover; lower values are tried first. Providers with
	// equal priority keep their declaration order.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`

	// BaseURL is the API endpoint. Required for openai; optional for
	// anthropic (defaults to the public endpoint).
	BaseURL string `yaml:"base-url,omitempty" json:"base-url,omitempty"`

	// Model is the model id sent in requests.
	Model string `yaml:"model" json:"model"`

	// MaxContextTokens is the provider's context window budget.
	MaxContextTokens int `yaml:"max-context-tokens,omitempty" json:"max-context-tokens,omitempty"`

	// MaxOutputTokens caps the completion length; zero leaves it to the vendor.
	MaxOutputTokens int `yaml:"max-output-tokens,omitempty" json:"max-output-tokens,omitempty"`

	// DailyLimit is the per-key daily request quota (e.g. 14400 for Groq
	// free-tier keys). Zero means unmetered.
	DailyLimit int64 `yaml:"daily-limit,omitempty" json:"daily-limit,omitempty"`

	// APIKey is the primary key. For multiple keys use APIKeys.
	APIKey string `yaml:"api-key,omitempty" json:"api-key,omitempty"`

	// APIKeys allows multiple keys with per-key proxy settings, rotated
	// round-robin by the key pool.
	APIKeys []ProviderAPIKey `yaml:"api-keys,omitempty" json:"api-keys,omitempty"`

	// Headers adds custom HTTP headers to requests.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// ProviderAPIKey is an API key with optional per-key settings.
type ProviderAPIKey struct {
	Key      string `yaml:"key" json:"key"`
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`
}

// IsEnabled returns true if the provider is enabled (default: true).
func (p *Provider) IsEnabled() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

// GetAPIKeys returns all API keys for this provider. If APIKey is set and
// APIKeys is empty, APIKey is returned as a single entry.
func (p *Provider) GetAPIKeys() []ProviderAPIKey {
	if len(p.APIKeys) > 0 {
		return p.APIKeys
	}
	if p.APIKey != "" {
		return []ProviderAPIKey{{Key: p.APIKey}}
	}
	return nil
}

// GetDisplayName returns the provider's name, falling back to its type.
func (p *Provider) GetDisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.Type)
}

// Validate checks the provider configuration.
func (p *Provider) Validate() error {
	if p.Type == "" {
		return &ProviderValidationError{Field: "type", Message: "type is required"}
	}
	if p.Type != ProviderTypeOpenAI && p.Type != ProviderTypeAnthropic {
		return &ProviderValidationError{Field: "type", Message: "unknown type " + string(p.Type)}
	}
	if p.APIKey == "" && len(p.APIKeys) == 0 {
		return &ProviderValidationError{Field: "api-key", Message: "api-key or api-keys is required"}
	}
	if p.Model == "" {
		return &ProviderValidationError{Field: "model", Message: "model is required"}
	}
	if p.Type == ProviderTypeOpenAI && p.BaseURL == "" {
		return &ProviderValidationError{Field: "base-url", Message: "base-url is required for openai"}
	}
	return nil
}

// ProviderValidationError reports an invalid provider config field.
type ProviderValidationError struct {
	Field   string
	Message string
}

func (e *ProviderValidationError) Error() string {
	return "provider config error: " + e.Field + ": " + e.Message
}

// SanitizeProviders normalizes and validates the providers list, dropping
// disabled, invalid, and duplicate entries while preserving order.
func SanitizeProviders(providers []Provider) []Provider {
	if len(providers) == 0 {
		return nil
	}

	result := make([]Provider, 0, len(providers))
	seen := make(map[string]struct{})

	for i := range providers {
		p := &providers[i]

		if !p.IsEnabled() {
			continue
		}

		p.Type = ProviderType(strings.TrimSpace(strings.ToLower(string(p.Type))))
		p.Name = strings.TrimSpace(p.Name)
		p.APIKey = strings.TrimSpace(p.APIKey)
		p.Model = strings.TrimSpace(p.Model)
		p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")

		validKeys := make([]ProviderAPIKey, 0, len(p.APIKeys))
		for _, k := range p.APIKeys {
			k.Key = strings.TrimSpace(k.Key)
			k.ProxyURL = strings.TrimSpace(k.ProxyURL)
			if k.Key != "" {
				validKeys = append(validKeys, k)
			}
		}
		p.APIKeys = validKeys

		if p.MaxContextTokens <= 0 {
			p.MaxContextTokens = 8192
		}

		if err := p.Validate(); err != nil {
			continue
		}

		uniqueKey := string(p.Type) + "|" + p.Name + "|" + p.BaseURL
		if _, exists := seen[uniqueKey]; exists {
			continue
		}
		seen[uniqueKey] = struct{}{}

		result = append(result, *p)
	}

	return result
}
