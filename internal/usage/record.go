// Package usage tracks dispatch accounting: lock-free counters for the
// health endpoint plus a batched persistence backend for historical queries.
package usage

import "time"

// DispatchRecord is one persisted dispatch outcome. CredentialID identifies
// the key without exposing its secret.
type DispatchRecord struct {
	Provider     string    `json:"provider"`
	CredentialID string    `json:"credential_id"`
	Model        string    `json:"model"`
	RequestedAt  time.Time `json:"requested_at"`
	Outcome      string    `json:"outcome"`
	Failed       bool      `json:"failed"`
	Attempts     int       `json:"attempts"`
	LatencyMs    int64     `json:"latency_ms"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
}

// AggregatedStats is the all-up view since a point in time.
type AggregatedStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	TotalTokens   int64 `json:"total_tokens"`
}

// ProviderStats aggregates per provider.
type ProviderStats struct {
	Provider     string `json:"provider"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	TotalTokens  int64  `json:"total_tokens"`
	AvgLatencyMs int64  `json:"avg_latency_ms"`
}

// DailyStats aggregates per UTC day.
type DailyStats struct {
	Day      string `json:"day"`
	Requests int64  `json:"requests"`
	Tokens   int64  `json:"tokens"`
}
