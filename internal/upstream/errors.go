package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Outcome classifies a dispatch attempt for failover decisions and the
// attempt log.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeRateLimited  Outcome = "rateLimited"
	OutcomeAuthError    Outcome = "authError"
	OutcomeNetworkError Outcome = "networkError"
	OutcomeTimeout      Outcome = "timeout"
)

// ProviderError is a vendor rejection carrying enough detail for failover
// decisions. The credential secret never appears in it.
type ProviderError struct {
	Provider string
	Status   int
	Code     string
	Message  string

	retryAfter *time.Duration
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %s: %s (%d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream %s: status %d: %s", e.Provider, e.Status, e.Message)
}

// StatusCode returns the HTTP status the provider answered with.
func (e *ProviderError) StatusCode() int { return e.Status }

// RetryAfter returns the provider-advertised cooldown, if any.
func (e *ProviderError) RetryAfter() *time.Duration {
	if e.retryAfter == nil {
		return nil
	}
	val := *e.retryAfter
	return &val
}

// WithRetryAfter attaches a provider-advertised cooldown.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.retryAfter = &d
	return e
}

// Classify maps an error to its failover outcome. It probes for a
// StatusCode() method through errors.As so wrapped errors classify the same
// as bare ones.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}

	if status := statusCodeFromError(err); status != 0 {
		switch {
		case status == http.StatusTooManyRequests:
			return OutcomeRateLimited
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return OutcomeAuthError
		case status == http.StatusPaymentRequired:
			// Out of prepaid credit behaves like an exhausted quota.
			return OutcomeRateLimited
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			return OutcomeTimeout
		default:
			return OutcomeNetworkError
		}
	}
	return OutcomeNetworkError
}

// statusCodeFromError extracts an HTTP status code from any error exposing a
// StatusCode() method.
func statusCodeFromError(err error) int {
	type statusCoder interface {
		StatusCode() int
	}
	var sc statusCoder
	if errors.As(err, &sc) && sc != nil {
		return sc.StatusCode()
	}
	return 0
}

// RetryAfterFromError extracts a provider-advertised cooldown, if the error
// carries one.
func RetryAfterFromError(err error) *time.Duration {
	type retryAfterProvider interface {
		RetryAfter() *time.Duration
	}
	var rap retryAfterProvider
	if !errors.As(err, &rap) || rap == nil {
		return nil
	}
	return rap.RetryAfter()
}
