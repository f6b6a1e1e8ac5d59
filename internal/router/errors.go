package router

import (
	"fmt"
	"time"
)

// NoProviderAvailableError is the terminal routing failure: every provider
// was either skipped (no credential, open breaker) or attempted and failed.
// RetryAfter hints when capacity returns, derived from the soonest quota
// reset when one is known.
type NoProviderAvailableError struct {
	RetryAfter time.Duration
	Attempts   []DispatchAttempt
}

func (e *NoProviderAvailableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("router: no provider available (retry after %s, %d attempts)",
			e.RetryAfter.Round(time.Second), len(e.Attempts))
	}
	return fmt.Sprintf("router: no provider available (%d attempts)", len(e.Attempts))
}

// CanceledError reports that routing stopped because the caller's context
// ended, keeping the attempts made up to that point. It unwraps to the
// context error so errors.Is(err, context.Canceled) keeps working.
type CanceledError struct {
	Err      error
	Attempts []DispatchAttempt
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("router: routing canceled after %d attempts: %v", len(e.Attempts), e.Err)
}

func (e *CanceledError) Unwrap() error { return e.Err }
