package resilience

import (
	"github.com/sony/gobreaker"
)

// StreamingCircuitBreaker wraps gobreaker's TwoStepCircuitBreaker for
// streamed dispatches, where success is only known once the stream ends:
//   - Allow() checks whether the request may proceed and returns a callback
//   - the callback is invoked with the outcome when the stream completes
type StreamingCircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewStreamingCircuitBreaker creates a streaming-friendly breaker.
func NewStreamingCircuitBreaker(cfg BreakerConfig) *StreamingCircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		IsSuccessful: cfg.IsSuccessful,
	}
	return &StreamingCircuitBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings)}
}

// Allow reports whether the breaker permits a request. The returned done
// callback must be called exactly once when the operation completes.
func (s *StreamingCircuitBreaker) Allow() (done func(success bool), err error) {
	return s.cb.Allow()
}

// State returns the breaker's current state.
func (s *StreamingCircuitBreaker) State() gobreaker.State { return s.cb.State() }
