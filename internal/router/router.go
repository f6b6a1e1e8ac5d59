// Package router walks the provider failover chain for each chat request:
// acquire a credential, fit the conversation into the provider's context
// budget, dispatch, and react to the outcome. Quota errors rotate to the
// next credential, auth errors disable the key, transport errors get one
// retry (on a different key when the provider has one), and anything else
// falls through to the next provider in priority order.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lumenchat/relay/internal/config"
	"github.com/lumenchat/relay/internal/contextwindow"
	"github.com/lumenchat/relay/internal/keypool"
	log "github.com/lumenchat/relay/internal/logging"
	"github.com/lumenchat/relay/internal/registry"
	"github.com/lumenchat/relay/internal/relay"
	"github.com/lumenchat/relay/internal/resilience"
	"github.com/lumenchat/relay/internal/upstream"
)

// DispatchAttempt is one entry in a request's attempt log. Every dispatch
// that reached a provider is recorded, in order, whatever its outcome.
type DispatchAttempt struct {
	Provider     string           `json:"provider"`
	CredentialID string           `json:"credential_id"`
	Outcome      upstream.Outcome `json:"outcome"`
	StartedAt    time.Time        `json:"started_at"`
	LatencyMs    int64            `json:"latency_ms"`
}

// ChatRequest is one routed conversation turn.
type ChatRequest struct {
	System  string
	History []*contextwindow.Message
}

// Result is a completed routing: which provider served it, the full
// response text, and the attempt log including earlier failures.
type Result struct {
	Provider     string
	CredentialID string
	Model        string
	Text         string
	Usage        *upstream.Usage
	Truncated    bool
	ClientGone   bool
	// Err is set when the stream failed after partial output had already
	// been forwarded; failover is impossible at that point and Text holds
	// what was received.
	Err      error
	Attempts []DispatchAttempt
}

// Options tunes routing behavior; zero values take the config defaults.
type Options struct {
	// AttemptTimeout bounds the dispatch stage of one attempt (connect
	// through response headers).
	AttemptTimeout time.Duration
	// StreamTimeout bounds one attempt end to end.
	StreamTimeout time.Duration
	// IdleTimeout is forwarded to the adapters' stall watchdog.
	IdleTimeout time.Duration
	// RetryBudgetSize caps concurrent transport retries process-wide.
	RetryBudgetSize int64
	// Relay is the client-disconnect policy.
	Relay relay.Policy
}

// Router owns the failover loop and per-provider circuit breakers.
type Router struct {
	registry *registry.Registry
	counter  contextwindow.Counter
	opts     Options
	budget   *resilience.RetryBudget

	clientsMu sync.Mutex
	clients   map[config.ProviderType]upstream.Client
	newClient func(config.ProviderType, upstream.Options) (upstream.Client, error)

	breakersMu sync.Mutex
	breakers   map[string]*resilience.StreamingCircuitBreaker
}

// New creates a router over the registry.
func New(reg *registry.Registry, opts Options) *Router {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 15 * time.Second
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 10 * time.Minute
	}
	return &Router{
		registry: reg,
		counter:  contextwindow.DefaultCounter(),
		opts:     opts,
		budget:    resilience.NewRetryBudget(opts.RetryBudgetSize),
		clients:   make(map[config.ProviderType]upstream.Client),
		newClient: upstream.NewClient,
		breakers:  make(map[string]*resilience.StreamingCircuitBreaker),
	}
}

// clientFor returns the shared adapter for a provider type.
func (r *Router) clientFor(t config.ProviderType) (upstream.Client, error) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	if c, ok := r.clients[t]; ok {
		return c, nil
	}
	c, err := r.newClient(t, upstream.Options{IdleTimeout: r.opts.IdleTimeout})
	if err != nil {
		return nil, err
	}
	r.clients[t] = c
	return c, nil
}

func (r *Router) breakerFor(provider string) *resilience.StreamingCircuitBreaker {
	r.breakersMu.Lock()
	defer r.breakersMu.Unlock()
	if b, ok := r.breakers[provider]; ok {
		return b
	}
	b := resilience.NewStreamingCircuitBreaker(resilience.DefaultBreakerConfig(provider, nil))
	r.breakers[provider] = b
	return b
}

// Route dispatches one chat request, failing over across credentials and
// providers until a stream is served or capacity runs out. onChunk receives
// text increments as they arrive; it is never called after ctx is done.
//
// On success the attempt log in Result includes the failed attempts that
// preceded it. Terminal failures return *NoProviderAvailableError, or
// contextwindow.ErrContextTooLarge when the newest message cannot fit any
// provider's budget. A caller disconnect returns *CanceledError carrying
// the attempts made before the context ended.
func (r *Router) Route(ctx context.Context, req ChatRequest, onChunk func(text string)) (*Result, error) {
	if len(req.History) == 0 {
		return nil, errors.New("router: empty history")
	}

	var attempts []DispatchAttempt
	var retryHint time.Duration
	sawContextTooLarge := false
	windowFit := false

	for _, spec := range r.registry.Ordered() {
		result, windowErr := r.routeProvider(ctx, spec, req, onChunk, &attempts, &retryHint)
		if result != nil {
			result.Attempts = attempts
			return result, nil
		}
		if windowErr != nil {
			if errors.Is(windowErr, contextwindow.ErrContextTooLarge) {
				sawContextTooLarge = true
			}
		} else {
			windowFit = true
		}
		if ctx.Err() != nil {
			return nil, &CanceledError{Err: ctx.Err(), Attempts: attempts}
		}
	}

	// ContextTooLarge is only the caller's problem when no provider's budget
	// could fit the input; when a larger-budget provider merely lacked
	// capacity, the failure is about capacity, not input size.
	if sawContextTooLarge && !windowFit && len(attempts) == 0 {
		return nil, contextwindow.ErrContextTooLarge
	}

	terminal := &NoProviderAvailableError{Attempts: attempts}
	if at, ok := r.registry.SoonestReset(time.Now()); ok {
		if wait := time.Until(at); wait > 0 {
			terminal.RetryAfter = wait
		}
	}
	// A vendor-advertised cooldown beats the daily-reset estimate when it
	// promises capacity sooner.
	if retryHint > 0 && (terminal.RetryAfter == 0 || retryHint < terminal.RetryAfter) {
		terminal.RetryAfter = retryHint
	}
	return nil, terminal
}

// routeProvider runs the credential loop for one provider. A nil result with
// nil error means the provider is out of options and the caller should move
// on to the next one.
func (r *Router) routeProvider(ctx context.Context, spec *registry.ProviderSpec, req ChatRequest, onChunk func(string), attempts *[]DispatchAttempt, retryHint *time.Duration) (*Result, error) {
	window, err := contextwindow.Build(req.History, req.System, spec.MaxContextTokens, r.counter)
	if err != nil {
		return nil, err
	}

	client, err := r.clientFor(spec.Type)
	if err != nil {
		log.Warnf("router: provider %s skipped: %v", spec.Name, err)
		return nil, nil
	}

	breaker := r.breakerFor(spec.Name)

	upstreamReq := upstream.Request{
		Model:           spec.Model,
		System:          window.SystemPrompt,
		MaxOutputTokens: spec.MaxOutputTokens,
	}
	for _, m := range window.Messages {
		upstreamReq.Messages = append(upstreamReq.Messages, upstream.Message{Role: m.Role, Content: m.Content})
	}

	tried := make(map[string]struct{})
	transportRetried := false
	budgetHeld := false
	reuseID := ""
	defer func() {
		if budgetHeld {
			r.budget.Release()
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil, nil
		}

		cred, err := spec.Pool.AcquireExcluding(tried)
		if err != nil && reuseID != "" {
			// A transport retry was granted but the provider has no other
			// credential. The failed key is still usable; the retry is
			// bounded either way.
			delete(tried, reuseID)
			cred, err = spec.Pool.AcquireExcluding(tried)
		}
		if err != nil {
			// Pool exhausted for this request: no attempt is logged for a
			// provider that never got dispatched to.
			return nil, nil
		}
		reuseID = ""
		tried[cred.ID] = struct{}{}

		done, berr := breaker.Allow()
		if berr != nil {
			return nil, nil
		}

		attempt, outcome := r.dispatch(ctx, client, spec, cred, upstreamReq, onChunk, done)
		*attempts = append(*attempts, attempt.record)

		switch outcome {
		case upstream.OutcomeSuccess:
			attempt.result.Truncated = window.Truncated
			return attempt.result, nil

		case upstream.OutcomeRateLimited:
			// The vendor's quota signal is authoritative over the local
			// counter.
			spec.Pool.MarkExhausted(cred.ID)
			if attempt.retryAfter != nil && *attempt.retryAfter > 0 {
				if *retryHint == 0 || *attempt.retryAfter < *retryHint {
					*retryHint = *attempt.retryAfter
				}
			}
			log.Warnf("router: %s credential %s rate-limited, rotating", spec.Name, cred.ID)

		case upstream.OutcomeAuthError:
			spec.Pool.Disable(cred.ID)
			log.Errorf("router: %s credential %s rejected as invalid, disabled", spec.Name, cred.ID)

		case upstream.OutcomeNetworkError, upstream.OutcomeTimeout:
			if transportRetried || !r.budget.TryAcquire() {
				log.Warnf("router: %s transport failure on %s, moving to next provider", spec.Name, cred.ID)
				return nil, nil
			}
			budgetHeld = true
			transportRetried = true
			reuseID = cred.ID
			log.Warnf("router: %s transport failure on %s, retrying once", spec.Name, cred.ID)
			if !attempt.midStream {
				if resilience.WaitWithContext(ctx, resilience.CalculateBackoff(0, 200*time.Millisecond, 2*time.Second)) != nil {
					return nil, nil
				}
			}
		}

		if attempt.midStream {
			// Bytes may already have reached the client; failover after
			// partial output would splice two answers together.
			attempt.result.Truncated = window.Truncated
			return attempt.result, nil
		}
	}
}

type attemptOutcome struct {
	record     DispatchAttempt
	result     *Result
	midStream  bool
	retryAfter *time.Duration
}

// dispatch runs one attempt against one credential: dispatch stage under
// AttemptTimeout, then the relay pump under StreamTimeout. done is the
// breaker's completion callback and is invoked exactly once.
func (r *Router) dispatch(ctx context.Context, client upstream.Client, spec *registry.ProviderSpec, cred keypool.Credential, req upstream.Request, onChunk func(string), done func(success bool)) (attemptOutcome, upstream.Outcome) {
	started := time.Now()
	record := func(outcome upstream.Outcome) DispatchAttempt {
		return DispatchAttempt{
			Provider:     spec.Name,
			CredentialID: cred.ID,
			Outcome:      outcome,
			StartedAt:    started,
			LatencyMs:    time.Since(started).Milliseconds(),
		}
	}

	// The upstream context is detached from the caller so a client
	// disconnect can drain the stream when the policy asks for it.
	upstreamCtx, upstreamCancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.StreamTimeout)

	target := upstream.Target{
		BaseURL:  spec.BaseURL,
		APIKey:   cred.Secret,
		ProxyURL: cred.ProxyURL,
		Headers:  spec.Headers,
	}

	type dispatched struct {
		chunks <-chan upstream.Chunk
		err    error
	}
	dispatchCh := make(chan dispatched, 1)
	go func() {
		chunks, err := client.Stream(upstreamCtx, target, req)
		dispatchCh <- dispatched{chunks: chunks, err: err}
	}()

	var disp dispatched
	select {
	case disp = <-dispatchCh:
	case <-time.After(r.opts.AttemptTimeout):
		upstreamCancel()
		<-dispatchCh
		done(false)
		log.Warnf("router: %s dispatch timed out after %v", spec.Name, r.opts.AttemptTimeout)
		return attemptOutcome{record: record(upstream.OutcomeTimeout)}, upstream.OutcomeTimeout
	case <-ctx.Done():
		upstreamCancel()
		<-dispatchCh
		done(true)
		return attemptOutcome{record: record(upstream.OutcomeTimeout)}, upstream.OutcomeTimeout
	}

	if disp.err != nil {
		upstreamCancel()
		outcome := upstream.Classify(disp.err)
		done(outcome == upstream.OutcomeRateLimited || outcome == upstream.OutcomeAuthError)
		log.Warnf("router: %s dispatch via %s failed (%s): %v", spec.Name, cred.ID, outcome, disp.err)
		return attemptOutcome{record: record(outcome), retryAfter: upstream.RetryAfterFromError(disp.err)}, outcome
	}

	pump := relay.Run(ctx, upstreamCancel, disp.chunks, onChunk, r.opts.Relay)
	outcome := upstream.Classify(pump.Err)
	done(outcome == upstream.OutcomeSuccess || pump.ClientGone)

	result := &Result{
		Provider:     spec.Name,
		CredentialID: cred.ID,
		Model:        spec.Model,
		Text:         pump.Text,
		Usage:        pump.Usage,
		ClientGone:   pump.ClientGone,
	}

	if pump.Err != nil {
		log.Warnf("router: %s stream via %s failed mid-flight (%s) after %d chunks",
			spec.Name, cred.ID, outcome, pump.Chunks)
		if pump.Chunks > 0 {
			result.Err = pump.Err
			return attemptOutcome{record: record(outcome), result: result, midStream: true}, outcome
		}
		// Nothing reached the client yet; this attempt can fail over.
		return attemptOutcome{record: record(outcome)}, outcome
	}

	log.Infof("router: served by %s via %s (%d chunks, %v)",
		spec.Name, cred.ID, pump.Chunks, pump.Duration.Round(time.Millisecond))
	return attemptOutcome{record: record(upstream.OutcomeSuccess), result: result}, upstream.OutcomeSuccess
}
