// Package keypool owns the credentials for a single provider and hands them
// out under concurrent access. All counter mutation funnels through one
// mutex-guarded acquire path: quota is reserved at acquisition time and never
// refunded, matching how most vendor APIs account rejected-but-attempted
// calls against rate limits.
package keypool

import (
	"errors"
	"sync"
	"time"
)

// Status is the lifecycle state of a credential.
type Status string

const (
	StatusAvailable Status = "available"
	StatusExhausted Status = "exhausted"
	StatusDisabled  Status = "disabled"
)

// ErrNoCredential is returned by Acquire when every credential in the pool is
// exhausted or disabled. It is internal to routing: the router reacts by
// falling through to the next provider.
var ErrNoCredential = errors.New("keypool: no credential available")

// Key describes one credential at pool construction time.
type Key struct {
	ID         string
	Secret     string
	ProxyURL   string
	DailyLimit int64
}

// Credential is the immutable view handed to callers by Acquire. The secret
// is carried for dispatch but must never be logged; log the ID instead.
type Credential struct {
	ID       string
	Provider string
	Secret   string
	ProxyURL string
}

// Snapshot is a point-in-time view of one credential's bookkeeping, used by
// health reporting.
type Snapshot struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Used        int64     `json:"used"`
	DailyLimit  int64     `json:"daily_limit"`
	WindowStart time.Time `json:"window_start"`
}

type credential struct {
	id          string
	secret      string
	proxyURL    string
	dailyLimit  int64
	used        int64
	status      Status
	windowStart time.Time
}

// Pool holds one provider's credentials plus rotation bookkeeping.
type Pool struct {
	provider string

	mu     sync.Mutex
	creds  []*credential
	cursor int
}

// New creates a pool for the given provider. Keys with empty secrets are
// skipped.
func New(provider string, keys []Key) *Pool {
	p := &Pool{provider: provider}
	now := time.Now().UTC()
	for _, k := range keys {
		if k.Secret == "" {
			continue
		}
		p.creds = append(p.creds, &credential{
			id:          k.ID,
			secret:      k.Secret,
			proxyURL:    k.ProxyURL,
			dailyLimit:  k.DailyLimit,
			status:      StatusAvailable,
			windowStart: now,
		})
	}
	return p
}

// Provider returns the provider this pool belongs to.
func (p *Pool) Provider() string { return p.provider }

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Acquire returns a usable credential, scanning from a rotating cursor so
// load spreads evenly across keys. One unit of daily quota is committed
// before the credential is returned; two concurrent callers can never both
// be granted a credential's last unit.
func (p *Pool) Acquire() (Credential, error) {
	return p.AcquireExcluding(nil)
}

// AcquireExcluding is Acquire with a set of credential IDs to skip. The
// router uses it to retry a transport failure on a different key.
func (p *Pool) AcquireExcluding(exclude map[string]struct{}) (Credential, error) {
	now := time.Now().UTC()

	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		c := p.creds[idx]

		c.maybeReset(now)

		if c.status != StatusAvailable {
			continue
		}
		if exclude != nil {
			if _, skip := exclude[c.id]; skip {
				continue
			}
		}
		if c.dailyLimit > 0 && c.used >= c.dailyLimit {
			// Counter caught up with the limit since the last scan.
			c.status = StatusExhausted
			continue
		}

		// Optimistic reservation: the unit is spent now and not refunded
		// if the dispatch later fails for non-quota reasons.
		c.used++
		if c.dailyLimit > 0 && c.used >= c.dailyLimit {
			c.status = StatusExhausted
		}

		p.cursor = (idx + 1) % n
		return Credential{
			ID:       c.id,
			Provider: p.provider,
			Secret:   c.secret,
			ProxyURL: c.proxyURL,
		}, nil
	}

	return Credential{}, ErrNoCredential
}

// MarkExhausted force-exhausts a credential. Called when the provider itself
// reports a quota error: the vendor's signal is authoritative even when the
// local counter has not reached the limit.
func (p *Pool) MarkExhausted(credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.id == credentialID && c.status != StatusDisabled {
			c.status = StatusExhausted
			return
		}
	}
}

// Disable permanently removes a credential from rotation. Used for keys the
// provider rejects as invalid; they stay disabled across daily resets until
// an operator fixes the configuration.
func (p *Pool) Disable(credentialID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.id == credentialID {
			c.status = StatusDisabled
			return
		}
	}
}

// ResetSweep resets every credential whose usage window started on a previous
// UTC day. Invoking it repeatedly within the same day is a no-op. The sweep
// is a plain function of the supplied clock so tests can drive it directly.
func (p *Pool) ResetSweep(now time.Time) {
	now = now.UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		c.maybeReset(now)
	}
}

// maybeReset rolls a credential into a fresh daily window. Disabled
// credentials stay disabled. Caller must hold p.mu; the triple
// (used, status, windowStart) is swapped in one critical section so a
// concurrent Acquire never observes a partial reset.
func (c *credential) maybeReset(now time.Time) {
	if c.status == StatusDisabled {
		return
	}
	if sameUTCDay(c.windowStart, now) {
		return
	}
	c.used = 0
	c.status = StatusAvailable
	c.windowStart = now
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// NextReset returns the earliest upcoming UTC midnight that will free an
// exhausted credential, for retry-after hints. ok is false when nothing in
// the pool will recover on its own (all disabled, or none exhausted).
func (p *Pool) NextReset(now time.Time) (time.Time, bool) {
	now = now.UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.status == StatusExhausted {
			y, m, d := now.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1), true
		}
	}
	return time.Time{}, false
}

// Snapshots returns per-credential bookkeeping for health reporting. Secrets
// are not included.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, Snapshot{
			ID:          c.id,
			Status:      c.status,
			Used:        c.used,
			DailyLimit:  c.dailyLimit,
			WindowStart: c.windowStart,
		})
	}
	return out
}
