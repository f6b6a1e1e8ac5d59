// Package registry exposes the configured providers in failover order and
// delegates credential acquisition to each provider's key pool.
package registry

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lumenchat/relay/internal/config"
	"github.com/lumenchat/relay/internal/keypool"
	log "github.com/lumenchat/relay/internal/logging"
)

// ProviderSpec is the runtime description of one upstream vendor. It is
// immutable for the life of a config generation; only the pool's counters
// mutate.
type ProviderSpec struct {
	Name             string
	Type             config.ProviderType
	Priority         int
	BaseURL          string
	Model            string
	MaxContextTokens int
	MaxOutputTokens  int
	Headers          map[string]string

	Pool *keypool.Pool
}

// ProviderHealth is the per-provider view returned by Health.
type ProviderHealth struct {
	Name        string             `json:"name"`
	Priority    int                `json:"priority"`
	Model       string             `json:"model"`
	Available   int                `json:"available"`
	Exhausted   int                `json:"exhausted"`
	Disabled    int                `json:"disabled"`
	Credentials []keypool.Snapshot `json:"credentials,omitempty"`
}

// Registry holds the provider set and runs the daily-reset sweep. The
// provider slice is swapped wholesale on config reload; readers take a
// snapshot reference under RLock and keep working on it.
type Registry struct {
	mu    sync.RWMutex
	specs []*ProviderSpec

	sweepInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// New builds a registry from config providers.
func New(providers []config.Provider) *Registry {
	r := &Registry{
		sweepInterval: time.Minute,
		stopChan:      make(chan struct{}),
	}
	r.Apply(providers)
	return r
}

// Apply replaces the provider set from config. Existing pools are discarded
// along with their counters; a reload is an operator action and starts
// quota accounting fresh.
func (r *Registry) Apply(providers []config.Provider) {
	specs := buildSpecs(providers)

	r.mu.Lock()
	r.specs = specs
	r.mu.Unlock()
}

func buildSpecs(providers []config.Provider) []*ProviderSpec {
	specs := make([]*ProviderSpec, 0, len(providers))
	for i := range providers {
		p := &providers[i]
		name := p.GetDisplayName()

		keys := p.GetAPIKeys()
		poolKeys := make([]keypool.Key, 0, len(keys))
		for j, k := range keys {
			poolKeys = append(poolKeys, keypool.Key{
				ID:         credentialID(name, j),
				Secret:     k.Key,
				ProxyURL:   k.ProxyURL,
				DailyLimit: p.DailyLimit,
			})
		}

		specs = append(specs, &ProviderSpec{
			Name:             name,
			Type:             p.Type,
			Priority:         p.Priority,
			BaseURL:          p.BaseURL,
			Model:            p.Model,
			MaxContextTokens: p.MaxContextTokens,
			MaxOutputTokens:  p.MaxOutputTokens,
			Headers:          p.Headers,
			Pool:             keypool.New(name, poolKeys),
		})
	}

	// Ascending priority; ties keep declaration order.
	sort.SliceStable(specs, func(i, j int) bool {
		return specs[i].Priority < specs[j].Priority
	})
	return specs
}

func credentialID(provider string, idx int) string {
	return provider + "/key-" + strconv.Itoa(idx+1)
}

// Ordered returns the providers sorted by ascending priority. The returned
// slice is the registry's current generation and must not be mutated.
func (r *Registry) Ordered() []*ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs
}

// AcquireFor acquires a credential from the named provider's pool.
func (r *Registry) AcquireFor(provider string) (keypool.Credential, error) {
	spec := r.lookup(provider)
	if spec == nil {
		return keypool.Credential{}, keypool.ErrNoCredential
	}
	return spec.Pool.Acquire()
}

func (r *Registry) lookup(provider string) *ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.specs {
		if s.Name == provider {
			return s
		}
	}
	return nil
}

// Health reports available/exhausted/disabled credential counts per provider.
// Read-only: it never mutates pool state.
func (r *Registry) Health() []ProviderHealth {
	specs := r.Ordered()
	out := make([]ProviderHealth, 0, len(specs))
	for _, s := range specs {
		h := ProviderHealth{
			Name:     s.Name,
			Priority: s.Priority,
			Model:    s.Model,
		}
		snaps := s.Pool.Snapshots()
		for _, snap := range snaps {
			switch snap.Status {
			case keypool.StatusAvailable:
				h.Available++
			case keypool.StatusExhausted:
				h.Exhausted++
			case keypool.StatusDisabled:
				h.Disabled++
			}
		}
		h.Credentials = snaps
		out = append(out, h)
	}
	return out
}

// SoonestReset returns the earliest credential reset time across all
// providers, for retry-after hints on terminal exhaustion.
func (r *Registry) SoonestReset(now time.Time) (time.Time, bool) {
	var earliest time.Time
	for _, s := range r.Ordered() {
		at, ok := s.Pool.NextReset(now)
		if !ok {
			continue
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return earliest, !earliest.IsZero()
}

// Sweep runs one daily-reset pass over every pool with the supplied clock.
// Exported so tests and the scheduler share one code path.
func (r *Registry) Sweep(now time.Time) {
	for _, s := range r.Ordered() {
		s.Pool.ResetSweep(now)
	}
}

// Start launches the periodic sweep loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop terminates the sweep loop and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// LogSummary writes a one-line summary of the provider set, for startup and
// reload visibility.
func (r *Registry) LogSummary() {
	for _, s := range r.Ordered() {
		log.Infof("provider %s: priority=%d model=%s keys=%d", s.Name, s.Priority, s.Model, s.Pool.Size())
	}
}
