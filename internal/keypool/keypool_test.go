package keypool

import (
	"sync"
	"testing"
	"time"
)

func newTestPool(limits ...int64) *Pool {
	keys := make([]Key, 0, len(limits))
	for i, limit := range limits {
		keys = append(keys, Key{
			ID:         "key-" + string(rune('a'+i)),
			Secret:     "sk-test",
			DailyLimit: limit,
		})
	}
	return New("groq", keys)
}

func TestPool_Acquire_RoundRobin(t *testing.T) {
	pool := newTestPool(0, 0, 0)

	counts := make(map[string]int)
	const rounds = 9
	for i := 0; i < rounds; i++ {
		cred, err := pool.Acquire()
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		counts[cred.ID]++
	}

	for id, n := range counts {
		if n != rounds/3 {
			t.Errorf("expected %d acquisitions for %s, got %d", rounds/3, id, n)
		}
	}
}

func TestPool_Acquire_NeverOverspendsLastUnit(t *testing.T) {
	// Total remaining quota Q=5 across two keys, N=20 concurrent acquires:
	// exactly Q succeed, N-Q fail, and no counter exceeds its limit.
	pool := newTestPool(3, 2)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Acquire()
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, failed int
	for err := range results {
		if err == nil {
			ok++
		} else if err == ErrNoCredential {
			failed++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 5 {
		t.Errorf("expected 5 successful acquisitions, got %d", ok)
	}
	if failed != 15 {
		t.Errorf("expected 15 failed acquisitions, got %d", failed)
	}

	for _, snap := range pool.Snapshots() {
		if snap.Used > snap.DailyLimit {
			t.Errorf("credential %s used %d exceeds limit %d", snap.ID, snap.Used, snap.DailyLimit)
		}
		if snap.Status != StatusExhausted {
			t.Errorf("credential %s should be exhausted, got %s", snap.ID, snap.Status)
		}
	}
}

func TestPool_AcquireExcluding(t *testing.T) {
	pool := newTestPool(0, 0)

	first, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	second, err := pool.AcquireExcluding(map[string]struct{}{first.ID: {}})
	if err != nil {
		t.Fatalf("AcquireExcluding failed: %v", err)
	}
	if second.ID == first.ID {
		t.Errorf("expected a different credential, got %s twice", first.ID)
	}

	_, err = pool.AcquireExcluding(map[string]struct{}{first.ID: {}, second.ID: {}})
	if err != ErrNoCredential {
		t.Errorf("expected ErrNoCredential when all keys excluded, got %v", err)
	}
}

func TestPool_MarkExhausted_ProviderSignalAuthoritative(t *testing.T) {
	pool := newTestPool(100)

	cred, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Local counter is far from the limit; the provider 429 still wins.
	pool.MarkExhausted(cred.ID)

	if _, err := pool.Acquire(); err != ErrNoCredential {
		t.Errorf("expected ErrNoCredential after MarkExhausted, got %v", err)
	}
}

func TestPool_Disable_SurvivesReset(t *testing.T) {
	pool := newTestPool(0)

	cred, _ := pool.Acquire()
	pool.Disable(cred.ID)

	pool.ResetSweep(time.Now().UTC().AddDate(0, 0, 1))

	if _, err := pool.Acquire(); err != ErrNoCredential {
		t.Errorf("disabled credential must not recover on daily reset, got %v", err)
	}
}

func TestPool_ResetSweep_RollsWindow(t *testing.T) {
	pool := newTestPool(2)

	pool.Acquire()
	pool.Acquire()
	if _, err := pool.Acquire(); err != ErrNoCredential {
		t.Fatalf("expected exhaustion after limit reached, got %v", err)
	}

	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	pool.ResetSweep(tomorrow)

	snaps := pool.Snapshots()
	if snaps[0].Used != 0 || snaps[0].Status != StatusAvailable {
		t.Errorf("expected reset credential, got used=%d status=%s", snaps[0].Used, snaps[0].Status)
	}
	if _, err := pool.Acquire(); err != nil {
		t.Errorf("expected acquire to succeed after reset, got %v", err)
	}
}

func TestPool_ResetSweep_IdempotentWithinDay(t *testing.T) {
	pool := newTestPool(10)

	pool.Acquire()
	pool.Acquire()

	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	pool.ResetSweep(tomorrow)

	// Simulate usage accumulated after the reset; a second sweep later the
	// same day must not touch the counter again.
	pool.mu.Lock()
	pool.creds[0].used = 5
	pool.mu.Unlock()

	pool.ResetSweep(tomorrow.Add(time.Hour))

	snaps := pool.Snapshots()
	if snaps[0].Used != 5 {
		t.Errorf("second sweep within the same day reset the counter: used=%d", snaps[0].Used)
	}
}

func TestPool_LazyResetOnAcquire(t *testing.T) {
	pool := newTestPool(1)

	pool.Acquire()
	if _, err := pool.Acquire(); err != ErrNoCredential {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	// Backdate the window to yesterday; the next acquire should reset lazily
	// without waiting for the sweep.
	pool.mu.Lock()
	pool.creds[0].windowStart = pool.creds[0].windowStart.AddDate(0, 0, -1)
	pool.mu.Unlock()

	if _, err := pool.Acquire(); err != nil {
		t.Errorf("expected lazy reset to free the credential, got %v", err)
	}
}

func TestPool_NextReset(t *testing.T) {
	pool := newTestPool(1)
	now := time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC)

	if _, ok := pool.NextReset(now); ok {
		t.Error("expected no reset hint while credentials are available")
	}

	cred, _ := pool.Acquire()
	pool.MarkExhausted(cred.ID)

	at, ok := pool.NextReset(now)
	if !ok {
		t.Fatal("expected a reset hint with an exhausted credential")
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Errorf("expected next reset %v, got %v", want, at)
	}
}
