package ratelimit

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// newTestLimiter builds a limiter over a temp directory with a
// controllable clock.
func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *time.Time) {
	t.Helper()
	l, err := New("test", limit, window, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := time.Now()
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Allow refused event %d within limit", i+1)
		}
	}
	if l.Allow() {
		t.Error("Allow admitted event over the limit")
	}
	if got := l.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(t, 2, time.Minute)

	if !l.Allow() || !l.Allow() {
		t.Fatal("initial events refused")
	}
	if l.Allow() {
		t.Fatal("third event admitted inside window")
	}

	// Just inside the window: the old events still count.
	*clock = clock.Add(59 * time.Second)
	if l.Allow() {
		t.Error("event admitted before the window expired")
	}

	// Past the window: both slots free again.
	*clock = clock.Add(2 * time.Second)
	if !l.Allow() {
		t.Error("event refused after the window expired")
	}
}

func TestRemainingAndResetTime(t *testing.T) {
	l, clock := newTestLimiter(t, 2, time.Minute)

	if got := l.Remaining(); got != 2 {
		t.Errorf("Remaining on empty state = %d, want 2", got)
	}
	if got := l.ResetTime(); got != 0 {
		t.Errorf("ResetTime with free slots = %d, want 0", got)
	}

	l.Allow()
	*clock = clock.Add(10 * time.Second)
	l.Allow()

	if got := l.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
	// The oldest event frees its slot 50 seconds from now.
	if got := l.ResetTime(); got != 50 {
		t.Errorf("ResetTime = %d, want 50", got)
	}
}

func TestMalformedStateTreatedAsEmpty(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)

	if err := os.WriteFile(l.statePath(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !l.Allow() {
		t.Error("malformed state refused a first event")
	}
	if l.Allow() {
		t.Error("limit not enforced after state rewrite")
	}
}

func TestReset(t *testing.T) {
	l, _ := newTestLimiter(t, 1, time.Minute)

	l.Allow()
	if l.Allow() {
		t.Fatal("limit not enforced")
	}
	if !l.Reset() {
		t.Fatal("Reset failed")
	}
	if !l.Allow() {
		t.Error("event refused after reset")
	}
}

func TestConcurrentAllowNeverExceedsLimit(t *testing.T) {
	const limit = 10
	l, _ := newTestLimiter(t, limit, time.Minute)

	var wg sync.WaitGroup
	results := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Allow()
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	// Lock contention may refuse below the limit; it must never admit
	// above it.
	if admitted > limit {
		t.Errorf("admitted %d events, limit is %d", admitted, limit)
	}
	if admitted == 0 {
		t.Error("no events admitted at all")
	}
}

func TestStats(t *testing.T) {
	l, _ := newTestLimiter(t, 5, 30*time.Second)
	l.Allow()
	l.Allow()

	s := l.Stats()
	if s.Key != "test" || s.Limit != 5 || s.WindowSeconds != 30 {
		t.Errorf("unexpected stats identity: %+v", s)
	}
	if s.Used != 2 || s.Remaining != 3 {
		t.Errorf("Used/Remaining = %d/%d, want 2/3", s.Used, s.Remaining)
	}
}

func TestCleanupAll(t *testing.T) {
	dir := t.TempDir()

	now := unixFloat(time.Now())
	// One file fully expired, one partially, one fresh.
	writeState(filepath.Join(dir, "ratelimit_expired.json"), []float64{now - 3600})
	writeState(filepath.Join(dir, "ratelimit_mixed.json"), []float64{now - 3600, now - 1})
	writeState(filepath.Join(dir, "ratelimit_fresh.json"), []float64{now - 1, now})

	res, err := CleanupAll(CleanupContext{Dir: dir, Window: time.Minute})
	if err != nil {
		t.Fatalf("CleanupAll: %v", err)
	}

	if res.Processed != 3 {
		t.Errorf("Processed = %d, want 3", res.Processed)
	}
	if res.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", res.Deleted)
	}
	if res.Cleaned != 1 {
		t.Errorf("Cleaned = %d, want 1", res.Cleaned)
	}
	if res.Errors != 0 {
		t.Errorf("Errors = %d, want 0", res.Errors)
	}

	if _, err := os.Stat(filepath.Join(dir, "ratelimit_expired.json")); !os.IsNotExist(err) {
		t.Error("expired state file still present")
	}
	if ts := readState(filepath.Join(dir, "ratelimit_mixed.json")); len(ts) != 1 {
		t.Errorf("mixed state has %d entries after cleanup, want 1", len(ts))
	}
}
