package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

func mustAdmit(t *testing.T, s Store, key string, max int, window time.Duration, now time.Time) bool {
	t.Helper()
	ok, err := s.Admit(context.Background(), key, max, window, now)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	return ok
}

func TestMemoryStore_AdmitUpToMaxThenReject(t *testing.T) {
	s := NewMemoryStore()
	const max = 5
	window := time.Hour

	for i := 0; i < max; i++ {
		if !mustAdmit(t, s, "k", max, window, t0) {
			t.Fatalf("hit %d should be admitted", i+1)
		}
	}
	if mustAdmit(t, s, "k", max, window, t0) {
		t.Fatal("hit max+1 at the same instant should be rejected")
	}
}

func TestMemoryStore_RejectionDoesNotCount(t *testing.T) {
	s := NewMemoryStore()
	const max = 3
	window := time.Hour

	for i := 0; i < max; i++ {
		mustAdmit(t, s, "k", max, window, t0)
	}
	// hammer the full bucket; none of these may extend the window
	for i := 0; i < 10; i++ {
		mustAdmit(t, s, "k", max, window, t0.Add(time.Duration(i)*time.Second))
	}
	if got := s.Len("k", window, t0); got != max {
		t.Fatalf("bucket has %d hits, want %d - rejected checks must not append", got, max)
	}
}

func TestMemoryStore_WindowSlides(t *testing.T) {
	s := NewMemoryStore()
	const max = 2
	window := 10 * time.Second

	mustAdmit(t, s, "k", max, window, t0)                // hit at t0
	mustAdmit(t, s, "k", max, window, t0.Add(5*time.Second)) // hit at t0+5

	if mustAdmit(t, s, "k", max, window, t0.Add(9*time.Second)) {
		t.Fatal("window still holds 2 hits at t0+9")
	}
	// at t0+10 the t0 hit is exactly window old and gets pruned
	if !mustAdmit(t, s, "k", max, window, t0.Add(10*time.Second)) {
		t.Fatal("oldest hit should have aged out at t0+window")
	}
}

func TestMemoryStore_KeysAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	window := time.Hour

	mustAdmit(t, s, "203.0.113.7:/api/v1/documents", 1, window, t0)
	if mustAdmit(t, s, "203.0.113.7:/api/v1/documents", 1, window, t0) {
		t.Fatal("same key should be exhausted")
	}
	if !mustAdmit(t, s, "203.0.113.7:/api/v1/feedback", 1, window, t0) {
		t.Fatal("different endpoint, fresh bucket")
	}
	if !mustAdmit(t, s, "198.51.100.4:/api/v1/documents", 1, window, t0) {
		t.Fatal("different client, fresh bucket")
	}
}

func TestMemoryStore_LazyPruneBoundsBucket(t *testing.T) {
	s := NewMemoryStore()
	window := 10 * time.Second

	// 50 hits spread over 100s with max high enough to always admit;
	// pruning on each access must keep the bucket at the window population
	for i := 0; i < 50; i++ {
		mustAdmit(t, s, "k", 1000, window, t0.Add(time.Duration(2*i)*time.Second))
	}
	last := t0.Add(98 * time.Second)
	if got := s.Len("k", window, last); got > 5 {
		t.Fatalf("bucket holds %d hits, want <= 5 (window population)", got)
	}
}

func TestMemoryStore_ConcurrentAdmitExact(t *testing.T) {
	s := NewMemoryStore()
	const max = 100
	const workers = 8
	const perWorker = 50
	window := time.Hour

	var admitted int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := 0
			for i := 0; i < perWorker; i++ {
				if mustAdmitRace(s, "k", max, window, t0) {
					local++
				}
			}
			mu.Lock()
			admitted += int64(local)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if admitted != max {
		t.Fatalf("admitted %d of %d concurrent hits, want exactly %d", admitted, workers*perWorker, max)
	}
}

func mustAdmitRace(s Store, key string, max int, window time.Duration, now time.Time) bool {
	ok, _ := s.Admit(context.Background(), key, max, window, now)
	return ok
}

func TestMemoryStore_ManyKeys(t *testing.T) {
	s := NewMemoryStore()
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("10.0.0.%d:/api", i)
		mustAdmit(t, s, key, 10, time.Hour, t0)
	}
	if got := s.Keys(); got != 100 {
		t.Fatalf("tracked keys = %d, want 100", got)
	}
}
