package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store decides admissions for the sliding-window limiter.
type Store interface {
	// Admit prunes hits at or before now-window from the key's bucket, then
	// either appends now and reports true, or - when max hits already fall
	// inside the window - reports false without mutating anything.
	Admit(ctx context.Context, key string, max int, window time.Duration, now time.Time) (bool, error)
}

// MemoryStore is the default Store: a mutex-guarded map from key to an
// ordered slice of unix-second hit timestamps. It is the single piece of
// shared mutable state in the request pipeline; the mutex is coarse but the
// critical section is a slice filter, so contention is immaterial at the
// request rates this protects.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string][]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string][]int64)}
}

func (s *MemoryStore) Admit(_ context.Context, key string, max int, window time.Duration, now time.Time) (bool, error) {
	nowSec := now.Unix()
	cutoff := nowSec - int64(window/time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.buckets[key]

	// Lazy prune: drop hits at or before the cutoff. Buckets are only ever
	// touched on access; an idle key keeps its stale slice until the next
	// check or a process restart.
	live := bucket[:0]
	for _, ts := range bucket {
		if ts > cutoff {
			live = append(live, ts)
		}
	}

	if len(live) >= max {
		// Rejected checks do not count as hits.
		s.buckets[key] = live
		return false, nil
	}

	s.buckets[key] = append(live, nowSec)
	return true, nil
}

// Len reports the current number of live hits for a key at the given time.
func (s *MemoryStore) Len(key string, window time.Duration, now time.Time) int {
	cutoff := now.Unix() - int64(window/time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ts := range s.buckets[key] {
		if ts > cutoff {
			n++
		}
	}
	return n
}

// Keys reports the number of tracked buckets.
func (s *MemoryStore) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
