package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calebmorton/perimeter-api/internal/httpmw"
)

func floodRequest(h http.Handler, addr string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = addr + ":40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestFloodLimiter_BurstThenReject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewFlood(ctx, WithFloodRate(1, 3))
	h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	for i := 0; i < 3; i++ {
		if code := floodRequest(h, "203.0.113.7"); code != http.StatusOK {
			t.Fatalf("burst request %d: status %d", i+1, code)
		}
	}
	if code := floodRequest(h, "203.0.113.7"); code != http.StatusTooManyRequests {
		t.Fatalf("over-burst request: status %d, want 429", code)
	}
}

func TestFloodLimiter_SeparateAddresses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := NewFlood(ctx, WithFloodRate(1, 1))
	h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	if code := floodRequest(h, "203.0.113.7"); code != http.StatusOK {
		t.Fatalf("first client: %d", code)
	}
	if code := floodRequest(h, "203.0.113.7"); code != http.StatusTooManyRequests {
		t.Fatalf("first client second hit: %d, want 429", code)
	}
	if code := floodRequest(h, "198.51.100.4"); code != http.StatusOK {
		t.Fatalf("second client should have its own bucket, got %d", code)
	}
}

func TestFloodLimiter_Refill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 100/s refill makes the bucket whole again within a few ms
	l := NewFlood(ctx, WithFloodRate(100, 1))
	h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	if code := floodRequest(h, "203.0.113.7"); code != http.StatusOK {
		t.Fatalf("first hit: %d", code)
	}
	if code := floodRequest(h, "203.0.113.7"); code != http.StatusTooManyRequests {
		t.Fatalf("immediate second hit: %d, want 429", code)
	}

	time.Sleep(50 * time.Millisecond)
	if code := floodRequest(h, "203.0.113.7"); code != http.StatusOK {
		t.Fatalf("post-refill hit: %d, want 200", code)
	}
}

func TestFloodLimiter_DenialHooks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var firstDenied, denied int
	l := NewFlood(ctx,
		WithFloodRate(0.001, 1),
		WithFloodOnFirstDenied(func(string) { firstDenied++ }),
		WithFloodOnDenied(func(string) { denied++ }),
	)
	h := httpmw.ClientIP(l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	floodRequest(h, "203.0.113.7")
	for i := 0; i < 5; i++ {
		floodRequest(h, "203.0.113.7")
	}

	if firstDenied != 1 {
		t.Fatalf("OnFirstDenied calls = %d, want exactly 1", firstDenied)
	}
	if denied != 5 {
		t.Fatalf("OnDenied calls = %d, want 5", denied)
	}
}
