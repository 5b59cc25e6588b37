package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/calebmorton/perimeter-api/internal/httpmw"
	"github.com/calebmorton/perimeter-api/internal/log"
)

// rejectBody is the machine-readable 429 payload.
const rejectMessage = "Rate limit exceeded. Please try again later."

// Limiter is the sliding-window rate limiter. One instance is created at
// process start and shared by every guarded route; all mutable counter state
// lives behind the Store.
type Limiter struct {
	store Store
	L     log.Logger

	// policies is swapped atomically by SetPolicies (policy refresh) and
	// read per request, hence its own lock separate from the store's.
	mu       sync.RWMutex
	policies PolicySet

	// Reporter receives a security event per rejection.
	Reporter httpmw.Reporter

	// OnDenied is called on every rejected request with the endpoint,
	// used for incrementing the prometheus counter.
	OnDenied func(endpoint string)

	// now is the clock, replaceable in tests.
	now func() time.Time
}

type Option func(*Limiter)

// WithPolicies sets the initial quota configuration.
func WithPolicies(ps PolicySet) Option {
	return func(l *Limiter) { l.policies = ps }
}

// WithReporter sets the security event reporter invoked on rejections.
func WithReporter(rep httpmw.Reporter) Option {
	return func(l *Limiter) { l.Reporter = rep }
}

// WithOnDenied sets a callback for every denied request.
func WithOnDenied(fn func(endpoint string)) Option {
	return func(l *Limiter) { l.OnDenied = fn }
}

// WithClock replaces the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(store Store, L log.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:    store,
		L:        L,
		policies: PolicySet{Defaults: DefaultPolicy},
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetPolicies atomically replaces the quota configuration. In-flight checks
// finish under whichever set they read; counters are untouched.
func (l *Limiter) SetPolicies(ps PolicySet) {
	l.mu.Lock()
	l.policies = ps
	l.mu.Unlock()
}

// PolicyFor returns the active policy for an endpoint.
func (l *Limiter) PolicyFor(endpoint string) Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.policies.For(endpoint)
}

// Admit checks and records one hit for key under the given quota. A store
// failure (only possible with the Redis store) fails open: an unreachable
// counter backend must not take every guarded route down with it.
func (l *Limiter) Admit(ctx context.Context, key string, p Policy) bool {
	ok, err := l.store.Admit(ctx, key, p.MaxRequests, p.Window(), l.now())
	if err != nil {
		l.L.Error(ctx, err, "rate limit store check failed, admitting", "key", key)
		return true
	}
	return ok
}

// Key builds the counter key: limits are per-client-per-endpoint, not global.
func Key(clientAddr, endpoint string) string {
	return clientAddr + ":" + endpoint
}

// Guard returns per-route middleware enforcing the given quota. Zero values
// fall back to the active policy for the matched endpoint, so routes that
// just want the configured defaults pass Policy{}.
//
// On rejection the wrapped handler never runs: the client gets 429 with a
// Retry-After hint and a JSON error body, and one warning-level security
// event is emitted.
func (l *Limiter) Guard(override Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			endpoint := httpmw.Endpoint(r)

			p := override
			if p == (Policy{}) {
				p = l.PolicyFor(endpoint)
			}

			key := Key(httpmw.ClientIPFromContext(r.Context()), endpoint)

			if l.Admit(r.Context(), key, p) {
				next.ServeHTTP(w, r)
				return
			}

			if l.Reporter != nil {
				l.Reporter.Event(r, httpmw.EventRateLimitExceeded, map[string]any{
					"max_requests":   p.MaxRequests,
					"window_seconds": p.WindowSeconds,
				})
			}
			if l.OnDenied != nil {
				l.OnDenied(endpoint)
			}

			// a precise retry hint would leak the oldest-hit age; the window
			// length is a good enough ceiling
			w.Header().Set("Retry-After", strconv.Itoa(p.WindowSeconds))
			httpmw.WriteJSONError(w, http.StatusTooManyRequests, rejectMessage)
		})
	}
}
