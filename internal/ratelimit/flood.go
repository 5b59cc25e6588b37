package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/calebmorton/perimeter-api/internal/httpmw"
)

// visitor tracks a single address's token bucket and last activity.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged tracks whether we have already emitted the first-denial log,
	// resets when the entry is evicted and re-created
	logged bool
}

// FloodLimiter is the outer per-address abuse layer: a token bucket per
// client address with background eviction of idle entries. It caps how fast
// any single address can hit the process at all; the per-route quotas are
// the sliding-window Limiter's job.
type FloodLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	// rate controls: requests per second and burst ceiling
	perSecond rate.Limit
	burst     int

	// ttl controls how long an idle address stays in the map before eviction
	ttl time.Duration

	// OnFirstDenied is called once per visitor when they first get denied,
	// for a single log line per offender instead of log spam.
	OnFirstDenied func(ip string)

	// OnDenied is called on every denied request, for the prometheus counter.
	OnDenied func(ip string)
}

type FloodOption func(*FloodLimiter)

// WithFloodRate sets the refill rate and burst ceiling of each bucket.
func WithFloodRate(perSecond float64, burst int) FloodOption {
	return func(l *FloodLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithFloodTTL controls how long an idle address stays tracked.
func WithFloodTTL(d time.Duration) FloodOption {
	return func(l *FloodLimiter) { l.ttl = d }
}

// WithFloodOnFirstDenied sets the once-per-visitor denial callback.
func WithFloodOnFirstDenied(fn func(ip string)) FloodOption {
	return func(l *FloodLimiter) { l.OnFirstDenied = fn }
}

// WithFloodOnDenied sets the every-denial callback.
func WithFloodOnDenied(fn func(ip string)) FloodOption {
	return func(l *FloodLimiter) { l.OnDenied = fn }
}

// NewFlood creates a FloodLimiter and starts the background eviction
// goroutine, which stops when ctx is cancelled at shutdown.
func NewFlood(ctx context.Context, opts ...FloodOption) *FloodLimiter {
	l := &FloodLimiter{
		visitors:  make(map[string]*visitor),
		perSecond: 10,
		burst:     30,
		ttl:       5 * time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evict(ctx)
	return l
}

// allow checks whether the given address is within its bucket, creating the
// visitor on first sight.
func (l *FloodLimiter) allow(ip string) bool {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()

	if !allowed && !v.logged {
		v.logged = true
		// release before the hooks, they may do slow work
		l.mu.Unlock()
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(ip)
		}
		if l.OnDenied != nil {
			l.OnDenied(ip)
		}
		return false
	}

	l.mu.Unlock()

	if !allowed && l.OnDenied != nil {
		l.OnDenied(ip)
	}

	return allowed
}

// evict drops visitors idle longer than the TTL. Runs every TTL/2 to avoid
// holding stale entries much longer than intended.
func (l *FloodLimiter) evict(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.ttl {
					delete(l.visitors, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Middleware rejects requests over the per-address flood limit with 429.
func (l *FloodLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())

		if !l.allow(ip) {
			w.Header().Set("Retry-After", "30")
			// intentionally no detail about limits or refill timing
			httpmw.WriteJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
