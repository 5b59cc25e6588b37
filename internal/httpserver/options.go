package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/calebmorton/perimeter-api/internal/health"
	"github.com/calebmorton/perimeter-api/internal/httpmw"
	"github.com/calebmorton/perimeter-api/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// DebugMode relaxes transport enforcement: no HTTPS redirect and no
	// HSTS header, for local development only.
	DebugMode bool

	UseRecoverMW bool
	OnPanic      func()

	// MetricsMW is the prometheus instrumentation middleware.
	MetricsMW func(http.Handler) http.Handler

	// FloodMW is the outer per-address flood limiter middleware.
	FloodMW func(http.Handler) http.Handler

	// Reporter receives security events from the transport and content
	// type guards.
	Reporter httpmw.Reporter

	// AllowedContentTypes is the write-request allow-list. Nil uses the
	// built-in defaults.
	AllowedContentTypes []string

	// MaxBodyBytes caps request bodies. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64

	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers the application endpoints (with their rate limit
	// guards) on the router.
	APIRoutes func(chi.Router)
}
