package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calebmorton/perimeter-api/internal/version"
)

type ServerMetrics struct {
	reg            *prometheus.Registry
	handler        http.Handler
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal *prometheus.CounterVec
	floodDeniedTotal     prometheus.Counter
	securityEventsTotal  *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// audit shipper metrics
	auditBatchesShipped prometheus.Counter
	auditEventsShipped  prometheus.Counter
	auditEventsDropped  prometheus.Counter
	auditShipErrors     prometheus.Counter

	// policy watcher metrics
	policyPollsTotal    prometheus.Counter
	policySwapsTotal    prometheus.Counter
	policyErrorsTotal   *prometheus.CounterVec
	policyLastSuccessTs prometheus.Gauge
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the sliding-window rate limiter, by route",
		}, []string{"route"}),
		floodDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_flood_limited_total",
			Help: "Total requests rejected by the per-address flood limiter",
		}),
		securityEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Total security events recorded, by event type",
		}, []string{"type"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		auditBatchesShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_batches_shipped_total",
			Help: "Total security event batches shipped to S3",
		}),
		auditEventsShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_shipped_total",
			Help: "Total security events shipped to S3",
		}),
		auditEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total security events dropped because the ship queue was full",
		}),
		auditShipErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_ship_errors_total",
			Help: "Total failed batch ship attempts",
		}),
		policyPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_polls_total",
			Help: "Total number of policy watcher poll cycles",
		}),
		policySwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "policy_watcher_swaps_total",
			Help: "Total number of successful policy swaps",
		}),
		policyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_watcher_errors_total",
			Help: "Total policy watcher errors by type",
		}, []string{"type"}),
		policyLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policy_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful policy poll",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.floodDeniedTotal,
		m.securityEventsTotal,
		m.errorsTotal,
		m.profilingActive,
		m.auditBatchesShipped,
		m.auditEventsShipped,
		m.auditEventsDropped,
		m.auditShipErrors,
		m.policyPollsTotal,
		m.policySwapsTotal,
		m.policyErrorsTotal,
		m.policyLastSuccessTs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied(route string) {
	m.ratelimitDeniedTotal.WithLabelValues(route).Inc()
}

func (m *ServerMetrics) IncFloodDenied() {
	m.floodDeniedTotal.Inc()
}

func (m *ServerMetrics) IncSecurityEvent(eventType string) {
	m.securityEventsTotal.WithLabelValues(eventType).Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncAuditBatchShipped(events int) {
	m.auditBatchesShipped.Inc()
	m.auditEventsShipped.Add(float64(events))
}

func (m *ServerMetrics) IncAuditEventDropped() {
	m.auditEventsDropped.Inc()
}

func (m *ServerMetrics) IncAuditShipError() {
	m.auditShipErrors.Inc()
}

func (m *ServerMetrics) IncPolicyPolls() {
	m.policyPollsTotal.Inc()
}

func (m *ServerMetrics) IncPolicySwaps() {
	m.policySwapsTotal.Inc()
}

func (m *ServerMetrics) IncPolicyError(errType string) {
	m.policyErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *ServerMetrics) SetPolicyLastSuccess(unixSeconds float64) {
	m.policyLastSuccessTs.Set(unixSeconds)
}
