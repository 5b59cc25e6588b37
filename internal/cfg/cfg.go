package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/calebmorton/perimeter-api/internal/log"
)

type App struct {
	DebugMode           bool
	LogJSON             bool
	LogLevel            string
	HTTPPort            int
	AdminPort           int
	EnablePprof         bool
	EnablePyroscope     bool
	EnableTracing       bool
	PyroServer          string
	PyroTenantID        string
	OTLPEndpoint        string
	TraceSample         float64
	StacktraceLevel     string
	RateLimitMax        int
	RateLimitWindow     int
	RateLimitPolicyFile string
	PolicySSMParam      string
	PolicyRefreshSecs   int
	FloodPerSecond      float64
	FloodBurst          int
	AllowedContentTypes string
	AuditS3Bucket       string
	AuditS3Prefix       string
	AuditSigningKeyARN  string
	RedisAddr           string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.DebugMode, "debug-mode", false, "Relax transport checks for local development (no HTTPS redirect, no HSTS)")
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.IntVar(&c.RateLimitMax, "rate-limit-max", 100, "default requests allowed per client per endpoint per window (1..1000000)")
	fs.IntVar(&c.RateLimitWindow, "rate-limit-window", 3600, "default rate limit window in seconds (1..86400)")
	fs.StringVar(&c.RateLimitPolicyFile, "rate-limit-policy-file", "", "optional YAML file with per-endpoint rate limit policies")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "optional ssm parameter holding the rate limit policy document")
	fs.IntVar(&c.PolicyRefreshSecs, "policy-refresh-interval", 300, "seconds between ssm policy refreshes (10..86400)")
	fs.Float64Var(&c.FloodPerSecond, "flood-per-second", 10, "per-address flood limit refill rate (requests/second)")
	fs.IntVar(&c.FloodBurst, "flood-burst", 30, "per-address flood limit burst ceiling")
	fs.StringVar(&c.AllowedContentTypes, "allowed-content-types", "", "comma-separated content type allow-list for write requests (empty = built-in defaults)")
	fs.StringVar(&c.AuditS3Bucket, "audit-s3-bucket", "", "s3 bucket for shipped security event batches (empty disables shipping)")
	fs.StringVar(&c.AuditS3Prefix, "audit-s3-prefix", "security-events", "s3 key prefix for shipped security event batches")
	fs.StringVar(&c.AuditSigningKeyARN, "audit-signing-key-arn", "", "KMS key ARN for signing shipped event batches")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis address for shared rate limit counters (empty = in-memory)")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// AllowedContentTypeList splits the comma-separated allow-list, trimming
// whitespace and dropping empty entries. Empty input yields nil so callers
// can fall back to the built-in defaults.
func (c App) AllowedContentTypeList() []string {
	if c.AllowedContentTypes == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(c.AllowedContentTypes, ",") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, strings.ToLower(t))
		}
	}
	return out
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Rate limit defaults
	if c.RateLimitMax < 1 || c.RateLimitMax > 1000000 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX must be 1..1000000 (got %d)", c.RateLimitMax))
	}
	if c.RateLimitWindow < 1 || c.RateLimitWindow > 86400 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be 1..86400 seconds (got %d)", c.RateLimitWindow))
	}
	if c.PolicySSMParam != "" {
		if c.PolicyRefreshSecs < 10 || c.PolicyRefreshSecs > 86400 {
			errs = append(errs, fmt.Errorf("POLICY_REFRESH_INTERVAL must be 10..86400 seconds (got %d)", c.PolicyRefreshSecs))
		}
	}

	// Flood limiter
	if c.FloodPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("FLOOD_PER_SECOND must be positive (got %g)", c.FloodPerSecond))
	}
	if c.FloodBurst < 1 {
		errs = append(errs, fmt.Errorf("FLOOD_BURST must be at least 1 (got %d)", c.FloodBurst))
	}

	// Audit shipping: bucket enables it, and then the prefix is mandatory
	if c.AuditS3Bucket != "" {
		if c.AuditS3Prefix == "" {
			errs = append(errs, fmt.Errorf("AUDIT_S3_PREFIX is required when AUDIT_S3_BUCKET is set"))
		}
	}
	if c.AuditSigningKeyARN != "" && c.AuditS3Bucket == "" {
		errs = append(errs, fmt.Errorf("AUDIT_SIGNING_KEY_ARN requires AUDIT_S3_BUCKET"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
