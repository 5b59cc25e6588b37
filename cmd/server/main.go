package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/calebmorton/perimeter-api/internal/api"
	"github.com/calebmorton/perimeter-api/internal/cfg"
	"github.com/calebmorton/perimeter-api/internal/health"
	"github.com/calebmorton/perimeter-api/internal/httpserver"
	"github.com/calebmorton/perimeter-api/internal/log"
	"github.com/calebmorton/perimeter-api/internal/metrics"
	"github.com/calebmorton/perimeter-api/internal/opshttp"
	"github.com/calebmorton/perimeter-api/internal/otelx"
	"github.com/calebmorton/perimeter-api/internal/policywatch"
	"github.com/calebmorton/perimeter-api/internal/prof"
	"github.com/calebmorton/perimeter-api/internal/ratelimit"
	"github.com/calebmorton/perimeter-api/internal/secevent"
	v "github.com/calebmorton/perimeter-api/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix PERIMETER_ and validate
	cfg.FillFromEnv(flag.CommandLine, "PERIMETER_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:             v.AppName,
		Version:         v.Version,
		Commit:          v.Commit,
		Level:           lvl,
		StacktraceLevel: stackLvl,
		JsonFormat:      conf.LogJSON,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"debug_mode", conf.DebugMode,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"trace_sample", conf.TraceSample,
		"rate_limit_max", conf.RateLimitMax,
		"rate_limit_window", conf.RateLimitWindow,
		"rate_limit_policy_file", conf.RateLimitPolicyFile,
		"policy_ssm_param", conf.PolicySSMParam,
		"flood_per_second", conf.FloodPerSecond,
		"flood_burst", conf.FloodBurst,
		"redis_addr", conf.RedisAddr,
		"audit_s3_bucket", conf.AuditS3Bucket,
		"audit_s3_prefix", conf.AuditS3Prefix,
		"audit_signing_key_arn", conf.AuditSigningKeyARN,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we only write to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// AWS clients are only needed for audit shipping and SSM policy refresh
	var s3Client *s3.Client
	var kmsClient *kms.Client
	var ssmClient *ssm.Client
	if conf.AuditS3Bucket != "" || conf.PolicySSMParam != "" {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		if conf.AuditS3Bucket != "" {
			s3Client = s3.NewFromConfig(awsCfg)
			if conf.AuditSigningKeyARN != "" {
				kmsClient = kms.NewFromConfig(awsCfg)
			}
		}
		if conf.PolicySSMParam != "" {
			ssmClient = ssm.NewFromConfig(awsCfg)
		}
	}

	// Security event recorder, the single emitter all guards report through
	recorder := secevent.NewRecorder(L)
	recorder.OnEvent = m.IncSecurityEvent

	// Optional S3 audit shipper for multi-day retention of security events
	var shipper *secevent.Shipper
	shipperDone := make(chan struct{})
	shipCtx, shipCancel := context.WithCancel(context.Background())
	defer shipCancel()
	if s3Client != nil {
		shipper = secevent.NewShipper(s3Client, kmsClient, L, secevent.ShipperOptions{
			Bucket:        conf.AuditS3Bucket,
			Prefix:        conf.AuditS3Prefix,
			SigningKeyARN: conf.AuditSigningKeyARN,
			OnShipped:     m.IncAuditBatchShipped,
			OnDropped:     m.IncAuditEventDropped,
			OnError:       m.IncAuditShipError,
		})
		recorder.Sink = shipper
		go func() {
			shipper.Run(shipCtx)
			close(shipperDone)
		}()
	} else {
		close(shipperDone)
	}

	// Rate limit store: shared redis when configured, in-process otherwise
	var store ratelimit.Store
	var redisClient *redis.Client
	if conf.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: conf.RedisAddr})
		store = ratelimit.NewRedisStore(redisClient, v.AppName+":rl:")
		L.Info(ctx, "using redis rate limit store", "addr", conf.RedisAddr)
	} else {
		store = ratelimit.NewMemoryStore()
	}

	// Policy set: flag/env defaults, optionally overridden by a policy file
	policies := ratelimit.PolicySet{
		Defaults: ratelimit.Policy{
			MaxRequests:   conf.RateLimitMax,
			WindowSeconds: conf.RateLimitWindow,
		},
	}
	if conf.RateLimitPolicyFile != "" {
		ps, err := ratelimit.LoadPolicyFile(conf.RateLimitPolicyFile)
		if err != nil {
			L.Error(ctx, err, "failed to load rate limit policy file", "path", conf.RateLimitPolicyFile)
			os.Exit(1)
		}
		policies = ps
	}

	limiter := ratelimit.New(store, L,
		ratelimit.WithPolicies(policies),
		ratelimit.WithReporter(recorder),
		ratelimit.WithOnDenied(func(endpoint string) {
			m.IncRateLimitDenied(endpoint)
		}),
	)

	// Optional SSM-backed policy refresh
	if ssmClient != nil {
		watcher := policywatch.New(policywatch.Options{
			Logger:       L,
			Fetcher:      &policywatch.SSMFetcher{Client: ssmClient, Param: conf.PolicySSMParam},
			Limiter:      limiter,
			PollInterval: time.Duration(conf.PolicyRefreshSecs) * time.Second,
			Metrics:      m,
		})
		go watcher.Run(ctx)
	}

	// Outer per-address flood limiter, ahead of the quota guards
	flood := ratelimit.NewFlood(ctx,
		ratelimit.WithFloodRate(conf.FloodPerSecond, conf.FloodBurst),
		ratelimit.WithFloodOnFirstDenied(func(ip string) {
			L.Warn(ctx, "flood limit triggered", "client_address", ip)
		}),
		ratelimit.WithFloodOnDenied(func(ip string) {
			m.IncFloodDenied()
		}),
	)

	apiHandler := api.New(L)

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	readinessProbes := []health.Probe{gate.Probe()}
	if redisClient != nil {
		readinessProbes = append(readinessProbes, health.CheckFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	readiness := health.All(readinessProbes...)

	// start public http server
	publicStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:              L,
		Port:                conf.HTTPPort,
		DebugMode:           conf.DebugMode,
		UseRecoverMW:        true,
		OnPanic:             m.IncHttpPanic,
		MetricsMW:           m.Middleware,
		FloodMW:             flood.Middleware,
		Reporter:            recorder,
		AllowedContentTypes: conf.AllowedContentTypeList(),
		Health:              health.Fixed(true, ""),
		Readiness:           readiness,
		APIRoutes: func(r chi.Router) {
			r.Group(func(g chi.Router) {
				g.Use(limiter.Guard(ratelimit.Policy{}))
				apiHandler.RegisterRoutes(g)
			})
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start http listener")
		os.Exit(1)
	}
	defer func() { _ = publicStop(context.Background()) }()

	// start admin/ops listener for metrics, health checks and pprof
	// sg restricts inbound to internal monitoring infrastructure; the listener
	// also rejects public source addresses itself in case the sg is ever wrong
	opsStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, sigStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer sigStop()
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness to drain connections before the listeners close
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed, draining")

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(15 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := publicStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "http server shutdown")
	}

	if err := opsStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	// flush any buffered audit events before the process exits
	shipCancel()
	select {
	case <-shipperDone:
	case <-shutdownCtx.Done():
		L.Warn(context.Background(), "audit shipper did not drain before deadline")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when we run under type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
