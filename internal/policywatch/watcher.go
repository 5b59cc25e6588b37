// Package policywatch polls SSM for rate limit policy changes and hot-swaps
// the active policy set in the limiter when a new document is detected.
package policywatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/calebmorton/perimeter-api/internal/log"
	"github.com/calebmorton/perimeter-api/internal/ratelimit"
	"github.com/calebmorton/perimeter-api/internal/xerrors"
)

const (
	// DefaultPollInterval is how often the watcher checks SSM for a new document.
	DefaultPollInterval = 5 * time.Minute

	// maxBackoff caps exponential backoff on consecutive SSM errors.
	maxBackoff = 30 * time.Minute
)

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollNoChange   pollResult = iota // document matches current - nothing to do
	pollSwapped                      // new document detected, parsed and swapped
	pollSSMError                     // SSM fetch failed - caller should back off
	pollParseError                   // SSM succeeded but the document is invalid
)

// Fetcher returns the current policy document. Extracted to decouple the
// watcher from the SSM client and enable simple test doubles.
type Fetcher interface {
	FetchPolicyDocument(ctx context.Context) (string, error)
}

// SSMAPI is the slice of the SSM client the watcher uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMFetcher reads the policy document from a single SSM parameter.
type SSMFetcher struct {
	Client SSMAPI
	Param  string
}

func (f *SSMFetcher) FetchPolicyDocument(ctx context.Context) (string, error) {
	out, err := f.Client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(f.Param),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "fetching ssm parameter %s", f.Param)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("ssm parameter %s has no value", f.Param)
	}
	return *out.Parameter.Value, nil
}

// Metrics is implemented by the metrics package to observe watcher behavior.
type Metrics interface {
	IncPolicyPolls()
	IncPolicySwaps()
	IncPolicyError(errType string)
	SetPolicyLastSuccess(unixSeconds float64)
}

// Options configures the policy watcher.
type Options struct {
	Logger       log.Logger
	Fetcher      Fetcher
	Limiter      *ratelimit.Limiter
	PollInterval time.Duration

	// OnSwap is called after a successful policy swap.
	// Called synchronously on the poll goroutine.
	OnSwap func(ps ratelimit.PolicySet)

	// Metrics receives watcher observability signals.
	Metrics Metrics
}

// Watcher polls for policy changes and swaps them into the limiter.
type Watcher struct {
	fetcher  Fetcher
	limiter  *ratelimit.Limiter
	logger   log.Logger
	interval time.Duration
	onSwap   func(ps ratelimit.PolicySet)
	metrics  Metrics

	// digest of the last applied document for change detection
	currentDigest string

	// backoff state
	consecutiveErrs int

	pollCount int64
	swapCount int64
}

// New creates a policy watcher. Call Run to start the poll loop.
func New(opts Options) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		fetcher:  opts.Fetcher,
		limiter:  opts.Limiter,
		logger:   opts.Logger,
		interval: interval,
		onSwap:   opts.OnSwap,
		metrics:  opts.Metrics,
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
// Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "policy watcher starting", "poll_interval", w.interval.String())

	// apply the document once immediately so a restart picks up the active
	// policies without waiting a full interval
	w.checkOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "policy watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"swaps", w.swapCount,
			)
			return ctx.Err()
		case <-ticker.C:
			result := w.checkOnce(ctx)

			if result == pollSSMError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "policy watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "policy watcher: recovered, resuming normal interval",
					"had_consecutive_errors", w.consecutiveErrs,
				)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

// checkOnce performs a single poll-compare-swap cycle.
func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncPolicyPolls()
	}

	doc, err := w.fetcher.FetchPolicyDocument(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: SSM poll failed")
		if w.metrics != nil {
			w.metrics.IncPolicyError("ssm")
		}
		return pollSSMError
	}

	if w.metrics != nil {
		w.metrics.SetPolicyLastSuccess(float64(time.Now().Unix()))
	}

	sum := sha256.Sum256([]byte(doc))
	digest := hex.EncodeToString(sum[:])
	if digest == w.currentDigest {
		return pollNoChange
	}

	ps, err := ratelimit.ParsePolicySet([]byte(doc))
	if err != nil {
		// keep serving the previous policies, a bad push must not take
		// the limiter down
		w.logger.Error(ctx, err, "policy watcher: invalid policy document, keeping current policies")
		if w.metrics != nil {
			w.metrics.IncPolicyError("parse")
		}
		return pollParseError
	}

	w.limiter.SetPolicies(ps)
	w.currentDigest = digest
	w.swapCount++
	if w.metrics != nil {
		w.metrics.IncPolicySwaps()
	}
	w.logger.Info(ctx, "policy watcher: policies updated",
		"digest", digest[:12],
		"endpoint_overrides", len(ps.Endpoints),
		"default_max", ps.Defaults.MaxRequests,
		"default_window_seconds", ps.Defaults.WindowSeconds,
	)
	if w.onSwap != nil {
		w.onSwap(ps)
	}
	return pollSwapped
}

// backoffDuration is exponential in the consecutive error count, capped.
func (w *Watcher) backoffDuration() time.Duration {
	d := time.Duration(float64(w.interval) * math.Pow(2, float64(w.consecutiveErrs-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
