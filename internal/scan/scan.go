package scan

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yairfalse/posture/internal/rule"
	"github.com/yairfalse/posture/internal/telemetry"
)

var tracer = otel.Tracer("github.com/yairfalse/posture/internal/scan")

// Result is the outcome of checking one target. A target whose check failed
// carries Err and no findings; it is unavailable, not clean.
type Result struct {
	Target   string         `json:"target"`
	Region   string         `json:"region"`
	Count    int            `json:"count"`
	Duration time.Duration  `json:"duration"`
	Err      error          `json:"-"`
	Findings []rule.Finding `json:"findings"`
}

// Failed counts failing findings.
func (r Result) Failed() int {
	n := 0
	for _, f := range r.Findings {
		if !f.Passed {
			n++
		}
	}
	return n
}

// Scanner checks targets concurrently.
type Scanner struct {
	concurrency int
	metrics     *telemetry.Metrics
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithConcurrency bounds how many targets are checked at once.
func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMetrics records rule failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scanner) {
		s.metrics = m
	}
}

// New creates a Scanner.
func New(opts ...Option) *Scanner {
	s := &Scanner{concurrency: 4}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks every target, restricted to ids when given, and evaluates its
// rules. One target failing does not stop the others. Results are in target
// order. Cancelling ctx stops targets that have not started and aborts
// in-flight checks.
func (s *Scanner) Run(ctx context.Context, targets []Target, ids ...string) []Result {
	ctx, span := tracer.Start(ctx, "scan.run", trace.WithAttributes(
		attribute.Int("scan.targets", len(targets)),
		attribute.Int("scan.concurrency", s.concurrency),
	))
	defer span.End()

	results := make([]Result, len(targets))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = s.runOne(ctx, t, ids)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("scan.failed", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, "one or more targets failed")
	}

	return results
}

func (s *Scanner) runOne(ctx context.Context, t Target, ids []string) Result {
	res := Result{Target: t.Name(), Region: t.Region()}

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	start := time.Now()
	err := t.Check(ctx, ids...)
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		log.Error().
			Err(err).
			Str("checker", res.Target).
			Str("region", res.Region).
			Msg("resource type unavailable")
		return res
	}

	res.Count = t.Len()
	res.Findings = t.Evaluate(ctx)

	for id, n := range rule.Failures(res.Findings) {
		s.metrics.RecordRuleFailures(ctx, res.Target, res.Region, id, n)
	}

	log.Info().
		Str("checker", res.Target).
		Str("region", res.Region).
		Int("resources", res.Count).
		Int("failed", res.Failed()).
		Dur("duration", res.Duration).
		Msg("check complete")

	return res
}
