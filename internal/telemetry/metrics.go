package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the posture instruments. A nil *Metrics records nothing,
// so callers never need to guard their calls.
type Metrics struct {
	apiCalls      metric.Int64Counter
	apiDuration   metric.Float64Histogram
	apiRetries    metric.Int64Counter
	checks        metric.Int64Counter
	checkDuration metric.Float64Histogram
	resources     metric.Int64Gauge
	skipped       metric.Int64Counter
	findings      metric.Int64Gauge
}

// NewMetrics creates posture instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.apiCalls, err = meter.Int64Counter(
		"posture.api.calls",
		metric.WithDescription("Provider API calls, one per attempt"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	m.apiDuration, err = meter.Float64Histogram(
		"posture.api.duration",
		metric.WithDescription("Duration of provider API calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.apiRetries, err = meter.Int64Counter(
		"posture.api.retries",
		metric.WithDescription("Provider API calls retried after a transient failure"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.checks, err = meter.Int64Counter(
		"posture.checks",
		metric.WithDescription("Checker runs by status"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}

	m.checkDuration, err = meter.Float64Histogram(
		"posture.check.duration",
		metric.WithDescription("Duration of checker runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.resources, err = meter.Int64Gauge(
		"posture.resources",
		metric.WithDescription("Resources in the latest snapshot"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	m.skipped, err = meter.Int64Counter(
		"posture.records.skipped",
		metric.WithDescription("Malformed provider records skipped during normalization"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.findings, err = meter.Int64Gauge(
		"posture.rule.failures",
		metric.WithDescription("Resources failing a rule in the latest snapshot"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAPICall records one provider call attempt.
func (m *Metrics) RecordAPICall(ctx context.Context, service, operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("operation", operation),
		attribute.String("status", status(err)),
	)
	m.apiCalls.Add(ctx, 1, attrs)
	m.apiDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRetry records a retry of a transient failure.
func (m *Metrics) RecordRetry(ctx context.Context, service, operation string) {
	if m == nil {
		return
	}
	m.apiRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("operation", operation),
	))
}

// RecordCheck records a checker run and, on success, the snapshot size.
func (m *Metrics) RecordCheck(ctx context.Context, checker, region string, d time.Duration, count int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("checker", checker),
		attribute.String("region", region),
	)
	m.checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("checker", checker),
		attribute.String("region", region),
		attribute.String("status", status(err)),
	))
	m.checkDuration.Record(ctx, d.Seconds(), attrs)
	if err == nil {
		m.resources.Record(ctx, int64(count), attrs)
	}
}

// RecordSkipped records malformed records dropped by a checker.
func (m *Metrics) RecordSkipped(ctx context.Context, checker, region string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.skipped.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("checker", checker),
		attribute.String("region", region),
	))
}

// RecordRuleFailures records how many resources fail rule.
func (m *Metrics) RecordRuleFailures(ctx context.Context, checker, region, rule string, failures int) {
	if m == nil {
		return
	}
	m.findings.Record(ctx, int64(failures), metric.WithAttributes(
		attribute.String("checker", checker),
		attribute.String("region", region),
		attribute.String("rule", rule),
	))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
