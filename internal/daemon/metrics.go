package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DaemonMetrics holds scan loop metrics using OTEL semantic conventions
type DaemonMetrics struct {
	scans          metric.Int64Counter
	scanDuration   metric.Float64Histogram
	failedFindings metric.Int64Gauge
}

// NewDaemonMetrics creates daemon metrics on meter
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	scans, err := meter.Int64Counter(
		"posture.daemon.scans",
		metric.WithDescription("Number of scan passes"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	scanDuration, err := meter.Float64Histogram(
		"posture.daemon.scan.duration",
		metric.WithDescription("Duration of scan passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	failedFindings, err := meter.Int64Gauge(
		"posture.daemon.failed_findings",
		metric.WithDescription("Failing findings of the latest scan pass"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		scans:          scans,
		scanDuration:   scanDuration,
		failedFindings: failedFindings,
	}, nil
}

// RecordScan records a scan pass with status
func (m *DaemonMetrics) RecordScan(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.scans.Add(ctx, 1, attrs)
	m.scanDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFailedFindings records the failing findings of a pass
func (m *DaemonMetrics) RecordFailedFindings(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.failedFindings.Record(ctx, n)
}
