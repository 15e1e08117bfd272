package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/posture/internal/scan"
)

type targetKey struct {
	target string
	region string
}

// PrometheusEmitter exposes the latest report as OTEL gauges, scraped
// through the Prometheus exporter.
type PrometheusEmitter struct {
	meter metric.Meter

	findingFailed metric.Int64ObservableGauge
	targetUp      metric.Int64ObservableGauge
	registration  metric.Registration

	// Latest result per target and region. A failed target keeps its
	// previous findings and is reported down.
	mu      sync.RWMutex
	results map[targetKey]scan.Result
	up      map[targetKey]bool
}

// NewPrometheusEmitter creates a Prometheus emitter on meter.
func NewPrometheusEmitter(meter metric.Meter) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:   meter,
		results: make(map[targetKey]scan.Result),
		up:      make(map[targetKey]bool),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	// One series per failing finding
	e.findingFailed, err = e.meter.Int64ObservableGauge(
		"posture.finding.failed",
		metric.WithDescription("Failing rule findings of the latest scan"),
	)
	if err != nil {
		return fmt.Errorf("create finding.failed gauge: %w", err)
	}

	e.targetUp, err = e.meter.Int64ObservableGauge(
		"posture.target.up",
		metric.WithDescription("Whether the latest check of a resource type succeeded"),
	)
	if err != nil {
		return fmt.Errorf("create target.up gauge: %w", err)
	}

	e.registration, err = e.meter.RegisterCallback(e.observe, e.findingFailed, e.targetUp)
	if err != nil {
		return fmt.Errorf("register callback: %w", err)
	}

	return nil
}

// Emit records the report for the next scrape.
func (e *PrometheusEmitter) Emit(_ context.Context, report Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, res := range report.Results {
		key := targetKey{target: res.Target, region: res.Region}
		e.up[key] = res.Err == nil
		if res.Err == nil {
			e.results[key] = res
		}
	}

	return nil
}

func (e *PrometheusEmitter) observe(_ context.Context, o metric.Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for key, up := range e.up {
		v := int64(0)
		if up {
			v = 1
		}
		o.ObserveInt64(e.targetUp, v, metric.WithAttributes(
			attribute.String("resource.type", key.target),
			attribute.String("cloud.region", key.region),
		))
	}

	for key, res := range e.results {
		for _, f := range res.Findings {
			if f.Passed {
				continue
			}
			o.ObserveInt64(e.findingFailed, 1, metric.WithAttributes(
				attribute.String("rule", f.RuleID),
				attribute.String("severity", string(f.Severity)),
				attribute.String("resource.id", f.ResourceID),
				attribute.String("resource.type", key.target),
				attribute.String("cloud.region", key.region),
			))
		}
	}

	return nil
}

// Close unregisters the gauge callback.
func (e *PrometheusEmitter) Close() error {
	return e.registration.Unregister()
}
