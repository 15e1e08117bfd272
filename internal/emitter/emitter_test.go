package emitter

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/posture/internal/rule"
	"github.com/yairfalse/posture/internal/scan"
)

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	emitCalls  int
	closeCalls int
	emitErr    error
	closeErr   error
	reports    []Report
}

func (m *mockEmitter) Emit(_ context.Context, report Report) error {
	m.emitCalls++
	m.reports = append(m.reports, report)
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

func testReport() Report {
	return Report{
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Duration:  2 * time.Second,
		Results: []scan.Result{
			{
				Target:   "ecs_task_definition",
				Region:   "us-east-1",
				Count:    2,
				Duration: time.Second,
				Findings: []rule.Finding{
					{RuleID: "ecs-privileged-access", ResourceID: "tas_definition1", Severity: rule.SeverityHigh, Passed: false},
					{RuleID: "ecs-privileged-access", ResourceID: "tas_definition2", Severity: rule.SeverityHigh, Passed: true},
				},
			},
			{
				Target: "s3_bucket",
				Region: "us-east-1",
				Err:    errors.New("AccessDenied"),
			},
		},
	}
}

func TestReport_Counts(t *testing.T) {
	r := testReport()
	assert.Equal(t, 1, r.Failed())
	assert.Equal(t, 1, r.Unavailable())
}

func TestMultiEmitter_Emit(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), testReport())

	require.NoError(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls)
	assert.Len(t, e1.reports, 1)
	assert.Len(t, e2.reports, 1)
}

func TestMultiEmitter_Emit_Error(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), Report{})

	assert.Error(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 0, e2.emitCalls) // Should stop on first error
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Close()

	require.NoError(t, err)
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 1, e2.closeCalls)
}

func TestMultiEmitter_Close_Error(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Close()

	assert.Error(t, err)
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 0, e2.closeCalls) // Should stop on first error
}

func TestMultiEmitter_Empty(t *testing.T) {
	multi := NewMultiEmitter()

	err := multi.Emit(context.Background(), Report{})
	require.NoError(t, err)

	err = multi.Close()
	require.NoError(t, err)
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewJSONEmitter(&buf, false)

	require.NoError(t, e.Emit(context.Background(), testReport()))
	require.NoError(t, e.Close())

	var got jsonReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))

	assert.Equal(t, int64(2000), got.DurationMS)
	assert.Equal(t, 1, got.Failed)
	require.Len(t, got.Results, 2)

	assert.Equal(t, "ecs_task_definition", got.Results[0].Target)
	assert.Equal(t, 1, got.Results[0].Failed)
	assert.Empty(t, got.Results[0].Error)
	assert.Len(t, got.Results[0].Findings, 2)

	assert.Equal(t, "AccessDenied", got.Results[1].Error)
	assert.NotNil(t, got.Results[1].Findings)
}

func TestJSONEmitter_Indent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewJSONEmitter(&buf, true).Emit(context.Background(), Report{}))
	assert.Contains(t, buf.String(), "\n  \"")
}

func TestLogEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitterWith(zerolog.New(&buf))

	require.NoError(t, e.Emit(context.Background(), testReport()))

	out := buf.String()
	assert.Contains(t, out, `"message":"rule failed"`)
	assert.Contains(t, out, `"resource_id":"tas_definition1"`)
	assert.NotContains(t, out, `"resource_id":"tas_definition2"`)
	assert.Contains(t, out, `"message":"resource type unavailable"`)
	assert.Contains(t, out, `"message":"scan complete"`)
	assert.NotContains(t, out, `"message":"finding changed"`)

	buf.Reset()
	report := testReport()
	report.Results[0].Findings[0].Passed = true
	require.NoError(t, e.Emit(context.Background(), report))
	assert.Contains(t, buf.String(), `"change":"resolved"`)
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestPrometheusEmitter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	e, err := NewPrometheusEmitter(provider.Meter("test"))
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	require.NoError(t, e.Emit(context.Background(), testReport()))

	metrics := collect(t, reader)

	failed, ok := metrics["posture.finding.failed"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, failed.DataPoints, 1)
	dp := failed.DataPoints[0]
	assert.Equal(t, int64(1), dp.Value)
	id, _ := dp.Attributes.Value(attribute.Key("resource.id"))
	assert.Equal(t, "tas_definition1", id.AsString())
	sev, _ := dp.Attributes.Value(attribute.Key("severity"))
	assert.Equal(t, "high", sev.AsString())

	up, ok := metrics["posture.target.up"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, up.DataPoints, 2)
	byType := map[string]int64{}
	for _, dp := range up.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("resource.type"))
		byType[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"ecs_task_definition": 1, "s3_bucket": 0}, byType)
}

func TestPrometheusEmitter_FailedTargetKeepsFindings(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	e, err := NewPrometheusEmitter(provider.Meter("test"))
	require.NoError(t, err)

	report := testReport()
	require.NoError(t, e.Emit(context.Background(), report))

	report.Results[0].Err = errors.New("throttled")
	report.Results[0].Findings = nil
	require.NoError(t, e.Emit(context.Background(), report))

	metrics := collect(t, reader)
	failed := metrics["posture.finding.failed"].Data.(metricdata.Gauge[int64])
	assert.Len(t, failed.DataPoints, 1)

	up := metrics["posture.target.up"].Data.(metricdata.Gauge[int64])
	for _, dp := range up.DataPoints {
		assert.Equal(t, int64(0), dp.Value)
	}
}
