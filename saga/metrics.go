package saga

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records saga execution metrics using OpenTelemetry.
//
// Metrics recorded:
//   - saga_executions_total: Counter of finished sagas by final status
//   - saga_step_executions_total: Counter of forward attempts by step and result
//   - saga_compensation_steps_total: Counter of compensation attempts by step and result
//   - saga_log_write_failures_total: Counter of saga log writes that failed after retries
//   - saga_execution_duration_seconds: Histogram of saga execution duration
//   - saga_step_duration_seconds: Histogram of step action duration
//   - saga_active_count: Gauge of currently running sagas
//
// All methods are nil-safe.
//
// Example:
//
//	recorder := saga.NewMetricsRecorder("myapp")
//	orch := saga.New(saga.WithMetrics(recorder))
type MetricsRecorder struct {
	meterName string
	provider  metric.MeterProvider

	sagaExecutions    metric.Int64Counter
	stepExecutions    metric.Int64Counter
	compensationSteps metric.Int64Counter
	logWriteFailures  metric.Int64Counter

	sagaDuration metric.Float64Histogram
	stepDuration metric.Float64Histogram

	activeCount int64
	activeGauge metric.Int64ObservableGauge

	initOnce sync.Once
	initErr  error
}

// MetricsOption configures a MetricsRecorder.
type MetricsOption func(*MetricsRecorder)

// WithMeterProvider sets the meter provider. Defaults to the global provider
// at first use, so the recorder can be created before the OTel SDK is set up.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(m *MetricsRecorder) {
		if provider != nil {
			m.provider = provider
		}
	}
}

// NewMetricsRecorder creates a new metrics recorder for saga execution.
//
// The meterName should be unique to your application
// (e.g., "myapp" or "github.com/myorg/myapp").
func NewMetricsRecorder(meterName string, opts ...MetricsOption) *MetricsRecorder {
	m := &MetricsRecorder{meterName: meterName}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// init lazily initializes the metrics instruments.
func (m *MetricsRecorder) init() error {
	m.initOnce.Do(func() {
		provider := m.provider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		meter := provider.Meter(m.meterName)

		if m.sagaExecutions, m.initErr = meter.Int64Counter(
			"saga_executions_total",
			metric.WithDescription("Total number of finished saga executions"),
			metric.WithUnit("{execution}"),
		); m.initErr != nil {
			return
		}

		if m.stepExecutions, m.initErr = meter.Int64Counter(
			"saga_step_executions_total",
			metric.WithDescription("Total number of forward step attempts"),
			metric.WithUnit("{execution}"),
		); m.initErr != nil {
			return
		}

		if m.compensationSteps, m.initErr = meter.Int64Counter(
			"saga_compensation_steps_total",
			metric.WithDescription("Total number of compensation attempts"),
			metric.WithUnit("{execution}"),
		); m.initErr != nil {
			return
		}

		if m.logWriteFailures, m.initErr = meter.Int64Counter(
			"saga_log_write_failures_total",
			metric.WithDescription("Total number of saga log writes that failed"),
			metric.WithUnit("{write}"),
		); m.initErr != nil {
			return
		}

		if m.sagaDuration, m.initErr = meter.Float64Histogram(
			"saga_execution_duration_seconds",
			metric.WithDescription("Duration of saga execution in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		); m.initErr != nil {
			return
		}

		if m.stepDuration, m.initErr = meter.Float64Histogram(
			"saga_step_duration_seconds",
			metric.WithDescription("Duration of individual step actions in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		); m.initErr != nil {
			return
		}

		m.activeGauge, m.initErr = meter.Int64ObservableGauge(
			"saga_active_count",
			metric.WithDescription("Number of currently running sagas"),
			metric.WithUnit("{saga}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(atomic.LoadInt64(&m.activeCount))
				return nil
			}),
		)
	})

	return m.initErr
}

// RecordSagaStart records the start of a saga execution.
func (m *MetricsRecorder) RecordSagaStart(ctx context.Context, sagaName string) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}
	atomic.AddInt64(&m.activeCount, 1)
}

// RecordSagaEnd records the final status of a saga execution.
func (m *MetricsRecorder) RecordSagaEnd(ctx context.Context, sagaName string, status Status, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	atomic.AddInt64(&m.activeCount, -1)

	attrs := metric.WithAttributes(
		attribute.String("saga_name", sagaName),
		attribute.String("status", string(status)),
	)
	m.sagaExecutions.Add(ctx, 1, attrs)
	m.sagaDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStepExecution records a forward attempt.
// The result is "success", "failure" or "timeout".
func (m *MetricsRecorder) RecordStepExecution(ctx context.Context, sagaName, stepName, result string, duration time.Duration) {
	m.recordAction(ctx, m.stepExecutionsCounter, sagaName, stepName, PhaseForward, result, duration)
}

// RecordCompensation records a compensation attempt.
// The result is "success", "failure" or "timeout".
func (m *MetricsRecorder) RecordCompensation(ctx context.Context, sagaName, stepName, result string, duration time.Duration) {
	m.recordAction(ctx, m.compensationCounter, sagaName, stepName, PhaseCompensate, result, duration)
}

// RecordLogWriteFailure records a saga log write that failed after retries.
func (m *MetricsRecorder) RecordLogWriteFailure(ctx context.Context, sagaName string) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}
	m.logWriteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("saga_name", sagaName)))
}

func (m *MetricsRecorder) stepExecutionsCounter() metric.Int64Counter { return m.stepExecutions }
func (m *MetricsRecorder) compensationCounter() metric.Int64Counter   { return m.compensationSteps }

func (m *MetricsRecorder) recordAction(ctx context.Context, counter func() metric.Int64Counter, sagaName, stepName string, phase Phase, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("saga_name", sagaName),
		attribute.String("step_name", stepName),
		attribute.String("phase", string(phase)),
		attribute.String("result", result),
	)
	counter().Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// actionResult maps an invoker error to a metric result label.
func actionResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case IsTimeout(err):
		return "timeout"
	default:
		return "failure"
	}
}
