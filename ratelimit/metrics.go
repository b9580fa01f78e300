package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Wait outcomes recorded in the result attribute.
const (
	ResultAdmitted  = "admitted"
	ResultTimeout   = "timeout"
	ResultCancelled = "cancelled"
	ResultRejected  = "rejected"
)

// Call identifies the saga action a wait gates. Empty fields are not
// recorded.
type Call struct {
	Saga  string
	Step  string
	Phase string
}

func (c Call) attributes(limiter, result string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	attrs = append(attrs, attribute.String("limiter", limiter))
	if c.Saga != "" {
		attrs = append(attrs, attribute.String("saga_name", c.Saga))
	}
	if c.Step != "" {
		attrs = append(attrs, attribute.String("step_name", c.Step))
	}
	if c.Phase != "" {
		attrs = append(attrs, attribute.String("phase", c.Phase))
	}
	if result != "" {
		attrs = append(attrs, attribute.String("result", result))
	}
	return attrs
}

// waitResult classifies the error returned by Limiter.Wait.
func waitResult(err error) string {
	switch {
	case err == nil:
		return ResultAdmitted
	case errors.Is(err, context.DeadlineExceeded):
		return ResultTimeout
	case errors.Is(err, context.Canceled):
		return ResultCancelled
	default:
		return ResultRejected
	}
}

// Metrics records how saga actions are throttled.
//
// All methods are nil-safe.
//
// Available metrics:
//   - ratelimit_waits_total: waits by limiter, saga_name, step_name, phase and result
//   - ratelimit_wait_duration_seconds: time admitted waits spent blocked
//   - ratelimit_checks_total: non-blocking Allow checks by result
type Metrics struct {
	waits    metric.Int64Counter
	waitTime metric.Float64Histogram
	checks   metric.Int64Counter
}

type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
}

// MetricsOption configures Metrics.
type MetricsOption func(*metricsOptions)

// WithMeterProvider sets the meter provider. The global one is the default.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithMetricsNamespace prefixes metric names with namespace and "_".
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		o.namespace = namespace
	}
}

// NewMetrics creates the throttle instruments.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(o)
	}

	name := func(s string) string {
		if o.namespace == "" {
			return s
		}
		return o.namespace + "_" + s
	}
	meter := o.meterProvider.Meter("github.com/rbaliyan/event-saga/ratelimit")

	waits, err := meter.Int64Counter(
		name("ratelimit_waits_total"),
		metric.WithDescription("Throttle waits before saga actions"),
		metric.WithUnit("{wait}"),
	)
	if err != nil {
		return nil, err
	}

	waitTime, err := meter.Float64Histogram(
		name("ratelimit_wait_duration_seconds"),
		metric.WithDescription("Time a saga action was held by the throttle before it was admitted"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	checks, err := meter.Int64Counter(
		name("ratelimit_checks_total"),
		metric.WithDescription("Non-blocking limiter checks"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{waits: waits, waitTime: waitTime, checks: checks}, nil
}

// RecordWait records one wait for call. The duration is recorded only for
// admitted waits; a wait that ended in a timeout says nothing about how
// long the limiter holds calls.
func (m *Metrics) RecordWait(ctx context.Context, limiter string, call Call, err error, waited time.Duration) {
	if m == nil {
		return
	}
	result := waitResult(err)
	m.waits.Add(ctx, 1, metric.WithAttributes(call.attributes(limiter, result)...))
	if result == ResultAdmitted {
		m.waitTime.Record(ctx, waited.Seconds(), metric.WithAttributes(call.attributes(limiter, "")...))
	}
}

// RecordCheck records a non-blocking Allow check.
func (m *Metrics) RecordCheck(ctx context.Context, limiter string, allowed bool) {
	if m == nil {
		return
	}
	result := ResultAdmitted
	if !allowed {
		result = ResultRejected
	}
	m.checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter", limiter),
		attribute.String("result", result),
	))
}

// MetricsLimiter wraps a Limiter with metrics. It implements
// saga.StepThrottle, so waits from an orchestrator are labelled with the
// saga, step and phase they gate.
//
// Example:
//
//	metrics, _ := ratelimit.NewMetrics()
//	limiter := ratelimit.NewMetricsLimiter(
//	    ratelimit.NewRedisLimiter(rdb, "ratelimit:payments", 100, time.Second),
//	    "payments", metrics)
//	orch := saga.New(saga.WithThrottle(limiter))
type MetricsLimiter struct {
	limiter Limiter
	name    string
	metrics *Metrics
}

// NewMetricsLimiter wraps limiter. A nil metrics records nothing.
func NewMetricsLimiter(limiter Limiter, name string, metrics *Metrics) *MetricsLimiter {
	return &MetricsLimiter{limiter: limiter, name: name, metrics: metrics}
}

// Allow checks the wrapped limiter without blocking.
func (m *MetricsLimiter) Allow(ctx context.Context) bool {
	allowed := m.limiter.Allow(ctx)
	m.metrics.RecordCheck(ctx, m.name, allowed)
	return allowed
}

// Wait is an unlabelled WaitStep.
func (m *MetricsLimiter) Wait(ctx context.Context) error {
	return m.wait(ctx, Call{})
}

// WaitStep waits on the wrapped limiter on behalf of one saga action.
func (m *MetricsLimiter) WaitStep(ctx context.Context, saga, step, phase string) error {
	return m.wait(ctx, Call{Saga: saga, Step: step, Phase: phase})
}

func (m *MetricsLimiter) wait(ctx context.Context, call Call) error {
	start := time.Now()
	err := m.limiter.Wait(ctx)
	m.metrics.RecordWait(context.WithoutCancel(ctx), m.name, call, err, time.Since(start))
	return err
}

// Health reports the wrapped limiter's health. Limiters without a health
// check are healthy.
func (m *MetricsLimiter) Health(ctx context.Context) *health.Result {
	if hc, ok := m.limiter.(health.Checker); ok {
		return hc.Health(ctx)
	}
	return &health.Result{Status: health.StatusHealthy, CheckedAt: time.Now()}
}

// Unwrap returns the wrapped limiter.
func (m *MetricsLimiter) Unwrap() Limiter {
	return m.limiter
}

var (
	_ Limiter        = (*MetricsLimiter)(nil)
	_ health.Checker = (*MetricsLimiter)(nil)
)
