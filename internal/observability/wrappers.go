package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/shellgate/internal/sandbox"
)

// InstrumentedRunner wraps a sandbox.Runner with metrics and tracing.
type InstrumentedRunner struct {
	inner   sandbox.Runner
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedRunner wraps a sandbox runner with observability.
func NewInstrumentedRunner(inner sandbox.Runner, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedRunner {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedRunner{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Create provisions a sandbox, recording creation duration and outcome.
func (r *InstrumentedRunner) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.Handle, error) {
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "sandbox.create",
			trace.WithAttributes(
				attribute.String("session.id", req.SessionID),
			))
		defer span.End()
	}

	start := time.Now()
	h, err := r.inner.Create(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if r.metrics != nil {
		r.metrics.SandboxCreationsTotal.WithLabelValues(status).Inc()
		r.metrics.SandboxCreateDuration.Observe(duration)
	}
	return h, err
}

// CheckReady delegates to the wrapped runner.
func (r *InstrumentedRunner) CheckReady(ctx context.Context) error {
	return r.inner.CheckReady(ctx)
}

// CleanupOrphans delegates to the wrapped runner.
func (r *InstrumentedRunner) CleanupOrphans(ctx context.Context) (int, error) {
	return r.inner.CleanupOrphans(ctx)
}
