package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/tutorbox/internal/sandbox"
)

// Anomaly operation names recorded by the sandbox wrappers.
const (
	OpSandboxCreate  = "sandbox.create"
	OpSandboxExec    = "sandbox.exec"
	OpSandboxDestroy = "sandbox.destroy"
)

// --- InstrumentedProvider ---

// InstrumentedProvider wraps a sandbox.Provider with metrics, tracing, and anomaly detection.
// Handles it creates are wrapped the same way.
type InstrumentedProvider struct {
	inner   sandbox.Provider
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedProvider wraps a sandbox provider with observability.
func NewInstrumentedProvider(inner sandbox.Provider, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedProvider {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedProvider{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

// Ping forwards to the wrapped provider when it supports readiness checks.
func (p *InstrumentedProvider) Ping(ctx context.Context) error {
	if pinger, ok := p.inner.(sandbox.Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// ReapOrphans forwards to the wrapped provider when it can leave sandboxes behind.
func (p *InstrumentedProvider) ReapOrphans(ctx context.Context) (int, error) {
	if r, ok := p.inner.(sandbox.OrphanReaper); ok {
		return r.ReapOrphans(ctx)
	}
	return 0, nil
}

func (p *InstrumentedProvider) Create(ctx context.Context, template string) (sandbox.Handle, error) {
	backend := p.inner.Name()

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, OpSandboxCreate,
			trace.WithAttributes(
				attribute.String("sandbox.backend", backend),
				attribute.String("sandbox.template", template),
			))
		defer span.End()
	}

	start := time.Now()
	h, err := p.inner.Create(ctx, template)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.anomaly.RecordError(OpSandboxCreate)
	} else {
		p.anomaly.RecordSuccess(OpSandboxCreate)
		if span != nil {
			span.SetAttributes(attribute.String("sandbox.id", h.ID()))
		}
	}

	if p.metrics != nil {
		p.metrics.SandboxCreatesTotal.WithLabelValues(backend, status).Inc()
		p.metrics.SandboxCreateDuration.WithLabelValues(backend).Observe(duration)
	}

	if err != nil {
		return nil, err
	}
	return &instrumentedHandle{inner: h, backend: backend, provider: p}, nil
}

// --- instrumentedHandle ---

type instrumentedHandle struct {
	inner    sandbox.Handle
	backend  string
	provider *InstrumentedProvider
}

func (h *instrumentedHandle) ID() string       { return h.inner.ID() }
func (h *instrumentedHandle) Template() string { return h.inner.Template() }

func (h *instrumentedHandle) Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.RawResult, error) {
	p := h.provider

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, OpSandboxExec,
			trace.WithAttributes(
				attribute.String("sandbox.backend", h.backend),
				attribute.String("sandbox.id", h.inner.ID()),
				attribute.Int("sandbox.argc", len(req.Argv)),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := h.inner.Exec(ctx, req)
	duration := time.Since(start).Seconds()

	status := execStatus(res, err)
	switch {
	case err != nil:
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.anomaly.RecordError(OpSandboxExec)
	default:
		if span != nil && res != nil {
			span.SetAttributes(
				attribute.Int("sandbox.exit_code", res.ExitCode),
				attribute.Bool("sandbox.timed_out", res.TimedOut),
			)
		}
		p.anomaly.RecordSuccess(OpSandboxExec)
	}

	if p.metrics != nil {
		p.metrics.SandboxExecutionsTotal.WithLabelValues(h.backend, status).Inc()
		p.metrics.SandboxExecutionDuration.WithLabelValues(h.backend).Observe(duration)
	}

	return res, err
}

func (h *instrumentedHandle) Destroy(ctx context.Context) error {
	p := h.provider

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, OpSandboxDestroy,
			trace.WithAttributes(
				attribute.String("sandbox.backend", h.backend),
				attribute.String("sandbox.id", h.inner.ID()),
			))
		defer span.End()
	}

	err := h.inner.Destroy(ctx)

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		p.anomaly.RecordError(OpSandboxDestroy)
	} else {
		p.anomaly.RecordSuccess(OpSandboxDestroy)
	}

	if p.metrics != nil {
		p.metrics.SandboxDestroysTotal.WithLabelValues(h.backend, status).Inc()
	}
	return err
}

// execStatus classifies an execution for the executions_total status label.
func execStatus(res *sandbox.RawResult, err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case err != nil:
		return "error"
	case res == nil:
		return "error"
	case res.TimedOut:
		return "timeout"
	case res.ExitCode != 0:
		return "nonzero_exit"
	default:
		return "success"
	}
}

// statusCode converts an HTTP status code to a string label.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
