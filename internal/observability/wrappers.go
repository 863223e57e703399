package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/isolab/internal/netmode"
	"github.com/jkaninda/isolab/internal/netpolicy"
	"github.com/jkaninda/isolab/internal/sandbox"
)

// --- InstrumentedEngine ---

// InstrumentedEngine wraps a sandbox.Engine with metrics, tracing, and
// anomaly detection. List refreshes the running-labs gauge as a side
// effect, so the gauge stays current with the dashboard and feed polls.
type InstrumentedEngine struct {
	inner   sandbox.Engine
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedEngine wraps a container engine with observability.
func NewInstrumentedEngine(inner sandbox.Engine, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedEngine {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedEngine{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedEngine) List(ctx context.Context) ([]container.Summary, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.list")
		defer span.End()
	}

	start := time.Now()
	summaries, err := e.inner.List(ctx)
	e.record(ctx, "list", start, err)

	if err == nil && e.metrics != nil {
		running := 0
		for _, s := range summaries {
			if s.State == "running" {
				running++
			}
		}
		e.metrics.LabsRunning.Set(float64(running))
	}

	return summaries, err
}

func (e *InstrumentedEngine) Inspect(ctx context.Context, nameOrID string) (container.InspectResponse, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.inspect",
			trace.WithAttributes(
				attribute.String("lab.container", nameOrID),
			))
		defer span.End()
	}

	start := time.Now()
	resp, err := e.inner.Inspect(ctx, nameOrID)
	e.record(ctx, "inspect", start, err)
	return resp, err
}

func (e *InstrumentedEngine) Create(ctx context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.create",
			trace.WithAttributes(
				attribute.String("lab.container", name),
				attribute.String("lab.image", cfg.Image),
			))
		defer span.End()
	}

	start := time.Now()
	id, err := e.inner.Create(ctx, cfg, host, name)
	e.record(ctx, "create", start, err)
	return id, err
}

func (e *InstrumentedEngine) Start(ctx context.Context, nameOrID string) error {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.start",
			trace.WithAttributes(
				attribute.String("lab.container", nameOrID),
			))
		defer span.End()
	}

	start := time.Now()
	err := e.inner.Start(ctx, nameOrID)
	e.record(ctx, "start", start, err)
	return err
}

func (e *InstrumentedEngine) Stop(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.stop",
			trace.WithAttributes(
				attribute.String("lab.container", nameOrID),
			))
		defer span.End()
	}

	start := time.Now()
	err := e.inner.Stop(ctx, nameOrID, timeoutSeconds)
	e.record(ctx, "stop", start, err)
	return err
}

func (e *InstrumentedEngine) Restart(ctx context.Context, nameOrID string, timeoutSeconds int) error {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.restart",
			trace.WithAttributes(
				attribute.String("lab.container", nameOrID),
			))
		defer span.End()
	}

	start := time.Now()
	err := e.inner.Restart(ctx, nameOrID, timeoutSeconds)
	e.record(ctx, "restart", start, err)
	return err
}

func (e *InstrumentedEngine) Remove(ctx context.Context, nameOrID string) error {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.remove",
			trace.WithAttributes(
				attribute.String("lab.container", nameOrID),
			))
		defer span.End()
	}

	start := time.Now()
	err := e.inner.Remove(ctx, nameOrID)
	e.record(ctx, "remove", start, err)
	return err
}

func (e *InstrumentedEngine) Stats(ctx context.Context, nameOrID string) (*container.StatsResponse, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.stats",
			trace.WithAttributes(
				attribute.String("lab.container", nameOrID),
			))
		defer span.End()
	}

	start := time.Now()
	stats, err := e.inner.Stats(ctx, nameOrID)
	e.record(ctx, "stats", start, err)
	return stats, err
}

func (e *InstrumentedEngine) Ping(ctx context.Context) error {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "engine.ping")
		defer span.End()
	}

	start := time.Now()
	err := e.inner.Ping(ctx)
	e.record(ctx, "ping", start, err)
	return err
}

// record captures metrics, span status, and anomaly counts for one engine
// call. Not-found is a distinct outcome: existence probes and stale lookups
// hit it in normal flow, so it is neither a span error nor an anomaly.
func (e *InstrumentedEngine) record(ctx context.Context, op string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, sandbox.ErrNotFound):
		status = "not_found"
	default:
		status = "error"
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if e.metrics != nil {
		e.metrics.EngineOperationsTotal.WithLabelValues(op, status).Inc()
		e.metrics.EngineOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}

	if e.anomaly == nil {
		return
	}
	switch status {
	case "success":
		e.anomaly.RecordSuccess("engine_" + op)
	case "error":
		e.anomaly.RecordError("engine_" + op)
	}
}

// --- InstrumentedApplier ---

// InstrumentedApplier wraps a netpolicy.Applier with metrics and tracing.
type InstrumentedApplier struct {
	inner   netpolicy.Applier
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedApplier wraps a network rule applier with observability.
func NewInstrumentedApplier(inner netpolicy.Applier, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedApplier {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedApplier{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (a *InstrumentedApplier) Apply(ctx context.Context, name string, mode netmode.Mode) error {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "netpolicy.apply",
			trace.WithAttributes(
				attribute.String("lab.name", name),
				attribute.String("lab.net", mode.String()),
			))
		defer span.End()
	}

	err := a.inner.Apply(ctx, name, mode)
	a.recordRuleOp(ctx, "apply", err)
	return err
}

func (a *InstrumentedApplier) Clear(ctx context.Context, name string) error {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "netpolicy.clear",
			trace.WithAttributes(
				attribute.String("lab.name", name),
			))
		defer span.End()
	}

	err := a.inner.Clear(ctx, name)
	a.recordRuleOp(ctx, "clear", err)
	return err
}

func (a *InstrumentedApplier) recordRuleOp(ctx context.Context, op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
		if a.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if a.metrics != nil {
		a.metrics.NetRulesTotal.WithLabelValues(op, status).Inc()
	}
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Engine    = (*InstrumentedEngine)(nil)
	_ netpolicy.Applier = (*InstrumentedApplier)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
