package telemetry

import (
	"context"
	"strings"

	"github.com/gravitational/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const TracerName = "aegis"

const (
	AttrAttemptID       = "aegis.attempt.id"
	AttrScanID          = "aegis.scan.id"
	AttrVulnerabilityID = "aegis.vulnerability.id"
	AttrStrategy        = "aegis.strategy"
	AttrContainers      = "aegis.containers"
	AttrGeneration      = "aegis.estimate.generation"
)

// Tracer returns the process tracer from the global provider.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// Operation is a root span with child steps.
type Operation struct {
	ctx    context.Context
	tracer oteltrace.Tracer
	span   oteltrace.Span
}

func Start(ctx context.Context, tracer oteltrace.Tracer, name string, attrs ...attribute.KeyValue) (*Operation, error) {
	if tracer == nil {
		return nil, trace.BadParameter("start operation: tracer is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, trace.BadParameter("start operation: name is required")
	}
	spanCtx, span := tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span}, nil
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

func (o *Operation) SetAttributes(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

// RunStep runs fn inside a child span named id.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}
	stepCtx, span := o.tracer.Start(ctx, id)
	defer span.End()
	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
