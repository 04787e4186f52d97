package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type SpanRecord struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	Start      time.Time         `json:"start"`
	DurationMS int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Provider logs finished spans and keeps the most recent ones.
type Provider struct {
	provider *sdktrace.TracerProvider
	spans    *spanLog
}

func NewProvider(logger *slog.Logger, keep int) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if keep < 1 {
		keep = 256
	}
	spans := &spanLog{log: logger, keep: keep}
	return &Provider{
		provider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
		spans:    spans,
	}
}

func (p *Provider) Install() {
	otel.SetTracerProvider(p.provider)
}

func (p *Provider) Tracer() oteltrace.Tracer {
	return p.provider.Tracer(TracerName)
}

// Recent returns finished spans, newest first.
func (p *Provider) Recent() []SpanRecord {
	return p.spans.recent()
}

func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}

type spanLog struct {
	log  *slog.Logger
	keep int

	mu   sync.Mutex
	ring []SpanRecord
	next int
}

func (l *spanLog) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (l *spanLog) OnEnd(span sdktrace.ReadOnlySpan) {
	rec := SpanRecord{
		TraceID:    span.SpanContext().TraceID().String(),
		SpanID:     span.SpanContext().SpanID().String(),
		Name:       span.Name(),
		Start:      span.StartTime().UTC(),
		DurationMS: span.EndTime().Sub(span.StartTime()).Milliseconds(),
	}
	if span.Parent().IsValid() {
		rec.ParentID = span.Parent().SpanID().String()
	}
	if span.Status().Code == codes.Error {
		rec.Error = span.Status().Description
	}
	if attrs := span.Attributes(); len(attrs) > 0 {
		rec.Attributes = make(map[string]string, len(attrs))
		for _, kv := range attrs {
			rec.Attributes[string(kv.Key)] = kv.Value.Emit()
		}
	}

	l.mu.Lock()
	if len(l.ring) < l.keep {
		l.ring = append(l.ring, rec)
	} else {
		l.ring[l.next] = rec
	}
	l.next = (l.next + 1) % l.keep
	l.mu.Unlock()

	level := slog.LevelDebug
	switch {
	case rec.Error != "":
		level = slog.LevelWarn
	case rec.ParentID == "":
		level = slog.LevelInfo
	}
	l.log.Log(context.Background(), level, "span", "name", rec.Name, "trace_id", rec.TraceID, "duration_ms", rec.DurationMS, "err", rec.Error)
}

func (l *spanLog) recent() []SpanRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SpanRecord, 0, len(l.ring))
	for i := 1; i <= len(l.ring); i++ {
		out = append(out, l.ring[(l.next-i+len(l.ring))%len(l.ring)])
	}
	return out
}

func (l *spanLog) Shutdown(context.Context) error   { return nil }
func (l *spanLog) ForceFlush(context.Context) error { return nil }
