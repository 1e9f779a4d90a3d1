package observability

import (
	"context"
	"fmt"

	"github.com/danmuck/framewatch/internal/notify"
	"github.com/danmuck/framewatch/internal/protocol/frame"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "framewatch"

const (
	AttrSessionID = "framewatch.session.id"
	AttrMonitor   = "framewatch.monitor"
	AttrDirection = "framewatch.frame.direction"
	AttrType      = "framewatch.frame.type"
	AttrStreamID  = "framewatch.frame.stream_id"
	AttrFlags     = "framewatch.frame.flags"
	AttrLength    = "framewatch.frame.length"
)

// TraceConfig selects the span exporter. Exporter is "otlp", "stdout" or "none".
type TraceConfig struct {
	Enabled     bool   `toml:"enabled" yaml:"enabled"`
	Exporter    string `toml:"exporter" yaml:"exporter"`
	Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	ServiceName string `toml:"service_name" yaml:"service_name"`
	Insecure    bool   `toml:"insecure" yaml:"insecure"`
}

type Tracing struct {
	cfg      TraceConfig
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewTracing builds a tracer. Disabled or exporter "none" yields the global
// no-op tracer.
func NewTracing(cfg TraceConfig, opts ...sdktrace.TracerProviderOption) (*Tracing, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = tracerName
	}
	if !cfg.Enabled {
		return &Tracing{cfg: cfg, tracer: otel.Tracer(cfg.ServiceName)}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(context.Background(), clientOpts...)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "", "none":
		return &Tracing{cfg: cfg, tracer: otel.Tracer(cfg.ServiceName)}, nil
	default:
		return nil, fmt.Errorf("observability: unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("observability: %s exporter: %w", cfg.Exporter, err)
	}
	log.Info().Str("exporter", cfg.Exporter).Str("endpoint", cfg.Endpoint).Msg("tracing enabled")
	return newTracingWithExporter(cfg, exporter, opts...), nil
}

// newTracingWithExporter installs exporter behind a span processor. Frame
// spans end on the session goroutine that notified them, so network
// exporters are batched off that goroutine; stdout stays synchronous.
func newTracingWithExporter(cfg TraceConfig, exporter sdktrace.SpanExporter, opts ...sdktrace.TracerProviderOption) *Tracing {
	processor := sdktrace.WithBatcher(exporter)
	if cfg.Exporter == "stdout" {
		processor = sdktrace.WithSyncer(exporter)
	}
	tp := sdktrace.NewTracerProvider(append([]sdktrace.TracerProviderOption{processor}, opts...)...)
	otel.SetTracerProvider(tp)
	return &Tracing{cfg: cfg, tracer: tp.Tracer(cfg.ServiceName), provider: tp}
}

// NewTracingWithProvider wraps an existing provider; used by tests with an
// in-memory exporter.
func NewTracingWithProvider(tp *sdktrace.TracerProvider) *Tracing {
	return &Tracing{
		cfg:      TraceConfig{Enabled: true, ServiceName: tracerName},
		tracer:   tp.Tracer(tracerName),
		provider: tp,
	}
}

func (t *Tracing) Tracer() trace.Tracer {
	return t.tracer
}

func (t *Tracing) Enabled() bool {
	return t.cfg.Enabled && t.provider != nil
}

func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

// FrameSpans returns a subscriber that records one span per frame event.
func (t *Tracing) FrameSpans(monitor string) notify.Handler[frame.Event] {
	return func(ev frame.Event) error {
		f := ev.Frame
		_, span := t.tracer.Start(context.Background(), "frame."+ev.Direction.String(),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String(AttrSessionID, ev.SessionID),
				attribute.String(AttrMonitor, monitor),
				attribute.String(AttrDirection, ev.Direction.String()),
				attribute.String(AttrType, f.Type().String()),
				attribute.Int64(AttrStreamID, int64(f.StreamID())),
				attribute.String(AttrFlags, f.Header.Flags.Format(f.Type())),
				attribute.Int(AttrLength, len(f.Payload)),
			),
		)
		span.End()
		return nil
	}
}
