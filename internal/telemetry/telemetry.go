// Package telemetry wires OpenTelemetry traces and metrics for the
// conversation server. Exporters are configured by the standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Without Init the instruments are
// backed by the global no-op providers.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/inercia/parley/internal/protocol"
)

const scopeName = "github.com/inercia/parley"

// Attribute keys shared by spans and metrics.
const (
	AttrConversationID = attribute.Key("parley.conversation_id")
	AttrClientID       = attribute.Key("parley.client_id")
	AttrTurnID         = attribute.Key("parley.turn_id")
	AttrEnvelopeType   = attribute.Key("parley.envelope_type")
	AttrErrorCode      = attribute.Key("parley.error_code")
	AttrResync         = attribute.Key("parley.resync")
)

// Instruments holds the tracer and metric instruments used by the server.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	EnvelopesSent    metric.Int64Counter
	EnvelopesRecv    metric.Int64Counter
	Replayed         metric.Int64Counter
	CommandsRejected metric.Int64Counter
	Attachments      metric.Int64Counter
	TurnDuration     metric.Float64Histogram
}

// Init sets up the global trace and metric providers with OTLP HTTP exporters
// and returns the instruments plus a shutdown function that must be called on
// exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := New()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}
	return inst, shutdown, nil
}

// New creates instruments from the global providers.
func New() (*Instruments, error) {
	return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewWithProviders creates instruments from explicit providers.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(scopeName)
	inst := &Instruments{
		Tracer: tp.Tracer(scopeName),
		Meter:  meter,
	}

	var err error
	if inst.EnvelopesSent, err = meter.Int64Counter("parley.envelopes.sent",
		metric.WithDescription("Envelopes stamped for delivery"),
		metric.WithUnit("{envelope}")); err != nil {
		return nil, err
	}
	if inst.EnvelopesRecv, err = meter.Int64Counter("parley.envelopes.received",
		metric.WithDescription("Client envelopes accepted for processing"),
		metric.WithUnit("{envelope}")); err != nil {
		return nil, err
	}
	if inst.Replayed, err = meter.Int64Counter("parley.envelopes.replayed",
		metric.WithDescription("Envelopes re-sent as message.replay"),
		metric.WithUnit("{envelope}")); err != nil {
		return nil, err
	}
	if inst.CommandsRejected, err = meter.Int64Counter("parley.commands.rejected",
		metric.WithDescription("Client commands answered with session.error"),
		metric.WithUnit("{command}")); err != nil {
		return nil, err
	}
	if inst.Attachments, err = meter.Int64Counter("parley.attachments",
		metric.WithDescription("Client connections attached, by resume or resync"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if inst.TurnDuration, err = meter.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Assistant turn duration"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return inst, nil
}

// Noop returns instruments that record nothing.
func Noop() *Instruments {
	inst, err := New()
	if err != nil {
		// The global no-op providers never fail to create instruments.
		panic(err)
	}
	return inst
}

// TraceID returns the trace id of the span in ctx, or a fresh random one when
// ctx carries no sampled span.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return protocol.NewTraceID()
}
