package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const shutdownTimeout = 5 * time.Second

type TracerOptions struct {
	Enabled bool

	// Service becomes the service.name resource attribute.
	Service string

	// Endpoint is an OTLP/HTTP host:port. Spans are printed to Output when empty.
	Endpoint string

	// SampleRatio is the share of root spans kept. Child spans follow their parent.
	SampleRatio float64

	// Output defaults to os.Stdout.
	Output io.Writer

	Logger zerolog.Logger
}

// Tracer is the provider installed by InitTracer.
type Tracer struct {
	provider *sdktrace.TracerProvider
}

// InitTracer installs a global OpenTelemetry tracer provider. Nothing is
// installed when tracing is disabled and Shutdown is then a no-op.
func InitTracer(options TracerOptions) (*Tracer, error) {
	if !options.Enabled {
		return &Tracer{}, nil
	}

	ctx := context.Background()
	exporter, err := newExporter(ctx, options)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(options.Service),
			attribute.String("service.instance.id", xid.New().String()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	ratio := options.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	options.Logger.Info().
		Str("service", options.Service).
		Float64("sample_ratio", ratio).
		Msg("otel tracing enabled")
	return &Tracer{provider: provider}, nil
}

func newExporter(ctx context.Context, options TracerOptions) (sdktrace.SpanExporter, error) {
	if endpoint := strings.TrimSpace(options.Endpoint); endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		options.Logger.Info().Str("type", "otlphttp").Str("endpoint", endpoint).Msg("otel trace exporter configured")
		return exporter, nil
	}

	output := options.Output
	if output == nil {
		output = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(output), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	options.Logger.Info().Str("type", "stdout").Msg("otel trace exporter configured")
	return exporter, nil
}

// Shutdown flushes buffered spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
