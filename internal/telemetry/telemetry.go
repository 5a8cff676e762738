// Package telemetry exports fcpbot's traces and OpenTelemetry metrics.
//
// Until Init runs, the global providers are no-ops. Instruments created
// earlier through Tracer and Meter delegate to the providers Init installs,
// so packages may build them at construction time.
//
// Spans:
//
//	sync.sweep        one repository sweep (ingest, evaluate, deliver)
//	ingest.sweep      fetching and applying one repository's events
//	fcp.evaluate      one evaluation pass over a set of proposals
//	storage.<Method>  every call through WrapStorage
//
// Instruments:
//
//	fcpbot.sweep.duration             histogram, seconds, by repository and outcome
//	fcpbot.fcp.transitions            counter, by from and to status
//	fcpbot.storage.operations         counter, by db.operation
//	fcpbot.storage.operation.duration histogram, milliseconds
//	fcpbot.storage.errors             counter
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationScope = "github.com/fcpbot/fcpbot"

// DefaultExportInterval is how often metrics are pushed to the exporters
const DefaultExportInterval = 30 * time.Second

// Options describes the running bot and where its telemetry goes
type Options struct {
	ServiceName  string
	Version      string
	BotLogin     string
	RosterMode   string
	Repositories []string // Repositories the roster watches

	Stdout          bool      // Pretty-print spans and metrics
	Writer          io.Writer // Destination for Stdout; os.Stdout when nil
	Endpoint        string    // OTLP/HTTP endpoint for traces, and for metrics unless MetricsEndpoint is set
	MetricsEndpoint string
	SampleRatio     float64       // Fraction of root sweeps traced, 0 < r <= 1
	ExportInterval  time.Duration // Metric push interval
}

// Provider owns the installed trace and meter providers
type Provider struct {
	tracer *sdktrace.TracerProvider
	meter  *sdkmetric.MeterProvider
}

// Init builds providers for opts and installs them globally. With neither
// Stdout nor an endpoint set, spans go to stdout.
func Init(ctx context.Context, opts Options) (*Provider, error) {
	if opts.SampleRatio <= 0 || opts.SampleRatio > 1 {
		return nil, fmt.Errorf("telemetry: sample ratio %v outside (0, 1]", opts.SampleRatio)
	}
	if opts.ExportInterval <= 0 {
		opts.ExportInterval = DefaultExportInterval
	}
	res, err := newResource(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	spans, err := spanExporters(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	readers, err := metricReaders(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}

	p := &Provider{
		tracer: newTracerProvider(res, opts.SampleRatio, spans...),
		meter:  newMeterProvider(res, readers...),
	}
	otel.SetTracerProvider(p.tracer)
	otel.SetMeterProvider(p.meter)
	return p, nil
}

func newTracerProvider(res *resource.Resource, ratio float64, exporters ...sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	for _, exp := range exporters {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}

func newMeterProvider(res *resource.Resource, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, v := range views() {
		opts = append(opts, sdkmetric.WithView(v))
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

// Shutdown flushes pending spans and metrics. Call it once, with a
// context that outlives the command's own.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return errors.Join(p.tracer.Shutdown(ctx), p.meter.Shutdown(ctx))
}

// Tracer returns a tracer with the given instrumentation name (or the global scope).
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}
