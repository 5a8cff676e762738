package telemetry

import (
	"context"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func (o Options) writer() io.Writer {
	if o.Writer != nil {
		return o.Writer
	}
	return os.Stdout
}

// hasScheme reports whether endpoint is a URL rather than host:port
func hasScheme(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}

func spanExporters(ctx context.Context, opts Options) ([]sdktrace.SpanExporter, error) {
	var out []sdktrace.SpanExporter
	if opts.Endpoint != "" {
		var eo []otlptracehttp.Option
		if hasScheme(opts.Endpoint) {
			eo = append(eo, otlptracehttp.WithEndpointURL(opts.Endpoint))
		} else {
			eo = append(eo, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, eo...)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	if opts.Stdout || len(out) == 0 {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(opts.writer()), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

func metricReaders(ctx context.Context, opts Options) ([]sdkmetric.Reader, error) {
	interval := sdkmetric.WithInterval(opts.ExportInterval)
	var out []sdkmetric.Reader
	if opts.Stdout {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(opts.writer()))
		if err != nil {
			return nil, err
		}
		out = append(out, sdkmetric.NewPeriodicReader(exp, interval))
	}

	endpoint := opts.MetricsEndpoint
	if endpoint == "" {
		endpoint = opts.Endpoint
	}
	if endpoint != "" {
		var eo []otlpmetrichttp.Option
		if hasScheme(endpoint) {
			eo = append(eo, otlpmetrichttp.WithEndpointURL(endpoint))
		} else {
			eo = append(eo, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, eo...)
		if err != nil {
			return nil, err
		}
		out = append(out, sdkmetric.NewPeriodicReader(exp, interval))
	}
	return out, nil
}
