// Signal provider setup: stdout or OTLP (http/protobuf, grpc) exporters for traces, metrics and logs
// Returns the request observers for the enabled signals and a shutdown function
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const shutdownTimeout = 5 * time.Second

// Options selects exporters and signals.
type Options struct {
	// Signals is a comma-separated subset of traces,metrics,logs. Empty disables telemetry.
	Signals       string
	Stdout        bool
	Writer        io.Writer
	Endpoint      string
	Protocol      string
	SlowThreshold time.Duration
	Version       string
}

var validSignals = map[string]bool{
	"traces":  true,
	"metrics": true,
	"logs":    true,
}

var validProtocols = map[string]bool{
	"http/protobuf": true,
	"grpc":          true,
}

// ValidateProtocol checks an OTLP protocol name.
func ValidateProtocol(p string) error {
	if !validProtocols[p] {
		return fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", p)
	}
	return nil
}

// ParseSignals parses a comma-separated signal list.
func ParseSignals(s string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, sig := range strings.Split(s, ",") {
		sig = strings.TrimSpace(sig)
		if sig == "" {
			continue
		}
		if !validSignals[sig] {
			return nil, fmt.Errorf("unknown signal %q, valid signals: traces, metrics, logs", sig)
		}
		set[sig] = true
	}
	return set, nil
}

// Setup creates providers for the enabled signals. The returned shutdown flushes
// and closes every provider; it is safe to call when no signal is enabled.
func Setup(ctx context.Context, service string, opts Options) (Observers, func(), error) {
	enabled, err := ParseSignals(opts.Signals)
	if err != nil {
		return nil, func() {}, err
	}
	if len(enabled) == 0 {
		return nil, func() {}, nil
	}
	if opts.Protocol == "" {
		opts.Protocol = "http/protobuf"
	}
	if err := ValidateProtocol(opts.Protocol); err != nil {
		return nil, func() {}, err
	}
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("bankdst.version", opts.Version),
	))
	if err != nil {
		return nil, func() {}, fmt.Errorf("creating resource: %w", err)
	}

	var (
		observers Observers
		providers []shutdownable
	)
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownAll(shutdownCtx, providers, "provider")
	}

	if enabled["traces"] {
		exporter, err := createTraceExporter(ctx, opts)
		if err != nil {
			shutdown()
			return nil, func() {}, fmt.Errorf("creating trace exporter: %w", err)
		}
		var sp sdktrace.SpanProcessor
		if opts.Stdout {
			sp = sdktrace.NewSimpleSpanProcessor(exporter)
		} else {
			sp = sdktrace.NewBatchSpanProcessor(exporter)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sp), sdktrace.WithResource(res))
		providers = append(providers, tp)
		observers = append(observers, NewSpanObserver(tp))
	}

	if enabled["metrics"] {
		exporter, err := createMetricExporter(ctx, opts)
		if err != nil {
			shutdown()
			return nil, func() {}, fmt.Errorf("creating metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
			sdkmetric.WithResource(res),
		)
		providers = append(providers, mp)
		obs, err := NewMetricObserver(mp)
		if err != nil {
			shutdown()
			return nil, func() {}, fmt.Errorf("creating metric observer: %w", err)
		}
		observers = append(observers, obs)
	}

	if enabled["logs"] {
		exporter, err := createLogExporter(ctx, opts)
		if err != nil {
			shutdown()
			return nil, func() {}, fmt.Errorf("creating log exporter: %w", err)
		}
		var processor sdklog.Processor
		if opts.Stdout {
			processor = sdklog.NewSimpleProcessor(exporter)
		} else {
			processor = sdklog.NewBatchProcessor(exporter)
		}
		lp := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor), sdklog.WithResource(res))
		providers = append(providers, lp)
		observers = append(observers, NewLogObserver(lp, opts.SlowThreshold))
	}

	return observers, shutdown, nil
}

func createTraceExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	if opts.Stdout {
		return stdouttrace.New(stdouttrace.WithWriter(opts.Writer))
	}
	switch opts.Protocol {
	case "grpc":
		var grpcOpts []otlptracegrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.Endpoint), otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlptracehttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpoint(opts.Endpoint), otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, httpOpts...)
	}
}

func createMetricExporter(ctx context.Context, opts Options) (sdkmetric.Exporter, error) {
	if opts.Stdout {
		return stdoutmetric.New(stdoutmetric.WithWriter(opts.Writer))
	}
	switch opts.Protocol {
	case "grpc":
		var grpcOpts []otlpmetricgrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(opts.Endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlpmetrichttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlpmetrichttp.WithEndpoint(opts.Endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, httpOpts...)
	}
}

func createLogExporter(ctx context.Context, opts Options) (sdklog.Exporter, error) {
	if opts.Stdout {
		return stdoutlog.New(stdoutlog.WithWriter(opts.Writer))
	}
	switch opts.Protocol {
	case "grpc":
		var grpcOpts []otlploggrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpoint(opts.Endpoint), otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, grpcOpts...)
	default:
		var httpOpts []otlploghttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlploghttp.WithEndpoint(opts.Endpoint), otlploghttp.WithInsecure())
		}
		return otlploghttp.New(ctx, httpOpts...)
	}
}

// shutdownable is anything with a Shutdown method (TracerProvider, MeterProvider, LoggerProvider).
type shutdownable interface {
	Shutdown(context.Context) error
}

// shutdownAll shuts down all items concurrently within the given context.
// Errors are logged to stderr individually; a slow item does not block others.
func shutdownAll[S shutdownable](ctx context.Context, items []S, label string) {
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Go(func() {
			if err := item.Shutdown(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error shutting down %s: %v\n", label, err)
			}
		})
	}
	wg.Wait()
}
