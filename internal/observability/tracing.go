package observability

import (
	"context"
	"crypto/tls"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

// tracingEnv captures the RCA_OTEL_* knobs in one read so the exporter and
// sampler builders do not consult the environment independently.
type tracingEnv struct {
	exporter     string
	endpoint     string
	headers      map[string]string
	insecure     bool
	sampler      string
	samplerRatio float64
	environment  string
}

func readTracingEnv() tracingEnv {
	env := tracingEnv{
		exporter:     strings.ToLower(strings.TrimSpace(os.Getenv("RCA_OTEL_EXPORTER"))),
		endpoint:     strings.TrimSpace(os.Getenv("RCA_OTEL_ENDPOINT")),
		headers:      map[string]string{},
		insecure:     true,
		sampler:      strings.ToLower(strings.TrimSpace(os.Getenv("RCA_OTEL_SAMPLER"))),
		samplerRatio: 1.0,
		environment:  strings.TrimSpace(os.Getenv("RCA_ENVIRONMENT")),
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("RCA_OTEL_INSECURE"))) {
	case "0", "false", "no":
		env.insecure = false
	}
	if raw := strings.TrimSpace(os.Getenv("RCA_OTEL_SAMPLER_RATIO")); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			env.samplerRatio = f
		}
	}
	for _, pair := range strings.Split(os.Getenv("RCA_OTEL_HEADERS"), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k != "" && v != "" {
			env.headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return env
}

var (
	tracerOnce sync.Once
	shutdownFn func(context.Context) error
)

// InitTracingFromEnv installs a global tracer provider for the named
// service. Without RCA_OTEL_EXPORTER the provider is a noop and the
// returned shutdown does nothing. Safe to call more than once; only the
// first call wires anything.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	var initErr error
	tracerOnce.Do(func() {
		env := readTracingEnv()
		if env.exporter == "" || env.exporter == "none" {
			otel.SetTracerProvider(noop.NewTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exp, err := newExporter(context.Background(), env)
		if err != nil {
			initErr = err
			return
		}
		res, err := resource.New(context.Background(), resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			attribute.String("rca.environment", env.environment),
		))
		if err != nil {
			initErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithSampler(samplerFor(env)),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		shutdownFn = tp.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("rca").Start(ctx, name, trace.WithAttributes(attrs...))
}

func newExporter(ctx context.Context, env tracingEnv) (sdktrace.SpanExporter, error) {
	switch env.exporter {
	case "otlp", "otlpgrpc", "grpc":
		endpoint := env.endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if len(env.headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(env.headers))
		}
		if env.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlphttp", "http":
		endpoint := env.endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if len(env.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(env.headers))
		}
		if env.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		// "stdout" and anything unrecognized.
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

func samplerFor(env tracingEnv) sdktrace.Sampler {
	switch env.sampler {
	case "always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "traceidratio", "ratio":
		ratio := env.samplerRatio
		if ratio < 0 {
			ratio = 0
		}
		if ratio > 1 {
			ratio = 1
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}
