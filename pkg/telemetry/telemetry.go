// Package telemetry wires OpenTelemetry tracing for the HTTP services.
// Without an OTLP endpoint configured it still installs a local tracer
// provider so spans propagate through middleware.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.25.0"
)

const defaultService = "acquisitions"

// Config holds exporter settings, read from the standard OTEL_* env vars.
type Config struct {
	Endpoint string
	Headers  map[string]string
	Timeout  time.Duration
	Insecure bool
	Required bool
	Sampler  trace.Sampler
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_* and OTEL_TRACES_SAMPLER*.
func ConfigFromEnv() Config {
	return Config{
		Endpoint: strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:  parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:  time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required: os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:  parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init configures global tracing for serviceName and returns the
// provider shutdown function. Exporter failures are fatal only when
// OTEL_REQUIRED=true; otherwise the service runs with local-only spans.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	cfg := ConfigFromEnv()
	res := serviceResource(serviceName)

	if cfg.Endpoint == "" {
		return install(trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithSampler(cfg.Sampler),
		)), nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if cfg.Required {
			return nil, err
		}
		log.Printf("otel exporter disabled: %v", err)
		return install(trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithSampler(cfg.Sampler),
		)), nil
	}
	return install(trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(cfg.Sampler),
		trace.WithBatcher(exporter),
	)), nil
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	return otelhttp.NewMiddleware(serviceName)
}

func install(tp *trace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown
}

func serviceResource(serviceName string) *resource.Resource {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultService
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	return res
}

func parseSampler(name, arg string) trace.Sampler {
	ratio := 1.0
	if arg = strings.TrimSpace(arg); arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		if k := strings.TrimSpace(kv[0]); k != "" {
			out[k] = strings.TrimSpace(kv[1])
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
