// Package observability wires distributed tracing and the process
// metrics registry. Tracing exports over OTLP when an endpoint is
// configured and is a no-op otherwise; metrics are served locally in
// prometheus exposition format.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "modpackstore"

// Tracing owns the tracer provider lifecycle.
type Tracing struct {
	provider *sdktrace.TracerProvider
	log      *slog.Logger
}

// NewTracing sets up OTLP trace export. An empty endpoint disables
// export and leaves the global no-op provider in place.
func NewTracing(ctx context.Context, endpoint, version string, log *slog.Logger) (*Tracing, error) {
	t := &Tracing{log: log.With("component", "tracing")}
	if endpoint == "" {
		t.log.Info("tracing disabled, no OTLP endpoint configured")
		return t, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(t.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.log.Info("tracing enabled", "endpoint", endpoint)
	return t, nil
}

// Tracer returns the service tracer, no-op when export is disabled.
func (t *Tracing) Tracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// Shutdown flushes pending spans.
func (t *Tracing) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Metrics is the service's prometheus instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	HTTPDuration  *prometheus.HistogramVec
	HTTPInFlight  prometheus.Gauge
	ImportsTotal  *prometheus.CounterVec
	WebhooksTotal *prometheus.CounterVec
	BlobBytes     prometheus.Counter
	BlobsSwept    prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modpackstore_http_request_duration_seconds",
			Help:    "HTTP request latency by route, method and status.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"route", "method", "status"}),
		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modpackstore_http_requests_in_flight",
			Help: "HTTP requests currently being served.",
		}),
		ImportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modpackstore_imports_total",
			Help: "Archive imports by outcome.",
		}, []string{"result"}),
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modpackstore_payment_webhooks_total",
			Help: "Payment webhooks by gateway and outcome.",
		}, []string{"gateway", "result"}),
		BlobBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modpackstore_blob_bytes_written_total",
			Help: "Bytes written into the content-addressed store.",
		}),
		BlobsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modpackstore_blobs_swept_total",
			Help: "Unreferenced blobs removed by garbage collection.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPDuration, m.HTTPInFlight, m.ImportsTotal, m.WebhooksTotal,
		m.BlobBytes, m.BlobsSwept,
	)
	return m
}

// Handler serves the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
