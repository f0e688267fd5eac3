// Package tracing sets up OpenTelemetry spans for campaigns and pairs.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	ServiceName = "crawlbench"
	scopeName   = "bytemomo/crawlbench/runner"
)

// Span event names recorded on pair spans.
const (
	EventProxyReady     = "proxy.ready"
	EventCrawlerStarted = "crawler.started"
	EventCrawlerTimeout = "crawler.timeout"
	EventCrawlerExited  = "crawler.exited"
	EventProxyStopped   = "proxy.stopped"
)

// Options configures the exporter.
type Options struct {
	// Endpoint is the OTLP/gRPC collector, e.g. "localhost:4317". Empty
	// disables export.
	Endpoint string
	Version  string
	// Insecure sends spans without TLS.
	Insecure bool
}

// Provider wraps the tracer and its shutdown.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New returns a provider exporting to opts.Endpoint, or a no-op provider when
// no endpoint is set.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Endpoint == "" {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(scopeName)}, nil
	}

	exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		exporterOpts = append(exporterOpts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		semconv.ServiceVersion(opts.Version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	return NewWithProvider(tp), nil
}

// NewWithProvider wraps an existing SDK provider.
func NewWithProvider(tp *sdktrace.TracerProvider) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(scopeName)}
}

// Tracer returns the campaign tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

// PairAttributes describe one crawler/stand run.
func PairAttributes(campaignID, crawler, stand, url string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("crawlbench.campaign_id", campaignID),
		attribute.String("crawlbench.crawler", crawler),
		attribute.String("crawlbench.stand", stand),
		attribute.String("url.full", url),
	}
}
