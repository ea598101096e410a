package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "0.3.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true, // Use TLS in production
		SamplingRate:         1.0,  // Sample all traces in dev
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("mandicast")
	}

	// Create OTLP exporter
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider with sampling
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	// Use context with timeout for shutdown
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	// Add attributes if provided
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the forecasting pipeline
const (
	// Series attributes
	AttrState     = attribute.Key("series.state")
	AttrMarket    = attribute.Key("series.market")
	AttrCommodity = attribute.Key("series.commodity")
	AttrHorizon   = attribute.Key("forecast.horizon_days")

	// Forecast attributes
	AttrSource        = attribute.Key("forecast.source")
	AttrHistoryPoints = attribute.Key("forecast.history_points")
	AttrCacheHit      = attribute.Key("forecast.cache_hit")

	// Sync attributes
	AttrFetched      = attribute.Key("sync.fetched")
	AttrUpserted     = attribute.Key("sync.upserted")
	AttrChunksFailed = attribute.Key("sync.chunks_failed")

	// Monitor attributes
	AttrResolved = attribute.Key("monitor.resolved")
	AttrMAPE     = attribute.Key("monitor.mape")
	AttrSeverity = attribute.Key("alert.severity")

	// Performance attributes
	AttrLatencyMs = attribute.Key("latency.ms")
)

// Helper functions to create common attributes

func SeriesAttributes(state, market, commodity string, horizonDays int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrState.String(state),
		AttrMarket.String(market),
		AttrCommodity.String(commodity),
		AttrHorizon.Int(horizonDays),
	}
}

func ForecastAttributes(source string, historyPoints int, cacheHit bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSource.String(source),
		AttrHistoryPoints.Int(historyPoints),
		AttrCacheHit.Bool(cacheHit),
	}
}

func SyncAttributes(fetched, upserted, chunksFailed int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrFetched.Int(fetched),
		AttrUpserted.Int(upserted),
		AttrChunksFailed.Int(chunksFailed),
	}
}

func MonitorAttributes(resolved int, mape float64, severity string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrResolved.Int(resolved),
		AttrMAPE.Float64(mape),
	}
	if severity != "" {
		attrs = append(attrs, AttrSeverity.String(severity))
	}
	return attrs
}
