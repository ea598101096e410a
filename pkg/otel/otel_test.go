package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("test-service")

	if config.ServiceName != "test-service" {
		t.Errorf("Expected service name 'test-service', got '%s'", config.ServiceName)
	}

	if config.ServiceVersion == "" {
		t.Error("Service version should not be empty")
	}

	if config.CollectorEndpoint == "" {
		t.Error("Collector endpoint should not be empty")
	}

	if config.SamplingRate < 0.0 || config.SamplingRate > 1.0 {
		t.Errorf("Sampling rate out of bounds: %.2f", config.SamplingRate)
	}
}

func TestSeriesAttributes(t *testing.T) {
	attrs := SeriesAttributes("Punjab", "Ludhiana", "wheat", 7)

	if len(attrs) != 4 {
		t.Errorf("Expected 4 attributes, got %d", len(attrs))
	}

	// Verify key attribute exists
	found := false
	for _, attr := range attrs {
		if attr.Key == AttrCommodity && attr.Value.AsString() == "wheat" {
			found = true
			break
		}
	}
	if !found {
		t.Error("Commodity attribute not found")
	}
}

func TestForecastAttributes(t *testing.T) {
	attrs := ForecastAttributes("statistical", 90, false)

	if len(attrs) != 3 {
		t.Errorf("Expected 3 attributes, got %d", len(attrs))
	}
}

func TestSyncAttributes(t *testing.T) {
	attrs := SyncAttributes(1000, 998, 1)

	if len(attrs) != 3 {
		t.Errorf("Expected 3 attributes, got %d", len(attrs))
	}
}

func TestMonitorAttributes(t *testing.T) {
	// With severity
	attrs := MonitorAttributes(12, 18.5, "warning")
	if len(attrs) != 3 {
		t.Errorf("Expected 3 attributes with severity, got %d", len(attrs))
	}

	// Without severity
	attrs = MonitorAttributes(12, 8.5, "")
	if len(attrs) != 2 {
		t.Errorf("Expected 2 attributes without severity, got %d", len(attrs))
	}
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// This will use the global no-op tracer since we haven't initialized OTel
	ctx, span := StartSpan(ctx, "test-tracer", "test-span",
		attribute.String("test.key", "test.value"),
	)

	if ctx == nil {
		t.Error("Context should not be nil")
	}

	if span == nil {
		t.Error("Span should not be nil")
	}

	span.End()
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()
	_, span := StartSpan(ctx, "test-tracer", "test-span")

	// Should not panic
	RecordError(span, nil, "")
	RecordError(span, nil, "test message")

	span.End()
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()
	_, span := StartSpan(ctx, "test-tracer", "test-span")

	// Should not panic
	AddEvent(span, "test-event")
	AddEvent(span, "test-event-with-attrs",
		attribute.String("key", "value"),
	)

	span.End()
}
