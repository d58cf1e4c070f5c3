package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitInstallsGlobalProvidersAndShutsDownCleanly(t *testing.T) {
	ctx := context.Background()
	shutdown, err := Init(ctx, Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()

	tracer := otel.Tracer(TracerName)
	_, span := tracer.Start(ctx, "test-span")
	span.End()

	meter := otel.Meter(MeterName)
	counter, err := meter.Int64Counter("test.counter")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(ctx, 1)
}
