package observability_test

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/christireid/Token-shield-sub001/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetricsHandlerServesPrometheusFormat(t *testing.T) {
	m := observability.New()
	m.CacheHitsTotal.WithLabelValues("gpt-4o", "exact").Inc()
	m.SpentUSDTotal.WithLabelValues("gpt-4o").Add(0.05)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "tokenshield_cache_hits_total")
	assert.Contains(t, rec.Body.String(), "tokenshield_spent_usd_total")
}

func TestStartStageSpanRecordsStageAttribute(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prevProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prevProvider)

	ctx, span := observability.StartStageSpan(context.Background(), "guard")
	span.End()
	_ = ctx

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "tokenshield.guard", spans[0].Name)
}
