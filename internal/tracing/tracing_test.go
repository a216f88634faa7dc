package tracing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProvider_Disabled(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.False(t, provider.Enabled())

	tracer := provider.Tracer()
	require.NotNil(t, tracer)

	ctx, span := tracer.Start(context.Background(), "test-span")
	require.NotNil(t, ctx)
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestNewProvider_FileExporterWritesSpans(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "traces.jsonl")

	provider, err := NewProvider(Config{
		Enabled:    true,
		Exporter:   "file",
		FilePath:   tracePath,
		SampleRate: 1.0,
	})
	require.NoError(t, err)
	require.True(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), "unit-span")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.NotEmpty(t, lines)

	var rec SpanRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "unit-span", rec.Name)
	require.NotEmpty(t, rec.TraceID)
}

func TestNewProvider_FileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	require.Error(t, err)
}

func TestMiddleware_PassesThroughAndRecordsStatus(t *testing.T) {
	var sawRequest bool
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawRequest = true
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.True(t, sawRequest)
	require.Equal(t, http.StatusTeapot, rec.Code)
}

func TestFileExporter_ShutdownIsIdempotent(t *testing.T) {
	exp, err := NewFileExporter(filepath.Join(t.TempDir(), "sub", "traces.jsonl"))
	require.NoError(t, err)
	require.NoError(t, exp.Shutdown(context.Background()))
	require.NoError(t, exp.Shutdown(context.Background()))
}
