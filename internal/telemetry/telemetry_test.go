package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "studysync"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid(), "no exporter, no recording span")
	span.End()
}

func TestInitExportsSpansOnShutdown(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	shutdown, err := Init(ctx, Config{
		Endpoint:    strings.TrimPrefix(srv.URL, "http://"),
		ServiceName: "studysync",
		Version:     "test",
		Insecure:    true,
	})
	require.NoError(t, err)

	spanCtx, span := Tracer("studysync/test").Start(ctx, "batch")
	require.True(t, span.SpanContext().IsValid())

	h := http.Header{}
	InjectHeaders(spanCtx, h)
	assert.Contains(t, h.Get("traceparent"), span.SpanContext().TraceID().String())
	span.End()

	require.NoError(t, shutdown(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, paths, "/v1/traces")
}

func TestInjectHeadersWithoutSpan(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	h := http.Header{}
	InjectHeaders(context.Background(), h)
	assert.Empty(t, h.Get("traceparent"))
}
