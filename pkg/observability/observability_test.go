package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/driftsync/pkg/metrics"
)

func TestInitTracing_ExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tr, err := InitTracing(TracingConfig{
		ServiceName:  "driftsync-test",
		SamplingRate: 1,
		Output:       &buf,
		Synchronous:  true,
	})
	require.NoError(t, err)

	_, span := tr.Tracer().Start(context.Background(), "store.Find")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "store.Find")
	assert.Contains(t, buf.String(), "driftsync-test")
}

func TestInitTracing_NeverSample(t *testing.T) {
	var buf bytes.Buffer
	tr, err := InitTracing(TracingConfig{Output: &buf, Synchronous: true})
	require.NoError(t, err)

	_, span := tr.Tracer().Start(context.Background(), "ignored")
	span.End()
	require.NoError(t, tr.Shutdown(context.Background()))

	assert.Empty(t, buf.String())
}

func TestServer_Endpoints(t *testing.T) {
	metrics.ReconcileTicks.WithLabelValues(metrics.OutcomeClean).Inc()

	srv := NewServer(":0", func() interface{} {
		return map[string]int{"ticks": 7}
	}, nil)

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, "driftsync_reconcile_ticks_total"},
		{"/status", http.StatusOK, `"ticks":7`},
		{"/missing", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(strings.TrimPrefix(tt.path, "/"), func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
}

func TestServer_NoStatus(t *testing.T) {
	srv := NewServer(":0", nil, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ShutdownStopsListen(t *testing.T) {
	srv := NewServer("127.0.0.1:0", nil, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	// Shutdown before or after Serve starts both end ListenAndServe cleanly
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, <-errCh)
}
