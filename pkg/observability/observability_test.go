package observability

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracingDisabledWithoutEndpoint(t *testing.T) {
	tr, err := NewTracing(context.Background(), "", "test", slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, tr.Tracer())
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.ImportsTotal.WithLabelValues("ok").Inc()
	m.WebhooksTotal.WithLabelValues("A", "processed").Inc()
	m.BlobBytes.Add(1024)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	for _, want := range []string{
		`modpackstore_imports_total{result="ok"} 1`,
		`modpackstore_payment_webhooks_total{gateway="A",result="processed"} 1`,
		`modpackstore_blob_bytes_written_total 1024`,
	} {
		assert.True(t, strings.Contains(body, want), "missing %s", want)
	}
}
