package telemetry_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mamori/internal/telemetry"
)

func TestCollector_Isolated(t *testing.T) {
	a := telemetry.NewCollector(nil)
	b := telemetry.NewCollector(nil)

	a.RuleFailures.WithLabelValues("RegexRule").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.RuleFailures.WithLabelValues("RegexRule")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RuleFailures.WithLabelValues("RegexRule")))
}

func TestCollector_Handler(t *testing.T) {
	c := telemetry.NewCollector(nil)
	c.SpansIngested.WithLabelValues("accepted").Add(3)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mamori_spans_ingested_total{status="accepted"} 3`)
}

func TestTracerIsUsableWithoutInit(t *testing.T) {
	_, span := telemetry.Tracer("test").Start(t.Context(), "noop")
	span.End()
}
