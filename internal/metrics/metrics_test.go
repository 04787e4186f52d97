package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamStateIsExclusive(t *testing.T) {
	m := New()
	m.StreamState("connecting")
	m.StreamState("open")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamState.WithLabelValues("open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streamState.WithLabelValues("connecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streamState.WithLabelValues("reconnecting")))
}

func TestCounters(t *testing.T) {
	m := New()
	m.StreamReconnect()
	m.StreamReconnect()
	m.StreamEvent("container_status_update")
	m.StreamMalformed()
	m.ListenerFailed("status", "sse-1")
	m.EstimateDropped()
	m.ApplyFinished("applied")
	m.ApplyFinished("failed")
	m.ApplyFinished("failed")
	m.Resync(true, 20*time.Millisecond)
	m.Resync(false, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamEvents.WithLabelValues("container_status_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamMalformed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.listenerFailures.WithLabelValues("status", "sse-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.estimatesDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.applies.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.resyncs.WithLabelValues("failure")))
}

func TestEventClients(t *testing.T) {
	m := New()
	m.EventClientConnected()
	m.EventClientConnected()
	m.EventClientDisconnected(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sseClients))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sseDropped))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StreamState("open")
	m.StreamEvent("x")
	m.ApplyFinished("applied")
	m.Resync(true, time.Second)
	m.EventClientDisconnected(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ApplyFinished("applied")
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `aegis_remediation_applies_total{outcome="applied"} 1`)
}
