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

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.RecordFrame(ResultDecoded)
	m.RecordFrame(ResultDecoded)
	m.RecordFrame(ResultUnknownPID)
	m.RecordSample("RPM")
	m.RecordRows("RPM", 5)
	m.RecordDropped("RPM", 2)
	m.RecordFlushFailure("BatTemp")
	m.RecordFlush(150*time.Millisecond, 42)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues(ResultDecoded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesTotal.WithLabelValues(ResultUnknownPID)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SamplesAccumulated.WithLabelValues("RPM")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RowsPersisted.WithLabelValues("RPM")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SamplesDropped.WithLabelValues("RPM")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushFailures.WithLabelValues("BatTemp")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.PendingSamples))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordFrame(ResultMalformed)
		m.RecordSample("RPM")
		m.RecordRows("RPM", 1)
		m.RecordDropped("RPM", 1)
		m.RecordFlushFailure("RPM")
		m.RecordFlush(time.Second, 0)
	})
	assert.Nil(t, m.Registry())
}

func TestServer_Handler(t *testing.T) {
	m := New()
	m.RecordFrame(ResultDecoded)

	srv := httptest.NewServer(NewServer(":0", m).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `obdlogger_decoder_frames_total{result="decoded"} 1`)

	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
