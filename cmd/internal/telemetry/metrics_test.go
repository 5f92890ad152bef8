package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnOpened()
		m.ConnClosed()
		m.SetSessions(3)
		m.Event("startPath", "relayed")
		m.SubscriberDropped("slow_consumer")
		m.CatchUpDone(time.Millisecond)
		m.CatchUpFailed("timeout")
		m.PersistOp("canvas", "ok")
		m.PersistLatency("chat", time.Millisecond)
		m.PersistQueues(1)
		m.HTTPRequest("GET", "2xx")
	})
	assert.Nil(t, m.Registry())
}

func TestMetricsCountAndExpose(t *testing.T) {
	m := New()
	m.Event("chatMessage", "relayed")
	m.Event("chatMessage", "relayed")
	m.PersistOp("canvas", "drop")
	m.ConnOpened()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("chatMessage", "relayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistOps.WithLabelValues("canvas", "drop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "easel_relay_events_total"))
	assert.True(t, strings.Contains(string(body), "easel_persist_ops_total"))
}
