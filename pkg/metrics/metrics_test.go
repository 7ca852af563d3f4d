package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/billm/fanout/pkg/endpoint"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsIndependentRegistries(t *testing.T) {
	// Two instances with the same namespace must not collide
	a := NewMetrics("test")
	b := NewMetrics("test")

	a.RecordAttach()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.AttachesTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.AttachesTotal))
}

func TestRecordPublish(t *testing.T) {
	m := NewMetrics("")
	m.RecordPublish(128, 3, 2*time.Millisecond)
	m.RecordPublishFailure("QUEUE_FULL")
	m.RecordPublishFailure("")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("QUEUE_FULL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues("UNKNOWN")))
}

func TestObserverMethods(t *testing.T) {
	m := NewMetrics("")
	addr := endpoint.Unix("/tmp/x.sock")

	m.ClientConnected(addr)
	m.FrameDelivered(addr, 10)
	m.FrameDelivered(addr, 5)
	m.DeliveryFailed(addr)
	m.ClientDisconnected(addr)
	m.WorkerAbandoned(addr)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.ClientsConnected))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesDelivered))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.BytesDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveryFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkersAbandoned))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPublish(1, 1, time.Millisecond)
		m.RecordAttach()
		m.RecordDetach("dead")
		m.SetSubscribers(3)
		m.ClientConnected(endpoint.Address{})
		m.WorkerAbandoned(endpoint.Address{})
	})
	assert.Nil(t, m.Registry())
}

func TestServerExposesMetrics(t *testing.T) {
	m := NewMetrics("fanout")
	m.SetSubscribers(4)
	m.RecordControlRequest("subscribe", "ok")

	srv := NewServer("127.0.0.1:0", "", m, nil)
	require.NoError(t, srv.Start())
	defer srv.Shutdown(context.Background())

	resp, err := http.Get("http://" + srv.Addr() + DefaultPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fanout_subscribers 4")
	assert.Contains(t, string(body), `fanout_control_requests_total{kind="subscribe",result="ok"} 1`)

	health, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	assert.Error(t, srv.Start())
}

func TestServerShutdownBeforeStart(t *testing.T) {
	srv := NewServer("127.0.0.1:0", "/m", NewMetrics(""), nil)
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.Equal(t, "127.0.0.1:0", srv.Addr())
}
