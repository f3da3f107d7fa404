package debugsrv

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/blockflux/pkg/protocol"
)

type countingSource struct {
	calls atomic.Uint64
}

func (c *countingSource) Snapshot() protocol.SenderSnapshot {
	n := c.calls.Add(1)
	return protocol.SenderSnapshot{SessionID: "session-1", Policy: "dtp", BlocksSent: n}
}

func newTestServer(t *testing.T) (*httptest.Server, *countingSource) {
	t.Helper()
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "blockflux_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	src := &countingSource{}
	srv := httptest.NewServer(New(reg, src, nil, 10*time.Millisecond).Handler())
	t.Cleanup(srv.Close)
	return srv, src
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "blockflux_test_total 3")
}

func TestSchedulerEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/scheduler")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var env protocol.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.NoError(t, env.ValidateBasic())
	assert.Equal(t, protocol.TypeSenderSnapshot, env.Type)
	assert.Equal(t, "session-1", env.SessionID)

	var snap protocol.SenderSnapshot
	require.NoError(t, env.DecodePayload(&snap))
	assert.Equal(t, "dtp", snap.Policy)
}

func TestHealthAndUnknownRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/scheduler", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSchedulerStream(t *testing.T) {
	srv, src := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/scheduler"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var last uint64
	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		assert.Equal(t, protocol.TypeSenderSnapshot, env.Type)

		var snap protocol.SenderSnapshot
		require.NoError(t, env.DecodePayload(&snap))
		assert.Greater(t, snap.BlocksSent, last)
		last = snap.BlocksSent
	}

	conn.Close()
	// handler notices the close and stops polling the source
	require.Eventually(t, func() bool {
		before := src.calls.Load()
		time.Sleep(50 * time.Millisecond)
		return src.calls.Load() == before
	}, 2*time.Second, 10*time.Millisecond)
}
