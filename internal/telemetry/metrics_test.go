package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened("chat")
		m.SessionDestroyed("chat", "evicted")
		m.Frame("pong", Outbound)
		m.BackendEvent("response")
		m.BackendSendFailed()
		m.EventDropped()
		m.ChatRateLimited("chat")
		m.ObserveCall(1)
		m.ProjectCreated(nil)
	})
}

func TestCountersAndGauges(t *testing.T) {
	t.Parallel()

	m := New()
	m.ConnectionOpened("chat")
	m.ConnectionOpened("chat")
	m.ConnectionClosed("chat")
	m.SessionCreated("insights")
	m.BackendEvent("response")
	m.BackendEvent("response")
	m.ProjectCreated(errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("insights")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BackendEvents.WithLabelValues("response")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProjectFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProjectsCreated))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.Frame("assistant", Outbound)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `taskmate_websocket_frames_total{direction="outbound",type="assistant"} 1`))
}
