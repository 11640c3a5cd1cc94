package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterationCountersByValidity(t *testing.T) {
	r := New()
	latency := 3.25
	r.ObserveIteration(true, 120, &latency)
	r.ObserveIteration(true, 80, nil)
	r.ObserveIteration(false, 0, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.iterations.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.iterations.WithLabelValues("false")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.lastThroughput))
	assert.Equal(t, 3.25, testutil.ToFloat64(r.lastLatency))
}

func TestHandlerExposesAgentMetrics(t *testing.T) {
	r := New()
	r.EarlyExit()
	r.CrashRecovery()
	r.HazardSignal()
	r.HeartbeatFailure()
	r.SetMode(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)

	required := []string{
		"tuneagent_early_exits_total 1",
		"tuneagent_crash_recoveries_total 1",
		"tuneagent_hazard_signals_total 1",
		"tuneagent_heartbeat_failures_total 1",
		"tuneagent_session_mode 2",
	}
	for _, token := range required {
		if !strings.Contains(out, token) {
			t.Fatalf("expected metric output to contain %q\noutput:\n%s", token, out)
		}
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.ObserveIteration(true, 1, nil)
	r.EarlyExit()
	r.CrashRecovery()
	r.HazardSignal()
	r.HeartbeatFailure()
	r.SetMode(1)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
}
