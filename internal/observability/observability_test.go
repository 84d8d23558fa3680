package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readiness(t *testing.T, h *HealthChecker) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestHealth_ReadinessFollowsChecks(t *testing.T) {
	h := NewHealthChecker()

	code, body := readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])

	h.SetReady(true)
	code, body = readiness(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])

	h.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	h.AddCheck("postgres", func(context.Context) error { return nil })
	code, body = readiness(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": "connection refused"}, body["failing"])
}

func TestHealth_OnChangeFiresOnTransitions(t *testing.T) {
	h := NewHealthChecker()
	var seen []bool
	h.OnChange(func(ready bool) { seen = append(seen, ready) })

	h.SetReady(true)
	h.SetReady(true)
	h.SetReady(false)

	assert.Equal(t, []bool{true, false}, seen)
	assert.False(t, h.IsReady())
}

func TestHealth_Liveness(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"alive"`)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"off":     zerolog.Disabled,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "cache", zerolog.WarnLevel)
	logger.Info().Msg("dropped")
	logger.Warn().Str("kind", "pool").Msg("stale")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "cache", line["component"])
	assert.Equal(t, "stale", line["message"])
	assert.Equal(t, "pool", line["kind"])
}

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveOperation("open_position", "confirmed", 200*time.Millisecond)
	m.ObserveOperation("open_position", "confirmed", 300*time.Millisecond)
	m.ObserveRPC("getAccountInfo", "ok", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("open_position", "confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("getAccountInfo", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))

	// Separate registries keep test metrics isolated.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry()) })
}
