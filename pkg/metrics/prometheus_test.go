package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ObserveStageDuration("fetch", 2*time.Second, true)
	r.ObserveBuildDuration(time.Minute)
	r.IncBuildOutcome(OutcomeSuccess)
	r.IncBuildOutcome(OutcomeFailed)
	r.IncBuildOutcome(OutcomeFailed)
	r.IncSuperseded(3)
	r.SetBuildInFlight(true)

	require.InDelta(t, 2, testutil.ToFloat64(r.buildOutcome.WithLabelValues(OutcomeFailed)), 0)
	require.InDelta(t, 3, testutil.ToFloat64(r.superseded), 0)
	require.InDelta(t, 1, testutil.ToFloat64(r.inFlight), 0)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "appbuilder_stage_duration_seconds")
	require.Contains(t, string(body), "appbuilder_requests_superseded_total 3")
}

func TestNoopRecorderSatisfiesInterface(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.ObserveStageDuration("build", time.Second, false)
	r.IncSuperseded(1)
}
