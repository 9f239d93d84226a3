package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	stageDuration *prom.HistogramVec
	buildDuration prom.Histogram
	buildOutcome  *prom.CounterVec
	superseded    prom.Counter
	inFlight      prom.Gauge
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
func NewPrometheusRecorder(reg prom.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		stageDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "appbuilder",
			Name:      "stage_duration_seconds",
			Help:      "Duration of individual pipeline stages",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage", "result"}),
		buildDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "appbuilder",
			Name:      "build_duration_seconds",
			Help:      "Total build duration",
			Buckets:   []float64{30, 60, 120, 300, 600, 1200, 2400},
		}),
		buildOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "appbuilder",
			Name:      "build_outcomes_total",
			Help:      "Builds by final status",
		}, []string{"outcome"}),
		superseded: prom.NewCounter(prom.CounterOpts{
			Namespace: "appbuilder",
			Name:      "requests_superseded_total",
			Help:      "Pending build requests replaced before the worker picked them up",
		}),
		inFlight: prom.NewGauge(prom.GaugeOpts{
			Namespace: "appbuilder",
			Name:      "build_in_flight",
			Help:      "1 while the worker is running a build",
		}),
	}
	reg.MustRegister(pr.stageDuration, pr.buildDuration, pr.buildOutcome, pr.superseded, pr.inFlight)
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failed"
	}
	p.stageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveBuildDuration(d time.Duration) {
	p.buildDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	p.buildOutcome.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncSuperseded(n int) {
	p.superseded.Add(float64(n))
}

func (p *PrometheusRecorder) SetBuildInFlight(inFlight bool) {
	if inFlight {
		p.inFlight.Set(1)
		return
	}
	p.inFlight.Set(0)
}

// Handler exposes the metrics gathered by g.
func Handler(g prom.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
