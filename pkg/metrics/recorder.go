package metrics

import (
	"net/http"

	"github.com/jkbrsn/vitals"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vitals"

// webVitalBuckets cover paint and interaction timings in milliseconds.
var webVitalBuckets = []float64{50, 100, 200, 500, 800, 1000, 1800, 2500, 3000, 4000, 6000, 10000}

// layoutShiftBuckets cover the unitless layout shift score.
var layoutShiftBuckets = []float64{0.01, 0.05, 0.1, 0.15, 0.25, 0.5, 1}

// Recorder is a vitals.Observer exporting sink outcomes and pipeline events to Prometheus.
type Recorder struct {
	outcomes    *prom.CounterVec
	durations   *prom.HistogramVec
	layoutShift prom.Histogram
	events      *prom.CounterVec
}

// NewRecorder creates a Recorder and registers its collectors with reg. A nil reg gets a fresh
// registry.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		outcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "metrics_total",
			Help:      "Metrics handled by the sink, by metric name and outcome",
		}, []string{"metric", "outcome"}),
		durations: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "timing_milliseconds",
			Help:      "Reported timing metrics in milliseconds",
			Buckets:   webVitalBuckets,
		}, []string{"metric", "rating"}),
		layoutShift: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "cumulative_layout_shift",
			Help:      "Reported cumulative layout shift scores",
			Buckets:   layoutShiftBuckets,
		}),
		events: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_events_total",
			Help:      "Pipeline events such as duplicates and buffer overflow",
		}, []string{"event"}),
	}
	reg.MustRegister(r.outcomes, r.durations, r.layoutShift, r.events)
	return r
}

// ObserveMetric counts the outcome and records the measured value.
func (r *Recorder) ObserveMetric(mo vitals.MetricOutcome) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(mo.Name.String(), string(mo.Outcome)).Inc()

	if mo.Name == vitals.CumulativeLayoutShift {
		r.layoutShift.Observe(mo.Value)
		return
	}
	rating := string(mo.Rating)
	if rating == "" {
		rating = "none"
	}
	r.durations.WithLabelValues(mo.Name.String(), rating).Observe(mo.Value)
}

// ObserveEvent counts a named pipeline event.
func (r *Recorder) ObserveEvent(name string, _ map[string]any) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(name).Inc()
}

// HTTPHandler returns an http.Handler that serves the metrics of reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
