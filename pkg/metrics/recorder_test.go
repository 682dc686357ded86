package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/jkbrsn/vitals"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_ObserveMetric(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveMetric(vitals.MetricOutcome{Name: vitals.LargestContentfulPaint, Value: 1243.7, Rating: vitals.RatingGood, Outcome: vitals.OutcomeForwarded})
	r.ObserveMetric(vitals.MetricOutcome{Name: vitals.LargestContentfulPaint, Value: 4100, Outcome: vitals.OutcomeDropped})
	r.ObserveMetric(vitals.MetricOutcome{Name: vitals.CumulativeLayoutShift, Value: 0.0834, Outcome: vitals.OutcomeForwarded})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("largest-contentful-paint", "forwarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("largest-contentful-paint", "dropped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.outcomes.WithLabelValues("cumulative-layout-shift", "forwarded")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.durations))
	assert.Equal(t, 1, testutil.CollectAndCount(r.layoutShift))
}

func TestRecorder_ObserveEvent(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveEvent("metric_duplicate", nil)
	r.ObserveEvent("metric_duplicate", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.events.WithLabelValues("metric_duplicate")))
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveMetric(vitals.MetricOutcome{Name: vitals.TimeToFirstByte})
		r.ObserveEvent("x", nil)
	})
}

func TestHTTPHandler(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewRecorder(reg)
	r.ObserveEvent("metric_overflow", nil)

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vitals_pipeline_events_total{event="metric_overflow"} 1`)
}
