package vitals

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Payload keys of a forwarded metric event.
const (
	ParamValue        = "value"
	ParamMetricID     = "metric_id"
	ParamMetricValue  = "metric_value"
	ParamMetricRating = "metric_rating"
)

// SinkOption is a functional option for the Sink.
type SinkOption func(*Sink)

// WithAnalytics sets the analytics capability metrics are forwarded to. A nil capability means
// metrics are dropped, or logged in development mode.
func WithAnalytics(a Analytics) SinkOption {
	return func(s *Sink) { s.analytics = a }
}

// WithDevelopment toggles development mode, in which metrics that cannot be forwarded are logged.
func WithDevelopment(dev bool) SinkOption {
	return func(s *Sink) { s.dev = dev }
}

// WithSinkLogger sets the logger used for the development fallback and transport failures.
func WithSinkLogger(logger zerolog.Logger) SinkOption {
	return func(s *Sink) { s.logger = logger }
}

// WithObserver sets an observer that is told about every Sink decision.
func WithObserver(o Observer) SinkOption {
	return func(s *Sink) {
		if o != nil {
			s.observer = o
		}
	}
}

// SinkStats is a snapshot of the Sink counters.
type SinkStats struct {
	Forwarded int64 `json:"forwarded"`
	Logged    int64 `json:"logged"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

// Sink formats completed metrics and forwards them to the analytics capability. Report never
// panics and never returns an error: a metric that cannot be delivered is lost.
type Sink struct {
	analytics Analytics
	dev       bool
	logger    zerolog.Logger
	observer  Observer

	forwarded atomic.Int64
	logged    atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// Payload builds the event payload for a metric: the rounded value plus the raw ID, value and
// rating. The rating is left out when the metric has none.
func Payload(m Metric) Params {
	params := Params{
		ParamValue:       RoundedValue(m),
		ParamMetricID:    m.ID,
		ParamMetricValue: m.Value,
	}
	if m.Rating != RatingNone {
		params[ParamMetricRating] = string(m.Rating)
	}
	return params
}

// Report forwards the metric to the analytics capability, using the metric name as the event
// name. Without a capability the metric is dropped, or logged in development mode.
func (s *Sink) Report(m Metric) {
	if s.analytics == nil {
		if s.dev {
			s.logger.Info().
				Str("id", m.ID).
				Str("name", m.Name.String()).
				Float64("value", m.Value).
				Int64("rounded", RoundedValue(m)).
				Str("rating", string(m.Rating)).
				Str("navigation_type", m.NavigationType).
				Msg("Web vital")
			s.logged.Inc()
			s.observe(m, OutcomeLogged, nil)
			return
		}
		s.dropped.Inc()
		s.observe(m, OutcomeDropped, nil)
		return
	}

	if err := s.forward(m); err != nil {
		s.logger.Warn().Err(err).Str("id", m.ID).Str("name", m.Name.String()).Msg("Failed to forward metric")
		s.failed.Inc()
		s.observe(m, OutcomeFailed, err)
		return
	}
	s.forwarded.Inc()
	s.observe(m, OutcomeForwarded, nil)
}

// Stats returns a snapshot of the Sink counters.
func (s *Sink) Stats() SinkStats {
	return SinkStats{
		Forwarded: s.forwarded.Load(),
		Logged:    s.logged.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}

// forward sends the metric event, converting a panic in the capability into an error.
func (s *Sink) forward(m Metric) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analytics panicked: %v", r)
		}
	}()
	return s.analytics.Send(CommandEvent, m.Name.String(), Payload(m))
}

func (s *Sink) observe(m Metric, outcome Outcome, err error) {
	mo := MetricOutcome{
		Name:    m.Name,
		Rating:  m.Rating,
		Value:   m.Value,
		Outcome: outcome,
	}
	if err != nil {
		mo.Err = err.Error()
	}
	observeMetric(s.logger, s.observer, mo)
}

// NewSink creates a Sink. Without options it drops every metric silently.
func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{
		logger:   zerolog.Nop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
