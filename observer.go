package vitals

import "github.com/rs/zerolog"

// Outcome describes what happened to a metric handed to a Sink.
type Outcome string

const (
	OutcomeForwarded Outcome = "forwarded" // sent to the analytics capability
	OutcomeLogged    Outcome = "logged"    // no capability, written to the development log
	OutcomeDropped   Outcome = "dropped"   // no capability, discarded
	OutcomeFailed    Outcome = "failed"    // the capability returned an error or panicked
)

// Observer is a pluggable observer for sink outcomes and internal events.
// Implementations must be non-blocking or very fast; the pipeline invokes the observer
// best-effort and does not wait for completion. A panicking observer is logged and
// ignored.
type Observer interface {
	ObserveMetric(MetricOutcome)
	ObserveEvent(name string, fields map[string]any)
}

// MetricOutcome is a snapshot of a single Sink decision suitable for metrics export.
type MetricOutcome struct {
	Name    MetricName
	Rating  Rating
	Value   float64
	Outcome Outcome
	Err     string
}

// nopObserver discards everything.
type nopObserver struct{}

func (nopObserver) ObserveMetric(MetricOutcome)         {}
func (nopObserver) ObserveEvent(string, map[string]any) {}

// observeMetric hands mo to o, logging and swallowing any panic.
func observeMetric(logger zerolog.Logger, o Observer, mo MetricOutcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Interface("panic", r).Str("name", mo.Name.String()).Msg("Observer panicked on metric outcome")
		}
	}()
	o.ObserveMetric(mo)
}

// observeEvent hands an event to o, logging and swallowing any panic.
func observeEvent(logger zerolog.Logger, o Observer, name string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Interface("panic", r).Str("event", name).Msg("Observer panicked on event")
		}
	}()
	o.ObserveEvent(name, fields)
}
