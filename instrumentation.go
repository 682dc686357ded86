package vitals

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ReportFunc receives a finalized metric from a measurement source.
type ReportFunc func(Metric)

// MeasurementSource is the subsystem that measures metrics and reports each one once it is
// finalized. Callbacks may fire in any order, from any goroutine.
type MeasurementSource interface {
	// Observe registers report as the listener for the named metric.
	Observe(name MetricName, report ReportFunc) error
}

// Instrumentation attaches listeners for every tracked metric to a measurement source. One
// Instrumentation covers one page lifecycle: only the first Attach has an effect.
type Instrumentation struct {
	logger zerolog.Logger

	once     sync.Once
	mu       sync.Mutex
	attached []MetricName
	failed   []MetricName
}

// NewInstrumentation creates an Instrumentation that reports subscription failures to logger.
func NewInstrumentation(logger zerolog.Logger) *Instrumentation {
	return &Instrumentation{logger: logger}
}

// Attach registers report with src for each tracked metric. Failures are logged and do not stop
// the remaining kinds from being attached. Calls after the first are no-ops.
func (in *Instrumentation) Attach(src MeasurementSource, report ReportFunc) {
	in.once.Do(func() {
		if src == nil {
			in.logger.Warn().Msg("No measurement source, web vitals disabled")
			return
		}
		for _, name := range metricNames {
			if err := observe(src, name, report); err != nil {
				in.logger.Warn().Err(err).Str("metric", name.String()).Msg("Failed to observe metric")
				in.record(name, false)
				continue
			}
			in.record(name, true)
		}
	})
}

// Attached returns the metrics that were subscribed successfully.
func (in *Instrumentation) Attached() []MetricName {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]MetricName(nil), in.attached...)
}

// Failed returns the metrics whose subscription failed.
func (in *Instrumentation) Failed() []MetricName {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]MetricName(nil), in.failed...)
}

func (in *Instrumentation) record(name MetricName, ok bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if ok {
		in.attached = append(in.attached, name)
	} else {
		in.failed = append(in.failed, name)
	}
}

// observe calls src.Observe, turning a panic into an error.
func observe(src MeasurementSource, name MetricName, report ReportFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observe %s panicked: %v", name, r)
		}
	}()
	return src.Observe(name, report)
}
