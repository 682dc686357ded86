package vitals

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/rs/xid"
)

var (
	// ErrUnknownMetric indicates a metric name outside the tracked set.
	ErrUnknownMetric = errors.New("unknown metric name")
	// ErrInvalidMetric indicates a metric that fails validation.
	ErrInvalidMetric = errors.New("invalid metric")
)

// MetricName identifies one of the tracked performance signals.
type MetricName string

const (
	// FirstContentfulPaint is the time until the first text or image is painted, in milliseconds.
	FirstContentfulPaint MetricName = "first-contentful-paint"
	// LargestContentfulPaint is the time until the largest content element is painted, in milliseconds.
	LargestContentfulPaint MetricName = "largest-contentful-paint"
	// CumulativeLayoutShift is a unitless score of unexpected layout movement.
	CumulativeLayoutShift MetricName = "cumulative-layout-shift"
	// TimeToFirstByte is the time until the first response byte arrives, in milliseconds.
	TimeToFirstByte MetricName = "time-to-first-byte"
	// InteractionToNextPaint is the latency of the slowest user interaction, in milliseconds.
	InteractionToNextPaint MetricName = "interaction-to-next-paint"
)

// metricNames is the fixed set of tracked metrics, in subscription order.
var metricNames = []MetricName{
	FirstContentfulPaint,
	LargestContentfulPaint,
	CumulativeLayoutShift,
	TimeToFirstByte,
	InteractionToNextPaint,
}

// shortNames maps the abbreviations emitted by the web-vitals library to metric names.
var shortNames = map[string]MetricName{
	"FCP":  FirstContentfulPaint,
	"LCP":  LargestContentfulPaint,
	"CLS":  CumulativeLayoutShift,
	"TTFB": TimeToFirstByte,
	"INP":  InteractionToNextPaint,
}

// MetricNames returns the tracked metric names. The returned slice is a copy.
func MetricNames() []MetricName {
	return append([]MetricName(nil), metricNames...)
}

// ParseMetricName accepts either the long form (e.g. "largest-contentful-paint") or the
// web-vitals abbreviation (e.g. "LCP", case-insensitive).
func ParseMetricName(s string) (MetricName, error) {
	trimmed := strings.TrimSpace(s)
	if name, ok := shortNames[strings.ToUpper(trimmed)]; ok {
		return name, nil
	}
	name := MetricName(strings.ToLower(trimmed))
	if name.Valid() {
		return name, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMetric, s)
}

// Valid reports whether the name is part of the tracked set.
func (n MetricName) Valid() bool {
	for _, known := range metricNames {
		if n == known {
			return true
		}
	}
	return false
}

// Short returns the web-vitals abbreviation of the name, or an empty string if unknown.
func (n MetricName) Short() string {
	for short, name := range shortNames {
		if name == n {
			return short
		}
	}
	return ""
}

func (n MetricName) String() string {
	return string(n)
}

// Rating is the quality bucket assigned to a metric value.
type Rating string

const (
	// RatingNone means the reporter assigned no rating.
	RatingNone Rating = ""
	// RatingGood is a value within the recommended threshold.
	RatingGood Rating = "good"
	// RatingNeedsImprovement is a value between the recommended and the poor threshold.
	RatingNeedsImprovement Rating = "needs-improvement"
	// RatingPoor is a value beyond the poor threshold.
	RatingPoor Rating = "poor"
)

// ParseRating parses a rating, where the empty string means no rating.
func ParseRating(s string) (Rating, error) {
	switch r := Rating(strings.ToLower(strings.TrimSpace(s))); r {
	case RatingNone, RatingGood, RatingNeedsImprovement, RatingPoor:
		return r, nil
	default:
		return RatingNone, fmt.Errorf("%w: unknown rating %q", ErrInvalidMetric, s)
	}
}

// Metric is a single finalized performance measurement. Metrics are values; once produced they
// are not modified.
type Metric struct {
	ID             string     // Unique ID of the measurement, stable across re-reports
	Name           MetricName // Which signal was measured
	Value          float64    // Duration in milliseconds, or a unitless score for CLS
	Rating         Rating     // Optional quality bucket
	NavigationType string     // Optional navigation type, e.g. "navigate" or "reload"
}

// NewMetric creates a Metric with a generated ID.
func NewMetric(name MetricName, value float64) Metric {
	return Metric{
		ID:    "v-" + xid.New().String(),
		Name:  name,
		Value: value,
	}
}

// Validate checks that the metric can be delivered to a Sink.
func (m Metric) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: empty ID", ErrInvalidMetric)
	}
	if !m.Name.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, m.Name)
	}
	if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) || m.Value < 0 {
		return fmt.Errorf("%w: value %v out of range for %s", ErrInvalidMetric, m.Value, m.Name)
	}
	if math.Round(scaledValue(m)) >= maxRoundedValue {
		return fmt.Errorf("%w: value %v too large for %s", ErrInvalidMetric, m.Value, m.Name)
	}
	return nil
}

// maxRoundedValue is 2^63, the first float64 that does not fit an int64.
const maxRoundedValue = float64(1 << 63)

// scaledValue is the metric value in the unit it is forwarded in.
func scaledValue(m Metric) float64 {
	if m.Name == CumulativeLayoutShift {
		return m.Value * 1000
	}
	return m.Value
}

// RoundedValue returns the value forwarded to analytics. The layout shift score is scaled by
// 1000 before rounding so it survives as an integer; durations are rounded as they are. Values
// that do not fit an int64 saturate at math.MaxInt64; Validate rejects them.
func RoundedValue(m Metric) int64 {
	v := math.Round(scaledValue(m))
	if v >= maxRoundedValue {
		return math.MaxInt64
	}
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return int64(v)
}

func (m Metric) String() string {
	return fmt.Sprintf("Metric{ID: %s, Name: %s, Value: %g, Rating: %s}", m.ID, m.Name, m.Value, m.Rating)
}
