package vitals

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyObserved is returned when a metric already has a listener.
var ErrAlreadyObserved = errors.New("metric already observed")

// StreamSource is a MeasurementSource fed with decoded measurements, e.g. from a beacon stream.
// Each metric kind accepts one listener, and each metric ID is delivered at most once.
type StreamSource struct {
	mu        sync.Mutex
	listeners map[MetricName]ReportFunc
	delivered map[string]struct{}
}

// NewStreamSource creates an empty StreamSource.
func NewStreamSource() *StreamSource {
	return &StreamSource{
		listeners: make(map[MetricName]ReportFunc),
		delivered: make(map[string]struct{}),
	}
}

// Observe registers report as the listener for name.
func (s *StreamSource) Observe(name MetricName, report ReportFunc) error {
	if !name.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
	if report == nil {
		return errors.New("nil report func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyObserved, name)
	}
	s.listeners[name] = report
	return nil
}

// Deliver hands a finalized metric to its listener. It reports whether a listener received it;
// metrics without a listener and repeated IDs are ignored.
func (s *StreamSource) Deliver(m Metric) bool {
	s.mu.Lock()
	report, ok := s.listeners[m.Name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	key := dedupeKey(m)
	if _, seen := s.delivered[key]; seen {
		s.mu.Unlock()
		return false
	}
	s.delivered[key] = struct{}{}
	s.mu.Unlock()

	report(m)
	return true
}
