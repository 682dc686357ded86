package vitals

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	defaultBufferSize     = 256
	defaultDedupeCapacity = 4096
)

var (
	// ErrPipelineClosed is returned when dispatching to a closed Pipeline.
	ErrPipelineClosed = errors.New("pipeline closed")
	// ErrPipelineFull is returned when the metric buffer is full and the metric was dropped.
	ErrPipelineFull = errors.New("pipeline buffer full")
)

// PipelineOption is a functional option for the Pipeline.
type PipelineOption func(*Pipeline)

// WithBufferSize sets the capacity of the metric channel.
func WithBufferSize(size int) PipelineOption {
	return func(p *Pipeline) {
		if size > 0 {
			p.bufferSize = size
		}
	}
}

// WithDedupeCapacity sets how many recently dispatched metrics are remembered for duplicate
// detection. A non-positive capacity remembers every metric.
func WithDedupeCapacity(capacity int) PipelineOption {
	return func(p *Pipeline) { p.dedupeCapacity = capacity }
}

// WithLogger sets the logger of the Pipeline.
func WithLogger(logger zerolog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithEventObserver sets an observer for pipeline events, e.g. duplicates and overflow.
func WithEventObserver(o Observer) PipelineOption {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

// PipelineStats is a snapshot of the Pipeline counters.
type PipelineStats struct {
	Dispatched int64 `json:"dispatched"`
	Duplicates int64 `json:"duplicates"`
	Overflow   int64 `json:"overflow"`
	Invalid    int64 `json:"invalid"`
}

// Pipeline carries metrics from independent measurement callbacks to a single Sink. Dispatch
// never blocks; one goroutine consumes the channel and reports to the Sink, so each accepted
// metric is forwarded at most once.
type Pipeline struct {
	sink     *Sink
	logger   zerolog.Logger
	observer Observer

	bufferSize     int
	dedupeCapacity int

	mu         sync.RWMutex // guards closed and sends on metricChan
	closed     bool
	metricChan chan Metric
	seen       *seenSet
	wg         sync.WaitGroup

	dispatched atomic.Int64
	duplicates atomic.Int64
	overflow   atomic.Int64
	invalid    atomic.Int64
}

// Dispatch queues a metric for the Sink. Duplicates of a recently dispatched metric (same name
// and ID) are dropped without error.
func (p *Pipeline) Dispatch(m Metric) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPipelineClosed
	}
	if err := m.Validate(); err != nil {
		p.invalid.Inc()
		return err
	}

	key := dedupeKey(m)
	if !p.seen.add(key) {
		p.duplicates.Inc()
		observeEvent(p.logger, p.observer, "metric_duplicate", map[string]any{"name": m.Name.String(), "id": m.ID})
		return nil
	}

	select {
	case p.metricChan <- m:
		p.dispatched.Inc()
		return nil
	default:
		// The metric was never queued, so a later re-report may still get through
		p.seen.remove(key)
		p.overflow.Inc()
		p.logger.Warn().Str("name", m.Name.String()).Str("id", m.ID).Msg("Metric buffer full, dropping metric")
		observeEvent(p.logger, p.observer, "metric_overflow", map[string]any{"name": m.Name.String()})
		return fmt.Errorf("%w: dropped %s", ErrPipelineFull, m.Name)
	}
}

// Report is a ReportFunc that dispatches the metric and logs any failure.
func (p *Pipeline) Report(m Metric) {
	if err := p.Dispatch(m); err != nil {
		p.logger.Debug().Err(err).Str("id", m.ID).Msg("Metric not dispatched")
	}
}

// Stats returns a snapshot of the Pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Dispatched: p.dispatched.Load(),
		Duplicates: p.duplicates.Load(),
		Overflow:   p.overflow.Load(),
		Invalid:    p.invalid.Load(),
	}
}

// Sink returns the Sink the Pipeline reports to.
func (p *Pipeline) Sink() *Sink {
	return p.sink
}

// Close stops accepting metrics and waits until the queued ones have been reported. Calling
// Close more than once is safe.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.metricChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debug().Int64("dispatched", p.dispatched.Load()).Msg("Pipeline closed")
	return nil
}

// consume reports queued metrics until the channel is closed.
func (p *Pipeline) consume() {
	defer p.wg.Done()
	for m := range p.metricChan {
		p.sink.Report(m)
	}
}

func dedupeKey(m Metric) string {
	return string(m.Name) + "/" + m.ID
}

// NewPipeline creates and starts a Pipeline that reports to sink. A nil sink is replaced by one
// that drops every metric.
func NewPipeline(sink *Sink, opts ...PipelineOption) *Pipeline {
	if sink == nil {
		sink = NewSink()
	}
	p := &Pipeline{
		sink:           sink,
		logger:         zerolog.Nop(),
		observer:       nopObserver{},
		bufferSize:     defaultBufferSize,
		dedupeCapacity: defaultDedupeCapacity,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.metricChan = make(chan Metric, p.bufferSize)
	p.seen = newSeenSet(p.dedupeCapacity)

	p.wg.Add(1)
	go p.consume()

	return p
}
