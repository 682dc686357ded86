package vitals

import (
	"sync"

	"github.com/rs/zerolog"
)

// Page is one page lifecycle. Mounting runs the domain tracker and attaches the metric
// listeners, each exactly once and independently of each other.
type Page struct {
	hosting         HostingContext
	tracker         *DomainTracker
	instrumentation *Instrumentation
	report          ReportFunc
	logger          zerolog.Logger

	mountOnce sync.Once
}

// NewPage creates a Page for the given hosting context. Metrics are handed to report; tracker may
// be nil to skip domain tracking.
func NewPage(hc HostingContext, tracker *DomainTracker, report ReportFunc, logger zerolog.Logger) *Page {
	return &Page{
		hosting:         hc,
		tracker:         tracker,
		instrumentation: NewInstrumentation(logger),
		report:          report,
		logger:          logger,
	}
}

// Mount runs the mount-time work for the page. It always returns, whatever src or the analytics
// capability do, so the caller can go on rendering.
func (p *Page) Mount(src MeasurementSource) {
	p.mountOnce.Do(func() {
		p.trackDomain()
		p.instrumentation.Attach(src, p.report)
		p.logger.Debug().
			Str("hostname", p.hosting.Hostname).
			Int("attached", len(p.instrumentation.Attached())).
			Msg("Page mounted")
	})
}

// Hosting returns the hosting context captured for the page.
func (p *Page) Hosting() HostingContext {
	return p.hosting
}

// Instrumentation returns the page's instrumentation, for diagnostics.
func (p *Page) Instrumentation() *Instrumentation {
	return p.instrumentation
}

func (p *Page) trackDomain() {
	if p.tracker == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn().Msgf("Domain tracking panicked: %v", r)
		}
	}()
	p.tracker.Track(p.hosting)
}
