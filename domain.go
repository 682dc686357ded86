package vitals

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Default hosting domains of the site.
const (
	DefaultCanonicalHost = "chunnthai.com.au"

	// AlternateVisitEvent is the event emitted when a page is served from an alternate domain.
	AlternateVisitEvent = "alternate_domain_visit"
	// DomainTrackingCategory is the event category of AlternateVisitEvent.
	DomainTrackingCategory = "domain_tracking"
)

// DefaultAlternateHosts are the hosting-provider domains that also serve the site.
var DefaultAlternateHosts = []string{
	"chunnthai.web.app",
	"chunnthai.firebaseapp.com",
}

// DomainTrackerOption is a functional option for the DomainTracker.
type DomainTrackerOption func(*DomainTracker)

// WithAlternateHosts replaces the alternate hostnames.
func WithAlternateHosts(hosts ...string) DomainTrackerOption {
	return func(d *DomainTracker) { d.alternates = append([]string(nil), hosts...) }
}

// WithCanonicalHost sets the hostname analytics are attributed to.
func WithCanonicalHost(host string) DomainTrackerOption {
	return func(d *DomainTracker) { d.canonical = host }
}

// WithTrackerAnalytics sets the analytics capability of the tracker.
func WithTrackerAnalytics(a Analytics) DomainTrackerOption {
	return func(d *DomainTracker) { d.analytics = a }
}

// WithTrackerLogger sets the logger of the tracker.
func WithTrackerLogger(logger zerolog.Logger) DomainTrackerOption {
	return func(d *DomainTracker) { d.logger = logger }
}

// DomainTracker relabels page views served from an alternate hosting domain so that analytics
// aggregate under the canonical domain.
type DomainTracker struct {
	measurementID string
	alternates    []string
	canonical     string
	analytics     Analytics
	logger        zerolog.Logger

	patterns map[string]*regexp.Regexp // alternate host -> authority pattern
}

// IsAlternate reports whether hostname is exactly one of the alternate hosts.
func (d *DomainTracker) IsAlternate(hostname string) bool {
	for _, alt := range d.alternates {
		if hostname == alt {
			return true
		}
	}
	return false
}

// CanonicalURL rewrites href so that an alternate host in its authority is replaced by the
// canonical host. Scheme, port, path and query are kept exactly. Other URLs are returned as is.
func (d *DomainTracker) CanonicalURL(href string) string {
	for _, alt := range d.alternates {
		re := d.patterns[alt]
		if re.MatchString(href) {
			return re.ReplaceAllString(href, "${1}"+d.canonical+"${2}${3}")
		}
	}
	return href
}

// Track emits the alternate-domain events for a page served from an alternate host: first an
// engagement event labelled with the original hostname, then a page view configuration with the
// canonical location. It does nothing for other hosts or when no analytics capability is set.
func (d *DomainTracker) Track(hc HostingContext) {
	if d.analytics == nil || !d.IsAlternate(hc.Hostname) {
		return
	}

	d.send(CommandEvent, AlternateVisitEvent, Params{
		"event_category": DomainTrackingCategory,
		"event_label":    hc.Hostname,
	})
	d.send(CommandConfig, d.measurementID, Params{
		"page_location": d.CanonicalURL(hc.Href),
		"page_path":     hc.Pathname,
		"page_title":    hc.Title,
	})
	d.logger.Debug().Str("hostname", hc.Hostname).Str("canonical", d.canonical).Msg("Tracked alternate domain visit")
}

// send issues a command, logging errors and recovering panics from the capability.
func (d *DomainTracker) send(command, target string, params Params) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn().Str("command", command).Msgf("Analytics panicked: %v", r)
		}
	}()
	if err := d.analytics.Send(command, target, params); err != nil {
		d.logger.Warn().Err(err).Str("command", command).Str("target", target).Msg("Failed to send domain tracking")
	}
}

// authorityPattern matches host as the full authority hostname of an absolute URL, with an
// optional port. Group 1 is the scheme and userinfo, group 2 the port, group 3 the delimiter
// that follows the authority.
func authorityPattern(host string) *regexp.Regexp {
	return regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.-]*://(?:[^@/?#]*@)?)` +
		regexp.QuoteMeta(host) + `(:\d+)?([/?#]|$)`)
}

// NewDomainTracker creates a DomainTracker that reconfigures page views for measurementID.
func NewDomainTracker(measurementID string, opts ...DomainTrackerOption) (*DomainTracker, error) {
	d := &DomainTracker{
		measurementID: measurementID,
		alternates:    append([]string(nil), DefaultAlternateHosts...),
		canonical:     DefaultCanonicalHost,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if strings.TrimSpace(d.canonical) == "" {
		return nil, errors.New("canonical host is empty")
	}
	d.patterns = make(map[string]*regexp.Regexp, len(d.alternates))
	for _, alt := range d.alternates {
		if strings.TrimSpace(alt) == "" {
			return nil, errors.New("alternate host is empty")
		}
		if alt == d.canonical {
			return nil, fmt.Errorf("alternate host %q equals the canonical host", alt)
		}
		d.patterns[alt] = authorityPattern(alt)
	}
	return d, nil
}
