package orders

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// Timing breaks down the duration of a provider request. Phases that did not happen, e.g. DNS
// and connect on a reused connection, are nil.
type Timing struct {
	Method string
	Path   string
	Status int

	Latency          time.Duration  // request start to first response byte
	Total            time.Duration  // request start to fully read body
	DNSLookup        *time.Duration // DNS resolution
	TCPConnect       *time.Duration // TCP connect
	TLSHandshake     *time.Duration // TLS handshake
	ServerProcessing *time.Duration // request written to first response byte
}

// TimingFunc receives the timing of every completed request.
type TimingFunc func(Timing)

// WithTimingFunc sets a function that receives the timing of every completed request.
func WithTimingFunc(fn TimingFunc) ClientOption {
	return func(cl *Client) { cl.timingFn = fn }
}

// phaseTimes collects the timestamps of a traced request.
type phaseTimes struct {
	mu        sync.Mutex
	start     time.Time
	dnsStart  time.Time
	dnsDone   time.Time
	connStart time.Time
	connDone  time.Time
	tlsStart  time.Time
	tlsDone   time.Time
	wroteDone time.Time
	firstByte time.Time
}

func (p *phaseTimes) mark(t *time.Time) {
	p.mu.Lock()
	*t = time.Now()
	p.mu.Unlock()
}

// withTrace returns ctx carrying a client trace that records into p.
func (p *phaseTimes) withTrace(ctx context.Context) context.Context {
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		DNSStart:             func(httptrace.DNSStartInfo) { p.mark(&p.dnsStart) },
		DNSDone:              func(httptrace.DNSDoneInfo) { p.mark(&p.dnsDone) },
		ConnectStart:         func(_, _ string) { p.mark(&p.connStart) },
		ConnectDone:          func(_, _ string, _ error) { p.mark(&p.connDone) },
		TLSHandshakeStart:    func() { p.mark(&p.tlsStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { p.mark(&p.tlsDone) },
		WroteRequest:         func(httptrace.WroteRequestInfo) { p.mark(&p.wroteDone) },
		GotFirstResponseByte: func() { p.mark(&p.firstByte) },
	})
}

// timing computes the request timing, with done as the time the body was fully read.
func (p *phaseTimes) timing(done time.Time) Timing {
	p.mu.Lock()
	defer p.mu.Unlock()

	var t Timing
	if !p.firstByte.IsZero() {
		t.Latency = p.firstByte.Sub(p.start)
	}
	t.Total = done.Sub(p.start)
	t.DNSLookup = span(p.dnsStart, p.dnsDone)
	t.TCPConnect = span(p.connStart, p.connDone)
	t.TLSHandshake = span(p.tlsStart, p.tlsDone)
	t.ServerProcessing = span(p.wroteDone, p.firstByte)
	return t
}

func span(from, to time.Time) *time.Duration {
	if from.IsZero() || to.IsZero() {
		return nil
	}
	d := to.Sub(from)
	return &d
}
