// Package transport builds the outbound HTTP clients of the analytics flush job and the order
// provider clients. A DNSPolicy decides how provider hostnames resolve and when pooled
// connections are dropped, so that a long-running client follows DNS changes of its provider.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

const defaultDialTimeout = 5 * time.Second

// Timeouts configures the timeouts of an HTTP client. Zero values keep the net/http behaviour,
// except Dial which defaults to five seconds.
type Timeouts struct {
	// Total bounds the whole request including reading the body. Maps to http.Client.Timeout.
	Total time.Duration
	// ResponseHeader bounds the wait for response headers once the request is written.
	ResponseHeader time.Duration
	// IdleConn is how long an idle connection stays in the pool.
	IdleConn time.Duration
	// TLSHandshake bounds the TLS handshake.
	TLSHandshake time.Duration
	// Dial bounds establishing a TCP connection.
	Dial time.Duration
}

// Validate rejects negative timeouts.
func (t Timeouts) Validate() error {
	var result error
	for name, d := range map[string]time.Duration{
		"total":           t.Total,
		"response header": t.ResponseHeader,
		"idle connection": t.IdleConn,
		"TLS handshake":   t.TLSHandshake,
		"dial":            t.Dial,
	} {
		if d < 0 {
			result = multierror.Append(result, fmt.Errorf("%s timeout cannot be negative", name))
		}
	}
	return result
}

// Option is a functional option for NewHTTPClient.
type Option func(*settings)

type settings struct {
	policy   DNSPolicy
	timeouts Timeouts
	logger   zerolog.Logger
}

// WithDNSPolicy sets how the client resolves hosts.
func WithDNSPolicy(policy DNSPolicy) Option {
	return func(s *settings) { s.policy = policy }
}

// WithTimeouts sets the timeouts of the client.
func WithTimeouts(timeouts Timeouts) Option {
	return func(s *settings) { s.timeouts = timeouts }
}

// WithLogger sets the logger that records DNS refreshes.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// NewHTTPClient creates an HTTP client on a clone of http.DefaultTransport with the given DNS
// policy and timeouts applied.
func NewHTTPClient(opts ...Option) (*http.Client, error) {
	s := settings{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&s)
	}

	var result error
	if err := s.policy.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.timeouts.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		return nil, result
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if s.timeouts.ResponseHeader > 0 {
		tr.ResponseHeaderTimeout = s.timeouts.ResponseHeader
	}
	if s.timeouts.IdleConn > 0 {
		tr.IdleConnTimeout = s.timeouts.IdleConn
	}
	if s.timeouts.TLSHandshake > 0 {
		tr.TLSHandshakeTimeout = s.timeouts.TLSHandshake
	}
	dialer := &net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}
	if s.timeouts.Dial > 0 {
		dialer.Timeout = s.timeouts.Dial
	}

	if s.policy.Mode == ModeDefault {
		tr.DialContext = dialer.DialContext
		return &http.Client{Transport: tr, Timeout: s.timeouts.Total}, nil
	}

	// The policy picks the dialed address, which a proxy would bypass
	tr.Proxy = nil
	cache := newHostCache(s.policy, s.logger)
	tr.DialContext = cache.dialContext(dialer)
	return &http.Client{
		Transport: &policyTransport{base: tr, cache: cache},
		Timeout:   s.timeouts.Total,
	}, nil
}

// policyTransport drops pooled connections before a request whose host answer went stale, so
// that the next dial resolves again.
type policyTransport struct {
	base  *http.Transport
	cache *hostCache
}

func (p *policyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if p.cache.stale(req.URL.Hostname(), time.Now()) {
		p.base.CloseIdleConnections()
	}
	return p.base.RoundTrip(req)
}

func (p *policyTransport) CloseIdleConnections() {
	p.base.CloseIdleConnections()
}

type cacheEntry struct {
	addrs     []netip.Addr
	expiresAt time.Time
}

// hostCache holds the last answer per host and resolves again once it expires.
type hostCache struct {
	policy   DNSPolicy
	resolver Resolver
	logger   zerolog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newHostCache(policy DNSPolicy, logger zerolog.Logger) *hostCache {
	resolver := policy.Resolver
	if resolver == nil {
		resolver = NewDNSResolver()
	}
	return &hostCache{
		policy:   policy,
		resolver: resolver,
		logger:   logger,
		entries:  make(map[string]cacheEntry),
	}
}

// stale reports whether host has an answer that expired before now.
func (c *hostCache) stale(host string, now time.Time) bool {
	if c.policy.Mode == ModeStatic {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[host]
	return ok && !now.Before(entry.expiresAt)
}

// addrs returns the addresses to dial for host, resolving when the cached answer expired.
func (c *hostCache) addrs(ctx context.Context, host string) ([]netip.Addr, error) {
	now := time.Now()
	c.mu.Lock()
	entry, ok := c.entries[host]
	c.mu.Unlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.addrs, nil
	}

	addrs, ttl, err := c.resolver.Lookup(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses for %s", host)
	}
	if err != nil {
		if ok && c.policy.AllowFallback {
			c.logger.Warn().Err(err).Str("host", host).Msg("DNS refresh failed, keeping previous answer")
			return entry.addrs, nil
		}
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	lifetime := c.policy.lifetime(ttl)
	c.mu.Lock()
	c.entries[host] = cacheEntry{addrs: addrs, expiresAt: now.Add(lifetime)}
	c.mu.Unlock()
	c.logger.Debug().
		Str("host", host).
		Str("mode", c.policy.Mode.String()).
		Int("addrs", len(addrs)).
		Dur("ttl", ttl).
		Dur("lifetime", lifetime).
		Msg("Resolved host")
	return addrs, nil
}

// dialContext dials through the policy: the static address, or each resolved address in turn.
func (c *hostCache) dialContext(dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if c.policy.Mode == ModeStatic {
			return dialer.DialContext(ctx, network, c.policy.StaticAddr.String())
		}

		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		if _, err := netip.ParseAddr(host); err == nil {
			return dialer.DialContext(ctx, network, address)
		}

		addrs, err := c.addrs(ctx, host)
		if err != nil {
			return nil, err
		}
		var dialErr error
		for _, addr := range addrs {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
			if err == nil {
				return conn, nil
			}
			dialErr = errors.Join(dialErr, err)
		}
		return nil, dialErr
	}
}
