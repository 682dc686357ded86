package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	resolvConfPath  = "/etc/resolv.conf"
	dnsQueryTimeout = 5 * time.Second
	dnsPort         = "53"
)

// DNSResolver queries A and AAAA records directly so that answers carry their TTL. When no
// server answers it falls back to the system resolver, which reports no TTL.
type DNSResolver struct {
	client   *dns.Client
	fallback *net.Resolver

	once    sync.Once
	servers []string
	cfgErr  error
}

// NewDNSResolver creates a resolver querying servers, given as host or host:port. Without
// servers the nameservers of /etc/resolv.conf are used.
func NewDNSResolver(servers ...string) *DNSResolver {
	r := &DNSResolver{
		client:   &dns.Client{Timeout: dnsQueryTimeout},
		fallback: net.DefaultResolver,
	}
	for _, server := range servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, dnsPort)
		}
		r.servers = append(r.servers, server)
	}
	return r
}

// Lookup returns the addresses of host and the smallest TTL among the answers.
func (r *DNSResolver) Lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, 0, nil
	}
	host = strings.TrimSuffix(host, ".")

	addrs, ttl, err := r.query(ctx, host)
	if err == nil {
		return addrs, ttl, nil
	}
	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}

	fallback, fallbackErr := r.fallback.LookupNetIP(ctx, "ip", host)
	if fallbackErr != nil {
		return nil, 0, errors.Join(err, fallbackErr)
	}
	return fallback, 0, nil
}

func (r *DNSResolver) nameservers() ([]string, error) {
	r.once.Do(func() {
		if len(r.servers) > 0 {
			return
		}
		cfg, err := dns.ClientConfigFromFile(resolvConfPath)
		if err != nil {
			r.cfgErr = fmt.Errorf("read resolver config: %w", err)
			return
		}
		for _, server := range cfg.Servers {
			r.servers = append(r.servers, net.JoinHostPort(server, cfg.Port))
		}
	})
	return r.servers, r.cfgErr
}

// query asks each nameserver in turn until one answers successfully.
func (r *DNSResolver) query(ctx context.Context, host string) ([]netip.Addr, time.Duration, error) {
	servers, err := r.nameservers()
	if err != nil {
		return nil, 0, err
	}

	var lastErr error = errors.New("no nameservers configured")
	for _, server := range servers {
		addrs, ttl, err := r.exchange(ctx, server, host)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) == 0 {
			lastErr = fmt.Errorf("no address records for %s at %s", host, server)
			continue
		}
		return addrs, ttl, nil
	}
	return nil, 0, lastErr
}

func (r *DNSResolver) exchange(ctx context.Context, server, host string) ([]netip.Addr, time.Duration, error) {
	var (
		addrs []netip.Addr
		ttl   time.Duration
	)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			return nil, 0, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			return nil, 0, fmt.Errorf("%s from %s", dns.RcodeToString[resp.Rcode], server)
		}

		for _, rr := range resp.Answer {
			var ip net.IP
			switch rec := rr.(type) {
			case *dns.A:
				ip = rec.A
			case *dns.AAAA:
				ip = rec.AAAA
			default:
				continue
			}
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			addrs = append(addrs, addr.Unmap())

			recTTL := time.Duration(rr.Header().Ttl) * time.Second
			if ttl == 0 || recTTL < ttl {
				ttl = recTTL
			}
		}
	}
	return addrs, ttl, nil
}
