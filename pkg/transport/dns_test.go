package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// dnsServer answers A queries for its zone from a fixed address and counts queries.
type dnsServer struct {
	addr    string
	queries *atomic.Int64
}

func startDNSServer(t *testing.T, zone string, answer netip.Addr, ttl uint32) *dnsServer {
	t.Helper()
	ds := &dnsServer{queries: atomic.NewInt64(0)}

	mux := dns.NewServeMux()
	mux.HandleFunc(dns.Fqdn(zone), func(w dns.ResponseWriter, req *dns.Msg) {
		ds.queries.Inc()
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		if q.Qtype == dns.TypeA {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   answer.AsSlice(),
			})
		}
		_ = w.WriteMsg(resp)
	})
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetRcode(req, dns.RcodeNameError)
		_ = w.WriteMsg(resp)
	})

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("DNS server did not start")
	}
	t.Cleanup(func() { _ = server.Shutdown() })

	ds.addr = pc.LocalAddr().String()
	return ds
}

func TestDNSResolver_LookupWithTTL(t *testing.T) {
	server := startDNSServer(t, "collect.example.test", netip.MustParseAddr("127.0.0.1"), 42)
	resolver := NewDNSResolver(server.addr)

	addrs, ttl, err := resolver.Lookup(context.Background(), "collect.example.test.")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs)
	assert.Equal(t, 42*time.Second, ttl)
	assert.Equal(t, int64(2), server.queries.Load(), "one A and one AAAA query")
}

func TestDNSResolver_IPLiteral(t *testing.T) {
	resolver := NewDNSResolver("127.0.0.1:1")
	addrs, ttl, err := resolver.Lookup(context.Background(), "::1")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.IPv6Loopback()}, addrs)
	assert.Zero(t, ttl)
}

func TestDNSResolver_FallsBackToSystemResolver(t *testing.T) {
	server := startDNSServer(t, "collect.example.test", netip.MustParseAddr("127.0.0.1"), 42)
	resolver := NewDNSResolver(server.addr)

	// The test server answers NXDOMAIN, the system resolver knows localhost
	addrs, ttl, err := resolver.Lookup(context.Background(), "localhost")
	require.NoError(t, err)
	assert.NotEmpty(t, addrs)
	for _, addr := range addrs {
		assert.True(t, addr.IsLoopback(), addr.String())
	}
	assert.Zero(t, ttl)
}

func TestDNSResolver_DefaultPort(t *testing.T) {
	resolver := NewDNSResolver("10.0.0.53", "10.0.0.54:5353")
	servers, err := resolver.nameservers()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.53:53", "10.0.0.54:5353"}, servers)
}

func TestNewHTTPClient_ResolvesThroughDNS(t *testing.T) {
	_, addr := newLoopbackServer(t)
	server := startDNSServer(t, "collect.example.test", addr.Addr(), 300)

	client, err := NewHTTPClient(WithDNSPolicy(DNSPolicy{
		Mode:     ModeTTL,
		TTLMax:   time.Minute,
		Resolver: NewDNSResolver(server.addr),
	}))
	require.NoError(t, err)

	url := fmt.Sprintf("http://collect.example.test:%d/mp/collect", addr.Port())
	host, err := get(t, client, url)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("collect.example.test:%d", addr.Port()), host)

	_, err = get(t, client, url)
	require.NoError(t, err)
	assert.Equal(t, int64(2), server.queries.Load(), "second request reuses the cached answer")
}
