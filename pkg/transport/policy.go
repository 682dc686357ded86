package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrInvalidDNSPolicy indicates the DNSPolicy configuration is invalid.
var ErrInvalidDNSPolicy = errors.New("invalid DNS policy")

// Mode controls how a client resolves provider hostnames and when it drops pooled connections.
type Mode uint8

const (
	// ModeDefault leaves resolution and connection reuse to net/http.
	ModeDefault Mode = iota
	// ModeStatic dials a fixed address and never resolves.
	ModeStatic
	// ModeTTL re-resolves once the TTL of the previous answer has passed.
	ModeTTL
	// ModeCadence re-resolves on a fixed cadence, regardless of TTL.
	ModeCadence
)

var modeNames = map[Mode]string{
	ModeDefault: "default",
	ModeStatic:  "static",
	ModeTTL:     "ttl",
	ModeCadence: "cadence",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// ParseMode maps a configuration name to a Mode. The empty string is ModeDefault.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeDefault, nil
	}
	for mode, name := range modeNames {
		if strings.EqualFold(s, name) {
			return mode, nil
		}
	}
	return ModeDefault, fmt.Errorf("%w: unknown mode %q", ErrInvalidDNSPolicy, s)
}

// Resolver looks up the addresses of a host along with the TTL of the answer. A zero TTL means
// the TTL is unknown.
type Resolver interface {
	Lookup(ctx context.Context, host string) ([]netip.Addr, time.Duration, error)
}

// DNSPolicy describes how a client resolves the hosts it talks to.
type DNSPolicy struct {
	Mode Mode

	// StaticAddr is dialed for every request in ModeStatic.
	StaticAddr netip.AddrPort

	// Cadence is the refresh interval in ModeCadence.
	Cadence time.Duration

	// TTLMin and TTLMax clamp the observed TTL in ModeTTL. Zero leaves that side unbounded.
	TTLMin time.Duration
	TTLMax time.Duration

	// AllowFallback keeps using the last answer when a refresh fails.
	AllowFallback bool

	// Resolver overrides the DNS resolver. Nil uses a DNSResolver reading /etc/resolv.conf.
	Resolver Resolver
}

// Validate checks that the fields required by the mode are set.
func (p DNSPolicy) Validate() error {
	switch p.Mode {
	case ModeDefault:
	case ModeStatic:
		if !p.StaticAddr.IsValid() {
			return fmt.Errorf("%w: static mode requires an address", ErrInvalidDNSPolicy)
		}
	case ModeTTL:
		if p.TTLMin < 0 || p.TTLMax < 0 {
			return fmt.Errorf("%w: TTL bounds cannot be negative", ErrInvalidDNSPolicy)
		}
		if p.TTLMax > 0 && p.TTLMin > p.TTLMax {
			return fmt.Errorf("%w: TTL minimum above maximum", ErrInvalidDNSPolicy)
		}
	case ModeCadence:
		if p.Cadence <= 0 {
			return fmt.Errorf("%w: cadence mode requires a positive cadence", ErrInvalidDNSPolicy)
		}
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidDNSPolicy, p.Mode)
	}
	return nil
}

// lifetime returns how long an answer with the given TTL stays fresh.
func (p DNSPolicy) lifetime(ttl time.Duration) time.Duration {
	if p.Mode == ModeCadence {
		return p.Cadence
	}
	if ttl < p.TTLMin {
		ttl = p.TTLMin
	}
	if p.TTLMax > 0 && ttl > p.TTLMax {
		ttl = p.TTLMax
	}
	return max(ttl, 0)
}
