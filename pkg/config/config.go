// Package config loads the configuration of the vitals service.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jkbrsn/vitals/pkg/transport"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment selects development or production behavior of the sink and logging.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Config is the configuration of the vitals service.
type Config struct {
	Environment Environment     `yaml:"environment"`
	LogLevel    string          `yaml:"log_level"`
	Server      ServerConfig    `yaml:"server"`
	Analytics   AnalyticsConfig `yaml:"analytics"`
	NATS        NATSConfig      `yaml:"nats"`
	Domains     DomainsConfig   `yaml:"domains"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Orders      OrdersConfig    `yaml:"orders"`
	Outbound    OutboundConfig  `yaml:"outbound"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StreamReadTimeout closes a page stream that sends nothing, not even a pong, for this long.
	// Zero selects the default; a negative value disables the deadline.
	StreamReadTimeout time.Duration `yaml:"stream_read_timeout"`
	// StreamPingInterval is how often the server pings a page stream. Zero selects the default;
	// a negative value disables pings. Must be less than StreamReadTimeout when both are enabled.
	StreamPingInterval time.Duration `yaml:"stream_ping_interval"`
}

// StreamTimeouts returns the effective read deadline and ping interval of a page stream, with
// zero meaning disabled.
func (c ServerConfig) StreamTimeouts() (read, ping time.Duration) {
	return max(c.StreamReadTimeout, 0), max(c.StreamPingInterval, 0)
}

// AnalyticsConfig configures the Measurement Protocol transport. Without a measurement ID and
// API secret no transport is created.
type AnalyticsConfig struct {
	MeasurementID string        `yaml:"measurement_id"`
	APISecret     string        `yaml:"api_secret"`
	Endpoint      string        `yaml:"endpoint"`
	FlushCadence  time.Duration `yaml:"flush_cadence"`
	MaxQueue      int           `yaml:"max_queue"`
}

// NATSConfig configures the NATS transport. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DomainsConfig configures domain tracking.
type DomainsConfig struct {
	Canonical  string   `yaml:"canonical"`
	Alternates []string `yaml:"alternates"`
}

// PipelineConfig configures the metric pipeline.
type PipelineConfig struct {
	BufferSize     int `yaml:"buffer_size"`
	DedupeCapacity int `yaml:"dedupe_capacity"`
}

// OrdersConfig holds the base URLs of the ordering backends.
type OrdersConfig struct {
	CatalogURL  string `yaml:"catalog_url"`
	DeliveryURL string `yaml:"delivery_url"`
}

// OutboundConfig configures the HTTP clients of the Measurement Protocol transport and the
// order providers.
type OutboundConfig struct {
	DNS      DNSConfig      `yaml:"dns"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
}

// DNSConfig selects how provider hostnames are resolved. Mode is one of default, static, ttl
// or cadence.
type DNSConfig struct {
	Mode          string        `yaml:"mode"`
	StaticAddr    string        `yaml:"static_addr"`
	Cadence       time.Duration `yaml:"cadence"`
	TTLMin        time.Duration `yaml:"ttl_min"`
	TTLMax        time.Duration `yaml:"ttl_max"`
	AllowFallback bool          `yaml:"allow_fallback"`
	// Nameservers are queried instead of those in /etc/resolv.conf.
	Nameservers []string `yaml:"nameservers"`
}

// Policy converts the configuration into a validated transport.DNSPolicy.
func (c DNSConfig) Policy() (transport.DNSPolicy, error) {
	mode, err := transport.ParseMode(c.Mode)
	if err != nil {
		return transport.DNSPolicy{}, err
	}
	policy := transport.DNSPolicy{
		Mode:          mode,
		Cadence:       c.Cadence,
		TTLMin:        c.TTLMin,
		TTLMax:        c.TTLMax,
		AllowFallback: c.AllowFallback,
	}
	if c.StaticAddr != "" {
		addr, err := netip.ParseAddrPort(c.StaticAddr)
		if err != nil {
			return transport.DNSPolicy{}, fmt.Errorf("static address: %w", err)
		}
		policy.StaticAddr = addr
	}
	if len(c.Nameservers) > 0 {
		policy.Resolver = transport.NewDNSResolver(c.Nameservers...)
	}
	return policy, policy.Validate()
}

// TimeoutsConfig configures the outbound request timeouts. Zero keeps the client default.
type TimeoutsConfig struct {
	Total          time.Duration `yaml:"total"`
	ResponseHeader time.Duration `yaml:"response_header"`
	IdleConn       time.Duration `yaml:"idle_conn"`
	TLSHandshake   time.Duration `yaml:"tls_handshake"`
	Dial           time.Duration `yaml:"dial"`
}

// Timeouts converts the configuration into transport.Timeouts.
func (c TimeoutsConfig) Timeouts() transport.Timeouts {
	return transport.Timeouts{
		Total:          c.Total,
		ResponseHeader: c.ResponseHeader,
		IdleConn:       c.IdleConn,
		TLSHandshake:   c.TLSHandshake,
		Dial:           c.Dial,
	}
}

// Development reports whether the service runs in development mode.
func (c *Config) Development() bool {
	return c.Environment == EnvDevelopment
}

// TransportEnabled reports whether the Measurement Protocol transport is configured.
func (c *Config) TransportEnabled() bool {
	return c.Analytics.MeasurementID != "" && c.Analytics.APISecret != ""
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML configuration at path, expanding environment variables, and applies
// defaults. Variables from .env files in the working directory are loaded first when present.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	LoadEnvFiles()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadEnvFiles loads .env and .env.local if they exist. Variables already set in the process
// environment win.
func LoadEnvFiles() []string {
	var loaded []string
	for _, name := range []string{".env", ".env.local"} {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err == nil {
			loaded = append(loaded, name)
		}
	}
	return loaded
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvProduction
	}
	c.Environment = Environment(strings.ToLower(string(c.Environment)))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.StreamReadTimeout == 0 {
		c.Server.StreamReadTimeout = 2 * time.Minute
	}
	if c.Server.StreamPingInterval == 0 {
		c.Server.StreamPingInterval = 30 * time.Second
	}
	if c.Analytics.Endpoint == "" {
		c.Analytics.Endpoint = "https://www.google-analytics.com/mp/collect"
	}
	if c.Analytics.FlushCadence == 0 {
		c.Analytics.FlushCadence = 5 * time.Second
	}
	if c.Analytics.MaxQueue == 0 {
		c.Analytics.MaxQueue = 1000
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "vitals.analytics"
	}
	if c.Domains.Canonical == "" {
		c.Domains.Canonical = "chunnthai.com.au"
	}
	if len(c.Domains.Alternates) == 0 {
		c.Domains.Alternates = []string{"chunnthai.web.app", "chunnthai.firebaseapp.com"}
	}
	if c.Pipeline.BufferSize == 0 {
		c.Pipeline.BufferSize = 256
	}
	if c.Pipeline.DedupeCapacity == 0 {
		c.Pipeline.DedupeCapacity = 4096
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("unsupported environment %q", c.Environment)
	}
	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		return errors.New("server listen address is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server shutdown timeout must be > 0")
	}
	if read, ping := c.Server.StreamTimeouts(); ping > 0 && read > 0 && ping >= read {
		return errors.New("stream ping interval must be less than the stream read timeout")
	}
	if (c.Analytics.MeasurementID == "") != (c.Analytics.APISecret == "") {
		return errors.New("analytics measurement ID and API secret must be set together")
	}
	if c.Analytics.FlushCadence <= 0 {
		return errors.New("analytics flush cadence must be > 0")
	}
	if c.Analytics.MaxQueue <= 0 {
		return errors.New("analytics max queue must be > 0")
	}
	if err := validateURL("analytics endpoint", c.Analytics.Endpoint); err != nil {
		return err
	}
	if strings.TrimSpace(c.Domains.Canonical) == "" {
		return errors.New("canonical domain is required")
	}
	for _, alt := range c.Domains.Alternates {
		if strings.TrimSpace(alt) == "" {
			return errors.New("alternate domain must not be empty")
		}
		if alt == c.Domains.Canonical {
			return fmt.Errorf("alternate domain %q equals the canonical domain", alt)
		}
	}
	if c.Pipeline.BufferSize <= 0 || c.Pipeline.DedupeCapacity <= 0 {
		return errors.New("pipeline buffer size and dedupe capacity must be > 0")
	}
	if _, err := c.Outbound.DNS.Policy(); err != nil {
		return fmt.Errorf("outbound dns: %w", err)
	}
	if err := c.Outbound.Timeouts.Timeouts().Validate(); err != nil {
		return fmt.Errorf("outbound timeouts: %w", err)
	}
	if c.Orders.CatalogURL != "" {
		if err := validateURL("orders catalog URL", c.Orders.CatalogURL); err != nil {
			return err
		}
	}
	if c.Orders.DeliveryURL != "" {
		if err := validateURL("orders delivery URL", c.Orders.DeliveryURL); err != nil {
			return err
		}
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host: %q", field, raw)
	}
	return nil
}
