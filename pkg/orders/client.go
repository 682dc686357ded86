// Package orders holds thin JSON clients for the catalog/payments provider and the delivery
// provider of the ordering flow. Requests are sent once; there is no retry.
package orders

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jkbrsn/vitals/pkg/transport"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const defaultTimeout = 15 * time.Second

// APIError is returned when a provider answers with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.StatusCode, e.Body)
}

// ClientOption is a functional option for the Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithDNSPolicy sets how the provider host is resolved. It has no effect together with
// WithHTTPClient.
func WithDNSPolicy(policy transport.DNSPolicy) ClientOption {
	return func(cl *Client) { cl.dnsPolicy = policy }
}

// WithTimeouts sets the request timeouts. A zero Total keeps the default. It has no effect
// together with WithHTTPClient.
func WithTimeouts(timeouts transport.Timeouts) ClientOption {
	return func(cl *Client) { cl.timeouts = timeouts }
}

// WithHeader adds a header sent with every request, e.g. provider credentials.
func WithHeader(key, value string) ClientOption {
	return func(cl *Client) { cl.header.Add(key, value) }
}

// WithLogger sets the logger of the client.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = logger }
}

// Client sends JSON requests relative to a base URL.
type Client struct {
	baseURL *url.URL
	header  http.Header
	http    *http.Client
	logger  zerolog.Logger

	dnsPolicy transport.DNSPolicy
	timeouts  transport.Timeouts
	timingFn  TimingFunc
}

// Do sends in as the JSON body of a request to path and decodes the response into out. A nil
// in sends no body; a nil out discards the response body.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := sonic.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	target, err := c.resolve(path)
	if err != nil {
		return err
	}
	phases := &phaseTimes{start: time.Now()}
	request, err := http.NewRequestWithContext(phases.withTrace(ctx), method, target, body)
	if err != nil {
		return err
	}
	for key, values := range c.header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	request.Header.Set("Accept", "application/json")
	if in != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	requestID := xid.New().String()
	request.Header.Set("X-Request-ID", requestID)

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	timing := phases.timing(time.Now())
	timing.Method, timing.Path, timing.Status = method, path, response.StatusCode
	c.logger.Debug().
		Str("request_id", requestID).
		Str("method", method).
		Str("url", target).
		Int("status", response.StatusCode).
		Dur("latency", timing.Latency).
		Dur("total", timing.Total).
		Msg("Order provider request")
	if c.timingFn != nil {
		c.timingFn(timing)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &APIError{StatusCode: response.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// resolve joins path, which may carry a query, onto the base URL.
func (c *Client) resolve(path string) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse path: %w", err)
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

// NewClient creates a Client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("base URL must be absolute")
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	c := &Client{
		baseURL: u,
		header:  make(http.Header),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		if c.timeouts.Total == 0 {
			c.timeouts.Total = defaultTimeout
		}
		client, err := transport.NewHTTPClient(
			transport.WithDNSPolicy(c.dnsPolicy),
			transport.WithTimeouts(c.timeouts),
			transport.WithLogger(c.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("http client: %w", err)
		}
		c.http = client
	}
	return c, nil
}
