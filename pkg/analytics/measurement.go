package analytics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jkbrsn/taskman"
	"github.com/jkbrsn/vitals"
	"github.com/jkbrsn/vitals/pkg/transport"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	// DefaultMeasurementEndpoint is the GA4 Measurement Protocol collection endpoint.
	DefaultMeasurementEndpoint = "https://www.google-analytics.com/mp/collect"

	// maxEventsPerRequest is the Measurement Protocol limit of events in one request.
	maxEventsPerRequest = 25

	defaultFlushCadence = 5 * time.Second
	defaultMaxQueue     = 1000
	defaultHTTPTimeout  = 10 * time.Second

	// pageViewEvent is what a config command becomes, since the protocol has no config.
	pageViewEvent = "page_view"
)

var (
	// ErrQueueFull is returned when an event is dropped because the send queue is full.
	ErrQueueFull = errors.New("measurement queue full")
	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("transport closed")
	// ErrUnknownCommand is returned for commands other than event and config.
	ErrUnknownCommand = errors.New("unknown analytics command")
)

// MeasurementOption is a functional option for the MeasurementProtocol transport.
type MeasurementOption func(*MeasurementProtocol)

// WithEndpoint overrides the collection endpoint, e.g. the validation server or a test server.
func WithEndpoint(endpoint string) MeasurementOption {
	return func(mp *MeasurementProtocol) { mp.endpoint = endpoint }
}

// WithClientID sets the client ID events are attributed to when an event does not carry one.
func WithClientID(id string) MeasurementOption {
	return func(mp *MeasurementProtocol) { mp.clientID = id }
}

// WithFlushCadence sets how often queued events are sent.
func WithFlushCadence(cadence time.Duration) MeasurementOption {
	return func(mp *MeasurementProtocol) {
		if cadence > 0 {
			mp.cadence = cadence
		}
	}
}

// WithMaxQueue sets how many events may wait for the next flush.
func WithMaxQueue(n int) MeasurementOption {
	return func(mp *MeasurementProtocol) {
		if n > 0 {
			mp.maxQueue = n
		}
	}
}

// WithHTTPClient sets the HTTP client used for flushing.
func WithHTTPClient(c *http.Client) MeasurementOption {
	return func(mp *MeasurementProtocol) {
		if c != nil {
			mp.client = c
		}
	}
}

// WithDNSPolicy sets how the collection host is resolved. It has no effect together with
// WithHTTPClient.
func WithDNSPolicy(policy transport.DNSPolicy) MeasurementOption {
	return func(mp *MeasurementProtocol) { mp.dnsPolicy = policy }
}

// WithTimeouts sets the timeouts of flush requests. A zero Total keeps the default. It has no
// effect together with WithHTTPClient.
func WithTimeouts(timeouts transport.Timeouts) MeasurementOption {
	return func(mp *MeasurementProtocol) { mp.timeouts = timeouts }
}

// WithLogger sets the logger of the transport.
func WithLogger(logger zerolog.Logger) MeasurementOption {
	return func(mp *MeasurementProtocol) { mp.logger = logger }
}

// mpEvent is a single event in a Measurement Protocol request.
type mpEvent struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// mpRequest is the body of a Measurement Protocol request.
type mpRequest struct {
	ClientID string    `json:"client_id"`
	Events   []mpEvent `json:"events"`
}

// queuedEvent keeps the client an event belongs to next to the event.
type queuedEvent struct {
	clientID string
	event    mpEvent
}

// MeasurementProtocol is an analytics transport for the GA4 Measurement Protocol. Events are
// queued by Send and posted in batches on a fixed cadence. Failed batches are logged and dropped.
type MeasurementProtocol struct {
	endpoint      string
	measurementID string
	apiSecret     string
	clientID      string
	cadence       time.Duration
	maxQueue      int
	client        *http.Client
	dnsPolicy     transport.DNSPolicy
	timeouts      transport.Timeouts
	logger        zerolog.Logger

	mu     sync.Mutex
	queue  []queuedEvent
	closed bool

	taskManager *taskman.TaskManager
	jobID       string
	closeOnce   sync.Once
}

// Send queues a command. CommandEvent queues an event named after target; CommandConfig queues a
// page view with the given params. A "client_id" param overrides the transport client ID.
func (mp *MeasurementProtocol) Send(command, target string, params vitals.Params) error {
	var name string
	switch command {
	case vitals.CommandEvent:
		name = EventName(target)
		if name == "" {
			return fmt.Errorf("invalid event name %q", target)
		}
	case vitals.CommandConfig:
		name = pageViewEvent
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}

	clientID := mp.clientID
	eventParams := make(map[string]any, len(params))
	for k, v := range params {
		if k == "client_id" {
			if s, ok := v.(string); ok && s != "" {
				clientID = s
			}
			continue
		}
		eventParams[k] = v
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.closed {
		return ErrClosed
	}
	if len(mp.queue) >= mp.maxQueue {
		return fmt.Errorf("%w: dropped %s", ErrQueueFull, name)
	}
	mp.queue = append(mp.queue, queuedEvent{clientID: clientID, event: mpEvent{Name: name, Params: eventParams}})
	return nil
}

// Pending returns the number of queued events.
func (mp *MeasurementProtocol) Pending() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return len(mp.queue)
}

// Flush posts every queued event, grouped by client and split into batches. The queue is
// emptied whether or not the requests succeed.
func (mp *MeasurementProtocol) Flush(ctx context.Context) error {
	mp.mu.Lock()
	queued := mp.queue
	mp.queue = nil
	mp.mu.Unlock()

	if len(queued) == 0 {
		return nil
	}

	var result *multierror.Error
	for _, req := range batch(queued) {
		if err := mp.post(ctx, req); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Close stops the flush job and sends whatever is still queued.
func (mp *MeasurementProtocol) Close() error {
	var err error
	mp.closeOnce.Do(func() {
		mp.mu.Lock()
		mp.closed = true
		mp.mu.Unlock()

		mp.taskManager.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
		defer cancel()
		err = mp.Flush(ctx)
	})
	return err
}

// post sends a single request.
func (mp *MeasurementProtocol) post(ctx context.Context, body mpRequest) error {
	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal measurement request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, mp.collectURL(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := mp.client.Do(request)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}
	mp.logger.Debug().Int("events", len(body.Events)).Str("client_id", body.ClientID).Msg("Flushed measurement events")
	return nil
}

func (mp *MeasurementProtocol) collectURL() string {
	q := url.Values{}
	q.Set("measurement_id", mp.measurementID)
	q.Set("api_secret", mp.apiSecret)
	sep := "?"
	if strings.Contains(mp.endpoint, "?") {
		sep = "&"
	}
	return mp.endpoint + sep + q.Encode()
}

// flushTask is an implementation of taskman.Task that flushes the transport queue.
type flushTask struct {
	mp *MeasurementProtocol
}

// Execute flushes the queue. Errors are logged here, since nothing retries them.
func (t flushTask) Execute() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultHTTPTimeout)
	defer cancel()

	if err := t.mp.Flush(ctx); err != nil {
		t.mp.logger.Warn().Err(err).Msg("Measurement flush failed, events dropped")
		return err
	}
	return nil
}

// batch groups events by client, in order of first appearance, and splits each group into
// requests of at most maxEventsPerRequest events.
func batch(queued []queuedEvent) []mpRequest {
	var order []string
	byClient := make(map[string][]mpEvent)
	for _, q := range queued {
		if _, ok := byClient[q.clientID]; !ok {
			order = append(order, q.clientID)
		}
		byClient[q.clientID] = append(byClient[q.clientID], q.event)
	}

	var requests []mpRequest
	for _, clientID := range order {
		events := byClient[clientID]
		for start := 0; start < len(events); start += maxEventsPerRequest {
			end := min(start+maxEventsPerRequest, len(events))
			requests = append(requests, mpRequest{ClientID: clientID, Events: events[start:end]})
		}
	}
	return requests
}

// EventName converts a name into a Measurement Protocol event name: letters, digits and
// underscores, starting with a letter, at most 40 characters.
func EventName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-', r == '.', r == ' ':
			b.WriteRune('_')
		}
	}
	name := strings.TrimLeft(b.String(), "0123456789_")
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

// NewMeasurementProtocol creates the transport and schedules its flush job.
func NewMeasurementProtocol(measurementID, apiSecret string, opts ...MeasurementOption) (*MeasurementProtocol, error) {
	if measurementID == "" {
		return nil, errors.New("measurement ID is empty")
	}
	if apiSecret == "" {
		return nil, errors.New("API secret is empty")
	}

	mp := &MeasurementProtocol{
		endpoint:      DefaultMeasurementEndpoint,
		measurementID: measurementID,
		apiSecret:     apiSecret,
		clientID:      uuid.NewString(),
		cadence:       defaultFlushCadence,
		maxQueue:      defaultMaxQueue,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(mp)
	}
	if mp.client == nil {
		if mp.timeouts.Total == 0 {
			mp.timeouts.Total = defaultHTTPTimeout
		}
		client, err := transport.NewHTTPClient(
			transport.WithDNSPolicy(mp.dnsPolicy),
			transport.WithTimeouts(mp.timeouts),
			transport.WithLogger(mp.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("http client: %w", err)
		}
		mp.client = client
	}
	if _, err := url.Parse(mp.endpoint); err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	mp.taskManager = taskman.New()
	mp.jobID = "measurement-flush-" + xid.New().String()
	job := taskman.Job{
		ID:       mp.jobID,
		Cadence:  mp.cadence,
		NextExec: time.Now().Add(mp.cadence),
		Tasks:    []taskman.Task{flushTask{mp: mp}},
	}
	if err := mp.taskManager.ScheduleJob(job); err != nil {
		mp.taskManager.Stop()
		return nil, fmt.Errorf("schedule flush job: %w", err)
	}

	return mp, nil
}
