package main

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/jkbrsn/vitals"
	"github.com/jkbrsn/vitals/pkg/metrics"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	maxBeaconBytes = 64 << 10
	wsWriteTimeout = 5 * time.Second
)

// streamTimeouts configures keepalive of page streams. Zero values disable the respective
// deadline or ping.
type streamTimeouts struct {
	Read time.Duration
	Ping time.Duration
}

// streamSource is a measurement source that is fed from the beacon stream of one page.
type streamSource interface {
	vitals.MeasurementSource
	Deliver(m vitals.Metric) bool
}

// streamMessage is a control message sent to the page over the stream.
type streamMessage struct {
	Type     string   `json:"type"`
	Session  string   `json:"session,omitempty"`
	Attached []string `json:"attached,omitempty"`
	Failed   []string `json:"failed,omitempty"`
}

// beaconResult is the response to a beacon post.
type beaconResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// pageView is the body of a page view post.
type pageView struct {
	Href  string `json:"href"`
	Title string `json:"title"`
}

// diagnostics is a snapshot of the service counters.
type diagnostics struct {
	Sink     vitals.SinkStats     `json:"sink"`
	Pipeline vitals.PipelineStats `json:"pipeline"`
	Sessions int64                `json:"sessions"`
}

// server serves the beacon ingest endpoints.
type server struct {
	pipeline *vitals.Pipeline
	tracker  *vitals.DomainTracker
	registry *prom.Registry
	logger   zerolog.Logger

	upgrader  websocket.Upgrader
	timeouts  streamTimeouts
	newSource func() streamSource
	sessions  atomic.Int64
}

func newServer(pipeline *vitals.Pipeline, tracker *vitals.DomainTracker, registry *prom.Registry, logger zerolog.Logger) *server {
	return &server{
		pipeline: pipeline,
		tracker:  tracker,
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Pages are served from several hosting domains
			CheckOrigin: func(*http.Request) bool { return true },
		},
		newSource: func() streamSource { return vitals.NewStreamSource() },
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/beacon", s.handleBeacon)
	mux.HandleFunc("POST /v1/pageview", s.handlePageView)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/diagnostics", s.handleDiagnostics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	if s.registry != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(s.registry))
	}
	return mux
}

// handleBeacon accepts one beacon or an array of beacons, as sent by navigator.sendBeacon.
func (s *server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBeaconBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	beacons, err := vitals.DecodeBeacons(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result beaconResult
	for _, b := range beacons {
		m, err := b.Metric()
		if err == nil {
			err = s.pipeline.Dispatch(m)
		}
		if errors.Is(err, vitals.ErrPipelineClosed) {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			result.Rejected++
			s.logger.Debug().Err(err).Str("name", b.Name).Str("id", b.ID).Msg("Beacon rejected")
			continue
		}
		result.Accepted++
	}
	s.writeJSON(w, http.StatusAccepted, result)
}

// handlePageView runs domain tracking for a page that does not open a stream.
func (s *server) handlePageView(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBeaconBytes))
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	var pv pageView
	if err := sonic.Unmarshal(body, &pv); err != nil {
		http.Error(w, "invalid page view", http.StatusBadRequest)
		return
	}
	hc, err := vitals.NewHostingContext(pv.Href, pv.Title)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.tracker != nil {
		s.tracker.Track(hc)
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleStream runs one page lifecycle per socket: the page is mounted, the client is told so,
// and metric messages are then delivered to the page's listeners until the socket closes.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	hc, err := vitals.NewHostingContext(r.URL.Query().Get("href"), r.URL.Query().Get("title"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	session := xid.New().String()
	logger := s.logger.With().Str("session", session).Str("hostname", hc.Hostname).Logger()
	s.sessions.Inc()
	defer s.sessions.Dec()

	src := s.newSource()
	page := vitals.NewPage(hc, s.tracker, s.pipeline.Report, logger)
	page.Mount(src)

	mounted := streamMessage{
		Type:     "mounted",
		Session:  session,
		Attached: metricNames(page.Instrumentation().Attached()),
		Failed:   metricNames(page.Instrumentation().Failed()),
	}
	if err := s.writeMessage(conn, mounted); err != nil {
		logger.Debug().Err(err).Msg("Failed to send mounted message")
		return
	}

	if s.timeouts.Read > 0 {
		extend := func(string) error { return conn.SetReadDeadline(time.Now().Add(s.timeouts.Read)) }
		_ = extend("")
		conn.SetPongHandler(extend)
	}
	if s.timeouts.Ping > 0 {
		stopPing := make(chan struct{})
		defer close(stopPing)
		go s.ping(conn, stopPing)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("Stream closed unexpectedly")
			}
			return
		}
		if s.timeouts.Read > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.timeouts.Read))
		}
		beacons, err := vitals.DecodeBeacons(data)
		if err != nil {
			logger.Debug().Err(err).Msg("Invalid stream message")
			continue
		}
		for _, b := range beacons {
			m, err := b.Metric()
			if err != nil {
				logger.Debug().Err(err).Str("name", b.Name).Msg("Invalid metric")
				continue
			}
			src.Deliver(m)
		}
	}
}

// ping sends pings on conn until stop is closed or a ping fails. WriteControl may be called
// concurrently with the reads of the stream loop.
func (s *server) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.timeouts.Ping)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, diagnostics{
		Sink:     s.pipeline.Sink().Stats(),
		Pipeline: s.pipeline.Stats(),
		Sessions: s.sessions.Load(),
	})
}

func (s *server) writeMessage(conn *websocket.Conn, msg streamMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func metricNames(names []vitals.MetricName) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n.String()
	}
	return out
}
