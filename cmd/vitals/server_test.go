package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/jkbrsn/vitals"
	"github.com/jkbrsn/vitals/pkg/metrics"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//
// Mocks
//

type sentCommand struct {
	Command string
	Target  string
	Params  vitals.Params
}

// recordingAnalytics records every Send on a buffered channel.
type recordingAnalytics struct {
	sent chan sentCommand
}

func newRecordingAnalytics() *recordingAnalytics {
	return &recordingAnalytics{sent: make(chan sentCommand, 64)}
}

func (r *recordingAnalytics) Send(command, target string, params vitals.Params) error {
	r.sent <- sentCommand{Command: command, Target: target, Params: params}
	return nil
}

func (r *recordingAnalytics) next(t *testing.T) sentCommand {
	t.Helper()
	select {
	case cmd := <-r.sent:
		return cmd
	case <-time.After(time.Second):
		t.Fatal("expected analytics command, got none")
		return sentCommand{}
	}
}

func (r *recordingAnalytics) none(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-r.sent:
		t.Fatalf("expected no analytics command, got %#v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

// panicSource is a measurement source whose subscriptions blow up.
type panicSource struct{}

func (panicSource) Observe(vitals.MetricName, vitals.ReportFunc) error { panic("no observer support") }
func (panicSource) Deliver(vitals.Metric) bool                         { return false }

//
// Helper functions
//

type testServer struct {
	*httptest.Server
	srv       *server
	pipeline  *vitals.Pipeline
	analytics *recordingAnalytics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	analytics := newRecordingAnalytics()
	registry := prom.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	sink := vitals.NewSink(vitals.WithAnalytics(analytics), vitals.WithObserver(recorder))
	pipeline := vitals.NewPipeline(sink, vitals.WithEventObserver(recorder))
	t.Cleanup(func() { _ = pipeline.Close() })

	tracker, err := vitals.NewDomainTracker("G-TEST123", vitals.WithTrackerAnalytics(analytics))
	require.NoError(t, err)

	srv := newServer(pipeline, tracker, registry, zerolog.Nop())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, srv: srv, pipeline: pipeline, analytics: analytics}
}

func (ts *testServer) dialStream(t *testing.T, href string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?href=" + url.QueryEscape(href) + "&title=Menu"
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) streamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg streamMessage
	require.NoError(t, sonic.Unmarshal(data, &msg))
	return msg
}

func post(t *testing.T, target, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(target, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

//
// Tests
//

func TestServer_Beacon(t *testing.T) {
	ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/v1/beacon", `[
		{"name":"LCP","id":"v3-1","value":1243.7,"rating":"good","navigationType":"navigate"},
		{"name":"CLS","id":"v3-2","value":0.0834,"rating":"good"},
		{"name":"FID","id":"v3-3","value":12}
	]`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"accepted":2,"rejected":1}`, body)

	lcp := ts.analytics.next(t)
	assert.Equal(t, vitals.CommandEvent, lcp.Command)
	assert.Equal(t, "largest-contentful-paint", lcp.Target)
	assert.EqualValues(t, 1244, lcp.Params[vitals.ParamValue])
	assert.Equal(t, "good", lcp.Params[vitals.ParamMetricRating])

	cls := ts.analytics.next(t)
	assert.Equal(t, "cumulative-layout-shift", cls.Target)
	assert.EqualValues(t, 83, cls.Params[vitals.ParamValue])
	ts.analytics.none(t)

	// Replays of a beacon are accepted but not forwarded again
	resp, _ = post(t, ts.URL+"/v1/beacon", `{"name":"LCP","id":"v3-1","value":1243.7}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.analytics.none(t)

	resp, _ = post(t, ts.URL+"/v1/beacon", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_BeaconValueOutOfRange(t *testing.T) {
	ts := newTestServer(t)

	resp, body := post(t, ts.URL+"/v1/beacon", `[{"name":"LCP","id":"v3-x","value":1e19},{"name":"CLS","id":"v3-y","value":1e17}]`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"accepted":0,"rejected":2}`, body)
	ts.analytics.none(t)
}

func TestServer_BeaconAfterClose(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.pipeline.Close())

	resp, _ := post(t, ts.URL+"/v1/beacon", `{"name":"TTFB","id":"v3-9","value":310}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_PageView(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := post(t, ts.URL+"/v1/pageview", `{"href":"https://chunnthai.firebaseapp.com/menu?x=1","title":"Menu"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	event := ts.analytics.next(t)
	assert.Equal(t, vitals.AlternateVisitEvent, event.Target)
	config := ts.analytics.next(t)
	assert.Equal(t, vitals.CommandConfig, config.Command)
	assert.Equal(t, "https://chunnthai.com.au/menu?x=1", config.Params["page_location"])

	resp, _ = post(t, ts.URL+"/v1/pageview", `{"href":"https://chunnthai.com.au/","title":"Home"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	ts.analytics.none(t)

	resp, _ = post(t, ts.URL+"/v1/pageview", `{"href":"/relative"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Stream(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dialStream(t, "https://chunnthai.web.app/menu")

	// Domain tracking runs on mount, before any metric
	assert.Equal(t, vitals.AlternateVisitEvent, ts.analytics.next(t).Target)
	assert.Equal(t, vitals.CommandConfig, ts.analytics.next(t).Command)

	msg := readMessage(t, conn)
	assert.Equal(t, "mounted", msg.Type)
	assert.NotEmpty(t, msg.Session)
	assert.Len(t, msg.Attached, 5)
	assert.Empty(t, msg.Failed)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"name":"INP","id":"v3-7","value":184,"rating":"good"}`)))
	inp := ts.analytics.next(t)
	assert.Equal(t, "interaction-to-next-paint", inp.Target)
	assert.EqualValues(t, 184, inp.Params[vitals.ParamValue])

	// Same metric again, and garbage, are both ignored
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"name":"INP","id":"v3-7","value":184}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{{`)))
	ts.analytics.none(t)

	require.Eventually(t, func() bool { return ts.srv.sessions.Load() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return ts.srv.sessions.Load() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_StreamWithFailingSource(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.newSource = func() streamSource { return panicSource{} }

	conn := ts.dialStream(t, "https://chunnthai.com.au/")
	msg := readMessage(t, conn)
	assert.Equal(t, "mounted", msg.Type)
	assert.Empty(t, msg.Attached)
	assert.Len(t, msg.Failed, 5)
}

func TestServer_StreamRejectsBadHref(t *testing.T) {
	ts := newTestServer(t)
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?href=nope"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DiagnosticsAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	post(t, ts.URL+"/v1/beacon", `{"name":"FCP","id":"v3-4","value":812}`)
	ts.analytics.next(t)

	var diag diagnostics
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/v1/diagnostics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil || sonic.Unmarshal(data, &diag) != nil {
			return false
		}
		return diag.Sink.Forwarded == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), diag.Pipeline.Dispatched)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), `vitals_metrics_total{metric="first-contentful-paint",outcome="forwarded"} 1`)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func sampleMetric() vitals.Metric {
	return vitals.Metric{ID: "v3-1", Name: vitals.TimeToFirstByte, Value: 310}
}

func TestServer_StreamKeepalive(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.timeouts = streamTimeouts{Read: 300 * time.Millisecond, Ping: 20 * time.Millisecond}

	conn := ts.dialStream(t, "https://chunnthai.com.au/")
	assert.Equal(t, "mounted", readMessage(t, conn).Type)

	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("expected a ping from the server")
	}

	// Pongs keep the stream open past the read timeout
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int64(1), ts.srv.sessions.Load())
}
