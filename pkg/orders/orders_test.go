package orders

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jkbrsn/vitals/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedRequest is what the provider stub saw.
type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// newProvider starts a stub provider answering every request with status and body.
func newProvider(t *testing.T, status int, body string) (*httptest.Server, chan recordedRequest) {
	t.Helper()
	requests := make(chan recordedRequest, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		requests <- recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   data,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(server.Close)
	return server, requests
}

func TestClient_Do(t *testing.T) {
	server, requests := newProvider(t, http.StatusOK, `{"ok":true}`)
	client, err := NewClient(server.URL+"/v2", WithHeader("Authorization", "Bearer token"))
	require.NoError(t, err)

	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, client.Do(context.Background(), http.MethodPost, "/things?x=1", map[string]int{"n": 1}, &out))
	assert.True(t, out.OK)

	req := <-requests
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v2/things", req.Path)
	assert.Equal(t, "x=1", req.Query)
	assert.Equal(t, "Bearer token", req.Header.Get("Authorization"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.NotEmpty(t, req.Header.Get("X-Request-ID"))
	assert.JSONEq(t, `{"n":1}`, string(req.Body))
}

func TestClient_DoErrors(t *testing.T) {
	server, _ := newProvider(t, http.StatusConflict, `{"error":"already accepted"}`+"\n")
	client, err := NewClient(server.URL)
	require.NoError(t, err)

	err = client.Do(context.Background(), http.MethodGet, "x", nil, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, `{"error":"already accepted"}`, apiErr.Body)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, client.Do(ctx, http.MethodGet, "x", nil, nil))

	_, err = NewClient("/relative")
	assert.Error(t, err)
}

func TestClient_Transport(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		client, err := NewClient("https://connect.example.com/v2")
		require.NoError(t, err)
		assert.Equal(t, defaultTimeout, client.http.Timeout)

		client, err = NewClient("https://connect.example.com/v2",
			WithTimeouts(transport.Timeouts{Total: 3 * time.Second}))
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, client.http.Timeout)
	})

	t.Run("static address", func(t *testing.T) {
		server, requests := newProvider(t, http.StatusOK, `{}`)
		addr, err := netip.ParseAddrPort(strings.TrimPrefix(server.URL, "http://"))
		require.NoError(t, err)

		client, err := NewDeliveryClient("http://delivery.example.test/v1",
			WithDNSPolicy(transport.DNSPolicy{Mode: transport.ModeStatic, StaticAddr: addr}))
		require.NoError(t, err)

		require.NoError(t, client.Do(context.Background(), http.MethodGet, "orders/o-1", nil, nil))
		req := <-requests
		assert.Equal(t, "/v1/orders/o-1", req.Path)
	})

	t.Run("invalid policy", func(t *testing.T) {
		_, err := NewClient("https://connect.example.com/v2",
			WithDNSPolicy(transport.DNSPolicy{Mode: transport.ModeStatic}))
		assert.ErrorIs(t, err, transport.ErrInvalidDNSPolicy)
	})
}

func TestCatalogClient(t *testing.T) {
	t.Run("list catalog", func(t *testing.T) {
		server, requests := newProvider(t, http.StatusOK,
			`{"objects":[{"id":"A1","type":"ITEM","name":"Pad Thai","price":{"amount":2290,"currency":"AUD"}}],"cursor":"next"}`)
		client, err := NewCatalogClient(server.URL + "/v2/")
		require.NoError(t, err)

		items, cursor, err := client.ListCatalog(context.Background(), "ITEM", "")
		require.NoError(t, err)
		assert.Equal(t, "next", cursor)
		require.Len(t, items, 1)
		assert.Equal(t, "Pad Thai", items[0].Name)
		assert.Equal(t, int64(2290), items[0].Price.Amount)

		req := <-requests
		assert.Equal(t, "/v2/catalog/list", req.Path)
		assert.Equal(t, "types=ITEM", req.Query)
	})

	t.Run("create payment", func(t *testing.T) {
		server, requests := newProvider(t, http.StatusOK, `{"payment":{"id":"P1","status":"COMPLETED","amount_money":{"amount":4580,"currency":"AUD"}}}`)
		client, err := NewCatalogClient(server.URL)
		require.NoError(t, err)

		payment, err := client.CreatePayment(context.Background(), PaymentRequest{
			SourceID:    "cnon:card-nonce-ok",
			AmountMoney: Money{Amount: 4580, Currency: "AUD"},
		})
		require.NoError(t, err)
		assert.Equal(t, "COMPLETED", payment.Status)

		req := <-requests
		assert.Equal(t, "/payments", req.Path)
		var sent PaymentRequest
		require.NoError(t, sonic.Unmarshal(req.Body, &sent))
		assert.NotEmpty(t, sent.IdempotencyKey)
		assert.Equal(t, int64(4580), sent.AmountMoney.Amount)

		_, err = client.CreatePayment(context.Background(), PaymentRequest{})
		assert.Error(t, err)
	})
}

func TestDeliveryClient(t *testing.T) {
	t.Run("get order", func(t *testing.T) {
		server, requests := newProvider(t, http.StatusOK,
			`{"id":"o 1","current_state":"CREATED","placed_at":"2026-03-01T18:30:00Z","items":[{"id":"i1","name":"Green curry","quantity":2,"price":{"amount":2100,"currency":"AUD"}}]}`)
		client, err := NewDeliveryClient(server.URL)
		require.NoError(t, err)

		order, err := client.GetOrder(context.Background(), "o 1")
		require.NoError(t, err)
		assert.Equal(t, "CREATED", order.State)
		assert.Equal(t, time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC), order.PlacedAt.UTC())
		require.Len(t, order.Items, 1)
		assert.Equal(t, 2, order.Items[0].Quantity)

		req := <-requests
		assert.Equal(t, "/orders/o 1", req.Path)

		_, err = client.GetOrder(context.Background(), "")
		assert.Error(t, err)
	})

	t.Run("accept order", func(t *testing.T) {
		server, requests := newProvider(t, http.StatusNoContent, "")
		client, err := NewDeliveryClient(server.URL)
		require.NoError(t, err)

		require.NoError(t, client.AcceptOrder(context.Background(), "o1", AcceptRequest{Reason: "ready soon"}))
		req := <-requests
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/orders/o1/accept_pos_order", req.Path)
		assert.JSONEq(t, `{"reason":"ready soon"}`, string(req.Body))
	})
}

func TestClient_Timing(t *testing.T) {
	server, _ := newProvider(t, http.StatusOK, `{}`)
	timings := make(chan Timing, 2)
	client, err := NewClient(server.URL, WithTimingFunc(func(tm Timing) { timings <- tm }))
	require.NoError(t, err)

	require.NoError(t, client.Do(context.Background(), http.MethodGet, "a", nil, nil))
	require.NoError(t, client.Do(context.Background(), http.MethodGet, "b", nil, nil))

	first := <-timings
	assert.Equal(t, "a", first.Path)
	assert.Equal(t, http.StatusOK, first.Status)
	assert.Positive(t, first.Latency)
	assert.GreaterOrEqual(t, first.Total, first.Latency)
	require.NotNil(t, first.TCPConnect)
	assert.Nil(t, first.TLSHandshake)
	assert.Nil(t, first.DNSLookup, "httptest listens on a literal address")

	second := <-timings
	assert.Equal(t, "b", second.Path)
	assert.Nil(t, second.TCPConnect, "connection is reused")
}
