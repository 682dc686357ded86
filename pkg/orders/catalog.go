package orders

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Money is an amount in the smallest unit of a currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// CatalogItem is an item of the menu catalog.
type CatalogItem struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Price       *Money `json:"price,omitempty"`
}

// PaymentRequest creates a payment for an order.
type PaymentRequest struct {
	SourceID       string `json:"source_id"`
	IdempotencyKey string `json:"idempotency_key"`
	AmountMoney    Money  `json:"amount_money"`
	OrderID        string `json:"order_id,omitempty"`
	Note           string `json:"note,omitempty"`
}

// Payment is a payment as returned by the provider.
type Payment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	OrderID     string `json:"order_id,omitempty"`
	AmountMoney Money  `json:"amount_money"`
	ReceiptURL  string `json:"receipt_url,omitempty"`
}

type listCatalogResponse struct {
	Objects []CatalogItem `json:"objects"`
	Cursor  string        `json:"cursor,omitempty"`
}

type paymentResponse struct {
	Payment Payment `json:"payment"`
}

// CatalogClient wraps the catalog and payments provider.
type CatalogClient struct {
	*Client
}

// ListCatalog returns one page of catalog items of the given types, e.g. "ITEM,CATEGORY", and
// the cursor of the next page.
func (c *CatalogClient) ListCatalog(ctx context.Context, types, cursor string) ([]CatalogItem, string, error) {
	q := url.Values{}
	if types != "" {
		q.Set("types", types)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	path := "catalog/list"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp listCatalogResponse
	if err := c.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Objects, resp.Cursor, nil
}

// CreatePayment creates a payment. An empty idempotency key is generated.
func (c *CatalogClient) CreatePayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	if req.SourceID == "" {
		return nil, errors.New("payment source ID is empty")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	var resp paymentResponse
	if err := c.Do(ctx, http.MethodPost, "payments", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Payment, nil
}

// NewCatalogClient creates a CatalogClient for baseURL.
func NewCatalogClient(baseURL string, opts ...ClientOption) (*CatalogClient, error) {
	c, err := NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &CatalogClient{Client: c}, nil
}
