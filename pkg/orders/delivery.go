package orders

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// OrderItem is a line of a delivery order.
type OrderItem struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    Money  `json:"price"`
}

// Order is a delivery order as returned by the provider.
type Order struct {
	ID          string      `json:"id"`
	DisplayID   string      `json:"display_id,omitempty"`
	State       string      `json:"current_state"`
	PlacedAt    time.Time   `json:"placed_at"`
	Items       []OrderItem `json:"items,omitempty"`
	TotalAmount Money       `json:"total"`
}

// AcceptRequest accepts an order.
type AcceptRequest struct {
	Reason          string `json:"reason,omitempty"`
	PickupInMinutes int    `json:"pickup_in_minutes,omitempty"`
}

// DeliveryClient wraps the delivery provider.
type DeliveryClient struct {
	*Client
}

// GetOrder returns the order with the given ID.
func (c *DeliveryClient) GetOrder(ctx context.Context, id string) (*Order, error) {
	if id == "" {
		return nil, errors.New("order ID is empty")
	}
	var order Order
	if err := c.Do(ctx, http.MethodGet, "orders/"+url.PathEscape(id), nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// AcceptOrder accepts the order with the given ID.
func (c *DeliveryClient) AcceptOrder(ctx context.Context, id string, req AcceptRequest) error {
	if id == "" {
		return errors.New("order ID is empty")
	}
	return c.Do(ctx, http.MethodPost, "orders/"+url.PathEscape(id)+"/accept_pos_order", req, nil)
}

// NewDeliveryClient creates a DeliveryClient for baseURL.
func NewDeliveryClient(baseURL string, opts ...ClientOption) (*DeliveryClient, error) {
	c, err := NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &DeliveryClient{Client: c}, nil
}
