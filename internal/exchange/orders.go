package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrOrderNotFound is returned when the exchange has no record of an order.
var ErrOrderNotFound = errors.New("order not found on exchange")

// SubmitOrder submits an order and returns the exchange's view of it.
//
// SubmitOrder performs exactly one HTTP attempt: an ambiguous failure
// (timeout, connection reset) must surface to the caller so the order can be
// reconciled by client order id instead of being replayed blindly. Use
// IsUncertain to classify the error.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderStatus, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/portfolio/orders", nil, req)
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}

	var env orderEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("unmarshal order response: %w", err)
	}

	return &env.Order, nil
}

// CancelOrder cancels a resting order by exchange order id. Cancelling an
// already-terminal order returns ErrOrderNotFound.
func (c *Client) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/portfolio/orders/"+exchangeOrderID, nil, nil)
	if err != nil {
		if apiErr, ok := AsAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("cancel order %s: %w", exchangeOrderID, ErrOrderNotFound)
		}
		return fmt.Errorf("cancel order %s: %w", exchangeOrderID, err)
	}
	return nil
}

// GetOrderStatus fetches the current status of an order by exchange id.
func (c *Client) GetOrderStatus(ctx context.Context, exchangeOrderID string) (*OrderStatus, error) {
	var env orderEnvelope
	err := c.get(ctx, "/portfolio/orders/"+exchangeOrderID, nil, &env)
	if err != nil {
		if apiErr, ok := AsAPIError(err); ok && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("get order %s: %w", exchangeOrderID, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("get order %s: %w", exchangeOrderID, err)
	}
	return &env.Order, nil
}

// LookupOrder finds an order by the client order id supplied at submission.
// Returns ErrOrderNotFound when the exchange has no record of it, which is
// how an uncertain submission is proven to have never landed.
func (c *Client) LookupOrder(ctx context.Context, clientOrderID string) (*OrderStatus, error) {
	query := url.Values{}
	query.Set("client_order_id", clientOrderID)

	var env ordersEnvelope
	if err := c.get(ctx, "/portfolio/orders", query, &env); err != nil {
		return nil, fmt.Errorf("lookup order %s: %w", clientOrderID, err)
	}

	for i := range env.Orders {
		if env.Orders[i].ClientOrderID == clientOrderID {
			return &env.Orders[i], nil
		}
	}

	return nil, fmt.Errorf("lookup order %s: %w", clientOrderID, ErrOrderNotFound)
}
