package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// ListMarkets fetches a page of raw market records.
func (c *Client) ListMarkets(ctx context.Context, opts ListMarketsOptions) (*MarketsPage, error) {
	query := url.Values{}

	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}
	if opts.Status != "" {
		query.Set("status", opts.Status)
	}
	if opts.EventTicker != "" {
		query.Set("event_ticker", opts.EventTicker)
	}
	if opts.MinCreatedTS != "" {
		query.Set("min_created_ts", opts.MinCreatedTS)
	}

	var page MarketsPage
	if err := c.get(ctx, "/markets", query, &page); err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}

	return &page, nil
}

// GetExchangeStatus fetches the exchange trading status.
func (c *Client) GetExchangeStatus(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.get(ctx, "/exchange/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("get exchange status: %w", err)
	}
	return &resp, nil
}
