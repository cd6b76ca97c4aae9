package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// ListEvents fetches a page of raw event records.
func (c *Client) ListEvents(ctx context.Context, opts ListEventsOptions) (*EventsPage, error) {
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

	var page EventsPage
	if err := c.get(ctx, "/events", query, &page); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	return &page, nil
}
