// Package normalize maps raw exchange payloads into canonical records.
//
// Normalization is pure: identical input bytes and the same observedAt stamp
// always produce identical output. A malformed record fails alone; the rest
// of its batch is unaffected.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/james-s-roche/prediction-markets/internal/model"
)

// RecordError describes a single record that failed normalization.
type RecordError struct {
	Index int    // position within the batch
	Key   string // natural key if one could be extracted, else ""
	Err   error
}

func (e RecordError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("record %d (%s): %v", e.Index, e.Key, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

// marketRecord is the wire shape of a market. Unknown fields are ignored for
// forward compatibility.
type marketRecord struct {
	Ticker      string `json:"ticker"`
	EventTicker string `json:"event_ticker"`
	Title       string `json:"title"`
	Subtitle    string `json:"subtitle"`
	Status      string `json:"status"`

	// Prices in cents, with optional sub-penny dollar strings.
	YesBid           int64  `json:"yes_bid"`
	YesAsk           int64  `json:"yes_ask"`
	LastPrice        int64  `json:"last_price"`
	YesBidDollars    string `json:"yes_bid_dollars"`
	YesAskDollars    string `json:"yes_ask_dollars"`
	LastPriceDollars string `json:"last_price_dollars"`

	Volume       int64 `json:"volume"`
	Volume24h    int64 `json:"volume_24h"`
	OpenInterest int64 `json:"open_interest"`
	Liquidity    int64 `json:"liquidity"`

	OpenTime    string `json:"open_time"`
	CloseTime   string `json:"close_time"`
	CreatedTime string `json:"created_time"`
}

// eventRecord is the wire shape of an event.
type eventRecord struct {
	EventTicker   string   `json:"event_ticker"`
	SeriesTicker  string   `json:"series_ticker"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"sub_title"`
	Category      string   `json:"category"`
	Status        string   `json:"status"`
	MarketTickers []string `json:"markets"`
}

// statusMap folds the exchange's status vocabulary into the canonical set.
var statusMap = map[string]model.MarketStatus{
	"initialized": model.MarketInitialized,
	"unopened":    model.MarketInitialized,
	"open":        model.MarketActive,
	"active":      model.MarketActive,
	"closed":      model.MarketClosed,
	"inactive":    model.MarketClosed,
	"determined":  model.MarketSettled,
	"settled":     model.MarketSettled,
	"finalized":   model.MarketSettled,
}

// Market normalizes one raw market record.
func Market(raw json.RawMessage, observedAt time.Time) (model.Market, error) {
	var rec marketRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.Market{}, fmt.Errorf("decode market: %w", err)
	}

	if rec.Ticker == "" {
		return model.Market{}, fmt.Errorf("missing required field: ticker")
	}
	if rec.Status == "" {
		return model.Market{}, fmt.Errorf("missing required field: status")
	}
	status, ok := statusMap[rec.Status]
	if !ok {
		return model.Market{}, fmt.Errorf("unknown market status %q", rec.Status)
	}

	return model.Market{
		Ticker:       rec.Ticker,
		EventTicker:  rec.EventTicker,
		Title:        rec.Title,
		Subtitle:     rec.Subtitle,
		Status:       status,
		YesBid:       priceCents(rec.YesBidDollars, rec.YesBid),
		YesAsk:       priceCents(rec.YesAskDollars, rec.YesAsk),
		LastPrice:    priceCents(rec.LastPriceDollars, rec.LastPrice),
		Volume:       rec.Volume,
		Volume24h:    rec.Volume24h,
		OpenInterest: rec.OpenInterest,
		Liquidity:    rec.Liquidity,
		OpenTS:       parseTimestamp(rec.OpenTime),
		CloseTS:      parseTimestamp(rec.CloseTime),
		CreatedTS:    parseTimestamp(rec.CreatedTime),
		ObservedAt:   observedAt.UnixMicro(),
	}, nil
}

// Markets normalizes a batch. The result holds at most len(raws) records plus
// one RecordError per rejected record.
func Markets(raws []json.RawMessage, observedAt time.Time) ([]model.Market, []RecordError) {
	markets := make([]model.Market, 0, len(raws))
	var failures []RecordError

	for i, raw := range raws {
		m, err := Market(raw, observedAt)
		if err != nil {
			failures = append(failures, RecordError{Index: i, Key: peekKey(raw, "ticker"), Err: err})
			continue
		}
		markets = append(markets, m)
	}

	return markets, failures
}

// Event normalizes one raw event record.
func Event(raw json.RawMessage, observedAt time.Time) (model.Event, error) {
	var rec eventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}

	if rec.EventTicker == "" {
		return model.Event{}, fmt.Errorf("missing required field: event_ticker")
	}

	return model.Event{
		EventTicker:   rec.EventTicker,
		SeriesTicker:  rec.SeriesTicker,
		Title:         rec.Title,
		Subtitle:      rec.Subtitle,
		Category:      rec.Category,
		Status:        rec.Status,
		MarketTickers: rec.MarketTickers,
		ObservedAt:    observedAt.UnixMicro(),
	}, nil
}

// Events normalizes a batch of raw event records.
func Events(raws []json.RawMessage, observedAt time.Time) ([]model.Event, []RecordError) {
	events := make([]model.Event, 0, len(raws))
	var failures []RecordError

	for i, raw := range raws {
		e, err := Event(raw, observedAt)
		if err != nil {
			failures = append(failures, RecordError{Index: i, Key: peekKey(raw, "event_ticker"), Err: err})
			continue
		}
		events = append(events, e)
	}

	return events, failures
}

// priceCents prefers the sub-penny dollar string, rounding to the nearest
// cent, and falls back to the integer cents field.
func priceCents(dollars string, cents int64) int64 {
	if dollars == "" {
		return cents
	}
	d, err := decimal.NewFromString(dollars)
	if err != nil {
		return cents
	}
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// parseTimestamp parses an ISO 8601 timestamp to µs since epoch.
// Returns 0 for empty or invalid input.
func parseTimestamp(iso string) int64 {
	if iso == "" {
		return 0
	}

	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		// Try without timezone
		t, err = time.Parse("2006-01-02T15:04:05", iso)
		if err != nil {
			return 0
		}
	}

	return t.UnixMicro()
}

// peekKey extracts a single string field from a raw record for error
// reporting, tolerating records that do not decode at all.
func peekKey(raw json.RawMessage, field string) string {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(probe[field], &v); err != nil {
		return ""
	}
	return v
}
