package api

import (
	"github.com/bytestrike/matcher/pkg/app/core/engine"
	"github.com/bytestrike/matcher/pkg/app/core/orderbook"
	"github.com/bytestrike/matcher/pkg/events"
)

// API response types for REST endpoints and WebSocket messages.
// Request bodies live in pkg/app/core/transaction.

// ==============================
// REST Response Types
// ==============================

// SubmitOrderResponse is the 201 body of POST /api/v1/orders
type SubmitOrderResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Trades  []events.TradeJSON `json:"trades,omitempty"`
	Resting *events.OrderJSON  `json:"resting,omitempty"`
}

// CancelOrderResponse is the body of a successful DELETE /api/v1/orders
type CancelOrderResponse struct {
	Cancelled events.OrderJSON `json:"cancelled"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	MarketID  string       `json:"marketId"`
	Bids      []PriceLevel `json:"bids"` // best (highest) first
	Asks      []PriceLevel `json:"asks"` // best (lowest) first
	LastPrice string       `json:"lastPrice,omitempty"`
	Timestamp int64        `json:"timestamp"` // unix milliseconds
}

// PriceLevel aggregates the remaining size resting at one price
type PriceLevel struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders"`
}

// MarketsResponse lists every market that has seen an order
type MarketsResponse struct {
	Markets []string `json:"markets"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["orderbook:0x..", "trades:0x.."]
}

// ==============================
// Conversions
// ==============================

func toPriceLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.Dec(), Size: l.Size.Dec(), Orders: l.Count}
	}
	return out
}

func toSnapshot(s engine.Snapshot, ts int64) OrderbookSnapshot {
	out := OrderbookSnapshot{
		MarketID:  s.Market.Hex(),
		Bids:      toPriceLevels(s.BidLevels),
		Asks:      toPriceLevels(s.AskLevels),
		Timestamp: ts,
	}
	if s.LastPrice != nil {
		out.LastPrice = s.LastPrice.Dec()
	}
	return out
}

func toSubmitResponse(o engine.Outcome) SubmitOrderResponse {
	resp := SubmitOrderResponse{Success: o.Success, Message: o.Reason}
	for _, t := range o.Trades {
		resp.Trades = append(resp.Trades, events.ToTradeJSON(t))
	}
	if o.Resting != nil {
		r := events.ToOrderJSON(o.Resting)
		resp.Resting = &r
	}
	return resp
}
