// Package events carries book and trade deltas from the matching engine to
// client-facing transports. Publishing is fire-and-forget: a Publisher must
// never block the matching sequence that calls it.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bytestrike/matcher/pkg/app/core"
)

const (
	KindOrderbook = "orderbook-update"
	KindTrade     = "trade"
)

// BookUpdate is the full current state of both sides of one market.
type BookUpdate struct {
	MarketID  common.Hash
	Bids      []*core.Order
	Asks      []*core.Order
	Timestamp time.Time
}

// Publisher is the notification sink the engine announces deltas to.
type Publisher interface {
	PublishBook(u BookUpdate)
	PublishTrade(t core.Trade)
}

// Nop drops everything.
type Nop struct{}

func (Nop) PublishBook(BookUpdate)   {}
func (Nop) PublishTrade(core.Trade) {}

// Fanout forwards every event to each sink in order.
type Fanout []Publisher

func (f Fanout) PublishBook(u BookUpdate) {
	for _, p := range f {
		p.PublishBook(u)
	}
}

func (f Fanout) PublishTrade(t core.Trade) {
	for _, p := range f {
		p.PublishTrade(t)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	Books  []BookUpdate
	Trades []core.Trade
}

func (r *Recorder) PublishBook(u BookUpdate) {
	r.mu.Lock()
	r.Books = append(r.Books, u)
	r.mu.Unlock()
}

func (r *Recorder) PublishTrade(t core.Trade) {
	r.mu.Lock()
	r.Trades = append(r.Trades, t)
	r.mu.Unlock()
}

func (r *Recorder) LastBook() (BookUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Books) == 0 {
		return BookUpdate{}, false
	}
	return r.Books[len(r.Books)-1], true
}

// Envelope is the JSON shape every transport sends.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// OrderJSON renders a resting order with exact decimal strings.
type OrderJSON struct {
	Maker         string `json:"maker"`
	MarketID      string `json:"marketId"`
	BaseSize      string `json:"baseSize"`
	RemainingBase string `json:"remainingBase"`
	PriceX18      string `json:"priceX18"`
	Expiry        uint64 `json:"expiry"`
	Nonce         uint64 `json:"nonce"`
	IsLong        bool   `json:"isLong"`
}

type BookJSON struct {
	MarketID  string      `json:"marketId"`
	Bids      []OrderJSON `json:"bids"`
	Asks      []OrderJSON `json:"asks"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
}

type TradeJSON struct {
	ID         string `json:"id"`
	MarketID   string `json:"marketId"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	Taker      string `json:"taker"`
	Maker      string `json:"maker"`
	MakerNonce uint64 `json:"makerNonce"`
	Side       string `json:"side"` // taker side
	Timestamp  string `json:"timestamp"`
	Settlement string `json:"settlement"`
	TxHash     string `json:"txHash,omitempty"`
}

func ToOrderJSON(o *core.Order) OrderJSON {
	return OrderJSON{
		Maker:         o.Maker.Hex(),
		MarketID:      o.MarketID.Hex(),
		BaseSize:      o.BaseSize.Dec(),
		RemainingBase: o.RemainingBase.Dec(),
		PriceX18:      o.PriceX18.Dec(),
		Expiry:        o.Expiry,
		Nonce:         o.Nonce,
		IsLong:        o.IsLong,
	}
}

func ToBookJSON(u BookUpdate) BookJSON {
	out := BookJSON{
		MarketID:  u.MarketID.Hex(),
		Bids:      make([]OrderJSON, 0, len(u.Bids)),
		Asks:      make([]OrderJSON, 0, len(u.Asks)),
		Timestamp: u.Timestamp.UnixMilli(),
	}
	for _, o := range u.Bids {
		out.Bids = append(out.Bids, ToOrderJSON(o))
	}
	for _, o := range u.Asks {
		out.Asks = append(out.Asks, ToOrderJSON(o))
	}
	return out
}

func ToTradeJSON(t core.Trade) TradeJSON {
	side := "sell"
	if t.TakerIsBuy {
		side = "buy"
	}
	out := TradeJSON{
		ID:         t.ID,
		MarketID:   t.MarketID.Hex(),
		Price:      t.Price.Dec(),
		Size:       t.Size.Dec(),
		Taker:      t.Taker.Hex(),
		Maker:      t.Maker.Hex(),
		MakerNonce: t.MakerNonce,
		Side:       side,
		Timestamp:  t.Timestamp.UTC().Format(time.RFC3339Nano),
		Settlement: t.Settlement.String(),
	}
	if t.TxHash != (common.Hash{}) {
		out.TxHash = t.TxHash.Hex()
	}
	return out
}

// EncodeBook and EncodeTrade produce the wire payload shared by all transports.
func EncodeBook(u BookUpdate) ([]byte, error) {
	return json.Marshal(Envelope{Event: KindOrderbook, Data: ToBookJSON(u)})
}

func EncodeTrade(t core.Trade) ([]byte, error) {
	return json.Marshal(Envelope{Event: KindTrade, Data: ToTradeJSON(t)})
}
