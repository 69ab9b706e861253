// Package engine classifies incoming orders as maker or taker and walks the
// opposite side of the book, settling each candidate fill before it is applied.
//
// Every mutation of a market's book happens while holding that market's slot,
// from classification through the last settlement wait of a walk. Markets are
// independent and proceed in parallel.
//
// The book is uncrossed after every processed order except where a walk ended
// on an inconclusive settlement; the rematch pass for that market settles the
// pair once the ledger answers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/app/core/market"
	"github.com/bytestrike/matcher/pkg/app/core/orderbook"
	"github.com/bytestrike/matcher/pkg/app/core/settlement"
	"github.com/bytestrike/matcher/pkg/events"
	"github.com/bytestrike/matcher/pkg/metrics"
	"github.com/bytestrike/matcher/pkg/storage"
	"github.com/bytestrike/matcher/pkg/util"
)

var (
	ErrEmptyOrder     = errors.New("order size must be positive")
	ErrMissingPrice   = errors.New("order has no price")
	ErrExpired        = errors.New("order expired")
	ErrDuplicateOrder = errors.New("order with this maker and nonce is already resting")
	ErrUnknownMarket  = errors.New("unknown market")
	ErrOrderNotFound  = errors.New("order not resting")
)

const (
	defaultRematchDelay = time.Second
	maxRematchDelay     = 30 * time.Second
)

// Settler is the part of the settlement coordinator the engine needs.
type Settler interface {
	AttemptSettlement(ctx context.Context, taker, maker *core.Order, fill *uint256.Int) settlement.Outcome
}

// Outcome reports what processing did with one incoming order. Any size not
// traded is resting.
type Outcome struct {
	Success bool
	Reason  string
	Trades  []core.Trade
	Resting *core.Order
}

type Engine struct {
	markets   *market.Registry
	settler   Settler
	publisher events.Publisher
	trades    storage.TradeLog
	clock     util.Clock
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	rematchDelay time.Duration // 0 disables background rematch passes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	rematching map[common.Hash]bool // markets with a scheduled rematch pass
}

type Option func(*Engine)

func WithPublisher(p events.Publisher) Option { return func(e *Engine) { e.publisher = p } }
func WithTradeLog(l storage.TradeLog) Option  { return func(e *Engine) { e.trades = l } }
func WithClock(c util.Clock) Option           { return func(e *Engine) { e.clock = c } }
func WithLogger(l *zap.SugaredLogger) Option  { return func(e *Engine) { e.log = l } }
func WithMetrics(m *metrics.Metrics) Option   { return func(e *Engine) { e.metrics = m } }

// WithRematchDelay sets the first wait before a crossed market is rematched.
// Zero leaves rematching to explicit Rematch calls.
func WithRematchDelay(d time.Duration) Option { return func(e *Engine) { e.rematchDelay = d } }

func New(settler Settler, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		markets:      market.NewRegistry(),
		settler:      settler,
		publisher:    events.Nop{},
		trades:       storage.NopTradeLog{},
		clock:        util.RealClock{},
		log:          zap.NewNop().Sugar(),
		metrics:      metrics.Nop(),
		rematchDelay: defaultRematchDelay,
		ctx:          ctx,
		cancel:       cancel,
		rematching:   make(map[common.Hash]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Close stops background rematch passes and waits for them to return.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// ProcessOrder matches o against its market or rests it. The order must have
// passed signature validation. The engine takes a private copy of o.
//
// An error means the order was refused before touching the book.
func (e *Engine) ProcessOrder(ctx context.Context, o *core.Order) (Outcome, error) {
	if o.RemainingBase == nil || o.RemainingBase.IsZero() {
		return Outcome{}, ErrEmptyOrder
	}
	if o.PriceX18 == nil {
		return Outcome{}, ErrMissingPrice
	}
	if o.Expired(e.clock.Now()) {
		return Outcome{}, ErrExpired
	}

	m := e.markets.GetOrCreate(o.MarketID)
	if err := m.Acquire(ctx); err != nil {
		return Outcome{}, fmt.Errorf("waiting for market %s: %w", o.MarketID.Hex(), err)
	}
	defer m.Release()

	if m.Book.Contains(o.Key()) {
		return Outcome{}, ErrDuplicateOrder
	}
	o = o.Clone()

	best := e.liveBest(m, o.Side())
	if best == nil || !o.Crosses(best) {
		e.metrics.OrderProcessed("maker")
		return e.handleMaker(m, o, true), nil
	}
	e.metrics.OrderProcessed("taker")
	return e.handleTaker(ctx, m, o), nil
}

func (e *Engine) handleMaker(m *market.Market, o *core.Order, publish bool) Outcome {
	m.Book.Insert(o)
	e.log.Infow("order_resting",
		"market", m.ID.Hex(),
		"order", o.Key().String(),
		"side", o.Side().String(),
		"price", o.PriceX18.Dec(),
		"size", o.RemainingBase.Dec())
	if publish {
		e.publishBook(m)
	}
	return Outcome{
		Success: true,
		Reason:  "order resting on book",
		Resting: o.Clone(),
	}
}

// handleTaker walks the opposite side until o is filled or the next maker no
// longer crosses. A transient settlement failure ends the walk early: the
// remainder rests like any unmatched size and the market is queued for a
// rematch pass, which settles the pair left crossing once the ledger answers.
func (e *Engine) handleTaker(ctx context.Context, m *market.Market, o *core.Order) Outcome {
	remaining := o.RemainingBase.Clone()

	var (
		trades  []core.Trade
		aborted string
		blocked *core.Order
	)
walk:
	for !remaining.IsZero() {
		maker := e.liveBest(m, o.Side())
		if maker == nil || !o.Crosses(maker) {
			break
		}
		fill := minSize(remaining, maker.RemainingBase)
		if !maker.AcceptsFill(fill) {
			blocked = maker
			break
		}

		res := e.settler.AttemptSettlement(ctx, o, maker.Clone(), fill)
		switch res.Status {
		case core.Settled:
			t := e.newTrade(m, o, maker, fill, res.TxHash)
			e.applyMakerFill(m, maker, fill, res.Remaining)
			remaining.Sub(remaining, fill)
			trades = append(trades, t)
			e.recordTrade(ctx, t)

		case core.MakerInvalid:
			e.evict(m, maker, o.Maker, res.Reason)

		default:
			aborted = res.Reason
			break walk
		}
	}

	o.RemainingBase = remaining
	var out Outcome
	if remaining.IsZero() {
		out = Outcome{Success: true, Reason: "order fully filled", Trades: trades}
	} else {
		out = e.handleMaker(m, o, false)
		out.Trades = trades
		switch {
		case aborted != "":
			out.Reason = "settlement unavailable, remainder resting: " + aborted
			e.log.Warnw("walk_aborted",
				"market", m.ID.Hex(),
				"order", o.Key().String(),
				"filled_trades", len(trades),
				"resting", remaining.Dec(),
				"reason", aborted)
			e.scheduleRematch(m)
		case blocked != nil:
			out.Reason = "remainder below resting order minimum fill, resting"
			e.log.Infow("walk_stopped",
				"market", m.ID.Hex(),
				"order", o.Key().String(),
				"maker", blocked.Key().String(),
				"min_fill", blocked.MinFill().Dec(),
				"resting", remaining.Dec())
		case len(trades) > 0:
			out.Reason = "order partially filled, remainder resting"
		}
	}
	e.publishBook(m)
	return out
}

func minSize(a, b *uint256.Int) *uint256.Int {
	if b.Lt(a) {
		return b.Clone()
	}
	return a.Clone()
}

func (e *Engine) newTrade(m *market.Market, taker, maker *core.Order, fill *uint256.Int, tx common.Hash) core.Trade {
	return core.Trade{
		ID:         uuid.NewString(),
		MarketID:   m.ID,
		Price:      maker.PriceX18.Clone(),
		Size:       fill.Clone(),
		Taker:      taker.Maker,
		Maker:      maker.Maker,
		MakerNonce: maker.Nonce,
		TakerIsBuy: taker.IsLong,
		Timestamp:  e.clock.Now(),
		Settlement: core.Settled,
		TxHash:     tx,
	}
}

// applyMakerFill takes a settled fill off the front maker. When the ledger
// reports less remaining than the book holds, an earlier fill landed that the
// book never saw; the book shrinks to the ledger's figure.
func (e *Engine) applyMakerFill(m *market.Market, maker *core.Order, fill, ledgerRemaining *uint256.Int) {
	s := maker.Side()
	left := m.Book.ReduceFront(s, fill)
	if ledgerRemaining != nil && ledgerRemaining.Lt(left) {
		e.metrics.Eviction("reconciled")
		e.log.Warnw("maker_reconciled",
			"market", m.ID.Hex(),
			"maker", maker.Key().String(),
			"book_remaining", left.Dec(),
			"ledger_remaining", ledgerRemaining.Dec())
		left = m.Book.ReduceFront(s, new(uint256.Int).Sub(left, ledgerRemaining))
	}
	if left.IsZero() {
		m.Book.PopFront(s)
	}
}

func (e *Engine) evict(m *market.Market, maker *core.Order, taker common.Address, reason string) {
	m.Book.PopFront(maker.Side())
	e.metrics.Eviction("maker_invalid")
	e.log.Warnw("maker_evicted",
		"market", m.ID.Hex(),
		"maker", maker.Key().String(),
		"taker", taker.Hex(),
		"reason", reason)
}

// liveBest returns the order an incoming order on side in would meet first,
// evicting expired orders from the front of that side.
func (e *Engine) liveBest(m *market.Market, in core.Side) *core.Order {
	now := e.clock.Now()
	for {
		o := m.Book.BestOpposite(in)
		if o == nil || !o.Expired(now) {
			return o
		}
		m.Book.PopFront(in.Opposite())
		e.metrics.Eviction("expired")
		e.log.Infow("maker_evicted",
			"market", m.ID.Hex(),
			"maker", o.Key().String(),
			"reason", "expired")
	}
}

// Rematch settles crossing pairs left on a market by an aborted walk. In each
// pair the later arrival is the taker and trades at the resting price of the
// earlier one. It reports whether the market needs another pass because a
// settlement was again inconclusive.
func (e *Engine) Rematch(ctx context.Context, marketID common.Hash) (bool, error) {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return false, ErrUnknownMarket
	}
	if err := m.Acquire(ctx); err != nil {
		return false, fmt.Errorf("waiting for market %s: %w", marketID.Hex(), err)
	}
	defer m.Release()

	again, changed := e.rematch(ctx, m)
	if !again {
		e.mu.Lock()
		delete(e.rematching, m.ID)
		e.mu.Unlock()
	}
	if changed {
		e.publishBook(m)
	}
	return again, nil
}

func (e *Engine) rematch(ctx context.Context, m *market.Market) (again, changed bool) {
	for {
		bid := e.liveBest(m, core.Ask)
		ask := e.liveBest(m, core.Bid)
		if bid == nil || ask == nil || !bid.Crosses(ask) {
			return false, changed
		}
		taker, maker := bid, ask
		if ask.Seq > bid.Seq {
			taker, maker = ask, bid
		}
		fill := minSize(taker.RemainingBase, maker.RemainingBase)
		if !maker.AcceptsFill(fill) {
			return false, changed
		}

		res := e.settler.AttemptSettlement(ctx, taker.Clone(), maker.Clone(), fill)
		switch res.Status {
		case core.Settled:
			t := e.newTrade(m, taker, maker, fill, res.TxHash)
			if left := m.Book.ReduceFront(taker.Side(), fill); left.IsZero() {
				m.Book.PopFront(taker.Side())
			}
			e.applyMakerFill(m, maker, fill, res.Remaining)
			e.recordTrade(ctx, t)
			changed = true
		case core.MakerInvalid:
			e.evict(m, maker, taker.Maker, res.Reason)
			changed = true
		default:
			e.log.Warnw("rematch_deferred",
				"market", m.ID.Hex(),
				"taker", taker.Key().String(),
				"maker", maker.Key().String(),
				"reason", res.Reason)
			return true, changed
		}
	}
}

// scheduleRematch starts a background pass for m unless one is pending. The
// pass backs off while settlement stays inconclusive. Called holding m's slot.
func (e *Engine) scheduleRematch(m *market.Market) {
	if e.rematchDelay <= 0 {
		return
	}
	e.mu.Lock()
	if e.rematching[m.ID] {
		e.mu.Unlock()
		return
	}
	e.rematching[m.ID] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		delay := e.rematchDelay
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-e.clock.After(delay):
			}
			again, err := e.Rematch(e.ctx, m.ID)
			if err != nil || !again {
				return
			}
			delay = min(delay*2, maxRematchDelay)
		}
	}()
}

func (e *Engine) recordTrade(ctx context.Context, t core.Trade) {
	e.metrics.Trade()
	e.log.Infow("trade",
		"id", t.ID,
		"market", t.MarketID.Hex(),
		"price", t.Price.Dec(),
		"size", t.Size.Dec(),
		"taker", t.Taker.Hex(),
		"maker", t.Maker.Hex(),
		"tx", t.TxHash.Hex())
	if err := e.trades.AppendTrade(ctx, t); err != nil {
		e.metrics.TradeLogFailure()
		e.log.Warnw("trade_log_failed", "id", t.ID, "err", err)
	}
	e.publisher.PublishTrade(t)
}

func (e *Engine) publishBook(m *market.Market) {
	e.publisher.PublishBook(e.bookUpdate(m))
}

func (e *Engine) bookUpdate(m *market.Market) events.BookUpdate {
	return events.BookUpdate{
		MarketID:  m.ID,
		Bids:      m.Book.Orders(core.Bid),
		Asks:      m.Book.Orders(core.Ask),
		Timestamp: e.clock.Now(),
	}
}

// Cancel removes a resting order. It waits behind any walk in progress on the
// market.
func (e *Engine) Cancel(ctx context.Context, marketID common.Hash, k core.OrderKey) (*core.Order, error) {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return nil, ErrUnknownMarket
	}
	if err := m.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("waiting for market %s: %w", marketID.Hex(), err)
	}
	defer m.Release()

	o, ok := m.Book.Remove(k)
	if !ok {
		return nil, ErrOrderNotFound
	}
	e.log.Infow("order_cancelled", "market", marketID.Hex(), "order", k.String())
	e.publishBook(m)
	return o.Clone(), nil
}

// Snapshot is a read-only view of one market.
type Snapshot struct {
	Market    common.Hash
	Bids      []*core.Order
	Asks      []*core.Order
	BidLevels []orderbook.PriceLevel
	AskLevels []orderbook.PriceLevel
	LastPrice *uint256.Int
}

// Book returns a snapshot of a market without waiting for its slot. Each side
// is internally consistent.
func (e *Engine) Book(marketID common.Hash) (Snapshot, bool) {
	m, ok := e.markets.Get(marketID)
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		Market:    marketID,
		Bids:      m.Book.Orders(core.Bid),
		Asks:      m.Book.Orders(core.Ask),
		BidLevels: m.Book.Levels(core.Bid),
		AskLevels: m.Book.Levels(core.Ask),
		LastPrice: m.Book.LastPrice(),
	}, true
}

func (e *Engine) Markets() []common.Hash { return e.markets.IDs() }
