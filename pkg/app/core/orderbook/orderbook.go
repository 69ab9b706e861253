package orderbook

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/bytestrike/matcher/pkg/app/core"
)

// PriceLevel aggregates remaining size at one price.
type PriceLevel struct {
	Price *uint256.Int
	Size  *uint256.Int
	Count int
}

type bookSide struct {
	heap   *priceHeap
	levels map[uint256.Int][]*core.Order // price -> FIFO slice
}

func newBookSide(desc bool) *bookSide {
	h := &priceHeap{desc: desc}
	heap.Init(h)
	return &bookSide{heap: h, levels: make(map[uint256.Int][]*core.Order)}
}

func (s *bookSide) front() *core.Order {
	p, ok := s.heap.Peek()
	if !ok {
		return nil
	}
	return s.levels[p][0]
}

func (s *bookSide) push(o *core.Order) {
	p := *o.PriceX18
	if len(s.levels[p]) == 0 {
		// New price level - add to heap
		heap.Push(s.heap, p)
	}
	s.levels[p] = append(s.levels[p], o)
}

// drop removes the order at index i of level p, pruning the level when it empties.
func (s *bookSide) drop(p uint256.Int, i int) {
	lv := s.levels[p]
	lv[i] = nil
	lv = append(lv[:i], lv[i+1:]...)
	if len(lv) > 0 {
		s.levels[p] = lv
		return
	}
	delete(s.levels, p)
	if idx := s.heap.indexOf(p); idx >= 0 {
		heap.Remove(s.heap, idx)
	}
}

// sortedPrices returns level prices in priority order.
func (s *bookSide) sortedPrices() []uint256.Int {
	out := make([]uint256.Int, len(s.heap.prices))
	copy(out, s.heap.prices)
	sort.Slice(out, func(i, j int) bool {
		if s.heap.desc {
			return out[i].Gt(&out[j])
		}
		return out[i].Lt(&out[j])
	})
	return out
}

// OrderBook holds resting orders for one market. Bids are price-descending, asks
// price-ascending, FIFO at equal price. Mutations come from a single matching
// sequence; the RWMutex only keeps concurrent snapshot readers consistent.
type OrderBook struct {
	mu sync.RWMutex

	market common.Hash
	bids   *bookSide
	asks   *bookSide

	index map[core.OrderKey]*core.Order
	seq   uint64

	lastPrice *uint256.Int // most recent fill price
}

func NewOrderBook(market common.Hash) *OrderBook {
	return &OrderBook{
		market: market,
		bids:   newBookSide(true),
		asks:   newBookSide(false),
		index:  make(map[core.OrderKey]*core.Order),
	}
}

func (ob *OrderBook) Market() common.Hash { return ob.market }

func (ob *OrderBook) side(s core.Side) *bookSide {
	if s == core.Bid {
		return ob.bids
	}
	return ob.asks
}

// Insert rests o behind every order already at its price. The book takes
// ownership of o.
func (ob *OrderBook) Insert(o *core.Order) {
	if o.RemainingBase == nil || o.RemainingBase.IsZero() {
		panic(fmt.Sprintf("orderbook: insert of empty order %s", o.Key()))
	}
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.seq++
	o.Seq = ob.seq
	ob.side(o.Side()).push(o)
	ob.index[o.Key()] = o
}

// BestOpposite returns the top-priority order an incoming order on side s would
// meet, or nil.
func (ob *OrderBook) BestOpposite(s core.Side) *core.Order {
	return ob.PeekFront(s.Opposite())
}

// PeekFront returns the top-priority resting order on side s, or nil.
func (ob *OrderBook) PeekFront(s core.Side) *core.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.side(s).front()
}

// PopFront removes and returns the top-priority order on side s, or nil.
func (ob *OrderBook) PopFront(s core.Side) *core.Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	bs := ob.side(s)
	o := bs.front()
	if o == nil {
		return nil
	}
	bs.drop(*o.PriceX18, 0)
	delete(ob.index, o.Key())
	return o
}

// ReduceFront takes amount off the front order on side s and returns what is
// left. The front order stays in the book even at zero; callers pop it.
// Reducing an empty side or past the remaining size is a contract violation.
func (ob *OrderBook) ReduceFront(s core.Side, amount *uint256.Int) *uint256.Int {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o := ob.side(s).front()
	if o == nil {
		panic("orderbook: reduce on empty side " + s.String())
	}
	if amount.Gt(o.RemainingBase) {
		panic(fmt.Sprintf("orderbook: reduce %s exceeds remaining %s", amount.Dec(), o.RemainingBase.Dec()))
	}
	o.RemainingBase = new(uint256.Int).Sub(o.RemainingBase, amount)
	ob.lastPrice = o.PriceX18.Clone()
	return o.RemainingBase.Clone()
}

// Remove deletes the order with key k wherever it rests.
func (ob *OrderBook) Remove(k core.OrderKey) (*core.Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	o, ok := ob.index[k]
	if !ok {
		return nil, false
	}
	bs := ob.side(o.Side())
	p := *o.PriceX18
	for i, lo := range bs.levels[p] {
		if lo == o {
			bs.drop(p, i)
			break
		}
	}
	delete(ob.index, k)
	return o, true
}

func (ob *OrderBook) Contains(k core.OrderKey) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.index[k]
	return ok
}

// Get returns a snapshot of the resting order with key k.
func (ob *OrderBook) Get(k core.OrderKey) (*core.Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	o, ok := ob.index[k]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (ob *OrderBook) Len(s core.Side) int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	n := 0
	for _, lv := range ob.side(s).levels {
		n += len(lv)
	}
	return n
}

// Orders returns snapshots of every resting order on side s in priority order.
func (ob *OrderBook) Orders(s core.Side) []*core.Order {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bs := ob.side(s)
	out := make([]*core.Order, 0, len(ob.index))
	for _, p := range bs.sortedPrices() {
		for _, o := range bs.levels[p] {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Levels aggregates side s by price in priority order.
func (ob *OrderBook) Levels(s core.Side) []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bs := ob.side(s)
	prices := bs.sortedPrices()
	out := make([]PriceLevel, 0, len(prices))
	for i := range prices {
		total := new(uint256.Int)
		for _, o := range bs.levels[prices[i]] {
			total.Add(total, o.RemainingBase)
		}
		out = append(out, PriceLevel{Price: prices[i].Clone(), Size: total, Count: len(bs.levels[prices[i]])})
	}
	return out
}

// Crossed reports best bid >= best ask. The engine leaves a book crossed only
// while a settlement between the two fronts is unresolved.
func (ob *OrderBook) Crossed() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bid, ask := ob.bids.front(), ob.asks.front()
	if bid == nil || ask == nil {
		return false
	}
	return bid.PriceX18.Cmp(ask.PriceX18) >= 0
}

// LastPrice returns the price of the most recent fill, or nil.
func (ob *OrderBook) LastPrice() *uint256.Int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if ob.lastPrice == nil {
		return nil
	}
	return ob.lastPrice.Clone()
}
