package market

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bytestrike/matcher/pkg/app/core/orderbook"
)

// Market is the processing slot of one market: its book plus the one-slot
// semaphore that serializes every mutation of that book.
type Market struct {
	ID   common.Hash
	Book *orderbook.OrderBook

	slot chan struct{}
}

func newMarket(id common.Hash) *Market {
	return &Market{
		ID:   id,
		Book: orderbook.NewOrderBook(id),
		slot: make(chan struct{}, 1),
	}
}

// Acquire blocks until the market is free or ctx is done. A ctx that is
// already done never acquires.
func (m *Market) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case m.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Market) Release() { <-m.slot }

// Registry manages the markets seen so far in a thread-safe manner.
// Markets are created on first use.
type Registry struct {
	mu      sync.RWMutex
	markets map[common.Hash]*Market
}

func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[common.Hash]*Market),
	}
}

// GetOrCreate returns the market for id, creating it under the write lock.
func (r *Registry) GetOrCreate(id common.Hash) *Market {
	r.mu.RLock()
	m, ok := r.markets[id]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.markets[id]; ok {
		return m
	}
	m = newMarket(id)
	r.markets[id] = m
	return m
}

// Get retrieves an existing market.
func (r *Registry) Get(id common.Hash) (*Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.markets[id]
	return m, ok
}

// IDs returns every known market id in byte order.
func (r *Registry) IDs() []common.Hash {
	r.mu.RLock()
	ids := make([]common.Hash, 0, len(r.markets))
	for id := range r.markets {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
