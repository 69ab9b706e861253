package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/app/core/settlement"
	"github.com/bytestrike/matcher/pkg/events"
	"github.com/bytestrike/matcher/pkg/util"
)

var (
	marketM = common.HexToHash("0x4d")
	marketN = common.HexToHash("0x4e")
	epoch   = time.Unix(1_700_000_000, 0)
)

// scriptedLedger settles every fill unless a script of errors is registered for
// the maker. The last scripted error sticks.
type scriptedLedger struct {
	mu     sync.Mutex
	script map[core.OrderKey][]error
	calls  map[core.OrderKey]int
	extra  map[core.OrderKey]uint64 // consumed on the ledger without the book knowing
	gate   chan struct{}
}

func newScriptedLedger() *scriptedLedger {
	return &scriptedLedger{
		script: make(map[core.OrderKey][]error),
		calls:  make(map[core.OrderKey]int),
		extra:  make(map[core.OrderKey]uint64),
	}
}

func (l *scriptedLedger) landed(k core.OrderKey, size uint64) {
	l.mu.Lock()
	l.extra[k] += size
	l.mu.Unlock()
}

func (l *scriptedLedger) on(k core.OrderKey, errs ...error) {
	l.mu.Lock()
	l.script[k] = errs
	l.mu.Unlock()
}

func (l *scriptedLedger) callsFor(k core.OrderKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[k]
}

func (l *scriptedLedger) SubmitFill(ctx context.Context, maker *core.Order, fill *uint256.Int) (settlement.Receipt, error) {
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return settlement.Receipt{}, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := maker.Key()
	l.calls[k]++
	var err error
	if s := l.script[k]; len(s) > 0 {
		err = s[0]
		if len(s) > 1 {
			l.script[k] = s[1:]
		}
	}
	if err != nil {
		return settlement.Receipt{}, err
	}
	left := new(uint256.Int).Sub(maker.RemainingBase, fill)
	left.Sub(left, uint256.NewInt(l.extra[k]))
	l.extra[k] = 0
	return settlement.Receipt{TxHash: common.BytesToHash([]byte(k.String())), Remaining: left}, nil
}

type fixture struct {
	engine *Engine
	ledger *scriptedLedger
	events *events.Recorder
	clock  *util.ManualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ledger := newScriptedLedger()
	clock := util.NewManualClock(epoch)
	coord := settlement.NewCoordinator(ledger, settlement.Config{
		Timeout:      time.Second,
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
	}, clock, nil, nil)
	rec := &events.Recorder{}
	return &fixture{
		engine: New(coord, WithPublisher(rec), WithClock(clock), WithRematchDelay(0)),
		ledger: ledger,
		events: rec,
		clock:  clock,
	}
}

func addr(b byte) common.Address { return common.BytesToAddress([]byte{b}) }

func order(maker byte, nonce uint64, isLong bool, size, price uint64) *core.Order {
	return &core.Order{
		Maker:         addr(maker),
		MarketID:      marketM,
		BaseSize:      uint256.NewInt(size),
		RemainingBase: uint256.NewInt(size),
		PriceX18:      uint256.NewInt(price),
		Nonce:         nonce,
		IsLong:        isLong,
	}
}

func buy(maker byte, nonce, size, price uint64) *core.Order  { return order(maker, nonce, true, size, price) }
func sell(maker byte, nonce, size, price uint64) *core.Order { return order(maker, nonce, false, size, price) }

func (f *fixture) process(t *testing.T, o *core.Order) Outcome {
	t.Helper()
	out, err := f.engine.ProcessOrder(context.Background(), o)
	require.NoError(t, err)
	return out
}

func (f *fixture) book(t *testing.T) Snapshot {
	t.Helper()
	s, ok := f.engine.Book(marketM)
	require.True(t, ok)
	return s
}

func sizes(orders []*core.Order) []uint64 {
	out := make([]uint64, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.RemainingBase.Uint64())
	}
	return out
}

func TestScenarioA_MakerRests(t *testing.T) {
	f := newFixture(t)

	out := f.process(t, sell(1, 1, 10, 100))

	assert.True(t, out.Success)
	assert.Empty(t, out.Trades)
	require.NotNil(t, out.Resting)
	assert.Equal(t, uint64(10), out.Resting.RemainingBase.Uint64())

	b := f.book(t)
	assert.Empty(t, b.Bids)
	assert.Equal(t, []uint64{10}, sizes(b.Asks))

	require.Len(t, f.events.Books, 1)
	assert.Empty(t, f.events.Trades)
}

func TestScenarioB_FullFill(t *testing.T) {
	f := newFixture(t)
	f.process(t, sell(1, 1, 10, 100))

	out := f.process(t, buy(2, 1, 10, 100))

	assert.True(t, out.Success)
	require.Len(t, out.Trades, 1)
	tr := out.Trades[0]
	assert.Equal(t, uint64(10), tr.Size.Uint64())
	assert.Equal(t, uint64(100), tr.Price.Uint64())
	assert.Equal(t, addr(2), tr.Taker)
	assert.Equal(t, addr(1), tr.Maker)
	assert.True(t, tr.TakerIsBuy)
	assert.Equal(t, core.Settled, tr.Settlement)
	assert.NotEqual(t, common.Hash{}, tr.TxHash)
	assert.NotEmpty(t, tr.ID)
	assert.Nil(t, out.Resting)

	b := f.book(t)
	assert.Empty(t, b.Asks)
	assert.Empty(t, b.Bids)
	assert.Equal(t, uint64(100), b.LastPrice.Uint64())
}

func TestScenarioC_PartialFillRestsRemainder(t *testing.T) {
	f := newFixture(t)
	f.process(t, sell(1, 1, 5, 100))

	out := f.process(t, buy(2, 1, 10, 100))

	assert.True(t, out.Success)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, uint64(5), out.Trades[0].Size.Uint64())
	require.NotNil(t, out.Resting)
	assert.Equal(t, uint64(5), out.Resting.RemainingBase.Uint64())
	assert.Equal(t, uint64(10), out.Resting.BaseSize.Uint64(), "signed size is preserved")

	b := f.book(t)
	assert.Empty(t, b.Asks)
	assert.Equal(t, []uint64{5}, sizes(b.Bids))
	assert.Equal(t, uint64(100), b.Bids[0].PriceX18.Uint64())
}

func TestScenarioD_MakerInvalidEvicted(t *testing.T) {
	f := newFixture(t)
	ask := sell(1, 1, 10, 100)
	f.process(t, ask)
	f.ledger.on(ask.Key(), settlement.Reject("nonce already consumed"))

	out := f.process(t, buy(2, 1, 10, 100))

	assert.True(t, out.Success)
	assert.Empty(t, out.Trades)
	require.NotNil(t, out.Resting)
	assert.Equal(t, uint64(10), out.Resting.RemainingBase.Uint64())
	assert.Equal(t, 1, f.ledger.callsFor(ask.Key()), "rejections are not retried")

	b := f.book(t)
	assert.Empty(t, b.Asks)
	assert.Equal(t, []uint64{10}, sizes(b.Bids))
	assert.Empty(t, f.events.Trades)
}

func TestScenarioE_PriceTimePriority(t *testing.T) {
	f := newFixture(t)
	x := buy(1, 1, 8, 100)
	y := buy(2, 1, 5, 100)
	f.process(t, x)
	f.process(t, y)

	out := f.process(t, sell(3, 1, 10, 100))

	assert.True(t, out.Success)
	require.Len(t, out.Trades, 2)
	assert.Equal(t, addr(1), out.Trades[0].Maker)
	assert.Equal(t, uint64(8), out.Trades[0].Size.Uint64())
	assert.Equal(t, addr(2), out.Trades[1].Maker)
	assert.Equal(t, uint64(2), out.Trades[1].Size.Uint64())
	assert.False(t, out.Trades[0].TakerIsBuy)

	b := f.book(t)
	assert.Empty(t, b.Asks)
	require.Len(t, b.Bids, 1)
	assert.Equal(t, y.Key(), b.Bids[0].Key())
	assert.Equal(t, uint64(3), b.Bids[0].RemainingBase.Uint64())
}

func TestWalkStopsAtFirstNonCrossingLevel(t *testing.T) {
	f := newFixture(t)
	f.process(t, sell(1, 1, 5, 100))
	f.process(t, sell(2, 1, 5, 105))

	out := f.process(t, buy(3, 1, 10, 102))

	require.Len(t, out.Trades, 1)
	assert.Equal(t, uint64(100), out.Trades[0].Price.Uint64(), "trades print at the maker price")
	b := f.book(t)
	assert.Equal(t, []uint64{5}, sizes(b.Asks))
	assert.Equal(t, []uint64{5}, sizes(b.Bids))
	assert.Equal(t, uint64(102), b.Bids[0].PriceX18.Uint64())
}

func TestTransientAbortRestsRemainder(t *testing.T) {
	f := newFixture(t)
	ask := sell(1, 1, 10, 100)
	f.process(t, ask)
	f.ledger.on(ask.Key(), errors.New("rpc timeout"))

	out := f.process(t, buy(2, 1, 10, 100))

	assert.True(t, out.Success)
	assert.Empty(t, out.Trades)
	require.NotNil(t, out.Resting)
	assert.Equal(t, uint64(10), out.Resting.RemainingBase.Uint64())
	assert.Contains(t, out.Reason, "rpc timeout")
	assert.Equal(t, 3, f.ledger.callsFor(ask.Key()), "transient failures are retried up to the bound")

	b := f.book(t)
	assert.Equal(t, []uint64{10}, sizes(b.Asks), "maker is untouched")
	assert.Equal(t, []uint64{10}, sizes(b.Bids))
	require.Len(t, f.events.Books, 2, "a walk emits one final book update")

	// Still failing: the pass leaves both orders alone and asks to run again.
	again, err := f.engine.Rematch(context.Background(), marketM)
	require.NoError(t, err)
	assert.True(t, again)
	assert.Equal(t, []uint64{10}, sizes(f.book(t).Bids))

	f.ledger.on(ask.Key(), nil)
	again, err = f.engine.Rematch(context.Background(), marketM)
	require.NoError(t, err)
	assert.False(t, again)

	require.Len(t, f.events.Trades, 1)
	tr := f.events.Trades[0]
	assert.Equal(t, addr(2), tr.Taker, "the later arrival takes")
	assert.Equal(t, addr(1), tr.Maker)
	assert.True(t, tr.TakerIsBuy)
	assert.Equal(t, uint64(10), tr.Size.Uint64())
	assert.Equal(t, uint64(100), tr.Price.Uint64())

	b = f.book(t)
	assert.Empty(t, b.Asks)
	assert.Empty(t, b.Bids)
	assert.False(t, f.engine.markets.GetOrCreate(marketM).Book.Crossed())
}

func TestRematchRunsInBackground(t *testing.T) {
	ledger := newScriptedLedger()
	coord := settlement.NewCoordinator(ledger, settlement.Config{
		Timeout:      time.Second,
		MaxAttempts:  1,
		RetryBackoff: time.Millisecond,
	}, util.RealClock{}, nil, nil)
	e := New(coord, WithRematchDelay(5*time.Millisecond))
	defer e.Close()

	ask := sell(1, 1, 10, 100)
	_, err := e.ProcessOrder(context.Background(), ask)
	require.NoError(t, err)
	ledger.on(ask.Key(), errors.New("rpc timeout"), errors.New("rpc timeout"), nil)

	out, err := e.ProcessOrder(context.Background(), buy(2, 1, 4, 100))
	require.NoError(t, err)
	require.NotNil(t, out.Resting)

	require.Eventually(t, func() bool {
		s, _ := e.Book(marketM)
		return len(s.Bids) == 0 && len(s.Asks) == 1 && s.Asks[0].RemainingBase.Uint64() == 6
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, ledger.callsFor(ask.Key()))
}

func TestLedgerRemainingShrinksMaker(t *testing.T) {
	f := newFixture(t)
	ask := sell(1, 1, 10, 100)
	f.process(t, ask)
	// An earlier fill of 3 landed on the ledger after it was reported inconclusive.
	f.ledger.landed(ask.Key(), 3)

	out := f.process(t, buy(2, 1, 4, 100))

	require.Len(t, out.Trades, 1)
	assert.Equal(t, []uint64{3}, sizes(f.book(t).Asks), "book follows the ledger's remaining size")

	out = f.process(t, buy(3, 1, 5, 100))
	require.Len(t, out.Trades, 1)
	assert.Equal(t, uint64(3), out.Trades[0].Size.Uint64(), "never offers more than the ledger holds")
	assert.Empty(t, f.book(t).Asks)
	assert.Equal(t, []uint64{2}, sizes(f.book(t).Bids))
}

func TestMinFillStopsWalkWithoutSettlement(t *testing.T) {
	f := newFixture(t)
	ask := sell(1, 1, 10, 100)
	ask.MinFillBps = 5000
	f.process(t, ask)

	out := f.process(t, buy(2, 1, 4, 100))

	assert.True(t, out.Success)
	assert.Empty(t, out.Trades)
	require.NotNil(t, out.Resting)
	assert.Equal(t, 0, f.ledger.callsFor(ask.Key()), "a fill below the signed minimum is never submitted")
	assert.Equal(t, []uint64{10}, sizes(f.book(t).Asks), "maker stays resting")

	out = f.process(t, sell(3, 1, 2, 100))
	require.Len(t, out.Trades, 1, "the resting bid still trades with orders it can fill")
	assert.Equal(t, addr(2), out.Trades[0].Maker)

	out = f.process(t, buy(4, 1, 5, 100))
	require.Len(t, out.Trades, 1)
	assert.Equal(t, uint64(5), out.Trades[0].Size.Uint64())
	assert.Equal(t, addr(1), out.Trades[0].Maker)
}

func TestTransientRecoversWithinRetryBound(t *testing.T) {
	f := newFixture(t)
	ask := sell(1, 1, 10, 100)
	f.process(t, ask)
	f.ledger.on(ask.Key(), errors.New("timeout"), nil)

	out := f.process(t, buy(2, 1, 10, 100))

	assert.True(t, out.Success)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, 2, f.ledger.callsFor(ask.Key()))
}

func TestTransientAfterPartialFillIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.process(t, sell(1, 1, 4, 100))
	stuck := sell(2, 1, 6, 100)
	f.process(t, stuck)
	f.ledger.on(stuck.Key(), errors.New("connection reset"))

	out := f.process(t, buy(3, 1, 10, 100))

	assert.True(t, out.Success)
	require.Len(t, out.Trades, 1)
	assert.Equal(t, uint64(4), out.Trades[0].Size.Uint64())
	require.NotNil(t, out.Resting)
	assert.Equal(t, uint64(6), out.Resting.RemainingBase.Uint64(), "traded plus resting equals the order size")
	b := f.book(t)
	assert.Equal(t, []uint64{6}, sizes(b.Asks))
	assert.Equal(t, []uint64{6}, sizes(b.Bids))
}

func TestExpiredMakerEvictedWithoutSettlement(t *testing.T) {
	f := newFixture(t)
	ask := sell(1, 1, 10, 100)
	ask.Expiry = uint64(epoch.Unix()) + 60
	f.process(t, ask)

	f.clock.Advance(2 * time.Minute)
	out := f.process(t, buy(2, 1, 10, 100))

	assert.Empty(t, out.Trades)
	assert.Equal(t, 0, f.ledger.callsFor(ask.Key()))
	b := f.book(t)
	assert.Empty(t, b.Asks)
	assert.Equal(t, []uint64{10}, sizes(b.Bids))
}

func TestRejectedBeforeBook(t *testing.T) {
	f := newFixture(t)
	f.process(t, sell(1, 1, 10, 100))

	expired := buy(2, 1, 10, 100)
	expired.Expiry = uint64(epoch.Unix()) - 1
	zero := buy(2, 2, 0, 100)
	noPrice := buy(2, 3, 10, 0)
	noPrice.PriceX18 = nil

	tests := []struct {
		name string
		o    *core.Order
		want error
	}{
		{"expired", expired, ErrExpired},
		{"zero size", zero, ErrEmptyOrder},
		{"no price", noPrice, ErrMissingPrice},
		{"duplicate key", sell(1, 1, 3, 120), ErrDuplicateOrder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ProcessOrder(context.Background(), tt.o)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, []uint64{10}, sizes(f.book(t).Asks))
}

func TestEventsPerPath(t *testing.T) {
	f := newFixture(t)
	f.process(t, sell(1, 1, 3, 100))
	f.process(t, sell(2, 1, 3, 100))
	require.Len(t, f.events.Books, 2, "one book update per maker order")

	f.process(t, buy(3, 1, 5, 100))

	assert.Len(t, f.events.Trades, 2)
	require.Len(t, f.events.Books, 3, "a walk emits one final book update")
	last, _ := f.events.LastBook()
	assert.Equal(t, []uint64{1}, sizes(last.Asks))
	assert.Empty(t, last.Bids)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ask := sell(1, 1, 10, 100)
	f.process(t, ask)

	got, err := f.engine.Cancel(context.Background(), marketM, ask.Key())
	require.NoError(t, err)
	assert.Equal(t, ask.Key(), got.Key())
	assert.Empty(t, f.book(t).Asks)

	_, err = f.engine.Cancel(context.Background(), marketM, ask.Key())
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = f.engine.Cancel(context.Background(), marketN, ask.Key())
	assert.ErrorIs(t, err, ErrUnknownMarket)
}

func TestMarketsProceedIndependently(t *testing.T) {
	f := newFixture(t)
	f.process(t, sell(1, 1, 10, 100))
	f.ledger.gate = make(chan struct{})

	walkDone := make(chan Outcome)
	go func() {
		out, _ := f.engine.ProcessOrder(context.Background(), buy(2, 1, 10, 100))
		walkDone <- out
	}()

	// Market N is free while M waits on settlement.
	other := sell(3, 1, 1, 50)
	other.MarketID = marketN
	_, err := f.engine.ProcessOrder(context.Background(), other)
	require.NoError(t, err)

	// A second order on M cannot get in until the walk finishes.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.engine.ProcessOrder(ctx, sell(4, 1, 1, 200))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(f.ledger.gate)
	out := <-walkDone
	require.Len(t, out.Trades, 1)
	assert.ElementsMatch(t, []common.Hash{marketM, marketN}, f.engine.Markets())
}

func TestRandomFlowConservesSizeAndNeverCrosses(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(7))
	ob := f.engine.markets.GetOrCreate(marketM).Book

	for i := 0; i < 400; i++ {
		o := order(byte(rng.Intn(20)+1), uint64(i), rng.Intn(2) == 0, uint64(rng.Intn(20)+1), uint64(90+rng.Intn(21)))
		if rng.Intn(10) == 0 {
			f.ledger.on(o.Key(), settlement.Reject("insufficient margin"))
		}
		in := o.RemainingBase.Uint64()

		out := f.process(t, o)

		filled := uint64(0)
		for _, tr := range out.Trades {
			filled += tr.Size.Uint64()
		}
		rest := uint64(0)
		if out.Resting != nil {
			rest = out.Resting.RemainingBase.Uint64()
		}
		require.Equal(t, in, filled+rest, "order %d", i)
		require.False(t, ob.Crossed(), "book crossed after order %d", i)
	}
}
