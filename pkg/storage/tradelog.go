package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/metrics"
)

// TradeLog records settled trades. Failures never affect matching.
type TradeLog interface {
	AppendTrade(ctx context.Context, t core.Trade) error
}

// TradeReader serves the trade history endpoint.
type TradeReader interface {
	RecentTrades(market common.Hash, limit int) ([]core.Trade, error)
}

type NopTradeLog struct{}

func (NopTradeLog) AppendTrade(context.Context, core.Trade) error { return nil }

// MultiTradeLog appends to every log and joins their errors.
type MultiTradeLog []TradeLog

func (m MultiTradeLog) AppendTrade(ctx context.Context, t core.Trade) error {
	var errs []error
	for _, l := range m {
		if err := l.AppendTrade(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncTradeLog moves appends off the matching path. A full queue or a failed
// append is logged and counted, then forgotten.
type AsyncTradeLog struct {
	next    TradeLog
	queue   chan core.Trade
	timeout time.Duration
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu     sync.Mutex // guards closed and sends on queue
	closed bool
	done   chan struct{}
}

func NewAsyncTradeLog(next TradeLog, buffer int, log *zap.SugaredLogger, m *metrics.Metrics) *AsyncTradeLog {
	if m == nil {
		m = metrics.Nop()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	a := &AsyncTradeLog{
		next:    next,
		queue:   make(chan core.Trade, buffer),
		timeout: 5 * time.Second,
		log:     log,
		metrics: m,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// AppendTrade queues t. After Close the trade is counted as a failure and
// dropped.
func (a *AsyncTradeLog) AppendTrade(_ context.Context, t core.Trade) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.metrics.TradeLogFailure()
		a.log.Warnw("trade_log_closed", "trade", t.ID, "market", t.MarketID.Hex())
		return nil
	}
	select {
	case a.queue <- t:
	default:
		a.metrics.TradeLogFailure()
		a.log.Warnw("trade_log_dropped", "trade", t.ID, "market", t.MarketID.Hex())
	}
	return nil
}

func (a *AsyncTradeLog) run() {
	defer close(a.done)
	for t := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.AppendTrade(ctx, t); err != nil {
			a.metrics.TradeLogFailure()
			a.log.Warnw("trade_log_failed", "trade", t.ID, "market", t.MarketID.Hex(), "err", err)
		}
		cancel()
	}
}

// Close flushes pending trades. Later appends are dropped.
func (a *AsyncTradeLog) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
