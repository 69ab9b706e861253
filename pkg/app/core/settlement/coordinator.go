package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/metrics"
	"github.com/bytestrike/matcher/pkg/util"
)

// ErrReserved is reported (as Transient) when a maker order already has a
// settlement attempt outstanding.
var ErrReserved = errors.New("maker order reserved by an outstanding settlement")

// Outcome of one AttemptSettlement call.
type Outcome struct {
	Status   core.SettlementStatus
	TxHash   common.Hash
	Reason   string
	Attempts int
	// Remaining is the maker's size left on the ledger after a settled fill,
	// when the ledger reports it.
	Remaining *uint256.Int
}

type Config struct {
	Timeout      time.Duration // per ledger call
	MaxAttempts  int           // transient retries are bounded by this
	RetryBackoff time.Duration // doubled after each transient attempt
}

func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		MaxAttempts:  3,
		RetryBackoff: 250 * time.Millisecond,
	}
}

// Coordinator turns a candidate fill into a ledger submission and classifies
// the result as Settled, MakerInvalid or Transient.
type Coordinator struct {
	ledger  Ledger
	cfg     Config
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu       sync.Mutex
	reserved map[core.OrderKey]*uint256.Int // maker -> size held by the outstanding attempt
}

func NewCoordinator(ledger Ledger, cfg Config, clock util.Clock, log *zap.SugaredLogger, m *metrics.Metrics) *Coordinator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Coordinator{
		ledger:   ledger,
		cfg:      cfg,
		clock:    clock,
		log:      log,
		metrics:  m,
		reserved: make(map[core.OrderKey]*uint256.Int),
	}
}

// AttemptSettlement submits fill of maker to the ledger. The taker is carried
// for attribution only; on-chain the operator is the counterparty.
//
// MakerInvalid is never retried. Transient results are retried up to
// MaxAttempts with exponential backoff, then reported.
func (c *Coordinator) AttemptSettlement(ctx context.Context, taker, maker *core.Order, fill *uint256.Int) Outcome {
	key := maker.Key()
	if !c.reserve(key, fill) {
		c.metrics.SettlementOutcome(core.Transient)
		return Outcome{Status: core.Transient, Reason: ErrReserved.Error()}
	}
	defer c.release(key)

	backoff := c.cfg.RetryBackoff
	var last Outcome
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		last = c.submitOnce(ctx, maker, fill)
		last.Attempts = attempt
		if last.Status != core.Transient {
			break
		}

		c.log.Warnw("settlement_transient",
			"maker", key.String(),
			"taker", taker.Maker.Hex(),
			"fill", fill.Dec(),
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"reason", last.Reason)

		if attempt == c.cfg.MaxAttempts || ctx.Err() != nil {
			break
		}
		c.metrics.SettlementRetry()
		select {
		case <-ctx.Done():
		case <-c.clock.After(backoff):
		}
		backoff *= 2
	}

	c.metrics.SettlementOutcome(last.Status)
	return last
}

func (c *Coordinator) submitOnce(ctx context.Context, maker *core.Order, fill *uint256.Int) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Status: core.Transient, Reason: err.Error()}
	}
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := c.clock.Now()
	rcpt, err := c.ledger.SubmitFill(actx, maker, fill)
	c.metrics.ObserveSettlement(c.clock.Now().Sub(start))

	switch {
	case err == nil:
		return Outcome{Status: core.Settled, TxHash: rcpt.TxHash, Remaining: rcpt.Remaining}
	case IsRejected(err):
		return Outcome{Status: core.MakerInvalid, Reason: err.Error()}
	default:
		// Timeouts and transport failures say nothing about the order.
		return Outcome{Status: core.Transient, Reason: err.Error()}
	}
}

func (c *Coordinator) reserve(k core.OrderKey, fill *uint256.Int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.reserved[k]; held {
		return false
	}
	c.reserved[k] = fill.Clone()
	return true
}

func (c *Coordinator) release(k core.OrderKey) {
	c.mu.Lock()
	delete(c.reserved, k)
	c.mu.Unlock()
}

// Reserved returns the size held for maker k by an outstanding attempt.
func (c *Coordinator) Reserved(k core.OrderKey) (*uint256.Int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.reserved[k]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}
