package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/metrics"
	"github.com/bytestrike/matcher/pkg/util"
)

type ledgerFunc func(ctx context.Context, maker *core.Order, fill *uint256.Int) (Receipt, error)

func (f ledgerFunc) SubmitFill(ctx context.Context, maker *core.Order, fill *uint256.Int) (Receipt, error) {
	return f(ctx, maker, fill)
}

func testOrder(nonce uint64) *core.Order {
	return &core.Order{
		Maker:         common.HexToAddress("0x1111"),
		BaseSize:      uint256.NewInt(10),
		RemainingBase: uint256.NewInt(10),
		PriceX18:      uint256.NewInt(100),
		Nonce:         nonce,
	}
}

func newTestCoordinator(l Ledger, cfg Config) (*Coordinator, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewCoordinator(l, cfg, util.NewManualClock(time.Unix(0, 0)), nil, metrics.New(reg)), reg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestAttemptSettlementOutcomes(t *testing.T) {
	tx := common.HexToHash("0xabcdef")
	tests := []struct {
		name     string
		errs     []error
		want     core.SettlementStatus
		attempts int
	}{
		{"settled first try", []error{nil}, core.Settled, 1},
		{"rejected is final", []error{Reject("nonce used")}, core.MakerInvalid, 1},
		{"wrapped rejection", []error{fmtWrap(Reject("expired"))}, core.MakerInvalid, 1},
		{"transient then settled", []error{errors.New("eof"), nil}, core.Settled, 2},
		{"transient then rejected", []error{errors.New("eof"), Reject("filled")}, core.MakerInvalid, 2},
		{"transient exhausts bound", []error{errors.New("eof"), errors.New("eof"), errors.New("eof")}, core.Transient, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			l := ledgerFunc(func(context.Context, *core.Order, *uint256.Int) (Receipt, error) {
				err := tt.errs[calls]
				calls++
				if err != nil {
					return Receipt{}, err
				}
				return Receipt{TxHash: tx}, nil
			})
			c, _ := newTestCoordinator(l, Config{Timeout: time.Second, MaxAttempts: 3, RetryBackoff: time.Millisecond})

			out := c.AttemptSettlement(context.Background(), testOrder(9), testOrder(1), uint256.NewInt(4))

			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, tt.attempts, out.Attempts)
			assert.Equal(t, tt.attempts, calls)
			if tt.want == core.Settled {
				assert.Equal(t, tx, out.TxHash)
			} else {
				assert.NotEmpty(t, out.Reason)
			}
		})
	}
}

func fmtWrap(err error) error { return errors.Join(errors.New("call failed"), err) }

func TestAttemptSettlementTimeoutIsTransient(t *testing.T) {
	l := ledgerFunc(func(ctx context.Context, _ *core.Order, _ *uint256.Int) (Receipt, error) {
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	})
	c, reg := newTestCoordinator(l, Config{Timeout: 10 * time.Millisecond, MaxAttempts: 2, RetryBackoff: time.Millisecond})

	out := c.AttemptSettlement(context.Background(), testOrder(9), testOrder(1), uint256.NewInt(1))

	assert.Equal(t, core.Transient, out.Status)
	assert.Equal(t, 2, out.Attempts)
	assert.Contains(t, out.Reason, context.DeadlineExceeded.Error())
	assert.Equal(t, 1.0, counterValue(t, reg, "matcher_settlement_retries_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "matcher_settlement_outcomes_total"))
}

func TestAttemptSettlementStopsOnCancelledContext(t *testing.T) {
	calls := 0
	l := ledgerFunc(func(context.Context, *core.Order, *uint256.Int) (Receipt, error) {
		calls++
		return Receipt{}, errors.New("unreachable")
	})
	c, _ := newTestCoordinator(l, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.AttemptSettlement(ctx, testOrder(9), testOrder(1), uint256.NewInt(1))

	assert.Equal(t, core.Transient, out.Status)
	assert.Equal(t, 0, calls)
}

func TestReservationRefusesConcurrentAttempt(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	l := ledgerFunc(func(context.Context, *core.Order, *uint256.Int) (Receipt, error) {
		entered <- struct{}{}
		<-release
		return Receipt{}, nil
	})
	c, _ := newTestCoordinator(l, DefaultConfig())
	maker := testOrder(1)

	var wg sync.WaitGroup
	wg.Add(1)
	var first Outcome
	go func() {
		defer wg.Done()
		first = c.AttemptSettlement(context.Background(), testOrder(9), maker, uint256.NewInt(3))
	}()
	<-entered

	held, ok := c.Reserved(maker.Key())
	require.True(t, ok)
	assert.Equal(t, uint64(3), held.Uint64())

	second := c.AttemptSettlement(context.Background(), testOrder(8), maker, uint256.NewInt(2))
	assert.Equal(t, core.Transient, second.Status)
	assert.Equal(t, ErrReserved.Error(), second.Reason)

	close(release)
	wg.Wait()
	assert.Equal(t, core.Settled, first.Status)
	_, ok = c.Reserved(maker.Key())
	assert.False(t, ok, "reservation is released after the attempt")
}

func TestIsRejected(t *testing.T) {
	assert.True(t, IsRejected(Reject("bad %s", "sig")))
	assert.True(t, IsRejected(errors.Join(errors.New("x"), Reject("y"))))
	assert.False(t, IsRejected(errors.New("dial tcp: refused")))
	assert.False(t, IsRejected(nil))
	assert.Equal(t, "maker order rejected by ledger: bad sig", Reject("bad %s", "sig").Error())
}
