// Package simulated is an in-process settlement ledger with the same
// acceptance rules as the order book contract. It backs dev mode and tests.
package simulated

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/app/core/settlement"
	"github.com/bytestrike/matcher/pkg/crypto"
	"github.com/bytestrike/matcher/pkg/util"
)

type Ledger struct {
	signer  *crypto.EIP712Signer // nil skips signature checks
	clock   util.Clock
	latency time.Duration

	mu        sync.Mutex
	filled    map[core.OrderKey]*uint256.Int
	cancelled map[core.OrderKey]bool
	failures  map[core.OrderKey][]error
	block     uint64
}

type Option func(*Ledger)

// WithSignatureCheck makes the ledger recover the maker from each order's
// signature, as the contract does.
func WithSignatureCheck(s *crypto.EIP712Signer) Option { return func(l *Ledger) { l.signer = s } }
func WithClock(c util.Clock) Option                   { return func(l *Ledger) { l.clock = c } }

// WithLatency delays every submission, standing in for block time.
func WithLatency(d time.Duration) Option { return func(l *Ledger) { l.latency = d } }

func New(opts ...Option) *Ledger {
	l := &Ledger{
		clock:     util.RealClock{},
		filled:    make(map[core.OrderKey]*uint256.Int),
		cancelled: make(map[core.OrderKey]bool),
		failures:  make(map[core.OrderKey][]error),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) SubmitFill(ctx context.Context, maker *core.Order, fill *uint256.Int) (settlement.Receipt, error) {
	if l.latency > 0 {
		select {
		case <-time.After(l.latency):
		case <-ctx.Done():
			return settlement.Receipt{}, ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := maker.Key()
	if errs := l.failures[k]; len(errs) > 0 {
		l.failures[k] = errs[1:]
		return settlement.Receipt{}, errs[0]
	}

	if l.cancelled[k] {
		return settlement.Receipt{}, settlement.Reject("order cancelled")
	}
	if maker.Expired(l.clock.Now()) {
		return settlement.Receipt{}, settlement.Reject("order expired")
	}
	if fill == nil || fill.IsZero() {
		return settlement.Receipt{}, settlement.Reject("zero fill")
	}
	if l.signer != nil {
		got, err := l.signer.RecoverOrderSigner(maker, maker.Signature)
		if err != nil || got != maker.Maker {
			return settlement.Receipt{}, settlement.Reject("bad signature")
		}
	}

	done, ok := l.filled[k]
	if !ok {
		done = new(uint256.Int)
	}
	total, overflow := new(uint256.Int).AddOverflow(done, fill)
	if overflow || total.Gt(maker.BaseSize) {
		return settlement.Receipt{}, settlement.Reject("fill %s exceeds remaining %s", fill.Dec(), new(uint256.Int).Sub(maker.BaseSize, done).Dec())
	}
	l.filled[k] = total
	l.block++

	return settlement.Receipt{
		TxHash:      l.txHash(k, total),
		BlockNumber: l.block,
		Remaining:   new(uint256.Int).Sub(maker.BaseSize, total),
	}, nil
}

func (l *Ledger) txHash(k core.OrderKey, total *uint256.Int) common.Hash {
	var blk [8]byte
	binary.BigEndian.PutUint64(blk[:], l.block)
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, k.Nonce)
	b32 := total.Bytes32()
	return ethcrypto.Keccak256Hash(k.Maker.Bytes(), nonce, b32[:], blk[:])
}

// Cancel marks an order as cancelled on the ledger; later fills are rejected.
func (l *Ledger) Cancel(k core.OrderKey) {
	l.mu.Lock()
	l.cancelled[k] = true
	l.mu.Unlock()
}

// Filled returns the total size consumed from an order.
func (l *Ledger) Filled(k core.OrderKey) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.filled[k]; ok {
		return f.Clone()
	}
	return new(uint256.Int)
}

// FailNext queues errors returned, in order, by the next submissions for k.
func (l *Ledger) FailNext(k core.OrderKey, errs ...error) {
	l.mu.Lock()
	l.failures[k] = append(l.failures[k], errs...)
	l.mu.Unlock()
}

var _ settlement.Ledger = (*Ledger)(nil)
