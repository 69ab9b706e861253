// Package ethereum settles fills by calling verifyAndConsume on the ByteStrike
// order book contract, with the operator key as taker.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	goeth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/app/core/settlement"
	"github.com/bytestrike/matcher/pkg/crypto"
)

const orderBookABI = `[{
	"type": "function",
	"name": "verifyAndConsume",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "o", "type": "tuple", "components": [
			{"name": "maker", "type": "address"},
			{"name": "marketId", "type": "bytes32"},
			{"name": "baseSize", "type": "uint128"},
			{"name": "priceX18", "type": "uint128"},
			{"name": "expiry", "type": "uint64"},
			{"name": "nonce", "type": "uint64"},
			{"name": "leverageBps", "type": "uint16"},
			{"name": "minFillBps", "type": "uint16"},
			{"name": "flags", "type": "uint8"},
			{"name": "isLong", "type": "bool"}
		]},
		{"name": "sig", "type": "bytes"},
		{"name": "fillBase", "type": "uint128"}
	],
	"outputs": [{"name": "remainingBase", "type": "uint128"}]
}]`

const methodVerifyAndConsume = "verifyAndConsume"

// orderTuple is the Go shape of the contract's Order struct.
type orderTuple struct {
	Maker       common.Address
	MarketId    [32]byte
	BaseSize    *big.Int
	PriceX18    *big.Int
	Expiry      uint64
	Nonce       uint64
	LeverageBps uint16
	MinFillBps  uint16
	Flags       uint8
	IsLong      bool
}

func toTuple(o *core.Order) orderTuple {
	return orderTuple{
		Maker:       o.Maker,
		MarketId:    o.MarketID,
		BaseSize:    o.BaseSize.ToBig(),
		PriceX18:    o.PriceX18.ToBig(),
		Expiry:      o.Expiry,
		Nonce:       o.Nonce,
		LeverageBps: o.LeverageBps,
		MinFillBps:  o.MinFillBps,
		Flags:       o.Flags,
		IsLong:      o.IsLong,
	}
}

// Backend is the subset of *ethclient.Client the ledger uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg goeth.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	Contract     common.Address
	ChainID      *big.Int
	Operator     *crypto.Signer
	GasLimit     uint64
	PollInterval time.Duration // receipt polling
}

type Ledger struct {
	backend Backend
	cfg     Config
	abi     abi.ABI
	signer  types.Signer
	log     *zap.SugaredLogger

	sendMu sync.Mutex // operator nonce allocation
	closer func()

	mu       sync.Mutex
	inflight map[core.OrderKey]inflightFill // sent, receipt not yet seen
}

// inflightFill is a sent verifyAndConsume whose outcome is still unknown.
// Until it resolves no second transaction is sent for the same maker order.
type inflightFill struct {
	hash     common.Hash
	fill     *uint256.Int
	expected *uint256.Int // remaining reported by the preflight
}

// Dial connects to rpcURL and verifies the deployment before returning.
func Dial(ctx context.Context, rpcURL string, cfg Config, log *zap.SugaredLogger) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	l, err := New(ctx, client, cfg, log)
	if err != nil {
		client.Close()
		return nil, err
	}
	l.closer = client.Close
	return l, nil
}

// New checks that the backend serves the configured chain and that code is
// deployed at the contract address. Either failure is fatal for the caller.
func New(ctx context.Context, backend Backend, cfg Config, log *zap.SugaredLogger) (*Ledger, error) {
	if cfg.Operator == nil {
		return nil, errors.New("operator key is required")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id is required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500_000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	parsed, err := abi.JSON(strings.NewReader(orderBookABI))
	if err != nil {
		return nil, fmt.Errorf("parse order book abi: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if chainID.Cmp(cfg.ChainID) != 0 {
		return nil, fmt.Errorf("chain id mismatch: rpc serves %s, configured %s", chainID, cfg.ChainID)
	}
	code, err := backend.CodeAt(ctx, cfg.Contract, nil)
	if err != nil {
		return nil, fmt.Errorf("query contract code: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("no contract code at %s", cfg.Contract.Hex())
	}

	log.Infow("ledger_ready",
		"chain_id", chainID.String(),
		"contract", cfg.Contract.Hex(),
		"operator", cfg.Operator.Address().Hex(),
		"gas_limit", cfg.GasLimit)

	return &Ledger{
		backend:  backend,
		cfg:      cfg,
		abi:      parsed,
		signer:   types.LatestSignerForChainID(cfg.ChainID),
		log:      log,
		inflight: make(map[core.OrderKey]inflightFill),
	}, nil
}

func (l *Ledger) Close() {
	if l.closer != nil {
		l.closer()
	}
}

// SubmitFill preflights the call, sends the transaction and waits for it to
// be mined. Reverts in either step are rejections of the maker order.
//
// A wait cut short by ctx leaves the transaction in flight and returns an
// error wrapping settlement.ErrUnconfirmed. The next SubmitFill for the same
// maker order waits on that transaction instead of sending another one: with
// the same fill it reports that transaction's outcome, with a different fill
// it submits afresh once the earlier one is mined.
func (l *Ledger) SubmitFill(ctx context.Context, maker *core.Order, fill *uint256.Int) (settlement.Receipt, error) {
	key := maker.Key()
	if prev, ok := l.pending(key); ok {
		rcpt, err := l.waitMined(ctx, prev.hash)
		if err != nil {
			return settlement.Receipt{}, unconfirmed(prev.hash, err)
		}
		l.forget(key)
		if prev.fill.Eq(fill) {
			l.log.Infow("settlement_resumed", "tx", prev.hash.Hex(), "maker", key.String(), "fill", fill.Dec())
			return l.finish(prev, rcpt)
		}
		if rcpt.Status == types.ReceiptStatusSuccessful {
			l.log.Warnw("settlement_landed_late",
				"tx", prev.hash.Hex(),
				"maker", key.String(),
				"fill", prev.fill.Dec())
		}
	}

	data, err := l.abi.Pack(methodVerifyAndConsume, toTuple(maker), maker.Signature, fill.ToBig())
	if err != nil {
		return settlement.Receipt{}, settlement.Reject("encode order: %v", err)
	}

	from := l.cfg.Operator.Address()
	msg := goeth.CallMsg{From: from, To: &l.cfg.Contract, Gas: l.cfg.GasLimit, Data: data}
	out, err := l.backend.CallContract(ctx, msg, nil)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return settlement.Receipt{}, settlement.Reject("preflight reverted: %s", reason)
		}
		return settlement.Receipt{}, fmt.Errorf("preflight call: %w", err)
	}
	expected, err := l.unpackRemaining(out)
	if err != nil {
		return settlement.Receipt{}, fmt.Errorf("decode preflight result: %w", err)
	}

	tx, err := l.send(ctx, data)
	if err != nil {
		return settlement.Receipt{}, err
	}
	sent := inflightFill{hash: tx.Hash(), fill: fill.Clone(), expected: expected}
	l.track(key, sent)
	l.log.Infow("settlement_sent",
		"tx", tx.Hash().Hex(),
		"maker", key.String(),
		"fill", fill.Dec())

	rcpt, err := l.waitMined(ctx, tx.Hash())
	if err != nil {
		return settlement.Receipt{}, unconfirmed(tx.Hash(), err)
	}
	l.forget(key)
	return l.finish(sent, rcpt)
}

func (l *Ledger) finish(f inflightFill, rcpt *types.Receipt) (settlement.Receipt, error) {
	if rcpt.Status == types.ReceiptStatusFailed {
		return settlement.Receipt{}, settlement.Reject("transaction %s reverted in block %d", f.hash.Hex(), rcpt.BlockNumber.Uint64())
	}
	return settlement.Receipt{
		TxHash:      rcpt.TxHash,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		Remaining:   f.expected,
	}, nil
}

func unconfirmed(hash common.Hash, err error) error {
	return fmt.Errorf("%w: %s: %w", settlement.ErrUnconfirmed, hash.Hex(), err)
}

func (l *Ledger) pending(k core.OrderKey) (inflightFill, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, ok := l.inflight[k]
	return f, ok
}

func (l *Ledger) track(k core.OrderKey, f inflightFill) {
	l.mu.Lock()
	l.inflight[k] = f
	l.mu.Unlock()
}

func (l *Ledger) forget(k core.OrderKey) {
	l.mu.Lock()
	delete(l.inflight, k)
	l.mu.Unlock()
}

// InFlight reports how many sent transactions have not been seen mined.
func (l *Ledger) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

func (l *Ledger) unpackRemaining(out []byte) (*uint256.Int, error) {
	vals, err := l.abi.Unpack(methodVerifyAndConsume, out)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("expected 1 return value, got %d", len(vals))
	}
	b, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected return type %T", vals[0])
	}
	r, overflow := uint256.FromBig(b)
	if overflow {
		return nil, errors.New("remaining overflows 256 bits")
	}
	return r, nil
}

func (l *Ledger) send(ctx context.Context, data []byte) (*types.Transaction, error) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	from := l.cfg.Operator.Address()
	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("operator nonce: %w", err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.cfg.Contract,
		Gas:      l.cfg.GasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}), l.signer, l.cfg.Operator.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := l.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return tx, nil
}

func (l *Ledger) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rcpt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, goeth.NotFound) {
			l.log.Debugw("receipt_poll_failed", "tx", hash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertReason reports whether err is an EVM revert and extracts the reason
// string when the node returned one.
func revertReason(err error) (string, bool) {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
		if strings.Contains(de.Error(), "revert") {
			return de.Error(), true
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return err.Error(), true
	}
	return "", false
}

var _ settlement.Ledger = (*Ledger)(nil)
