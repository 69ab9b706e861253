package core

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Side of the book an order rests on.
type Side int8

const (
	Bid Side = 1
	Ask Side = -1
)

func (s Side) Opposite() Side { return -s }

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// SideOf maps the on-chain isLong flag to a book side.
func SideOf(isLong bool) Side {
	if isLong {
		return Bid
	}
	return Ask
}

// OrderKey identifies an order for its whole lifetime: one order per maker nonce.
type OrderKey struct {
	Maker common.Address
	Nonce uint64
}

func (k OrderKey) String() string {
	return fmt.Sprintf("%s:%d", k.Maker.Hex(), k.Nonce)
}

// Order is a signed intent to trade. Fields mirror the on-chain order tuple
// (maker, marketId, baseSize, priceX18, expiry, nonce, leverageBps, minFillBps, flags, isLong)
// so the ledger can be handed exactly what the maker signed.
type Order struct {
	Maker    common.Address
	MarketID common.Hash

	BaseSize      *uint256.Int // signed size, never mutated
	RemainingBase *uint256.Int // decreases as fills settle
	PriceX18      *uint256.Int // price * 1e18

	Expiry      uint64 // unix seconds, 0 = never
	Nonce       uint64
	LeverageBps uint16
	MinFillBps  uint16
	Flags       uint8
	IsLong      bool

	Signature []byte

	// Seq is the arrival sequence assigned by the book on insert.
	Seq uint64
}

func (o *Order) Key() OrderKey { return OrderKey{Maker: o.Maker, Nonce: o.Nonce} }
func (o *Order) Side() Side    { return SideOf(o.IsLong) }
func (o *Order) String() string {
	return fmt.Sprintf("%s %s %s@%s", o.Key(), o.Side(), o.RemainingBase.Dec(), o.PriceX18.Dec())
}

// Expired reports whether the order can no longer trade at now.
func (o *Order) Expired(now time.Time) bool {
	return o.Expiry != 0 && uint64(now.Unix()) > o.Expiry
}

const bpsDenominator = 10_000

// MinFill is the smallest fill the maker signed for: MinFillBps of BaseSize,
// rounded up.
func (o *Order) MinFill() *uint256.Int {
	if o.MinFillBps == 0 || o.BaseSize == nil {
		return new(uint256.Int)
	}
	v := new(uint256.Int).Mul(o.BaseSize, uint256.NewInt(uint64(o.MinFillBps)))
	v.Add(v, uint256.NewInt(bpsDenominator-1))
	return v.Div(v, uint256.NewInt(bpsDenominator))
}

// AcceptsFill reports whether fill respects the order's minimum fill. Taking
// everything that remains is always accepted.
func (o *Order) AcceptsFill(fill *uint256.Int) bool {
	if o.MinFillBps == 0 || !fill.Lt(o.RemainingBase) {
		return true
	}
	return !fill.Lt(o.MinFill())
}

// Crosses reports whether the incoming order o can trade against resting order r.
// Equal prices cross.
func (o *Order) Crosses(r *Order) bool {
	if o.IsLong {
		return o.PriceX18.Cmp(r.PriceX18) >= 0
	}
	return o.PriceX18.Cmp(r.PriceX18) <= 0
}

// Clone returns a deep copy so callers can hand out snapshots of resting orders.
func (o *Order) Clone() *Order {
	cp := *o
	if o.BaseSize != nil {
		cp.BaseSize = o.BaseSize.Clone()
	}
	if o.RemainingBase != nil {
		cp.RemainingBase = o.RemainingBase.Clone()
	}
	if o.PriceX18 != nil {
		cp.PriceX18 = o.PriceX18.Clone()
	}
	cp.Signature = append([]byte(nil), o.Signature...)
	return &cp
}

// SettlementStatus tags a settlement attempt result.
type SettlementStatus uint8

const (
	Settled SettlementStatus = iota + 1
	MakerInvalid
	Transient
)

func (s SettlementStatus) String() string {
	switch s {
	case Settled:
		return "settled"
	case MakerInvalid:
		return "maker_invalid"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Trade is one settled fill. Price is always the maker's resting price.
type Trade struct {
	ID         string
	MarketID   common.Hash
	Price      *uint256.Int
	Size       *uint256.Int
	Taker      common.Address
	Maker      common.Address
	MakerNonce uint64
	TakerIsBuy bool
	Timestamp  time.Time
	Settlement SettlementStatus
	TxHash     common.Hash
}
