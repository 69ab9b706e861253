package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/bytestrike/matcher/pkg/app/core"
)

// SignedOrder is the body of POST /api/v1/orders. Numeric fields accept JSON
// numbers or decimal strings, since wallets emit both for uint128 values.
//
//	{
//	  "order": {
//	    "maker": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//	    "marketId": "0x4554482d55534400000000000000000000000000000000000000000000000000",
//	    "baseSize": "1000000000000000000",
//	    "priceX18": "3000000000000000000000",
//	    "expiry": 1900000000,
//	    "nonce": 42,
//	    "leverageBps": 10000,
//	    "minFillBps": 0,
//	    "flags": 0,
//	    "isLong": true
//	  },
//	  "signature": "0x..."
//	}
type SignedOrder struct {
	Order     *OrderPayload `json:"order"`
	Signature string        `json:"signature"`
}

// OrderPayload mirrors the EIP-712 Order struct field for field.
type OrderPayload struct {
	Maker       string      `json:"maker"`
	MarketID    string      `json:"marketId"`
	BaseSize    json.Number `json:"baseSize"`
	PriceX18    json.Number `json:"priceX18"`
	Expiry      json.Number `json:"expiry"`
	Nonce       json.Number `json:"nonce"`
	LeverageBps json.Number `json:"leverageBps"`
	MinFillBps  json.Number `json:"minFillBps"`
	Flags       json.Number `json:"flags"`
	IsLong      bool        `json:"isLong"`
}

// SignedCancel is the body of DELETE /api/v1/orders.
type SignedCancel struct {
	Maker     string      `json:"maker"`
	MarketID  string      `json:"marketId"`
	Nonce     json.Number `json:"nonce"`
	Signature string      `json:"signature"`
}

// ToCoreOrder parses and range-checks every field against its on-chain width.
func (p *OrderPayload) ToCoreOrder() (*core.Order, error) {
	maker, err := parseAddress("maker", p.Maker)
	if err != nil {
		return nil, err
	}
	market, err := parseBytes32("marketId", p.MarketID)
	if err != nil {
		return nil, err
	}
	size, err := parseUint128("baseSize", p.BaseSize)
	if err != nil {
		return nil, err
	}
	price, err := parseUint128("priceX18", p.PriceX18)
	if err != nil {
		return nil, err
	}
	expiry, err := parseUint("expiry", p.Expiry, 64)
	if err != nil {
		return nil, err
	}
	nonce, err := parseUint("nonce", p.Nonce, 64)
	if err != nil {
		return nil, err
	}
	leverage, err := parseUint("leverageBps", p.LeverageBps, 16)
	if err != nil {
		return nil, err
	}
	minFill, err := parseUint("minFillBps", p.MinFillBps, 16)
	if err != nil {
		return nil, err
	}
	flags, err := parseUint("flags", p.Flags, 8)
	if err != nil {
		return nil, err
	}

	return &core.Order{
		Maker:         maker,
		MarketID:      market,
		BaseSize:      size,
		RemainingBase: size.Clone(),
		PriceX18:      price,
		Expiry:        expiry,
		Nonce:         nonce,
		LeverageBps:   uint16(leverage),
		MinFillBps:    uint16(minFill),
		Flags:         uint8(flags),
		IsLong:        p.IsLong,
	}, nil
}

// FromCoreOrder renders the signed fields of o as a payload.
func FromCoreOrder(o *core.Order) *OrderPayload {
	return &OrderPayload{
		Maker:       o.Maker.Hex(),
		MarketID:    o.MarketID.Hex(),
		BaseSize:    json.Number(o.BaseSize.Dec()),
		PriceX18:    json.Number(o.PriceX18.Dec()),
		Expiry:      json.Number(strconv.FormatUint(o.Expiry, 10)),
		Nonce:       json.Number(strconv.FormatUint(o.Nonce, 10)),
		LeverageBps: json.Number(strconv.FormatUint(uint64(o.LeverageBps), 10)),
		MinFillBps:  json.Number(strconv.FormatUint(uint64(o.MinFillBps), 10)),
		Flags:       json.Number(strconv.FormatUint(uint64(o.Flags), 10)),
		IsLong:      o.IsLong,
	}
}

// Key parses the order identity a cancel refers to.
func (c *SignedCancel) Key() (common.Hash, core.OrderKey, error) {
	maker, err := parseAddress("maker", c.Maker)
	if err != nil {
		return common.Hash{}, core.OrderKey{}, err
	}
	market, err := parseBytes32("marketId", c.MarketID)
	if err != nil {
		return common.Hash{}, core.OrderKey{}, err
	}
	nonce, err := parseUint("nonce", c.Nonce, 64)
	if err != nil {
		return common.Hash{}, core.OrderKey{}, err
	}
	return market, core.OrderKey{Maker: maker, Nonce: nonce}, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseBytes32(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: %w", field, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%s: want 32 bytes, got %d", field, len(b))
	}
	return common.BytesToHash(b), nil
}

// parseUint128 parses a decimal uint128.
func parseUint128(field string, n json.Number) (*uint256.Int, error) {
	if n == "" {
		return nil, fmt.Errorf("%s: missing", field)
	}
	b, ok := new(big.Int).SetString(string(n), 10)
	if !ok || b.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid unsigned integer %q", field, n)
	}
	if b.BitLen() > 128 {
		return nil, fmt.Errorf("%s: exceeds uint128", field)
	}
	v, _ := uint256.FromBig(b)
	return v, nil
}

// parseUint treats a missing field as zero, as wallets omit zero-valued fields.
func parseUint(field string, n json.Number, bits int) (uint64, error) {
	if n == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(n), 10, bits)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}
