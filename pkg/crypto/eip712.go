package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/bytestrike/matcher/pkg/app/core"
)

const (
	DomainName    = "ByteStrike-Orders"
	DomainVersion = "1"
)

// EIP712Domain represents the domain separator for EIP-712 typed data.
// It binds signatures to one chain and one order book contract.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain returns the ByteStrike order domain for a deployment.
func NewDomain(chainID *big.Int, contract common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              DomainName,
		Version:           DomainVersion,
		ChainID:           chainID,
		VerifyingContract: contract,
	}
}

// CancelEIP712 is the request a maker signs to pull a resting order.
type CancelEIP712 struct {
	Maker    common.Address
	MarketID common.Hash
	Nonce    uint64
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// orderType mirrors the on-chain Order struct field for field.
var orderType = []apitypes.Type{
	{Name: "maker", Type: "address"},
	{Name: "marketId", Type: "bytes32"},
	{Name: "baseSize", Type: "uint128"},
	{Name: "priceX18", Type: "uint128"},
	{Name: "expiry", Type: "uint64"},
	{Name: "nonce", Type: "uint64"},
	{Name: "leverageBps", Type: "uint16"},
	{Name: "minFillBps", Type: "uint16"},
	{Name: "flags", Type: "uint8"},
	{Name: "isLong", Type: "bool"},
}

var cancelType = []apitypes.Type{
	{Name: "maker", Type: "address"},
	{Name: "marketId", Type: "bytes32"},
	{Name: "nonce", Type: "uint64"},
}

// EIP712Signer hashes, signs and recovers ByteStrike typed data.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func (e *EIP712Signer) typedDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

func orderMessage(o *core.Order) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"maker":       o.Maker.Hex(),
		"marketId":    o.MarketID.Hex(),
		"baseSize":    o.BaseSize.Dec(),
		"priceX18":    o.PriceX18.Dec(),
		"expiry":      fmt.Sprintf("%d", o.Expiry),
		"nonce":       fmt.Sprintf("%d", o.Nonce),
		"leverageBps": fmt.Sprintf("%d", o.LeverageBps),
		"minFillBps":  fmt.Sprintf("%d", o.MinFillBps),
		"flags":       fmt.Sprintf("%d", o.Flags),
		"isLong":      o.IsLong,
	}
}

// HashOrder returns the EIP-712 digest of the signed fields of o.
func (e *EIP712Signer) HashOrder(o *core.Order) ([]byte, error) {
	if o.BaseSize == nil || o.PriceX18 == nil {
		return nil, fmt.Errorf("order %s has no size or price", o.Key())
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order":        orderType,
		},
		PrimaryType: "Order",
		Domain:      e.typedDomain(),
		Message:     orderMessage(o),
	}
	return digest(typedData)
}

// HashCancel returns the EIP-712 digest of a cancel request.
func (e *EIP712Signer) HashCancel(c *CancelEIP712) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Cancel":       cancelType,
		},
		PrimaryType: "Cancel",
		Domain:      e.typedDomain(),
		Message: apitypes.TypedDataMessage{
			"maker":    c.Maker.Hex(),
			"marketId": c.MarketID.Hex(),
			"nonce":    fmt.Sprintf("%d", c.Nonce),
		},
	}
	return digest(typedData)
}

func digest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignOrder signs o the way wallets do for eth_signTypedData_v4 (V = 27/28).
func (e *EIP712Signer) SignOrder(signer *Signer, o *core.Order) ([]byte, error) {
	hash, err := e.HashOrder(o)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return signer.SignTyped(hash)
}

func (e *EIP712Signer) SignCancel(signer *Signer, c *CancelEIP712) ([]byte, error) {
	hash, err := e.HashCancel(c)
	if err != nil {
		return nil, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return signer.SignTyped(hash)
}

// RecoverOrderSigner recovers the address that signed o.
func (e *EIP712Signer) RecoverOrderSigner(o *core.Order, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(o)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

func (e *EIP712Signer) RecoverCancelSigner(c *CancelEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashCancel(c)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash cancel: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// OrderToJSON renders o as eth_signTypedData_v4 input for wallets.
func (e *EIP712Signer) OrderToJSON(o *core.Order) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			"Order":        orderType,
		},
		PrimaryType: "Order",
		Domain:      e.typedDomain(),
		Message:     orderMessage(o),
	}
	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}
