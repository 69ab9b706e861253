package transaction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bytestrike/matcher/pkg/app/core"
	"github.com/bytestrike/matcher/pkg/crypto"
	"github.com/bytestrike/matcher/pkg/util"
)

var (
	ErrMalformed       = errors.New("malformed request")
	ErrBadSignature    = errors.New("signature verification failed")
	ErrSignerMismatch  = errors.New("invalid signature")
	ErrNonPositiveSize = errors.New("order size must be positive")
	ErrExpired         = errors.New("order has expired")
	ErrNonceUsed       = errors.New("nonce already used")
)

// ValidationError rejects a request before it reaches the engine. Status is
// the HTTP status the API answers with.
type ValidationError struct {
	Status int
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(status int, err error, detail string) *ValidationError {
	return &ValidationError{Status: status, Err: err, Detail: detail}
}

// NonceStore consumes (maker, nonce) pairs. ConsumeNonce returns false when
// the pair was consumed before; ReleaseNonce undoes a consumption.
type NonceStore interface {
	ConsumeNonce(maker common.Address, nonce uint64) (bool, error)
	ReleaseNonce(maker common.Address, nonce uint64) error
}

// Verifier authenticates signed orders and cancels.
type Verifier struct {
	eip712 *crypto.EIP712Signer
	nonces NonceStore // nil disables replay protection
	clock  util.Clock
}

func NewVerifier(domain crypto.EIP712Domain, nonces NonceStore, clock util.Clock) *Verifier {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Verifier{
		eip712: crypto.NewEIP712Signer(domain),
		nonces: nonces,
		clock:  clock,
	}
}

// VerifyOrder returns the typed order once its signature, size, expiry and
// nonce check out. The nonce is consumed only when every other check passed.
func (v *Verifier) VerifyOrder(req *SignedOrder) (*core.Order, error) {
	if req == nil || req.Order == nil {
		return nil, invalid(http.StatusBadRequest, ErrMalformed, "missing order")
	}
	o, err := req.Order.ToCoreOrder()
	if err != nil {
		return nil, invalid(http.StatusBadRequest, ErrMalformed, err.Error())
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		return nil, invalid(http.StatusBadRequest, ErrBadSignature, err.Error())
	}

	signer, err := v.eip712.RecoverOrderSigner(o, sig)
	if err != nil {
		return nil, invalid(http.StatusBadRequest, ErrBadSignature, err.Error())
	}
	if signer != o.Maker {
		return nil, invalid(http.StatusUnauthorized, ErrSignerMismatch, "")
	}

	if o.BaseSize.IsZero() {
		return nil, invalid(http.StatusBadRequest, ErrNonPositiveSize, "")
	}
	if o.Expired(v.clock.Now()) {
		return nil, invalid(http.StatusBadRequest, ErrExpired, "")
	}

	if v.nonces != nil {
		fresh, err := v.nonces.ConsumeNonce(o.Maker, o.Nonce)
		if err != nil {
			return nil, fmt.Errorf("consume nonce: %w", err)
		}
		if !fresh {
			return nil, invalid(http.StatusBadRequest, ErrNonceUsed, fmt.Sprintf("nonce %d", o.Nonce))
		}
	}

	o.Signature = sig
	return o, nil
}

// ReleaseOrder hands back the nonce VerifyOrder consumed for o. Call it when
// the order was refused before reaching the book, so the maker's signed order
// stays usable.
func (v *Verifier) ReleaseOrder(o *core.Order) error {
	if v.nonces == nil {
		return nil
	}
	return v.nonces.ReleaseNonce(o.Maker, o.Nonce)
}

// VerifyCancel authenticates a cancel request and returns the order it names.
func (v *Verifier) VerifyCancel(req *SignedCancel) (common.Hash, core.OrderKey, error) {
	if req == nil {
		return common.Hash{}, core.OrderKey{}, invalid(http.StatusBadRequest, ErrMalformed, "missing cancel")
	}
	market, key, err := req.Key()
	if err != nil {
		return common.Hash{}, core.OrderKey{}, invalid(http.StatusBadRequest, ErrMalformed, err.Error())
	}
	sig, err := decodeSignature(req.Signature)
	if err != nil {
		return common.Hash{}, core.OrderKey{}, invalid(http.StatusBadRequest, ErrBadSignature, err.Error())
	}

	signer, err := v.eip712.RecoverCancelSigner(&crypto.CancelEIP712{
		Maker:    key.Maker,
		MarketID: market,
		Nonce:    key.Nonce,
	}, sig)
	if err != nil {
		return common.Hash{}, core.OrderKey{}, invalid(http.StatusBadRequest, ErrBadSignature, err.Error())
	}
	if signer != key.Maker {
		return common.Hash{}, core.OrderKey{}, invalid(http.StatusUnauthorized, ErrSignerMismatch, "")
	}
	return market, key, nil
}

// decodeSignature decodes a hex-encoded 65-byte signature with or without 0x.
func decodeSignature(sigHex string) ([]byte, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}

// StatusOf maps an error to an HTTP status: the ValidationError status when
// present, 500 otherwise.
func StatusOf(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Status
	}
	return http.StatusInternalServerError
}
