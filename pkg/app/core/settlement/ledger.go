package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/bytestrike/matcher/pkg/app/core"
)

// Receipt is what the ledger reports for an accepted fill.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	// Remaining is the maker's remaining size on the ledger after the fill, if known.
	Remaining *uint256.Int
}

// ErrUnconfirmed marks a fill that was sent to the ledger but whose outcome
// was not seen before the deadline. It is inconclusive.
var ErrUnconfirmed = errors.New("settlement sent but unconfirmed")

// Ledger consumes part of a signed maker order on the settlement chain, acting
// with the operator identity as taker. SubmitFill blocks until the fill is
// confirmed or rejected.
//
// Implementations return a *RejectedError when the ledger refused the maker
// order itself. Any other error is treated as inconclusive. Calling SubmitFill
// again with the same maker order and fill after an inconclusive error must
// not consume the fill twice.
type Ledger interface {
	SubmitFill(ctx context.Context, maker *core.Order, fill *uint256.Int) (Receipt, error)
}

// RejectedError means the ledger refused the maker order: already consumed,
// cancelled, expired on-chain, or under-collateralized.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("maker order rejected by ledger: %s", e.Reason)
}

// Reject builds a ledger rejection.
func Reject(format string, args ...interface{}) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// IsRejected reports whether err carries a ledger rejection.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
