// Package settlement executes real swaps between the funding currency and
// a token: a Jupiter quote and swap transaction, signed and sent by an
// external signer, then confirmed over Solana JSON-RPC.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction of a swap relative to the funding currency.
type Direction string

const (
	// DirectionBuy swaps the funding currency into the asset.
	DirectionBuy Direction = "BUY"
	// DirectionSell swaps the asset back into the funding currency.
	DirectionSell Direction = "SELL"
)

var (
	// ErrUnconfirmed is matched by UnconfirmedError.
	ErrUnconfirmed = errors.New("settlement: transaction submitted but not confirmed")

	// ErrRejected is returned when the network reports the transaction failed.
	ErrRejected = errors.New("settlement: transaction rejected")

	// ErrAmountTooSmall is returned when the amount rounds to zero atomic units.
	ErrAmountTooSmall = errors.New("settlement: amount too small for transaction")

	// ErrWalletUnavailable is returned when no signer is configured.
	ErrWalletUnavailable = errors.New("settlement: wallet not connected")
)

// Order is one swap request. Amount is the funding-currency notional for
// BUY and the asset quantity for SELL, in natural units.
type Order struct {
	Direction Direction
	Asset     string
	Amount    decimal.Decimal
}

// Receipt is the outcome of a confirmed swap.
type Receipt struct {
	Reference string
}

// UnconfirmedError carries the reference of a transaction whose
// confirmation timed out, for manual reconciliation.
type UnconfirmedError struct {
	Reference string
	Cause     error
}

func (e *UnconfirmedError) Error() string {
	return fmt.Sprintf("settlement: transaction %s not confirmed: %v", e.Reference, e.Cause)
}

// Is makes errors.Is(err, ErrUnconfirmed) match.
func (e *UnconfirmedError) Is(target error) bool {
	return target == ErrUnconfirmed
}

func (e *UnconfirmedError) Unwrap() error {
	return e.Cause
}
