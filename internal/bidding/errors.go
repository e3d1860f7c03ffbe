package bidding

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Local precondition failures. No network call is made for any of these.
var (
	ErrAlreadyInFlight = errors.New("a previous bid is still being processed")
	ErrBelowMinimum    = errors.New("bid is below the minimum")
	ErrStaleWrite      = errors.New("auction state not loaded yet")
	ErrAuctionClosed   = errors.New("auction is not accepting bids")
	ErrInvalidAmount   = errors.New("bid amount must be positive")
)

// Write failures.
var (
	ErrServerError = errors.New("server error, please try again in a moment")
	ErrUnreachable = errors.New("auction server unreachable")
)

// BelowMinimumError carries the minimum acceptable amount.
type BelowMinimumError struct {
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("bid must be at least %s", e.Minimum.StringFixed(2))
}

func (e *BelowMinimumError) Unwrap() error {
	return ErrBelowMinimum
}

// RejectionError is a terminal rejection by the server. Reason is the server's text, verbatim.
type RejectionError struct {
	StatusCode int
	Reason     string
}

func (e *RejectionError) Error() string {
	return e.Reason
}
