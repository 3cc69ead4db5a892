package escrow

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the engine. The RPC layer matches on these with
// errors.Is to pick response codes, so they are exported sentinels rather than
// package-private values.
var (
	// ErrZeroAmount rejects deal creation with a non-positive amount.
	ErrZeroAmount = errors.New("escrow engine: amount must be positive")
	// ErrInsufficientFunds rejects deal creation when the attached value does
	// not cover the declared amount.
	ErrInsufficientFunds = errors.New("escrow engine: attached value does not match amount")
	// ErrInvalidState rejects an operation invoked outside its legal phase.
	ErrInvalidState = errors.New("escrow engine: operation not allowed in current state")
	// ErrUnauthorized rejects a caller outside the operation's permitted role set.
	ErrUnauthorized = errors.New("escrow engine: caller not authorized")
	// ErrActionNotAllowed rejects a time-locked action before its window elapses.
	ErrActionNotAllowed = errors.New("escrow engine: time lock has not elapsed")
	// ErrAlreadyFunded rejects a second confirmation of the same deal.
	ErrAlreadyFunded = errors.New("escrow engine: deal already confirmed")
	// ErrDealNotFound reports an id absent from the registry, or a caller with
	// no active deal for the implicit-id operations.
	ErrDealNotFound = errors.New("escrow engine: deal not found")
	// ErrReentrancyBlocked rejects a value-moving call made while an outbound
	// transfer is in flight.
	ErrReentrancyBlocked = errors.New("escrow engine: reentrant call blocked")
	// ErrOwnerOnly rejects governance calls from anyone but the owner.
	ErrOwnerOnly = errors.New("escrow engine: owner only")
	// ErrTransferFailed is the base kind wrapped by TransferError.
	ErrTransferFailed = errors.New("escrow engine: fund transfer failed")

	errNilState = errors.New("escrow engine: state not configured")
)

// Transfer legs identify which recipient rejected an outbound payment.
const (
	LegBuyer   = "buyer"
	LegSeller  = "seller"
	LegManager = "manager"
)

// TransferError reports a rejected outbound payout, naming the rejected leg
// when the transferor attributes one. It unwraps to ErrTransferFailed so
// callers can match the kind without inspecting the leg.
type TransferError struct {
	Leg string
	Err error
}

func (e *TransferError) Error() string {
	if e.Leg == "" {
		return fmt.Sprintf("%v: %v", ErrTransferFailed, e.Err)
	}
	return fmt.Sprintf("%v: %s leg: %v", ErrTransferFailed, e.Leg, e.Err)
}

func (e *TransferError) Unwrap() error { return ErrTransferFailed }
