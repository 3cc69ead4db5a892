package escrow

import (
	"fmt"
	"math/big"
)

// DealState represents the lifecycle states of a deal held by the engine. The
// numeric values are part of the external surface (clients switch on them), so
// they must stay stable.
type DealState uint8

const (
	// DealNotFound is the zero sentinel for an id absent from the registry. It
	// is never assigned to a live deal; lookups of unknown ids surface
	// ErrDealNotFound instead.
	DealNotFound DealState = iota
	DealRunning
	DealSuccess
	DealClosed
	DealDispute
)

// Valid reports whether the state value is a live deal state.
func (s DealState) Valid() bool {
	switch s {
	case DealRunning, DealSuccess, DealClosed, DealDispute:
		return true
	default:
		return false
	}
}

func (s DealState) String() string {
	switch s {
	case DealNotFound:
		return "not_found"
	case DealRunning:
		return "running"
	case DealSuccess:
		return "success"
	case DealClosed:
		return "closed"
	case DealDispute:
		return "dispute"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Deal captures the immutable metadata and runtime status of a single escrow
// deal. The identifier is the keccak256 hash of buyer, seller and the creation
// nonce, giving deterministic ids without a coordinator. Buyer, seller and
// amount never change after creation; once the state reaches DealClosed the
// whole record is frozen, including PhaseEnteredAt.
type Deal struct {
	ID     [32]byte
	Buyer  [20]byte
	Seller [20]byte
	Amount *big.Int
	State  DealState
	// PhaseEnteredAt is overwritten on every state transition and anchors both
	// time-lock windows to time spent in the current phase.
	PhaseEnteredAt int64
}

// Clone returns a deep copy of the deal so callers can safely mutate the copy
// without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Amount != nil {
		clone.Amount = new(big.Int).Set(d.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// SanitizeDeal validates and normalises the supplied deal, returning a cloned
// instance with a non-nil amount. The original value is not mutated.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("nil deal")
	}
	clone := d.Clone()
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("deal amount must be positive")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid deal state: %d", clone.State)
	}
	return clone, nil
}

// DisputeRecord pins the identity that opened a dispute. Records are written
// once when the dispute opens and kept forever as an audit trail, including
// after the deal closes.
type DisputeRecord struct {
	DealID    [32]byte
	Initiator [20]byte
	OpenedAt  int64
}

// Clone returns a copy of the record.
func (r *DisputeRecord) Clone() *DisputeRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
