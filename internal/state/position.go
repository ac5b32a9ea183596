// internal/state/position.go
package state

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionStatus tracks a position's lifecycle
type PositionStatus int32

const (
	StatusNonexistent PositionStatus = iota
	StatusActive
	StatusClosedByOwner
	StatusClosedByLiquidation
)

// Position is a borrower's collateral/debt pair. Collateral and Debt are
// the stored values; pending redistribution rewards live in the accumulator
// until applied.
type Position struct {
	ID         uuid.UUID
	Owner      uuid.UUID
	Collateral *uint256.Int // 1e18 fixed point
	Debt       *uint256.Int // 1e18 fixed point
	Stake      *uint256.Int
	Status     PositionStatus
	ListIndex  int   // Slot in the active-ID array
	OpenSeq    int64 // Ledger-wide open counter, orders the owner index
}

func (s PositionStatus) String() string {
	switch s {
	case StatusNonexistent:
		return "Nonexistent"
	case StatusActive:
		return "Active"
	case StatusClosedByOwner:
		return "ClosedByOwner"
	case StatusClosedByLiquidation:
		return "ClosedByLiquidation"
	default:
		return "Unknown"
	}
}

// ParsePositionStatus is the inverse of String.
func ParsePositionStatus(s string) PositionStatus {
	for _, st := range []PositionStatus{StatusActive, StatusClosedByOwner, StatusClosedByLiquidation} {
		if st.String() == s {
			return st
		}
	}
	return StatusNonexistent
}

// CanTransitionTo validates state machine transitions
func (s PositionStatus) CanTransitionTo(target PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		StatusNonexistent: {StatusActive},
		StatusActive:      {StatusClosedByOwner, StatusClosedByLiquidation},
	}

	allowed := validTransitions[s]
	for _, a := range allowed {
		if a == target {
			return true
		}
	}
	return false
}

// IsActive reports whether the position is open.
func (p *Position) IsActive() bool {
	return p.Status == StatusActive
}

func (p *Position) clone() *Position {
	c := *p
	return &c
}

// positionNamespace seeds deterministic position IDs.
var positionNamespace = uuid.MustParse("6f1d2c4b-3a59-4e8e-b0c7-52a9d81e6f30")

// DerivePositionID returns the ID of the owner's nonce-th position.
func DerivePositionID(owner uuid.UUID, nonce uint64) uuid.UUID {
	var buf [24]byte
	copy(buf[:16], owner[:])
	binary.BigEndian.PutUint64(buf[16:], nonce)
	return uuid.NewSHA1(positionNamespace, buf[:])
}
