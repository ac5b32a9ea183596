package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"
)

// CheckInvariants verifies the cross-component invariants that must hold
// between operations. A failure means a bug, not bad input.
func (s *System) CheckInvariants() error {
	if sum := s.positions.SumActiveStakes(); !sum.Eq(s.positions.totalStakes) {
		return fmt.Errorf("%w: stakes sum %s != totalStakes %s", ErrInvariantViolation, sum.Dec(), s.positions.totalStakes.Dec())
	}

	if err := s.index.CheckOrdering(); err != nil {
		return err
	}
	if s.index.Size() != s.positions.ActiveCount() {
		return fmt.Errorf("%w: index size %d != active positions %d", ErrInvariantViolation,
			s.index.Size(), s.positions.ActiveCount())
	}
	for i := 0; i < s.positions.ActiveCount(); i++ {
		id := s.positions.ActiveIDAt(i)
		if !s.index.Contains(id) {
			return fmt.Errorf("%w: active position %s missing from index", ErrInvariantViolation, id)
		}
		pos := s.positions.positions[id]
		if pos.ListIndex != i {
			return fmt.Errorf("%w: position %s list index %d, stored at %d", ErrInvariantViolation, id, pos.ListIndex, i)
		}
		if !pos.Collateral.IsZero() && pos.Debt.IsZero() {
			return fmt.Errorf("%w: position %s has collateral without debt", ErrInvariantViolation, id)
		}
	}
	if s.owners.len() != s.positions.ActiveCount() {
		return fmt.Errorf("%w: owner index size %d != active positions %d", ErrInvariantViolation,
			s.owners.len(), s.positions.ActiveCount())
	}

	p := s.pool.p
	if p.IsZero() || p.Gt(fpmath.Unit) {
		return fmt.Errorf("%w: P = %s outside (0, 1e18]", ErrInvariantViolation, p.Dec())
	}
	return nil
}
