package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// RewardSnapshot is the (L_Collateral, L_Debt) pair a position last saw.
type RewardSnapshot struct {
	Coll *uint256.Int
	Debt *uint256.Int
}

// RedistributionAccumulator keeps the cumulative collateral and debt
// redistributed per unit of stake since genesis. A position's share is
// pulled lazily: stake * (L - snapshot) / 1e18.
type RedistributionAccumulator struct {
	lColl *uint256.Int
	lDebt *uint256.Int

	// Remainders of the last per-unit division, fed into the next one.
	lastCollError *uint256.Int
	lastDebtError *uint256.Int

	snapshots map[uuid.UUID]RewardSnapshot
	journal   *undoLog
}

func NewRedistributionAccumulator() *RedistributionAccumulator {
	return newRedistributionAccumulator(&undoLog{})
}

func newRedistributionAccumulator(journal *undoLog) *RedistributionAccumulator {
	return &RedistributionAccumulator{
		lColl:         fpmath.Zero(),
		lDebt:         fpmath.Zero(),
		lastCollError: fpmath.Zero(),
		lastDebtError: fpmath.Zero(),
		snapshots:     make(map[uuid.UUID]RewardSnapshot),
		journal:       journal,
	}
}

func (ra *RedistributionAccumulator) LCollateral() *uint256.Int { return ra.lColl.Clone() }
func (ra *RedistributionAccumulator) LDebt() *uint256.Int       { return ra.lDebt.Clone() }

// Snapshot returns the snapshot of id; zero values if never taken.
func (ra *RedistributionAccumulator) Snapshot(id uuid.UUID) RewardSnapshot {
	snap, ok := ra.snapshots[id]
	if !ok {
		return RewardSnapshot{Coll: fpmath.Zero(), Debt: fpmath.Zero()}
	}
	return RewardSnapshot{Coll: snap.Coll.Clone(), Debt: snap.Debt.Clone()}
}

// Redistribute spreads coll and debt over totalStakes. totalStakes must be
// the stakes of the positions that will receive the rewards.
func (ra *RedistributionAccumulator) Redistribute(coll, debt, totalStakes *uint256.Int) error {
	if debt.IsZero() && coll.IsZero() {
		return nil
	}
	if totalStakes.IsZero() {
		return fmt.Errorf("%w: redistribution with zero total stakes", ErrInvariantViolation)
	}

	collPerUnit, collErr, err := perUnit(coll, ra.lastCollError, totalStakes)
	if err != nil {
		return err
	}
	debtPerUnit, debtErr, err := perUnit(debt, ra.lastDebtError, totalStakes)
	if err != nil {
		return err
	}

	lColl, err := fpmath.Add(ra.lColl, collPerUnit)
	if err != nil {
		return fmt.Errorf("%w: L_Collateral: %v", ErrInvariantViolation, err)
	}
	lDebt, err := fpmath.Add(ra.lDebt, debtPerUnit)
	if err != nil {
		return fmt.Errorf("%w: L_Debt: %v", ErrInvariantViolation, err)
	}

	old := *ra
	ra.journal.record(func() {
		ra.lColl, ra.lDebt = old.lColl, old.lDebt
		ra.lastCollError, ra.lastDebtError = old.lastCollError, old.lastDebtError
	})
	ra.lColl, ra.lDebt = lColl, lDebt
	ra.lastCollError, ra.lastDebtError = collErr, debtErr
	return nil
}

// perUnit returns (amount*1e18 + carry) / total and the new remainder.
func perUnit(amount, carry, total *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	scaled, err := fpmath.Mul(amount, fpmath.Unit)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	numerator, err := fpmath.Add(scaled, carry)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(numerator, total, r)
	return q, r, nil
}

// Pending returns the rewards accrued by stake since id's snapshot.
func (ra *RedistributionAccumulator) Pending(id uuid.UUID, stake *uint256.Int) (coll, debt *uint256.Int, err error) {
	snap := ra.Snapshot(id)

	coll, err = pendingFor(stake, ra.lColl, snap.Coll)
	if err != nil {
		return nil, nil, err
	}
	debt, err = pendingFor(stake, ra.lDebt, snap.Debt)
	if err != nil {
		return nil, nil, err
	}
	return coll, debt, nil
}

func pendingFor(stake, current, snapshot *uint256.Int) (*uint256.Int, error) {
	delta, err := fpmath.Sub(current, snapshot)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot ahead of accumulator", ErrInvariantViolation)
	}
	if delta.IsZero() || stake.IsZero() {
		return fpmath.Zero(), nil
	}
	v, err := fpmath.MulDiv(stake, delta, fpmath.Unit, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	return v, nil
}

// UpdateSnapshot marks id as having seen every reward so far.
func (ra *RedistributionAccumulator) UpdateSnapshot(id uuid.UUID) {
	ra.setSnapshot(id, RewardSnapshot{Coll: ra.lColl.Clone(), Debt: ra.lDebt.Clone()}, true)
}

// DeleteSnapshot forgets id after closure.
func (ra *RedistributionAccumulator) DeleteSnapshot(id uuid.UUID) {
	ra.setSnapshot(id, RewardSnapshot{}, false)
}

func (ra *RedistributionAccumulator) setSnapshot(id uuid.UUID, snap RewardSnapshot, present bool) {
	old, existed := ra.snapshots[id]
	ra.journal.record(func() {
		if existed {
			ra.snapshots[id] = old
		} else {
			delete(ra.snapshots, id)
		}
	})
	if present {
		ra.snapshots[id] = snap
	} else {
		delete(ra.snapshots, id)
	}
}
