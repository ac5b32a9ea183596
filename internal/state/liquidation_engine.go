package state

import (
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// liquidationTotals accumulates one batch.
type liquidationTotals struct {
	collBefore *uint256.Int
	debtBefore *uint256.Int
	gasComp    *uint256.Int
	debtOffset *uint256.Int
	collToPool *uint256.Int
	debtRedist *uint256.Int
	collRedist *uint256.Int
}

func newLiquidationTotals() liquidationTotals {
	return liquidationTotals{
		collBefore: fpmath.Zero(),
		debtBefore: fpmath.Zero(),
		gasComp:    fpmath.Zero(),
		debtOffset: fpmath.Zero(),
		collToPool: fpmath.Zero(),
		debtRedist: fpmath.Zero(),
		collRedist: fpmath.Zero(),
	}
}

// liquidationBatch carries the price, mode and TCR observed once at the
// start of a liquidation call, and the pool capacity still unused.
type liquidationBatch struct {
	sys       *System
	caller    uuid.UUID
	price     *uint256.Int
	tcr       *uint256.Int
	mode      Mode
	remaining *uint256.Int // Deposits not yet committed to an offset
	ids       []uuid.UUID
	totals    liquidationTotals
}

func (s *System) newLiquidationBatch(caller uuid.UUID) (*liquidationBatch, error) {
	price, err := s.price()
	if err != nil {
		return nil, err
	}
	mode, tcr, err := s.ModeAt(price)
	if err != nil {
		return nil, err
	}
	return &liquidationBatch{
		sys:       s,
		caller:    caller,
		price:     price,
		tcr:       tcr,
		mode:      mode,
		remaining: s.pool.TotalDeposits(),
		totals:    newLiquidationTotals(),
	}, nil
}

// eligible reports whether id can be liquidated at the batch price. In
// recovery mode a position between MCR and CCR qualifies only while its ICR
// is below TCR, so removing it cannot lower TCR.
func (b *liquidationBatch) eligible(id uuid.UUID) (bool, *uint256.Int, error) {
	icr, err := b.sys.CurrentICR(id, b.price)
	if err != nil {
		return false, nil, err
	}
	p := b.sys.params
	if icr.Lt(p.MCR) {
		return true, icr, nil
	}
	if b.mode == ModeRecovery && icr.Lt(p.CCR) && icr.Lt(b.tcr) {
		return true, icr, nil
	}
	return false, icr, nil
}

// liquidate closes one position and books its absorption split. Index
// removal, pool offset and redistribution are committed by finish.
func (b *liquidationBatch) liquidate(out *Outcome, id uuid.UUID, icr *uint256.Int) error {
	s := b.sys

	pos, err := s.positions.active(id)
	if err != nil {
		return err
	}
	if err := s.applyPendingRewards(out, id); err != nil {
		return err
	}
	owner, openSeq := pos.Owner, pos.OpenSeq
	coll, debt := pos.Collateral.Clone(), pos.Debt.Clone()

	gas, err := fpmath.CollGasCompensation(coll, s.params.GasCompMode, s.params.GasCompDivisor, s.params.LiquidatorReward)
	if err != nil {
		return fmt.Errorf("%w: gas compensation: %v", ErrInvariantViolation, err)
	}
	collToLiquidate := new(uint256.Int).Sub(coll, gas)

	var debtOffset, collToPool *uint256.Int
	if !b.remaining.Lt(debt) {
		debtOffset = debt.Clone()
		collToPool = collToLiquidate.Clone()
	} else {
		debtOffset = b.remaining.Clone()
		collToPool, err = fpmath.MulDiv(collToLiquidate, debtOffset, debt, fpmath.RoundDown)
		if err != nil {
			return fmt.Errorf("%w: offset split: %v", ErrInvariantViolation, err)
		}
	}
	debtRedist := new(uint256.Int).Sub(debt, debtOffset)
	collRedist := new(uint256.Int).Sub(collToLiquidate, collToPool)
	b.remaining = new(uint256.Int).Sub(b.remaining, debtOffset)

	if err := s.positions.Close(id, StatusClosedByLiquidation); err != nil {
		return err
	}
	s.rewards.DeleteSnapshot(id)
	s.owners.remove(owner, openSeq, id)
	if err := s.decreaseActive(coll, debt); err != nil {
		return err
	}

	absorption := event.AbsorptionRedistribution
	switch {
	case !debtOffset.IsZero() && !debtRedist.IsZero():
		absorption = event.AbsorptionBoth
	case !debtOffset.IsZero():
		absorption = event.AbsorptionOffset
	}

	out.transfer(ledger.TransferGasCompensation, b.caller, gas)
	out.emit(&event.PositionLiquidated{
		PositionID:        id,
		Owner:             owner,
		Liquidator:        b.caller,
		Mode:              b.mode.String(),
		ICR:               icr,
		CollBefore:        coll,
		DebtBefore:        debt,
		GasCompensation:   gas,
		DebtOffset:        debtOffset,
		CollToPool:        collToPool,
		DebtRedistributed: debtRedist,
		CollRedistributed: collRedist,
		Absorption:        absorption,
	})

	t := &b.totals
	t.collBefore = new(uint256.Int).Add(t.collBefore, coll)
	t.debtBefore = new(uint256.Int).Add(t.debtBefore, debt)
	t.gasComp = new(uint256.Int).Add(t.gasComp, gas)
	t.debtOffset = new(uint256.Int).Add(t.debtOffset, debtOffset)
	t.collToPool = new(uint256.Int).Add(t.collToPool, collToPool)
	t.debtRedist = new(uint256.Int).Add(t.debtRedist, debtRedist)
	t.collRedist = new(uint256.Int).Add(t.collRedist, collRedist)
	b.ids = append(b.ids, id)
	return nil
}

// finish unlinks the batch from the index in one pass, offsets against the
// pool, redistributes the rest over the surviving stakes and refreshes the
// system snapshots.
func (b *liquidationBatch) finish(out *Outcome) error {
	s := b.sys
	t := b.totals

	if len(b.ids) == 0 {
		return fmt.Errorf("%w: nothing to liquidate", ErrNotLiquidatable)
	}

	if err := s.index.BatchRemove(b.ids); err != nil {
		return err
	}
	if err := s.pool.Offset(t.debtOffset, t.collToPool); err != nil {
		return err
	}
	if err := s.rewards.Redistribute(t.collRedist, t.debtRedist, s.positions.TotalStakes()); err != nil {
		return err
	}
	s.setAggregates(
		s.activeColl,
		s.activeDebt,
		new(uint256.Int).Add(s.defaultColl, t.collRedist),
		new(uint256.Int).Add(s.defaultDebt, t.debtRedist),
	)
	s.positions.UpdateSystemSnapshots(s.EntireSystemColl())

	out.transfer(ledger.TransferPoolOffsetBurn, uuid.Nil, t.debtOffset)
	out.transfer(ledger.TransferPoolCollGain, uuid.Nil, t.collToPool)
	out.transfer(ledger.TransferRedistribution, uuid.Nil, t.collRedist)

	out.emit(&event.LiquidationSummary{
		Liquidator:        b.caller,
		PositionIDs:       append([]uuid.UUID(nil), b.ids...),
		Mode:              b.mode.String(),
		Price:             b.price,
		TotalCollBefore:   t.collBefore,
		TotalDebtBefore:   t.debtBefore,
		GasCompensation:   t.gasComp,
		DebtOffset:        t.debtOffset,
		CollToPool:        t.collToPool,
		DebtRedistributed: t.debtRedist,
		CollRedistributed: t.collRedist,
	})
	if !t.debtOffset.IsZero() {
		out.emit(s.poolEvent())
	}
	out.emit(&event.RedistributionUpdated{
		LCollateral:             s.rewards.LCollateral(),
		LDebt:                   s.rewards.LDebt(),
		TotalStakes:             s.positions.TotalStakes(),
		TotalStakesSnapshot:     s.positions.TotalStakesSnapshot(),
		TotalCollateralSnapshot: s.positions.TotalCollateralSnapshot(),
	})
	return nil
}

// Liquidate liquidates one position. It fails if the position is not
// active, is the last one, or is not liquidatable at the current price.
func (s *System) Liquidate(caller, id uuid.UUID) (Outcome, error) {
	return s.atomically(func(out *Outcome) error {
		if _, err := s.positions.active(id); err != nil {
			return err
		}
		if s.positions.ActiveCount() <= 1 {
			return fmt.Errorf("%w: cannot liquidate the last position", ErrInvariantViolation)
		}

		b, err := s.newLiquidationBatch(caller)
		if err != nil {
			return err
		}
		ok, icr, err := b.eligible(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: position %s has ICR %s", ErrNotLiquidatable, id, fpmath.FormatDecimal(icr))
		}
		if err := b.liquidate(out, id, icr); err != nil {
			return err
		}
		return b.finish(out)
	})
}

// LiquidateSequence liquidates up to n positions from the low-NICR tail,
// stopping at the first one that is not liquidatable.
func (s *System) LiquidateSequence(caller uuid.UUID, n int) (Outcome, error) {
	return s.atomically(func(out *Outcome) error {
		if n <= 0 || n > s.params.MaxBatchSize {
			return fmt.Errorf("%w: batch size %d outside 1..%d", ErrInvalidArgument, n, s.params.MaxBatchSize)
		}

		b, err := s.newLiquidationBatch(caller)
		if err != nil {
			return err
		}

		id := s.index.Last()
		for id != uuid.Nil && len(b.ids) < n && s.positions.ActiveCount() > 1 {
			prev := s.index.Prev(id)
			ok, icr, err := b.eligible(id)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := b.liquidate(out, id, icr); err != nil {
				return err
			}
			id = prev
		}
		return b.finish(out)
	})
}

// LiquidateSet liquidates the eligible members of ids, skipping positions
// that are closed, unknown or not liquidatable.
func (s *System) LiquidateSet(caller uuid.UUID, ids []uuid.UUID) (Outcome, error) {
	return s.atomically(func(out *Outcome) error {
		if len(ids) == 0 || len(ids) > s.params.MaxBatchSize {
			return fmt.Errorf("%w: batch size %d outside 1..%d", ErrInvalidArgument, len(ids), s.params.MaxBatchSize)
		}

		b, err := s.newLiquidationBatch(caller)
		if err != nil {
			return err
		}

		for _, id := range ids {
			if s.positions.Status(id) != StatusActive || s.positions.ActiveCount() <= 1 {
				continue
			}
			ok, icr, err := b.eligible(id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := b.liquidate(out, id, icr); err != nil {
				return err
			}
		}
		return b.finish(out)
	})
}
