package state

import (
	"fmt"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// AdjustRequest is an unsigned form of (collDelta, debtDelta). At most one
// of CollTopUp and CollWithdrawal may be non-zero.
type AdjustRequest struct {
	CollTopUp      *uint256.Int
	CollWithdrawal *uint256.Int
	DebtChange     *uint256.Int
	IsDebtIncrease bool
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return fpmath.Zero()
	}
	return v
}

func (r AdjustRequest) normalized() AdjustRequest {
	return AdjustRequest{
		CollTopUp:      orZero(r.CollTopUp),
		CollWithdrawal: orZero(r.CollWithdrawal),
		DebtChange:     orZero(r.DebtChange),
		IsDebtIncrease: r.IsDebtIncrease,
	}
}

// OpenPosition locks coll from the caller's wallet, mints debt and inserts
// the new position into the index.
func (s *System) OpenPosition(caller uuid.UUID, coll, debt *uint256.Int, hints event.Hints) (Outcome, error) {
	return s.atomically(func(out *Outcome) error {
		if caller == uuid.Nil {
			return fmt.Errorf("%w: nil caller", ErrInvalidArgument)
		}
		coll, debt := orZero(coll), orZero(debt)
		if coll.IsZero() || debt.IsZero() {
			return fmt.Errorf("%w: collateral and debt must be positive", ErrInvalidArgument)
		}
		if s.balances != nil && s.balances.CollateralBalanceOf(caller).Lt(coll) {
			return fmt.Errorf("%w: wallet holds %s collateral, need %s", ErrInsufficientBalance,
				fpmath.FormatDecimal(s.balances.CollateralBalanceOf(caller)), fpmath.FormatDecimal(coll))
		}

		price, err := s.price()
		if err != nil {
			return err
		}
		mode, _, err := s.ModeAt(price)
		if err != nil {
			return err
		}

		icr, err := fpmath.ComputeICR(coll, debt, price)
		if err != nil {
			return fmt.Errorf("%w: ICR: %v", ErrInvariantViolation, err)
		}
		nicr, err := fpmath.ComputeNICR(coll, debt)
		if err != nil {
			return fmt.Errorf("%w: NICR: %v", ErrInvariantViolation, err)
		}

		if mode == ModeRecovery {
			if icr.Lt(s.params.CCR) {
				return fmt.Errorf("%w: ICR %s below CCR in recovery mode", ErrThresholdViolation, fpmath.FormatDecimal(icr))
			}
		} else {
			if icr.Lt(s.params.MCR) {
				return fmt.Errorf("%w: ICR %s below MCR", ErrThresholdViolation, fpmath.FormatDecimal(icr))
			}
			tcr, err := s.newTCR(price, coll, fpmath.Zero(), debt, fpmath.Zero())
			if err != nil {
				return err
			}
			if tcr.Lt(s.params.CCR) {
				return fmt.Errorf("%w: new TCR %s below CCR", ErrThresholdViolation, fpmath.FormatDecimal(tcr))
			}
		}

		id := s.positions.NextID(caller)
		if err := s.positions.Open(id, caller, coll, debt, s.params.MinNetDebt); err != nil {
			return err
		}
		s.rewards.UpdateSnapshot(id)
		if err := s.index.Insert(id, nicr, hints.UpperHint, hints.LowerHint); err != nil {
			return err
		}
		pos, _ := s.positions.Get(id)
		s.owners.add(caller, pos.OpenSeq, id)
		s.increaseActive(coll, debt)

		out.PositionID = id
		out.transfer(ledger.TransferCollateralIn, caller, coll)
		out.transfer(ledger.TransferDebtMint, caller, debt)
		out.emit(s.positionEvent("open", id, fpmath.Zero(), fpmath.Zero()))
		return nil
	})
}

// owned returns the active position id after checking caller owns it.
func (s *System) owned(caller, id uuid.UUID) (*Position, error) {
	pos, err := s.positions.active(id)
	if err != nil {
		return nil, err
	}
	if pos.Owner != caller {
		return nil, fmt.Errorf("%w: %s does not own position %s", ErrUnauthorized, caller, id)
	}
	return pos, nil
}

// AdjustPosition applies pending rewards, moves collateral and debt, and
// re-sorts the position.
func (s *System) AdjustPosition(caller, id uuid.UUID, req AdjustRequest, hints event.Hints) (Outcome, error) {
	req = req.normalized()

	return s.atomically(func(out *Outcome) error {
		if !req.CollTopUp.IsZero() && !req.CollWithdrawal.IsZero() {
			return fmt.Errorf("%w: cannot top up and withdraw collateral together", ErrInvalidArgument)
		}
		if req.CollTopUp.IsZero() && req.CollWithdrawal.IsZero() && req.DebtChange.IsZero() {
			return fmt.Errorf("%w: empty adjustment", ErrInvalidArgument)
		}

		pos, err := s.owned(caller, id)
		if err != nil {
			return err
		}

		price, err := s.price()
		if err != nil {
			return err
		}
		mode, _, err := s.ModeAt(price)
		if err != nil {
			return err
		}

		if err := s.applyPendingRewards(out, id); err != nil {
			return err
		}
		collBefore, debtBefore := pos.Collateral.Clone(), pos.Debt.Clone()

		if req.CollWithdrawal.Gt(collBefore) {
			return fmt.Errorf("%w: withdrawal %s exceeds collateral %s", ErrInvalidArgument,
				fpmath.FormatDecimal(req.CollWithdrawal), fpmath.FormatDecimal(collBefore))
		}
		if !req.IsDebtIncrease && req.DebtChange.Gt(debtBefore) {
			return fmt.Errorf("%w: repayment %s exceeds debt %s", ErrInvalidArgument,
				fpmath.FormatDecimal(req.DebtChange), fpmath.FormatDecimal(debtBefore))
		}

		if s.balances != nil {
			if have := s.balances.CollateralBalanceOf(caller); have.Lt(req.CollTopUp) {
				return fmt.Errorf("%w: wallet holds %s collateral, need %s", ErrInsufficientBalance,
					fpmath.FormatDecimal(have), fpmath.FormatDecimal(req.CollTopUp))
			}
			if have := s.balances.DebtBalanceOf(caller); !req.IsDebtIncrease && have.Lt(req.DebtChange) {
				return fmt.Errorf("%w: wallet holds %s debt tokens, need %s", ErrInsufficientBalance,
					fpmath.FormatDecimal(have), fpmath.FormatDecimal(req.DebtChange))
			}
		}

		newColl := new(uint256.Int).Add(collBefore, req.CollTopUp)
		newColl.Sub(newColl, req.CollWithdrawal)

		var debtIn, debtOut *uint256.Int
		if req.IsDebtIncrease {
			debtIn, debtOut = req.DebtChange, fpmath.Zero()
		} else {
			debtIn, debtOut = fpmath.Zero(), req.DebtChange
		}
		newDebt := new(uint256.Int).Add(debtBefore, debtIn)
		newDebt.Sub(newDebt, debtOut)

		if newColl.IsZero() {
			return fmt.Errorf("%w: adjustment leaves no collateral", ErrThresholdViolation)
		}

		oldICR, err := fpmath.ComputeICR(collBefore, debtBefore, price)
		if err != nil {
			return fmt.Errorf("%w: ICR: %v", ErrInvariantViolation, err)
		}
		newICR, err := fpmath.ComputeICR(newColl, newDebt, price)
		if err != nil {
			return fmt.Errorf("%w: ICR: %v", ErrInvariantViolation, err)
		}

		if mode == ModeRecovery {
			if !req.CollWithdrawal.IsZero() {
				return fmt.Errorf("%w: collateral withdrawal", ErrRecoveryModeRestriction)
			}
			if req.IsDebtIncrease && !req.DebtChange.IsZero() {
				if newICR.Lt(oldICR) {
					return fmt.Errorf("%w: debt increase lowers ICR", ErrRecoveryModeRestriction)
				}
				if newICR.Lt(s.params.CCR) {
					return fmt.Errorf("%w: ICR %s below CCR in recovery mode", ErrThresholdViolation, fpmath.FormatDecimal(newICR))
				}
			}
		} else {
			if newICR.Lt(s.params.MCR) {
				return fmt.Errorf("%w: ICR %s below MCR", ErrThresholdViolation, fpmath.FormatDecimal(newICR))
			}
			tcr, err := s.newTCR(price, req.CollTopUp, req.CollWithdrawal, debtIn, debtOut)
			if err != nil {
				return err
			}
			if tcr.Lt(s.params.CCR) {
				return fmt.Errorf("%w: new TCR %s below CCR", ErrThresholdViolation, fpmath.FormatDecimal(tcr))
			}
		}

		if err := s.positions.Adjust(id, newColl, newDebt, s.params.MinNetDebt); err != nil {
			return err
		}
		nicr, err := fpmath.ComputeNICR(newColl, newDebt)
		if err != nil {
			return fmt.Errorf("%w: NICR: %v", ErrInvariantViolation, err)
		}
		if err := s.index.ReInsert(id, nicr, hints.UpperHint, hints.LowerHint); err != nil {
			return err
		}

		s.increaseActive(req.CollTopUp, debtIn)
		if err := s.decreaseActive(req.CollWithdrawal, debtOut); err != nil {
			return err
		}

		out.transfer(ledger.TransferCollateralIn, caller, req.CollTopUp)
		out.transfer(ledger.TransferCollateralOut, caller, req.CollWithdrawal)
		out.transfer(ledger.TransferDebtMint, caller, debtIn)
		out.transfer(ledger.TransferDebtBurn, caller, debtOut)
		out.emit(s.positionEvent("adjust", id, collBefore, debtBefore))
		return nil
	})
}

// ClosePosition repays the entire debt from the caller's wallet and
// returns all collateral.
func (s *System) ClosePosition(caller, id uuid.UUID) (Outcome, error) {
	return s.atomically(func(out *Outcome) error {
		pos, err := s.owned(caller, id)
		if err != nil {
			return err
		}

		price, err := s.price()
		if err != nil {
			return err
		}
		mode, _, err := s.ModeAt(price)
		if err != nil {
			return err
		}
		if mode == ModeRecovery {
			return fmt.Errorf("%w: close", ErrRecoveryModeRestriction)
		}
		if s.positions.ActiveCount() <= 1 {
			return fmt.Errorf("%w: cannot close the last position", ErrInvariantViolation)
		}

		if err := s.applyPendingRewards(out, id); err != nil {
			return err
		}
		coll, debt := pos.Collateral.Clone(), pos.Debt.Clone()

		tcr, err := s.newTCR(price, fpmath.Zero(), coll, fpmath.Zero(), debt)
		if err != nil {
			return err
		}
		if tcr.Lt(s.params.CCR) {
			return fmt.Errorf("%w: closing would drop TCR to %s", ErrThresholdViolation, fpmath.FormatDecimal(tcr))
		}
		if s.balances != nil {
			if have := s.balances.DebtBalanceOf(caller); have.Lt(debt) {
				return fmt.Errorf("%w: wallet holds %s debt tokens, need %s", ErrInsufficientBalance,
					fpmath.FormatDecimal(have), fpmath.FormatDecimal(debt))
			}
		}

		owner, openSeq := pos.Owner, pos.OpenSeq
		if err := s.positions.Close(id, StatusClosedByOwner); err != nil {
			return err
		}
		if err := s.index.Remove(id); err != nil {
			return err
		}
		s.rewards.DeleteSnapshot(id)
		s.owners.remove(owner, openSeq, id)
		if err := s.decreaseActive(coll, debt); err != nil {
			return err
		}

		out.transfer(ledger.TransferDebtBurn, caller, debt)
		out.transfer(ledger.TransferCollateralOut, caller, coll)
		out.emit(s.positionEvent("close", id, coll, debt))
		return nil
	})
}

// ClaimGainToPosition moves the caller's pool collateral gain into one of
// their positions as a top-up.
func (s *System) ClaimGainToPosition(caller, id uuid.UUID, hints event.Hints) (Outcome, error) {
	return s.atomically(func(out *Outcome) error {
		pos, err := s.owned(caller, id)
		if err != nil {
			return err
		}
		gain, err := s.pool.CollGain(caller)
		if err != nil {
			return err
		}
		if gain.IsZero() {
			return fmt.Errorf("%w: %s has no collateral gain", ErrInvalidState, caller)
		}

		change, err := s.pool.ClaimGain(caller)
		if err != nil {
			return err
		}

		if err := s.applyPendingRewards(out, id); err != nil {
			return err
		}
		collBefore, debtBefore := pos.Collateral.Clone(), pos.Debt.Clone()
		newColl := new(uint256.Int).Add(collBefore, change.CollGain)

		if err := s.positions.Adjust(id, newColl, debtBefore, s.params.MinNetDebt); err != nil {
			return err
		}
		nicr, err := fpmath.ComputeNICR(newColl, debtBefore)
		if err != nil {
			return fmt.Errorf("%w: NICR: %v", ErrInvariantViolation, err)
		}
		if err := s.index.ReInsert(id, nicr, hints.UpperHint, hints.LowerHint); err != nil {
			return err
		}
		s.increaseActive(change.CollGain, fpmath.Zero())

		out.transfer(ledger.TransferPoolGainToPosition, caller, change.CollGain)
		out.emit(s.depositEvent("claim_gain", caller, change))
		out.emit(s.positionEvent("claim_gain", id, collBefore, debtBefore))
		return nil
	})
}
