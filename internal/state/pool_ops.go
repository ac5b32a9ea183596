package state

import (
	"fmt"

	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ProvideToPool moves amount of the caller's debt tokens into the
// stability pool and pays out any pending collateral gain.
func (s *System) ProvideToPool(caller uuid.UUID, amount *uint256.Int) (Outcome, error) {
	return s.atomically(func(out *Outcome) error {
		if caller == uuid.Nil {
			return fmt.Errorf("%w: nil caller", ErrInvalidArgument)
		}
		amount := orZero(amount)
		if amount.IsZero() {
			return fmt.Errorf("%w: zero deposit", ErrInvalidArgument)
		}
		if s.balances != nil {
			if have := s.balances.DebtBalanceOf(caller); have.Lt(amount) {
				return fmt.Errorf("%w: wallet holds %s debt tokens, need %s", ErrInsufficientBalance,
					fpmath.FormatDecimal(have), fpmath.FormatDecimal(amount))
			}
		}

		change, err := s.pool.Provide(caller, amount)
		if err != nil {
			return err
		}

		out.transfer(ledger.TransferPoolDeposit, caller, change.Moved)
		out.transfer(ledger.TransferPoolGainPayout, caller, change.CollGain)
		out.emit(s.depositEvent("provide", caller, change))
		return nil
	})
}

// WithdrawFromPool withdraws up to amount of the caller's compounded
// deposit. A zero amount only pays out the collateral gain.
func (s *System) WithdrawFromPool(caller uuid.UUID, amount *uint256.Int) (Outcome, error) {
	return s.atomically(func(out *Outcome) error {
		amount := orZero(amount)

		if s.params.GuardPoolWithdrawal && !amount.IsZero() {
			if err := s.requireNoUndercollateralized(); err != nil {
				return err
			}
		}

		change, err := s.pool.Withdraw(caller, amount)
		if err != nil {
			return err
		}

		out.transfer(ledger.TransferPoolWithdraw, caller, change.Moved)
		out.transfer(ledger.TransferPoolGainPayout, caller, change.CollGain)
		out.emit(s.depositEvent("withdraw", caller, change))
		return nil
	})
}

// requireNoUndercollateralized checks the lowest-NICR position against MCR.
func (s *System) requireNoUndercollateralized() error {
	tail := s.index.Last()
	if tail == uuid.Nil {
		return nil
	}
	price, err := s.price()
	if err != nil {
		return err
	}
	icr, err := s.CurrentICR(tail, price)
	if err != nil {
		return err
	}
	if icr.Lt(s.params.MCR) {
		return fmt.Errorf("%w: position %s is below MCR, liquidate it first", ErrThresholdViolation, tail)
	}
	return nil
}
