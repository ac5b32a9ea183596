package state

import "errors"

var (
	// ErrInvalidState: operating on a nonexistent, closed or already-open position.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnauthorized: caller is not the position owner.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrThresholdViolation: resulting ICR < MCR, TCR < CCR, or net debt below floor.
	ErrThresholdViolation = errors.New("threshold violation")

	// ErrRecoveryModeRestriction: operation forbidden while TCR < CCR.
	ErrRecoveryModeRestriction = errors.New("recovery mode restriction")

	// ErrInvariantViolation: the index would become empty or inconsistent,
	// or fixed-point arithmetic failed.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrInsufficientBalance: caller cannot cover a repayment, deposit or top-up.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidArgument: malformed request (zero NICR, full index, empty adjustment).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotLiquidatable: no requested position is liquidatable at the current price.
	ErrNotLiquidatable = errors.New("not liquidatable")

	// ErrNoPrice: no oracle price has been observed yet.
	ErrNoPrice = errors.New("no price available")
)

var errorClasses = []struct {
	err   error
	class string
}{
	{ErrInvalidState, "invalid_state"},
	{ErrUnauthorized, "unauthorized"},
	{ErrThresholdViolation, "threshold_violation"},
	{ErrRecoveryModeRestriction, "recovery_mode_restriction"},
	{ErrInvariantViolation, "invariant_violation"},
	{ErrInsufficientBalance, "insufficient_balance"},
	{ErrInvalidArgument, "invalid_argument"},
	{ErrNotLiquidatable, "not_liquidatable"},
	{ErrNoPrice, "no_price"},
}

// ErrorClass returns a stable label for err's category, or "unknown".
func ErrorClass(err error) string {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.class
		}
	}
	return "unknown"
}
