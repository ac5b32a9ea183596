// internal/math/ratios.go
package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ComputeICR returns coll * price / debt. A debt-free position has an
// infinite ratio, represented as MaxUint.
func ComputeICR(coll, debt, price *uint256.Int) (*uint256.Int, error) {
	if debt.IsZero() {
		return MaxUint.Clone(), nil
	}
	return MulDiv(coll, price, debt, RoundDown)
}

// ComputeNICR returns coll * 1e20 / debt. It carries no price, so the
// relative order of two positions never changes on a price move.
func ComputeNICR(coll, debt *uint256.Int) (*uint256.Int, error) {
	if debt.IsZero() {
		return MaxUint.Clone(), nil
	}
	return MulDiv(coll, NICRScale, debt, RoundDown)
}

// ComputeTCR is ComputeICR over the system aggregates.
func ComputeTCR(totalColl, totalDebt, price *uint256.Int) (*uint256.Int, error) {
	return ComputeICR(totalColl, totalDebt, price)
}

// ProportionalShare returns amount * part / whole, rounded down.
func ProportionalShare(amount, part, whole *uint256.Int) (*uint256.Int, error) {
	if part.Eq(whole) {
		return amount.Clone(), nil
	}
	return MulDiv(amount, part, whole, RoundDown)
}

// GasCompensationMode selects how the liquidator's collateral reward is sized.
type GasCompensationMode int

const (
	GasCompPercent GasCompensationMode = iota // coll / divisor
	GasCompFixed                              // min(rewardFloor, coll)
	GasCompMin                                // min(coll / divisor, rewardFloor)
)

func (m GasCompensationMode) String() string {
	switch m {
	case GasCompPercent:
		return "percent"
	case GasCompFixed:
		return "fixed"
	case GasCompMin:
		return "min"
	default:
		return "unknown"
	}
}

// ParseGasCompensationMode maps a config string to a mode.
func ParseGasCompensationMode(s string) (GasCompensationMode, error) {
	switch s {
	case "", "percent":
		return GasCompPercent, nil
	case "fixed":
		return GasCompFixed, nil
	case "min":
		return GasCompMin, nil
	default:
		return 0, fmt.Errorf("unknown gas compensation mode %q", s)
	}
}

// CollGasCompensation returns the slice of coll carved out for the caller
// of a liquidation. The result never exceeds coll.
func CollGasCompensation(
	coll *uint256.Int,
	mode GasCompensationMode,
	percentDivisor *uint256.Int,
	rewardFloor *uint256.Int,
) (*uint256.Int, error) {
	var comp *uint256.Int

	switch mode {
	case GasCompPercent:
		q, err := Div(coll, percentDivisor, RoundDown)
		if err != nil {
			return nil, err
		}
		comp = q
	case GasCompFixed:
		comp = rewardFloor.Clone()
	case GasCompMin:
		q, err := Div(coll, percentDivisor, RoundDown)
		if err != nil {
			return nil, err
		}
		comp = Min(q, rewardFloor)
	default:
		return nil, fmt.Errorf("unknown gas compensation mode %d", mode)
	}

	return Min(comp, coll), nil
}
