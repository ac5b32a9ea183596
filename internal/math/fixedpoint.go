// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// DecimalPrecision is the number of fractional digits of every amount,
// price and ratio in the ledger.
const DecimalPrecision = 18

var (
	ErrOverflow       = errors.New("fixedpoint: overflow")
	ErrUnderflow      = errors.New("fixedpoint: underflow")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrInvalidDecimal = errors.New("fixedpoint: invalid decimal")
)

var (
	// Unit is 1.0 (1e18).
	Unit = uint256.NewInt(1_000_000_000_000_000_000)

	// NICRScale is the numerator scale of the nominal ICR (1e20).
	NICRScale = uint256.NewInt(0).Mul(Unit, uint256.NewInt(100))

	// ScaleFactor is the precision step of the stability pool product (1e9).
	ScaleFactor = uint256.NewInt(1_000_000_000)

	// MaxUint stands in for an infinite ratio (debt == 0).
	MaxUint = new(uint256.Int).SetAllOne()
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota // Default everywhere: bias toward under-distribution
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Units returns v * 1e18.
func Units(v uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(v), Unit)
}

// Clone returns a copy of v, treating nil as zero.
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return Zero()
	}
	return v.Clone()
}

// Add returns a + b.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// Sub returns a - b.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s", ErrUnderflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// SaturatingSub returns max(a - b, 0).
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return Zero()
	}
	return new(uint256.Int).Sub(a, b)
}

// Mul returns a * b.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return z, nil
}

// MulDiv returns a * b / d with a 512-bit intermediate product.
func MulDiv(a, b, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, a.Dec(), b.Dec(), d.Dec())
	}

	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(a, b, d)
		if !rem.IsZero() {
			return Add(z, uint256.NewInt(1))
		}
	}

	return z, nil
}

// Div returns a / d.
func Div(a, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(a, d, r)
	if mode == RoundUp && !r.IsZero() {
		return Add(q, uint256.NewInt(1))
	}
	return q, nil
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// ParseDecimal parses a human decimal ("1.1", "1800", "0.005") into 1e18
// fixed point. More than 18 fractional digits is an error, not a rounding.
func ParseDecimal(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDecimal)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > DecimalPrecision {
		return nil, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidDecimal, s, DecimalPrecision)
	}
	frac += strings.Repeat("0", DecimalPrecision-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return Zero(), nil
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
		}
	}

	v, err := uint256.FromDecimal(digits)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDecimal, s, err)
	}
	return v, nil
}

// MustParseDecimal is ParseDecimal for constants and tests.
func MustParseDecimal(s string) *uint256.Int {
	v, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatDecimal renders a 1e18 fixed-point value with trailing zeros trimmed.
func FormatDecimal(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	digits := v.Dec()
	if len(digits) <= DecimalPrecision {
		digits = strings.Repeat("0", DecimalPrecision-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-DecimalPrecision]
	frac := strings.TrimRight(digits[len(digits)-DecimalPrecision:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
