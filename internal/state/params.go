package state

import (
	"errors"
	"fmt"
	"os"

	fpmath "CDPLedger/internal/math"

	"github.com/BurntSushi/toml"
	"github.com/holiman/uint256"
)

// Params are the protocol constants every operation is checked against.
type Params struct {
	MCR                 *uint256.Int // Minimum collateralization ratio (1e18 = 100%)
	CCR                 *uint256.Int // Critical collateralization ratio
	MinNetDebt          *uint256.Int // Debt floor per position
	GasCompMode         fpmath.GasCompensationMode
	GasCompDivisor      *uint256.Int // coll / divisor in percent mode (200 = 0.5%)
	LiquidatorReward    *uint256.Int // Fixed reward floor in fixed/min modes
	MaxBatchSize        int          // Upper bound of liquidateSequence / liquidateSet
	IndexCapacity       int          // Max positions in the sorted index
	GuardPoolWithdrawal bool         // Refuse pool withdrawals while a position is below MCR
}

// ParamsFile is the TOML shape of Params. Ratios and amounts are decimal
// strings ("1.1", "1800").
type ParamsFile struct {
	MCR                 string `toml:"mcr"`
	CCR                 string `toml:"ccr"`
	MinNetDebt          string `toml:"min_net_debt"`
	GasCompMode         string `toml:"gas_compensation_mode"`
	GasCompDivisor      uint64 `toml:"gas_compensation_divisor"`
	LiquidatorReward    string `toml:"liquidator_reward"`
	MaxBatchSize        int    `toml:"max_batch_size"`
	IndexCapacity       int    `toml:"index_capacity"`
	GuardPoolWithdrawal *bool  `toml:"guard_pool_withdrawal"`
}

// DefaultParams: MCR 110%, CCR 125%, 1800 debt floor, 0.5% gas compensation.
func DefaultParams() Params {
	return Params{
		MCR:                 fpmath.MustParseDecimal("1.1"),
		CCR:                 fpmath.MustParseDecimal("1.25"),
		MinNetDebt:          fpmath.Units(1800),
		GasCompMode:         fpmath.GasCompPercent,
		GasCompDivisor:      uint256.NewInt(200),
		LiquidatorReward:    fpmath.MustParseDecimal("0.2"),
		MaxBatchSize:        100,
		IndexCapacity:       1_000_000,
		GuardPoolWithdrawal: true,
	}
}

// ValidateParams checks that parameters are within valid ranges:
// 1 < MCR <= CCR, divisor > 0, batch and capacity > 0.
func ValidateParams(p Params) error {
	if p.MCR == nil || p.CCR == nil || p.MinNetDebt == nil || p.GasCompDivisor == nil || p.LiquidatorReward == nil {
		return errors.New("params: missing field")
	}
	if !p.MCR.Gt(fpmath.Unit) {
		return fmt.Errorf("mcr must be > 1, got %s", fpmath.FormatDecimal(p.MCR))
	}
	if p.CCR.Lt(p.MCR) {
		return fmt.Errorf("ccr (%s) must be >= mcr (%s)", fpmath.FormatDecimal(p.CCR), fpmath.FormatDecimal(p.MCR))
	}
	if p.MinNetDebt.IsZero() {
		return errors.New("min_net_debt must be > 0")
	}
	if p.GasCompDivisor.IsZero() {
		return errors.New("gas_compensation_divisor must be > 0")
	}
	if p.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be > 0, got %d", p.MaxBatchSize)
	}
	if p.IndexCapacity <= 1 {
		return fmt.Errorf("index_capacity must be > 1, got %d", p.IndexCapacity)
	}
	return nil
}

// LoadParams reads a TOML parameter file. Fields left out keep their
// default. An empty path returns the defaults.
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	if path == "" {
		return p, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("read params file: %w", err)
	}

	var file ParamsFile
	if _, err := toml.Decode(string(raw), &file); err != nil {
		return Params{}, fmt.Errorf("decode params file: %w", err)
	}

	if err := file.apply(&p); err != nil {
		return Params{}, err
	}
	if err := ValidateParams(p); err != nil {
		return Params{}, fmt.Errorf("invalid params in %s: %w", path, err)
	}
	return p, nil
}

func (f ParamsFile) apply(p *Params) error {
	decimals := []struct {
		name string
		in   string
		out  **uint256.Int
	}{
		{"mcr", f.MCR, &p.MCR},
		{"ccr", f.CCR, &p.CCR},
		{"min_net_debt", f.MinNetDebt, &p.MinNetDebt},
		{"liquidator_reward", f.LiquidatorReward, &p.LiquidatorReward},
	}
	for _, d := range decimals {
		if d.in == "" {
			continue
		}
		v, err := fpmath.ParseDecimal(d.in)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.out = v
	}

	if f.GasCompMode != "" {
		mode, err := fpmath.ParseGasCompensationMode(f.GasCompMode)
		if err != nil {
			return err
		}
		p.GasCompMode = mode
	}
	if f.GasCompDivisor != 0 {
		p.GasCompDivisor = uint256.NewInt(f.GasCompDivisor)
	}
	if f.MaxBatchSize != 0 {
		p.MaxBatchSize = f.MaxBatchSize
	}
	if f.IndexCapacity != 0 {
		p.IndexCapacity = f.IndexCapacity
	}
	if f.GuardPoolWithdrawal != nil {
		p.GuardPoolWithdrawal = *f.GuardPoolWithdrawal
	}
	return nil
}
