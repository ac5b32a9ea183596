package state_test

import (
	"testing"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStabilityPool_ProvideAndWithdraw(t *testing.T) {
	sp := state.NewStabilityPoolLedger()
	a := uuid.New()

	change, err := sp.Provide(a, dec("100"))
	require.NoError(t, err)
	assert.True(t, change.Before.IsZero())
	assert.Equal(t, dec("100").Dec(), change.After.Dec())

	change, err = sp.Provide(a, dec("50"))
	require.NoError(t, err)
	assert.Equal(t, dec("100").Dec(), change.Before.Dec())
	assert.Equal(t, dec("150").Dec(), sp.TotalDeposits().Dec())

	// Withdrawals are capped at the compounded value.
	change, err = sp.Withdraw(a, dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, dec("150").Dec(), change.Moved.Dec())
	assert.True(t, sp.TotalDeposits().IsZero())

	_, ok := sp.Deposit(a)
	assert.False(t, ok)

	_, err = sp.Withdraw(a, dec("1"))
	require.ErrorIs(t, err, state.ErrInvalidState)
	_, err = sp.Provide(a, fpmath.Zero())
	require.ErrorIs(t, err, state.ErrInvalidArgument)
}

func TestStabilityPool_OffsetCompoundsDeposits(t *testing.T) {
	sp := state.NewStabilityPoolLedger()
	a, b := uuid.New(), uuid.New()
	_, err := sp.Provide(a, dec("300"))
	require.NoError(t, err)
	_, err = sp.Provide(b, dec("100"))
	require.NoError(t, err)

	require.NoError(t, sp.Offset(dec("100"), dec("2")))

	tol := dec("0.000000001")
	ca, err := sp.CompoundedDeposit(a)
	require.NoError(t, err)
	requireApprox(t, dec("225"), ca, tol, "a compounded")
	cb, err := sp.CompoundedDeposit(b)
	require.NoError(t, err)
	requireApprox(t, dec("75"), cb, tol, "b compounded")

	ga, err := sp.CollGain(a)
	require.NoError(t, err)
	requireApprox(t, dec("1.5"), ga, tol, "a gain")

	// Monotone and bounded: never above the initial value.
	assert.False(t, ca.Gt(dec("300")))
	assert.Equal(t, dec("300").Dec(), sp.TotalDeposits().Dec())
	assert.Equal(t, dec("2").Dec(), sp.CollBalance().Dec())

	// Resolving twice with no offset in between is stable.
	ca2, err := sp.CompoundedDeposit(a)
	require.NoError(t, err)
	assert.Equal(t, ca.Dec(), ca2.Dec())

	err = sp.Offset(dec("301"), dec("1"))
	require.ErrorIs(t, err, state.ErrInvariantViolation)
}

func TestStabilityPool_EmptyingOffsetStartsNewEpoch(t *testing.T) {
	sp := state.NewStabilityPoolLedger()
	a := uuid.New()
	_, err := sp.Provide(a, dec("100"))
	require.NoError(t, err)

	require.NoError(t, sp.Offset(dec("100"), dec("1")))

	assert.Equal(t, uint64(1), sp.CurrentEpoch())
	assert.Equal(t, uint64(0), sp.CurrentScale())
	assert.Equal(t, fpmath.Unit.Dec(), sp.P().Dec())
	assert.True(t, sp.TotalDeposits().IsZero())
	assert.True(t, sp.CurrentSum().IsZero())

	compounded, err := sp.CompoundedDeposit(a)
	require.NoError(t, err)
	assert.True(t, compounded.IsZero())

	gain, err := sp.CollGain(a)
	require.NoError(t, err)
	assert.Equal(t, dec("1").Dec(), gain.Dec())

	// A fresh depositor in the new epoch is unaffected by the old one.
	b := uuid.New()
	_, err = sp.Provide(b, dec("10"))
	require.NoError(t, err)
	cb, err := sp.CompoundedDeposit(b)
	require.NoError(t, err)
	assert.Equal(t, dec("10").Dec(), cb.Dec())
}

func TestStabilityPool_ScaleChangeAcrossBoundary(t *testing.T) {
	sp := state.NewStabilityPoolLedger()
	a, b := uuid.New(), uuid.New()
	_, err := sp.Provide(a, dec("1000"))
	require.NoError(t, err)

	// Two 99.9% offsets take P from 1e18 to about 1e12 without emptying.
	for i := 0; i < 2; i++ {
		total := sp.TotalDeposits()
		debt := new(uint256.Int).Sub(total, new(uint256.Int).Div(total, uint256.NewInt(1000)))
		require.NoError(t, sp.Offset(debt, fpmath.Zero()))
	}
	assert.Equal(t, uint64(0), sp.CurrentScale())
	assert.True(t, sp.P().Lt(uint256.NewInt(2_000_000_000_000)))

	_, err = sp.Provide(b, dec("1000"))
	require.NoError(t, err)

	// A 99.95% offset would push P below 1e9, so the scale advances.
	total := sp.TotalDeposits()
	debt := new(uint256.Int).Sub(total, new(uint256.Int).Div(total, uint256.NewInt(2000)))
	require.NoError(t, sp.Offset(debt, dec("10")))

	assert.Equal(t, uint64(1), sp.CurrentScale())
	assert.Equal(t, uint64(0), sp.CurrentEpoch())
	assert.True(t, sp.P().Gt(fpmath.ScaleFactor))

	cb, err := sp.CompoundedDeposit(b)
	require.NoError(t, err)
	requireApprox(t, dec("0.5"), cb, dec("0.0001"), "deposit spanning the scale change")

	gb, err := sp.CollGain(b)
	require.NoError(t, err)
	requireApprox(t, dec("10"), gb, dec("0.0001"), "gain spanning the scale change")

	ca, err := sp.CompoundedDeposit(a)
	require.NoError(t, err)
	assert.True(t, ca.IsZero(), "a's remainder is below the dust threshold")
}

func TestStabilityPool_ClaimGainKeepsDeposit(t *testing.T) {
	sp := state.NewStabilityPoolLedger()
	a := uuid.New()
	_, err := sp.Provide(a, dec("200"))
	require.NoError(t, err)
	require.NoError(t, sp.Offset(dec("50"), dec("4")))

	change, err := sp.ClaimGain(a)
	require.NoError(t, err)
	requireApprox(t, dec("4"), change.CollGain, dec("0.000000001"), "claimed gain")
	requireApprox(t, dec("150"), change.After, dec("0.000000001"), "deposit after claim")

	gain, err := sp.CollGain(a)
	require.NoError(t, err)
	assert.True(t, gain.IsZero())
}

func TestStabilityPool_RepeatedOffsetsStayWithinPool(t *testing.T) {
	sp := state.NewStabilityPoolLedger()
	depositors := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for i, amount := range []string{"1234.567890123456789", "987.654321098765432", "55.555555555555555557"} {
		_, err := sp.Provide(depositors[i], dec(amount))
		require.NoError(t, err)
	}

	sums := func() (deposits, gains *uint256.Int) {
		deposits, gains = fpmath.Zero(), fpmath.Zero()
		for _, d := range depositors {
			c, err := sp.CompoundedDeposit(d)
			require.NoError(t, err)
			g, err := sp.CollGain(d)
			require.NoError(t, err)
			deposits.Add(deposits, c)
			gains.Add(gains, g)
		}
		return deposits, gains
	}

	for i := uint64(0); i < 200; i++ {
		total := sp.TotalDeposits()
		debt := new(uint256.Int).Mul(total, uint256.NewInt(3+i%11))
		debt.Div(debt, uint256.NewInt(997))
		debt.Add(debt, uint256.NewInt(7919*i+1))
		coll := new(uint256.Int).Div(debt, uint256.NewInt(83+i%5))
		coll.Add(coll, uint256.NewInt(104729))
		require.NoError(t, sp.Offset(debt, coll))

		if i%50 == 25 {
			_, err := sp.Provide(depositors[1], dec("1.000000000000000003"))
			require.NoError(t, err)
		}

		deposits, gains := sums()
		require.Falsef(t, deposits.Gt(sp.TotalDeposits()), "offset %d: deposits %s above pool %s",
			i, fpmath.FormatDecimal(deposits), fpmath.FormatDecimal(sp.TotalDeposits()))
		require.Falsef(t, gains.Gt(sp.CollBalance()), "offset %d: gains %s above balance %s",
			i, fpmath.FormatDecimal(gains), fpmath.FormatDecimal(sp.CollBalance()))
	}

	deposits, gains := sums()
	dust := dec("0.000000001")
	requireApprox(t, sp.TotalDeposits(), deposits, dust, "compounded deposits")
	requireApprox(t, sp.CollBalance(), gains, dust, "collateral gains")
}
