package state_test

import (
	"encoding/json"
	"testing"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreeDepositorsAbsorbOneLiquidation(t *testing.T) {
	h := newHarness(t, "200")
	liquidator := uuid.New()

	depositors := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, d := range depositors {
		h.open(d, "200", "10000")
		h.commit(h.sys.ProvideToPool(d, dec("10000")))
	}
	victim := h.open(uuid.New(), "100", "10000")

	h.setPrice("100")
	icr, err := h.sys.CurrentICR(victim, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, dec("1").Dec(), icr.Dec())

	out := h.commit(h.sys.Liquidate(liquidator, victim))

	rec := findLiquidated(t, out, victim)
	assert.Equal(t, event.AbsorptionOffset, rec.Absorption)
	assert.Equal(t, dec("0.5").Dec(), rec.GasCompensation.Dec())
	assert.Equal(t, dec("10000").Dec(), rec.DebtOffset.Dec())
	assert.Equal(t, dec("99.5").Dec(), rec.CollToPool.Dec())
	assert.True(t, rec.DebtRedistributed.IsZero())
	assert.Equal(t, "normal", rec.Mode)

	tol := dec("0.000001")
	for _, d := range depositors {
		compounded, err := h.sys.Pool().CompoundedDeposit(d)
		require.NoError(t, err)
		requireApprox(t, dec("6666.666666666666666"), compounded, tol, "compounded deposit")

		gain, err := h.sys.Pool().CollGain(d)
		require.NoError(t, err)
		requireApprox(t, dec("33.166666666666666"), gain, tol, "collateral gain")
	}

	assert.Equal(t, dec("0.5").Dec(), h.tracker.CollateralBalanceOf(liquidator).Dec())
	assert.Equal(t, uint64(0), h.sys.CurrentEpoch())
	assert.True(t, h.sys.P().Lt(fpmath.Unit))
}

func TestPriceHalvingMakesPositionLiquidatable(t *testing.T) {
	h := newHarness(t, "200")

	victim := h.open(uuid.New(), "20", "2000")
	survivorOwner := uuid.New()
	survivor := h.open(survivorOwner, "100", "2000")

	icr, err := h.sys.CurrentICR(victim, dec("200"))
	require.NoError(t, err)
	assert.Equal(t, dec("2").Dec(), icr.Dec())

	_, err = h.sys.Liquidate(uuid.New(), victim)
	require.ErrorIs(t, err, state.ErrNotLiquidatable)

	h.setPrice("100")
	out := h.commit(h.sys.Liquidate(uuid.New(), victim))

	rec := findLiquidated(t, out, victim)
	assert.Equal(t, event.AbsorptionRedistribution, rec.Absorption)
	assert.Equal(t, dec("0.1").Dec(), rec.GasCompensation.Dec())

	pos, ok := h.sys.Positions().Get(victim)
	require.True(t, ok)
	assert.Equal(t, state.StatusClosedByLiquidation, pos.Status)
	assert.True(t, pos.Collateral.IsZero())
	assert.True(t, pos.Debt.IsZero())
	assert.True(t, pos.Stake.IsZero())
	assert.False(t, h.sys.Index().Contains(victim))
	assert.Empty(t, h.sys.PositionsOfOwner(rec.Owner))

	// The survivor holds every stake, so it receives the whole remainder.
	coll, debt, pendingColl, pendingDebt, err := h.sys.EntireDebtAndColl(survivor)
	require.NoError(t, err)
	assert.Equal(t, dec("19.9").Dec(), pendingColl.Dec())
	assert.Equal(t, dec("2000").Dec(), pendingDebt.Dec())
	assert.Equal(t, dec("119.9").Dec(), coll.Dec())
	assert.Equal(t, dec("4000").Dec(), debt.Dec())

	assert.Equal(t, dec("100").Dec(), h.sys.Positions().TotalStakesSnapshot().Dec())
	assert.Equal(t, dec("119.9").Dec(), h.sys.Positions().TotalCollateralSnapshot().Dec())
	assert.Equal(t, []uuid.UUID{survivor}, h.sys.PositionsOfOwner(survivorOwner))
}

func TestPendingRewardsAreIdempotent(t *testing.T) {
	h := newHarness(t, "200")
	victim := h.open(uuid.New(), "20", "2000")
	owner := uuid.New()
	survivor := h.open(owner, "100", "2000")

	h.setPrice("100")
	h.commit(h.sys.Liquidate(uuid.New(), victim))

	c1, d1, _, _, err := h.sys.EntireDebtAndColl(survivor)
	require.NoError(t, err)
	c2, d2, _, _, err := h.sys.EntireDebtAndColl(survivor)
	require.NoError(t, err)
	assert.Equal(t, c1.Dec(), c2.Dec())
	assert.Equal(t, d1.Dec(), d2.Dec())

	// Any touch applies the rewards; afterwards nothing is pending.
	h.commit(h.sys.CreditCollateral(owner, dec("1")))
	h.commit(h.sys.AdjustPosition(owner, survivor, state.AdjustRequest{CollTopUp: dec("1")}, event.Hints{}))

	coll, debt, pendingColl, pendingDebt, err := h.sys.EntireDebtAndColl(survivor)
	require.NoError(t, err)
	assert.True(t, pendingColl.IsZero())
	assert.True(t, pendingDebt.IsZero())
	assert.Equal(t, dec("120.9").Dec(), coll.Dec())
	assert.Equal(t, dec("4000").Dec(), debt.Dec())
	assert.True(t, h.sys.DefaultCollateral().IsZero())
	assert.True(t, h.sys.DefaultDebt().IsZero())
}

func TestFailedOperationRollsBackPendingRewards(t *testing.T) {
	h := newHarness(t, "200")
	victim := h.open(uuid.New(), "20", "2000")
	owner := uuid.New()
	survivor := h.open(owner, "100", "2000")

	h.setPrice("100")
	h.commit(h.sys.Liquidate(uuid.New(), victim))
	before, err := json.Marshal(h.sys.Export())
	require.NoError(t, err)

	// Withdrawing 80 of 119.9 leaves ICR below MCR; the error comes after
	// the pending rewards were already applied inside the operation.
	_, err = h.sys.AdjustPosition(owner, survivor, state.AdjustRequest{CollWithdrawal: dec("80")}, event.Hints{})
	require.ErrorIs(t, err, state.ErrThresholdViolation)

	after, err := json.Marshal(h.sys.Export())
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))

	pos, _ := h.sys.Positions().Get(survivor)
	assert.Equal(t, dec("100").Dec(), pos.Collateral.Dec())
	require.NoError(t, h.sys.CheckInvariants())
}

func TestPartialOffsetEmptiesPoolAndStartsNewEpoch(t *testing.T) {
	h := newHarness(t, "200")
	victim := h.open(uuid.New(), "20", "2000")
	depositor := uuid.New()
	survivor := h.open(depositor, "100", "2000")
	h.commit(h.sys.ProvideToPool(depositor, dec("1000")))

	h.setPrice("100")
	out := h.commit(h.sys.Liquidate(uuid.New(), victim))

	rec := findLiquidated(t, out, victim)
	assert.Equal(t, event.AbsorptionBoth, rec.Absorption)
	assert.Equal(t, dec("1000").Dec(), rec.DebtOffset.Dec())
	assert.Equal(t, dec("1000").Dec(), rec.DebtRedistributed.Dec())
	assert.Equal(t, dec("9.95").Dec(), rec.CollToPool.Dec())
	assert.Equal(t, dec("9.95").Dec(), rec.CollRedistributed.Dec())

	assert.Equal(t, uint64(1), h.sys.CurrentEpoch())
	assert.Equal(t, uint64(0), h.sys.CurrentScale())
	assert.Equal(t, fpmath.Unit.Dec(), h.sys.P().Dec())

	compounded, err := h.sys.Pool().CompoundedDeposit(depositor)
	require.NoError(t, err)
	assert.True(t, compounded.IsZero())

	// The stale pre-epoch gain stays claimable, here into the position.
	h.commit(h.sys.ClaimGainToPosition(depositor, survivor, event.Hints{}))
	coll, _, _, _, err := h.sys.EntireDebtAndColl(survivor)
	require.NoError(t, err)
	assert.Equal(t, dec("119.9").Dec(), coll.Dec())
	_, ok := h.sys.Pool().Deposit(depositor)
	assert.False(t, ok)
}

func TestLiquidateSequenceStopsAtFirstHealthyPosition(t *testing.T) {
	h := newHarness(t, "200")
	healthy := h.open(uuid.New(), "100", "2000")
	r1 := h.open(uuid.New(), "20", "2000")
	r2 := h.open(uuid.New(), "21", "2000")
	r3 := h.open(uuid.New(), "22", "2000")

	assert.Equal(t, []uuid.UUID{healthy, r3, r2, r1}, h.sys.Index().IDs())

	h.setPrice("100")
	out := h.commit(h.sys.LiquidateSequence(uuid.New(), 10))

	var summary *event.LiquidationSummary
	for _, e := range out.Events {
		if s, ok := e.(*event.LiquidationSummary); ok {
			summary = s
		}
	}
	require.NotNil(t, summary)
	assert.Equal(t, []uuid.UUID{r1, r2}, summary.PositionIDs)
	assert.Equal(t, dec("4000").Dec(), summary.TotalDebtBefore.Dec())
	assert.Equal(t, []uuid.UUID{healthy, r3}, h.sys.Index().IDs())

	// The redistributed debt pushed r3 under MCR; the healthy position is
	// now the last one and can never be liquidated.
	out = h.commit(h.sys.LiquidateSequence(uuid.New(), 10))
	findLiquidated(t, out, r3)
	assert.Equal(t, []uuid.UUID{healthy}, h.sys.Index().IDs())

	_, err := h.sys.LiquidateSequence(uuid.New(), 10)
	require.ErrorIs(t, err, state.ErrNotLiquidatable)

	_, err = h.sys.LiquidateSequence(uuid.New(), 0)
	require.ErrorIs(t, err, state.ErrInvalidArgument)
	_, err = h.sys.LiquidateSequence(uuid.New(), h.sys.Params().MaxBatchSize+1)
	require.ErrorIs(t, err, state.ErrInvalidArgument)
}

func TestLiquidateSetSkipsIneligible(t *testing.T) {
	h := newHarness(t, "200")
	healthy := h.open(uuid.New(), "100", "2000")
	r1 := h.open(uuid.New(), "20", "2000")
	r3 := h.open(uuid.New(), "22", "2000")

	h.setPrice("100")
	out := h.commit(h.sys.LiquidateSet(uuid.New(), []uuid.UUID{r3, r1, healthy, uuid.New(), r1}))

	findLiquidated(t, out, r1)
	assert.Equal(t, state.StatusActive, h.sys.Positions().Status(r3))
	assert.Equal(t, state.StatusActive, h.sys.Positions().Status(healthy))

	_, err := h.sys.LiquidateSet(uuid.New(), []uuid.UUID{healthy})
	require.ErrorIs(t, err, state.ErrNotLiquidatable)
	_, err = h.sys.LiquidateSet(uuid.New(), nil)
	require.ErrorIs(t, err, state.ErrInvalidArgument)
}

func TestLastPositionCannotBeLiquidatedOrClosed(t *testing.T) {
	h := newHarness(t, "200")
	owner := uuid.New()
	only := h.open(owner, "20", "2000")

	_, err := h.sys.ClosePosition(owner, only)
	require.ErrorIs(t, err, state.ErrInvariantViolation)

	h.setPrice("100")
	_, err = h.sys.Liquidate(uuid.New(), only)
	require.ErrorIs(t, err, state.ErrInvariantViolation)
	assert.Equal(t, state.StatusActive, h.sys.Positions().Status(only))
}

func TestRecoveryModeRules(t *testing.T) {
	h := newHarness(t, "200")
	riskyOwner, bigOwner := uuid.New(), uuid.New()
	risky := h.open(riskyOwner, "23", "2000")
	big := h.open(bigOwner, "120", "10000")

	// TCR = 143*100/12000 ≈ 1.19 < CCR.
	h.setPrice("100")
	mode, tcr, err := h.sys.ModeAt(dec("100"))
	require.NoError(t, err)
	assert.Equal(t, state.ModeRecovery, mode)
	assert.True(t, tcr.Lt(dec("1.25")))

	_, err = h.sys.Liquidate(uuid.New(), big)
	require.ErrorIs(t, err, state.ErrNotLiquidatable, "ICR 1.2 is above TCR")

	_, err = h.sys.AdjustPosition(bigOwner, big, state.AdjustRequest{CollWithdrawal: dec("1")}, event.Hints{})
	require.ErrorIs(t, err, state.ErrRecoveryModeRestriction)

	// Lowering ICR is refused as a recovery restriction even when the result
	// also lands below CCR.
	_, err = h.sys.AdjustPosition(bigOwner, big, state.AdjustRequest{DebtChange: dec("100"), IsDebtIncrease: true}, event.Hints{})
	require.ErrorIs(t, err, state.ErrRecoveryModeRestriction)

	// 24*100/2010 ≈ 1.19 raises ICR but stays below CCR.
	h.commit(h.sys.CreditCollateral(riskyOwner, dec("1")))
	_, err = h.sys.AdjustPosition(riskyOwner, risky, state.AdjustRequest{CollTopUp: dec("1"), DebtChange: dec("10"), IsDebtIncrease: true}, event.Hints{})
	require.ErrorIs(t, err, state.ErrThresholdViolation)

	_, err = h.sys.ClosePosition(riskyOwner, risky)
	require.ErrorIs(t, err, state.ErrRecoveryModeRestriction)

	_, err = h.sys.OpenPosition(uuid.New(), dec("12"), dec("1000"), event.Hints{})
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	// ICR 1.15 sits between MCR and CCR and below TCR.
	out := h.commit(h.sys.Liquidate(uuid.New(), risky))
	rec := findLiquidated(t, out, risky)
	assert.Equal(t, "recovery", rec.Mode)
	assert.Equal(t, dec("1.15").Dec(), rec.ICR.Dec())
}

func TestBatchKeepsRecoveryModeFromStart(t *testing.T) {
	build := func() (*harness, uuid.UUID, uuid.UUID) {
		h := newHarness(t, "200")
		depositor := uuid.New()
		h.open(depositor, "130", "10000")
		h.commit(h.sys.ProvideToPool(depositor, dec("2000")))
		a := h.open(uuid.New(), "14", "2000")
		b := h.open(uuid.New(), "23", "2000")

		// TCR = 167*100/14000 ≈ 1.19.
		h.setPrice("100")
		mode, _, err := h.sys.ModeAt(dec("100"))
		require.NoError(t, err)
		require.Equal(t, state.ModeRecovery, mode)
		return h, a, b
	}

	t.Run("set", func(t *testing.T) {
		h, a, b := build()
		out := h.commit(h.sys.LiquidateSet(uuid.New(), []uuid.UUID{a, b}))

		recA := findLiquidated(t, out, a)
		assert.Equal(t, dec("0.7").Dec(), recA.ICR.Dec())

		// Offsetting a lifts TCR above CCR, but b is judged by the mode
		// the batch started in.
		recB := findLiquidated(t, out, b)
		assert.Equal(t, "recovery", recB.Mode)
		assert.Equal(t, dec("1.15").Dec(), recB.ICR.Dec())
		assert.Equal(t, state.StatusClosedByLiquidation, h.sys.Positions().Status(b))

		mode, tcr, err := h.sys.ModeAt(dec("100"))
		require.NoError(t, err)
		assert.Equal(t, state.ModeNormal, mode)
		assert.False(t, tcr.Lt(dec("1.25")))
	})

	t.Run("separate calls", func(t *testing.T) {
		h, a, b := build()
		h.commit(h.sys.Liquidate(uuid.New(), a))

		// A fresh call sees normal mode and b sits above MCR.
		_, err := h.sys.Liquidate(uuid.New(), b)
		require.ErrorIs(t, err, state.ErrNotLiquidatable)
		assert.Equal(t, state.StatusActive, h.sys.Positions().Status(b))
	})
}

func TestBorrowerOperationErrors(t *testing.T) {
	h := newHarness(t, "200")
	owner := uuid.New()
	id := h.open(owner, "100", "2000")
	h.open(uuid.New(), "100", "2000")

	_, err := h.sys.OpenPosition(owner, dec("1"), dec("1000"), event.Hints{})
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	h.commit(h.sys.CreditCollateral(owner, dec("100")))
	_, err = h.sys.OpenPosition(owner, dec("100"), dec("1000"), event.Hints{})
	require.ErrorIs(t, err, state.ErrThresholdViolation, "below debt floor")

	_, err = h.sys.OpenPosition(owner, dec("10"), dec("2000"), event.Hints{})
	require.ErrorIs(t, err, state.ErrThresholdViolation, "ICR below MCR")

	_, err = h.sys.AdjustPosition(uuid.New(), id, state.AdjustRequest{CollTopUp: dec("1")}, event.Hints{})
	require.ErrorIs(t, err, state.ErrUnauthorized)

	_, err = h.sys.AdjustPosition(owner, id, state.AdjustRequest{}, event.Hints{})
	require.ErrorIs(t, err, state.ErrInvalidArgument)

	_, err = h.sys.AdjustPosition(owner, id, state.AdjustRequest{CollTopUp: dec("1"), CollWithdrawal: dec("1")}, event.Hints{})
	require.ErrorIs(t, err, state.ErrInvalidArgument)

	_, err = h.sys.AdjustPosition(owner, uuid.New(), state.AdjustRequest{CollTopUp: dec("1")}, event.Hints{})
	require.ErrorIs(t, err, state.ErrInvalidState)

	h.commit(h.sys.ProvideToPool(owner, dec("1500")))
	_, err = h.sys.ClosePosition(owner, id)
	require.ErrorIs(t, err, state.ErrInsufficientBalance)

	h.commit(h.sys.WithdrawFromPool(owner, dec("1500")))
	out := h.commit(h.sys.ClosePosition(owner, id))
	require.Len(t, out.Events, 1)
	updated := out.Events[0].(*event.PositionUpdated)
	assert.Equal(t, "close", updated.Operation)
	assert.Equal(t, state.StatusClosedByOwner.String(), updated.Status)
	assert.Equal(t, dec("200").Dec(), h.tracker.CollateralBalanceOf(owner).Dec())
	assert.True(t, h.tracker.DebtBalanceOf(owner).IsZero())

	_, err = h.sys.ClosePosition(owner, id)
	require.ErrorIs(t, err, state.ErrInvalidState)
}

func TestAdjustPositionResortsIndex(t *testing.T) {
	h := newHarness(t, "200")
	owner := uuid.New()
	low := h.open(owner, "30", "2000")
	high := h.open(uuid.New(), "100", "2000")
	require.Equal(t, []uuid.UUID{high, low}, h.sys.Index().IDs())

	h.commit(h.sys.CreditCollateral(owner, dec("100")))
	upper, lower := h.sys.FindHints(mustNICR(t, "130", "2000"), 10, 42)
	h.commit(h.sys.AdjustPosition(owner, low, state.AdjustRequest{CollTopUp: dec("100")}, event.Hints{UpperHint: upper, LowerHint: lower}))
	assert.Equal(t, []uuid.UUID{low, high}, h.sys.Index().IDs())

	h.commit(h.sys.AdjustPosition(owner, low, state.AdjustRequest{DebtChange: dec("500"), IsDebtIncrease: true}, event.Hints{}))
	assert.Equal(t, dec("2500").Dec(), h.tracker.DebtBalanceOf(owner).Dec())
	assert.Equal(t, []uuid.UUID{low, high}, h.sys.Index().IDs())
}

func TestWithdrawFromPoolGuard(t *testing.T) {
	h := newHarness(t, "200")
	depositor := uuid.New()
	h.open(depositor, "100", "2000")
	risky := h.open(uuid.New(), "20", "2000")
	h.commit(h.sys.ProvideToPool(depositor, dec("500")))

	h.setPrice("100")
	_, err := h.sys.WithdrawFromPool(depositor, dec("100"))
	require.ErrorIs(t, err, state.ErrThresholdViolation)

	h.commit(h.sys.Liquidate(uuid.New(), risky))

	out := h.commit(h.sys.WithdrawFromPool(depositor, dec("100")))
	upd := out.Events[0].(*event.DepositUpdated)
	assert.Equal(t, "withdraw", upd.Operation)
	assert.True(t, upd.CollGain.Gt(uint256.NewInt(0)))

	_, err = h.sys.WithdrawFromPool(uuid.New(), dec("1"))
	require.ErrorIs(t, err, state.ErrInvalidState)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	h := newHarness(t, "200")
	depositor := uuid.New()
	h.open(depositor, "200", "10000")
	h.commit(h.sys.ProvideToPool(depositor, dec("5000")))
	victim := h.open(uuid.New(), "100", "10000")
	h.open(uuid.New(), "300", "2000")
	h.setPrice("100")
	h.commit(h.sys.Liquidate(uuid.New(), victim))

	raw, err := json.Marshal(h.sys.Export())
	require.NoError(t, err)

	var snap state.SystemSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))

	restored := state.NewSystem(state.DefaultParams(), h.tracker, h.feed)
	require.NoError(t, restored.Restore(&snap))
	require.NoError(t, restored.CheckInvariants())

	want, err := h.sys.Digest()
	require.NoError(t, err)
	got, err := restored.Digest()
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))
	assert.Equal(t, h.sys.Index().IDs(), restored.Index().IDs())
}

func TestApproxHintFindsClosestKey(t *testing.T) {
	h := newHarness(t, "200")
	for _, coll := range []string{"30", "40", "50", "60", "70", "80"} {
		h.open(uuid.New(), coll, "2000")
	}

	target := mustNICR(t, "55", "2000")
	hint, diff, seed := h.sys.ApproxHint(target, 50, 7)
	require.NotEqual(t, uuid.Nil, hint)
	assert.NotEqual(t, uint64(7), seed)
	assert.True(t, diff.Lt(mustNICR(t, "6", "2000")))

	upper, lower := h.sys.FindHints(target, 50, 7)
	assert.True(t, h.sys.Index().ValidInsertPosition(target, upper, lower))
}

func mustNICR(t *testing.T, coll, debt string) *uint256.Int {
	t.Helper()
	nicr, err := fpmath.ComputeNICR(dec(coll), dec(debt))
	require.NoError(t, err)
	return nicr
}
