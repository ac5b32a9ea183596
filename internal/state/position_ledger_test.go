package state_test

import (
	"testing"

	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionLedger_OpenAndStakes(t *testing.T) {
	pl := state.NewPositionLedger()
	owner := uuid.New()
	floor := dec("1800")

	a := pl.NextID(owner)
	b := pl.NextID(owner)
	assert.NotEqual(t, a, b)
	assert.Equal(t, state.DerivePositionID(owner, 0), a)

	require.NoError(t, pl.Open(a, owner, dec("10"), dec("2000"), floor))
	require.NoError(t, pl.Open(b, owner, dec("30"), dec("2000"), floor))
	assert.Equal(t, dec("40").Dec(), pl.TotalStakes().Dec())
	assert.Equal(t, pl.TotalStakes().Dec(), pl.SumActiveStakes().Dec())

	err := pl.Open(a, owner, dec("10"), dec("2000"), floor)
	require.ErrorIs(t, err, state.ErrInvalidState)

	err = pl.Open(uuid.New(), owner, dec("10"), dec("1000"), floor)
	require.ErrorIs(t, err, state.ErrThresholdViolation)

	// After a snapshot of 40 stakes over 50 collateral, new stakes shrink.
	pl.UpdateSystemSnapshots(dec("50"))
	stake, err := pl.ComputeStake(dec("10"))
	require.NoError(t, err)
	assert.Equal(t, dec("8").Dec(), stake.Dec())

	require.NoError(t, pl.Adjust(a, dec("20"), dec("2000"), floor))
	pos, _ := pl.Get(a)
	assert.Equal(t, dec("16").Dec(), pos.Stake.Dec())
	assert.Equal(t, dec("46").Dec(), pl.TotalStakes().Dec())
	assert.Equal(t, pl.TotalStakes().Dec(), pl.SumActiveStakes().Dec())
}

func TestPositionLedger_CloseSwapsActiveArray(t *testing.T) {
	pl := state.NewPositionLedger()
	floor := dec("1800")
	id := make([]uuid.UUID, 3)
	for i := range id {
		id[i] = uuid.New()
		require.NoError(t, pl.Open(id[i], uuid.New(), dec("10"), dec("2000"), floor))
	}

	require.NoError(t, pl.Close(id[0], state.StatusClosedByOwner))
	assert.Equal(t, 2, pl.ActiveCount())
	assert.Equal(t, id[2], pl.ActiveIDAt(0))
	assert.Equal(t, state.StatusClosedByOwner, pl.Status(id[0]))
	assert.Equal(t, dec("20").Dec(), pl.TotalStakes().Dec())

	require.ErrorIs(t, pl.Close(id[0], state.StatusClosedByOwner), state.ErrInvalidState)
	require.NoError(t, pl.Close(id[1], state.StatusClosedByLiquidation))
	require.ErrorIs(t, pl.Close(id[2], state.StatusClosedByOwner), state.ErrInvariantViolation)

	all := pl.All()
	require.Len(t, all, 3)
	assert.Equal(t, id[2], all[0].ID)
	assert.Equal(t, id[0], all[1].ID)
	assert.Equal(t, id[1], all[2].ID)
}

func TestPositionStatus_Transitions(t *testing.T) {
	assert.True(t, state.StatusNonexistent.CanTransitionTo(state.StatusActive))
	assert.True(t, state.StatusActive.CanTransitionTo(state.StatusClosedByLiquidation))
	assert.False(t, state.StatusClosedByOwner.CanTransitionTo(state.StatusActive))
	assert.Equal(t, state.StatusClosedByLiquidation, state.ParsePositionStatus("ClosedByLiquidation"))
	assert.Equal(t, state.StatusNonexistent, state.ParsePositionStatus("bogus"))
}
