package state_test

import (
	"testing"

	"CDPLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(n int) []uuid.UUID {
	out := make([]uuid.UUID, n)
	for i := range out {
		out[i] = uuid.New()
	}
	return out
}

func TestSortedIndex_OrdersByNICRDescending(t *testing.T) {
	ix := state.NewSortedPositionIndex(10)
	id := ids(4)

	require.NoError(t, ix.Insert(id[0], uint256.NewInt(20), uuid.Nil, uuid.Nil))
	require.NoError(t, ix.Insert(id[1], uint256.NewInt(40), uuid.Nil, uuid.Nil))
	require.NoError(t, ix.Insert(id[2], uint256.NewInt(10), uuid.Nil, uuid.Nil))
	require.NoError(t, ix.Insert(id[3], uint256.NewInt(30), uuid.Nil, uuid.Nil))

	assert.Equal(t, []uuid.UUID{id[1], id[3], id[0], id[2]}, ix.IDs())
	assert.Equal(t, id[1], ix.First())
	assert.Equal(t, id[2], ix.Last())
	assert.Equal(t, id[0], ix.Next(id[3]))
	assert.Equal(t, id[3], ix.Prev(id[0]))
	assert.Equal(t, uuid.Nil, ix.Prev(id[1]))
	assert.NoError(t, ix.CheckOrdering())
}

func TestSortedIndex_TiesAreFIFO(t *testing.T) {
	ix := state.NewSortedPositionIndex(10)
	id := ids(4)

	for _, x := range id[:3] {
		require.NoError(t, ix.Insert(x, uint256.NewInt(7), uuid.Nil, uuid.Nil))
	}
	require.NoError(t, ix.Insert(id[3], uint256.NewInt(7), id[0], id[1]))

	// The hinted slot sits before an equal key, so the insert walks on to
	// the end of the run.
	assert.Equal(t, []uuid.UUID{id[0], id[1], id[2], id[3]}, ix.IDs())
}

func TestSortedIndex_HintsAndStaleHints(t *testing.T) {
	ix := state.NewSortedPositionIndex(10)
	id := ids(5)
	for i, nicr := range []uint64{50, 40, 30, 20} {
		require.NoError(t, ix.Insert(id[i], uint256.NewInt(nicr), uuid.Nil, uuid.Nil))
	}

	prev, next := ix.FindInsertPosition(uint256.NewInt(25), uuid.Nil, uuid.Nil)
	assert.Equal(t, id[2], prev)
	assert.Equal(t, id[3], next)
	assert.Equal(t, 4, ix.Size(), "FindInsertPosition is read-only")

	// Unknown IDs and hints on the wrong side are discarded.
	require.NoError(t, ix.Insert(id[4], uint256.NewInt(25), uuid.New(), id[0]))
	assert.Equal(t, []uuid.UUID{id[0], id[1], id[2], id[4], id[3]}, ix.IDs())

	assert.True(t, ix.ValidInsertPosition(uint256.NewInt(60), uuid.Nil, id[0]))
	assert.False(t, ix.ValidInsertPosition(uint256.NewInt(60), id[0], id[1]))
	assert.True(t, ix.ValidInsertPosition(uint256.NewInt(1), id[3], uuid.Nil))
}

func TestSortedIndex_InsertErrors(t *testing.T) {
	ix := state.NewSortedPositionIndex(2)
	id := ids(3)

	err := ix.Insert(id[0], uint256.NewInt(0), uuid.Nil, uuid.Nil)
	require.ErrorIs(t, err, state.ErrInvalidArgument)

	require.NoError(t, ix.Insert(id[0], uint256.NewInt(5), uuid.Nil, uuid.Nil))
	err = ix.Insert(id[0], uint256.NewInt(6), uuid.Nil, uuid.Nil)
	require.ErrorIs(t, err, state.ErrInvalidState)

	require.NoError(t, ix.Insert(id[1], uint256.NewInt(6), uuid.Nil, uuid.Nil))
	assert.True(t, ix.IsFull())
	err = ix.Insert(id[2], uint256.NewInt(7), uuid.Nil, uuid.Nil)
	require.ErrorIs(t, err, state.ErrInvalidArgument)

	require.ErrorIs(t, ix.Remove(id[2]), state.ErrInvalidState)
}

func TestSortedIndex_BatchRemoveNonContiguous(t *testing.T) {
	ix := state.NewSortedPositionIndex(10)
	id := ids(6)
	for i := range id {
		require.NoError(t, ix.Insert(id[i], uint256.NewInt(uint64(100-i)), uuid.Nil, uuid.Nil))
	}

	require.NoError(t, ix.BatchRemove([]uuid.UUID{id[4], id[0], id[2]}))
	assert.Equal(t, []uuid.UUID{id[1], id[3], id[5]}, ix.IDs())
	assert.Equal(t, id[1], ix.First())
	assert.Equal(t, id[5], ix.Last())
	assert.NoError(t, ix.CheckOrdering())

	err := ix.BatchRemove([]uuid.UUID{id[1], id[3], id[5]})
	require.ErrorIs(t, err, state.ErrInvariantViolation)
	assert.Equal(t, 3, ix.Size())

	err = ix.BatchRemove([]uuid.UUID{id[1], id[1]})
	require.ErrorIs(t, err, state.ErrInvalidArgument)

	err = ix.BatchRemove([]uuid.UUID{id[0]})
	require.ErrorIs(t, err, state.ErrInvariantViolation)
}

func TestSortedIndex_ReInsert(t *testing.T) {
	ix := state.NewSortedPositionIndex(10)
	id := ids(3)
	for i, nicr := range []uint64{30, 20, 10} {
		require.NoError(t, ix.Insert(id[i], uint256.NewInt(nicr), uuid.Nil, uuid.Nil))
	}

	require.NoError(t, ix.ReInsert(id[2], uint256.NewInt(35), id[2], id[0]))
	assert.Equal(t, []uuid.UUID{id[2], id[0], id[1]}, ix.IDs())
	assert.Equal(t, uint64(35), ix.NICR(id[2]).Uint64())

	require.NoError(t, ix.ReInsert(id[2], uint256.NewInt(1), uuid.Nil, uuid.Nil))
	assert.Equal(t, []uuid.UUID{id[0], id[1], id[2]}, ix.IDs())
	require.ErrorIs(t, ix.ReInsert(uuid.New(), uint256.NewInt(1), uuid.Nil, uuid.Nil), state.ErrInvalidState)
}
