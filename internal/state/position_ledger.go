package state

import (
	"fmt"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PositionLedger owns the authoritative balances, stakes and statuses of
// every position, plus the stakes snapshot used to size new stakes.
type PositionLedger struct {
	positions map[uuid.UUID]*Position
	activeIDs []uuid.UUID
	nonces    map[uuid.UUID]uint64
	openSeq   int64

	totalStakes             *uint256.Int
	totalStakesSnapshot     *uint256.Int
	totalCollateralSnapshot *uint256.Int

	journal *undoLog
}

func NewPositionLedger() *PositionLedger {
	return newPositionLedger(&undoLog{})
}

func newPositionLedger(journal *undoLog) *PositionLedger {
	return &PositionLedger{
		positions:               make(map[uuid.UUID]*Position),
		nonces:                  make(map[uuid.UUID]uint64),
		totalStakes:             fpmath.Zero(),
		totalStakesSnapshot:     fpmath.Zero(),
		totalCollateralSnapshot: fpmath.Zero(),
		journal:                 journal,
	}
}

// Get returns a copy of the position, if it has ever existed.
func (pl *PositionLedger) Get(id uuid.UUID) (Position, bool) {
	pos, ok := pl.positions[id]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Status returns StatusNonexistent for unknown IDs.
func (pl *PositionLedger) Status(id uuid.UUID) PositionStatus {
	if pos, ok := pl.positions[id]; ok {
		return pos.Status
	}
	return StatusNonexistent
}

func (pl *PositionLedger) active(id uuid.UUID) (*Position, error) {
	pos, ok := pl.positions[id]
	if !ok || !pos.IsActive() {
		return nil, fmt.Errorf("%w: position %s is not active", ErrInvalidState, id)
	}
	return pos, nil
}

// ActiveCount is the number of open positions.
func (pl *PositionLedger) ActiveCount() int {
	return len(pl.activeIDs)
}

// ActiveIDAt returns the ID stored at slot i of the active-ID array.
func (pl *PositionLedger) ActiveIDAt(i int) uuid.UUID {
	return pl.activeIDs[i]
}

func (pl *PositionLedger) TotalStakes() *uint256.Int             { return pl.totalStakes.Clone() }
func (pl *PositionLedger) TotalStakesSnapshot() *uint256.Int     { return pl.totalStakesSnapshot.Clone() }
func (pl *PositionLedger) TotalCollateralSnapshot() *uint256.Int { return pl.totalCollateralSnapshot.Clone() }

// NextID reserves the owner's next deterministic position ID.
func (pl *PositionLedger) NextID(owner uuid.UUID) uuid.UUID {
	nonce := pl.nonces[owner]
	pl.journal.record(func() { pl.nonces[owner] = nonce })
	pl.nonces[owner] = nonce + 1
	return DerivePositionID(owner, nonce)
}

// ComputeStake sizes a stake for coll against the last system snapshot:
// coll * totalStakesSnapshot / totalCollateralSnapshot, or coll itself
// before the first liquidation.
func (pl *PositionLedger) ComputeStake(coll *uint256.Int) (*uint256.Int, error) {
	if pl.totalCollateralSnapshot.IsZero() {
		return coll.Clone(), nil
	}
	return fpmath.MulDiv(coll, pl.totalStakesSnapshot, pl.totalCollateralSnapshot, fpmath.RoundDown)
}

// Open creates an active position.
func (pl *PositionLedger) Open(id, owner uuid.UUID, coll, debt, minNetDebt *uint256.Int) error {
	if existing, ok := pl.positions[id]; ok && !existing.Status.CanTransitionTo(StatusActive) {
		return fmt.Errorf("%w: position %s already exists (%s)", ErrInvalidState, id, existing.Status)
	}
	if debt.Lt(minNetDebt) {
		return fmt.Errorf("%w: debt %s below floor %s", ErrThresholdViolation,
			fpmath.FormatDecimal(debt), fpmath.FormatDecimal(minNetDebt))
	}

	stake, err := pl.ComputeStake(coll)
	if err != nil {
		return fmt.Errorf("%w: stake: %v", ErrInvariantViolation, err)
	}

	pos := &Position{
		ID:         id,
		Owner:      owner,
		Collateral: coll.Clone(),
		Debt:       debt.Clone(),
		Stake:      fpmath.Zero(),
		Status:     StatusActive,
		ListIndex:  len(pl.activeIDs),
		OpenSeq:    pl.openSeq,
	}

	openSeq := pl.openSeq
	pl.journal.record(func() {
		delete(pl.positions, id)
		pl.activeIDs = pl.activeIDs[:len(pl.activeIDs)-1]
		pl.openSeq = openSeq
	})
	pl.positions[id] = pos
	pl.activeIDs = append(pl.activeIDs, id)
	pl.openSeq++

	return pl.setStake(pos, stake)
}

// SetBalances overwrites stored collateral and debt. The stake is left
// alone: pending-reward application must not resize stakes.
func (pl *PositionLedger) SetBalances(id uuid.UUID, coll, debt *uint256.Int) error {
	pos, err := pl.active(id)
	if err != nil {
		return err
	}
	pl.writeBalances(pos, coll, debt)
	return nil
}

func (pl *PositionLedger) writeBalances(pos *Position, coll, debt *uint256.Int) {
	oldColl, oldDebt := pos.Collateral, pos.Debt
	pl.journal.record(func() {
		pos.Collateral, pos.Debt = oldColl, oldDebt
	})
	pos.Collateral, pos.Debt = coll.Clone(), debt.Clone()
}

// Adjust writes new balances and recomputes the stake from the snapshot
// ratio. Callers apply pending rewards first.
func (pl *PositionLedger) Adjust(id uuid.UUID, coll, debt, minNetDebt *uint256.Int) error {
	pos, err := pl.active(id)
	if err != nil {
		return err
	}
	if debt.Lt(minNetDebt) {
		return fmt.Errorf("%w: debt %s below floor %s", ErrThresholdViolation,
			fpmath.FormatDecimal(debt), fpmath.FormatDecimal(minNetDebt))
	}

	pl.writeBalances(pos, coll, debt)

	stake, err := pl.ComputeStake(coll)
	if err != nil {
		return fmt.Errorf("%w: stake: %v", ErrInvariantViolation, err)
	}
	return pl.setStake(pos, stake)
}

// setStake swaps pos.Stake for stake, keeping totalStakes in step.
func (pl *PositionLedger) setStake(pos *Position, stake *uint256.Int) error {
	without, err := fpmath.Sub(pl.totalStakes, pos.Stake)
	if err != nil {
		return fmt.Errorf("%w: total stakes: %v", ErrInvariantViolation, err)
	}
	total, err := fpmath.Add(without, stake)
	if err != nil {
		return fmt.Errorf("%w: total stakes: %v", ErrInvariantViolation, err)
	}

	oldStake, oldTotal := pos.Stake, pl.totalStakes
	pl.journal.record(func() {
		pos.Stake, pl.totalStakes = oldStake, oldTotal
	})
	pos.Stake, pl.totalStakes = stake.Clone(), total
	return nil
}

// Close zeroes the position, removes its stake and takes it out of the
// active-ID array. The last active position can never be closed.
func (pl *PositionLedger) Close(id uuid.UUID, status PositionStatus) error {
	pos, err := pl.active(id)
	if err != nil {
		return err
	}
	if !pos.Status.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, pos.Status, status)
	}
	if len(pl.activeIDs) <= 1 {
		return fmt.Errorf("%w: cannot close the last position", ErrInvariantViolation)
	}

	if err := pl.setStake(pos, fpmath.Zero()); err != nil {
		return err
	}
	pl.writeBalances(pos, fpmath.Zero(), fpmath.Zero())

	oldStatus, oldIndex := pos.Status, pos.ListIndex
	pl.journal.record(func() {
		pos.Status, pos.ListIndex = oldStatus, oldIndex
	})
	pos.Status = status

	pl.removeActiveID(pos)
	return nil
}

// removeActiveID swap-removes pos from the active-ID array.
func (pl *PositionLedger) removeActiveID(pos *Position) {
	idx := pos.ListIndex
	last := len(pl.activeIDs) - 1
	movedID := pl.activeIDs[last]
	moved := pl.positions[movedID]

	pl.journal.record(func() {
		pl.activeIDs = append(pl.activeIDs[:last], movedID)
		pl.activeIDs[idx] = pos.ID
		moved.ListIndex = last
		pos.ListIndex = idx
	})

	pl.activeIDs[idx] = movedID
	moved.ListIndex = idx
	pl.activeIDs = pl.activeIDs[:last]
	pos.ListIndex = -1
}

// UpdateSystemSnapshots records the stakes/collateral ratio used to size
// future stakes. totalCollateral excludes gas compensation already paid out.
func (pl *PositionLedger) UpdateSystemSnapshots(totalCollateral *uint256.Int) {
	oldStakes, oldColl := pl.totalStakesSnapshot, pl.totalCollateralSnapshot
	pl.journal.record(func() {
		pl.totalStakesSnapshot, pl.totalCollateralSnapshot = oldStakes, oldColl
	})
	pl.totalStakesSnapshot = pl.totalStakes.Clone()
	pl.totalCollateralSnapshot = totalCollateral.Clone()
}

// SumActiveStakes walks every active position. Used by invariant checks.
func (pl *PositionLedger) SumActiveStakes() *uint256.Int {
	sum := fpmath.Zero()
	for _, id := range pl.activeIDs {
		sum = new(uint256.Int).Add(sum, pl.positions[id].Stake)
	}
	return sum
}

// All returns copies of every position ever opened, active first in
// active-array order, then closed ones in open order.
func (pl *PositionLedger) All() []Position {
	out := make([]Position, 0, len(pl.positions))
	for _, id := range pl.activeIDs {
		out = append(out, *pl.positions[id])
	}
	closed := make([]Position, 0, len(pl.positions)-len(pl.activeIDs))
	for _, pos := range pl.positions {
		if !pos.IsActive() {
			closed = append(closed, *pos)
		}
	}
	sortByOpenSeq(closed)
	return append(out, closed...)
}
