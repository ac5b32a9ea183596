package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SystemSnapshot is the serializable form of a System. Every slice is in a
// deterministic order so the encoding doubles as a state digest.
type SystemSnapshot struct {
	Positions  []PositionRecord `json:"positions"`
	IndexOrder []IndexRecord    `json:"index_order"`
	Nonces     []NonceRecord    `json:"nonces"`
	OpenSeq    int64            `json:"open_seq"`

	TotalStakes             *uint256.Int `json:"total_stakes"`
	TotalStakesSnapshot     *uint256.Int `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot *uint256.Int `json:"total_collateral_snapshot"`

	Rewards RewardsRecord `json:"rewards"`
	Pool    PoolRecord    `json:"pool"`

	ActiveColl  *uint256.Int `json:"active_coll"`
	ActiveDebt  *uint256.Int `json:"active_debt"`
	DefaultColl *uint256.Int `json:"default_coll"`
	DefaultDebt *uint256.Int `json:"default_debt"`
}

type PositionRecord struct {
	ID         uuid.UUID    `json:"id"`
	Owner      uuid.UUID    `json:"owner"`
	Collateral *uint256.Int `json:"collateral"`
	Debt       *uint256.Int `json:"debt"`
	Stake      *uint256.Int `json:"stake"`
	Status     string       `json:"status"`
	ListIndex  int          `json:"list_index"`
	OpenSeq    int64        `json:"open_seq"`
}

type IndexRecord struct {
	ID   uuid.UUID    `json:"id"`
	NICR *uint256.Int `json:"nicr"`
}

type NonceRecord struct {
	Owner uuid.UUID `json:"owner"`
	Next  uint64    `json:"next"`
}

type RewardSnapshotRecord struct {
	ID   uuid.UUID    `json:"id"`
	Coll *uint256.Int `json:"coll"`
	Debt *uint256.Int `json:"debt"`
}

type RewardsRecord struct {
	LCollateral   *uint256.Int           `json:"l_collateral"`
	LDebt         *uint256.Int           `json:"l_debt"`
	LastCollError *uint256.Int           `json:"last_coll_error"`
	LastDebtError *uint256.Int           `json:"last_debt_error"`
	Snapshots     []RewardSnapshotRecord `json:"snapshots"`
}

type SumRecord struct {
	Epoch uint64       `json:"epoch"`
	Scale uint64       `json:"scale"`
	S     *uint256.Int `json:"s"`
}

type DepositRecord struct {
	Depositor    uuid.UUID    `json:"depositor"`
	InitialValue *uint256.Int `json:"initial_value"`
	P            *uint256.Int `json:"p"`
	S            *uint256.Int `json:"s"`
	Epoch        uint64       `json:"epoch"`
	Scale        uint64       `json:"scale"`
}

type PoolRecord struct {
	P                 *uint256.Int    `json:"p"`
	CurrentEpoch      uint64          `json:"current_epoch"`
	CurrentScale      uint64          `json:"current_scale"`
	Sums              []SumRecord     `json:"sums"`
	TotalDeposits     *uint256.Int    `json:"total_deposits"`
	CollBalance       *uint256.Int    `json:"coll_balance"`
	LastCollError     *uint256.Int    `json:"last_coll_error"`
	LastDebtLossError *uint256.Int    `json:"last_debt_loss_error"`
	Deposits          []DepositRecord `json:"deposits"`
}

func uuidLess(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// Export captures the full system state.
func (s *System) Export() *SystemSnapshot {
	pl, ra, sp := s.positions, s.rewards, s.pool

	snap := &SystemSnapshot{
		OpenSeq:                 pl.openSeq,
		TotalStakes:             pl.TotalStakes(),
		TotalStakesSnapshot:     pl.TotalStakesSnapshot(),
		TotalCollateralSnapshot: pl.TotalCollateralSnapshot(),
		ActiveColl:              s.ActiveCollateral(),
		ActiveDebt:              s.ActiveDebt(),
		DefaultColl:             s.DefaultCollateral(),
		DefaultDebt:             s.DefaultDebt(),
	}

	for _, pos := range pl.All() {
		snap.Positions = append(snap.Positions, PositionRecord{
			ID:         pos.ID,
			Owner:      pos.Owner,
			Collateral: pos.Collateral.Clone(),
			Debt:       pos.Debt.Clone(),
			Stake:      pos.Stake.Clone(),
			Status:     pos.Status.String(),
			ListIndex:  pos.ListIndex,
			OpenSeq:    pos.OpenSeq,
		})
	}
	for _, id := range s.index.IDs() {
		snap.IndexOrder = append(snap.IndexOrder, IndexRecord{ID: id, NICR: s.index.NICR(id)})
	}
	for owner, next := range pl.nonces {
		snap.Nonces = append(snap.Nonces, NonceRecord{Owner: owner, Next: next})
	}
	sort.Slice(snap.Nonces, func(i, j int) bool { return uuidLess(snap.Nonces[i].Owner, snap.Nonces[j].Owner) })

	snap.Rewards = RewardsRecord{
		LCollateral:   ra.LCollateral(),
		LDebt:         ra.LDebt(),
		LastCollError: ra.lastCollError.Clone(),
		LastDebtError: ra.lastDebtError.Clone(),
	}
	for id, rs := range ra.snapshots {
		snap.Rewards.Snapshots = append(snap.Rewards.Snapshots, RewardSnapshotRecord{ID: id, Coll: rs.Coll.Clone(), Debt: rs.Debt.Clone()})
	}
	sort.Slice(snap.Rewards.Snapshots, func(i, j int) bool {
		return uuidLess(snap.Rewards.Snapshots[i].ID, snap.Rewards.Snapshots[j].ID)
	})

	snap.Pool = PoolRecord{
		P:                 sp.P(),
		CurrentEpoch:      sp.currentEpoch,
		CurrentScale:      sp.currentScale,
		TotalDeposits:     sp.TotalDeposits(),
		CollBalance:       sp.CollBalance(),
		LastCollError:     sp.lastCollError.Clone(),
		LastDebtLossError: sp.lastDebtLossError.Clone(),
	}
	for key, sum := range sp.sums {
		snap.Pool.Sums = append(snap.Pool.Sums, SumRecord{Epoch: key.Epoch, Scale: key.Scale, S: sum.Clone()})
	}
	sort.Slice(snap.Pool.Sums, func(i, j int) bool {
		a, b := snap.Pool.Sums[i], snap.Pool.Sums[j]
		if a.Epoch != b.Epoch {
			return a.Epoch < b.Epoch
		}
		return a.Scale < b.Scale
	})
	for _, d := range sp.deposits {
		snap.Pool.Deposits = append(snap.Pool.Deposits, DepositRecord{
			Depositor:    d.Depositor,
			InitialValue: d.InitialValue.Clone(),
			P:            d.Snapshot.P.Clone(),
			S:            d.Snapshot.S.Clone(),
			Epoch:        d.Snapshot.Epoch,
			Scale:        d.Snapshot.Scale,
		})
	}
	sort.Slice(snap.Pool.Deposits, func(i, j int) bool {
		return uuidLess(snap.Pool.Deposits[i].Depositor, snap.Pool.Deposits[j].Depositor)
	})

	return snap
}

// Digest is the canonical JSON encoding of Export.
func (s *System) Digest() ([]byte, error) {
	return json.Marshal(s.Export())
}

// Restore replaces the system state with snap. The receiver must not be
// in the middle of an operation.
func (s *System) Restore(snap *SystemSnapshot) error {
	journal := s.journal
	positions := newPositionLedger(journal)
	index := newSortedPositionIndex(s.params.IndexCapacity, journal)
	owners := newOwnerIndex(journal)
	rewards := newRedistributionAccumulator(journal)
	pool := newStabilityPoolLedger(journal)

	positions.openSeq = snap.OpenSeq
	positions.totalStakes = fpmath.Clone(snap.TotalStakes)
	positions.totalStakesSnapshot = fpmath.Clone(snap.TotalStakesSnapshot)
	positions.totalCollateralSnapshot = fpmath.Clone(snap.TotalCollateralSnapshot)

	var active []*Position
	for _, r := range snap.Positions {
		status := ParsePositionStatus(r.Status)
		if status == StatusNonexistent {
			return fmt.Errorf("position %s: unknown status %q", r.ID, r.Status)
		}
		pos := &Position{
			ID:         r.ID,
			Owner:      r.Owner,
			Collateral: fpmath.Clone(r.Collateral),
			Debt:       fpmath.Clone(r.Debt),
			Stake:      fpmath.Clone(r.Stake),
			Status:     status,
			ListIndex:  r.ListIndex,
			OpenSeq:    r.OpenSeq,
		}
		positions.positions[pos.ID] = pos
		if pos.IsActive() {
			active = append(active, pos)
			owners.add(pos.Owner, pos.OpenSeq, pos.ID)
		}
	}
	positions.activeIDs = make([]uuid.UUID, len(active))
	for _, pos := range active {
		if pos.ListIndex < 0 || pos.ListIndex >= len(active) || positions.activeIDs[pos.ListIndex] != uuid.Nil {
			return fmt.Errorf("position %s: bad list index %d", pos.ID, pos.ListIndex)
		}
		positions.activeIDs[pos.ListIndex] = pos.ID
	}
	for _, n := range snap.Nonces {
		positions.nonces[n.Owner] = n.Next
	}

	tail := uuid.Nil
	for _, r := range snap.IndexOrder {
		if err := index.Insert(r.ID, fpmath.Clone(r.NICR), tail, uuid.Nil); err != nil {
			return fmt.Errorf("index %s: %w", r.ID, err)
		}
		tail = r.ID
	}
	if index.Size() != len(active) {
		return fmt.Errorf("index holds %d ids, %d positions active", index.Size(), len(active))
	}

	rewards.lColl = fpmath.Clone(snap.Rewards.LCollateral)
	rewards.lDebt = fpmath.Clone(snap.Rewards.LDebt)
	rewards.lastCollError = fpmath.Clone(snap.Rewards.LastCollError)
	rewards.lastDebtError = fpmath.Clone(snap.Rewards.LastDebtError)
	for _, r := range snap.Rewards.Snapshots {
		rewards.snapshots[r.ID] = RewardSnapshot{Coll: fpmath.Clone(r.Coll), Debt: fpmath.Clone(r.Debt)}
	}

	pool.p = fpmath.Clone(snap.Pool.P)
	pool.currentEpoch = snap.Pool.CurrentEpoch
	pool.currentScale = snap.Pool.CurrentScale
	pool.totalDeposits = fpmath.Clone(snap.Pool.TotalDeposits)
	pool.collBalance = fpmath.Clone(snap.Pool.CollBalance)
	pool.lastCollError = fpmath.Clone(snap.Pool.LastCollError)
	pool.lastDebtLossError = fpmath.Clone(snap.Pool.LastDebtLossError)
	for _, r := range snap.Pool.Sums {
		pool.sums[epochScale{r.Epoch, r.Scale}] = fpmath.Clone(r.S)
	}
	for _, r := range snap.Pool.Deposits {
		pool.deposits[r.Depositor] = Deposit{
			Depositor:    r.Depositor,
			InitialValue: fpmath.Clone(r.InitialValue),
			Snapshot: DepositSnapshot{
				P:     fpmath.Clone(r.P),
				S:     fpmath.Clone(r.S),
				Epoch: r.Epoch,
				Scale: r.Scale,
			},
		}
	}

	s.positions, s.index, s.owners, s.rewards, s.pool = positions, index, owners, rewards, pool
	s.activeColl = fpmath.Clone(snap.ActiveColl)
	s.activeDebt = fpmath.Clone(snap.ActiveDebt)
	s.defaultColl = fpmath.Clone(snap.DefaultColl)
	s.defaultDebt = fpmath.Clone(snap.DefaultDebt)
	return nil
}
