package core

import (
	"fmt"
	"math/big"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/state"

	"github.com/holiman/uint256"
)

// SnapshotState is everything needed to resume the core without replaying
// the whole log.
type SnapshotState struct {
	Sequence        int64 // Last applied sequence
	StateHash       [32]byte
	System          *state.SystemSnapshot
	Price           *uint256.Int // nil before the first price update
	PriceSequence   int64
	Balances        map[ledger.AccountKey]*big.Int
	SequenceState   map[string]int64
	IdempotencyKeys []string // Composite keys, oldest first
}

// CreateSnapshotState captures the current in-memory state.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		System:          c.system.Export(),
		PriceSequence:   c.feed.Sequence(),
		Balances:        c.balanceTracker.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
	if price, err := c.feed.GetPrice(); err == nil {
		snap.Price = price
	}
	return snap
}

// RestoreFromSnapshot loads a snapshot into a fresh core. The restored
// state must pass the same checks every applied command does.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.system.Restore(snap.System); err != nil {
		return fmt.Errorf("restore system: %w", err)
	}
	if snap.Price != nil {
		if _, err := c.feed.Set(snap.Price, snap.PriceSequence); err != nil {
			return fmt.Errorf("restore price: %w", err)
		}
	}
	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, next)
	}
	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.journalGen.SetSequence(c.sequence)

	if err := c.postCheckInvariants(); err != nil {
		return fmt.Errorf("restored state: %w", err)
	}
	if err := c.system.CheckInvariants(); err != nil {
		return fmt.Errorf("restored state: %w", err)
	}
	return nil
}

// WarmLRU loads recent idempotency keys ahead of replay.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.WarmFromKeys(keys)
}
