package projection

import (
	"sync"
	"time"

	"CDPLedger/internal/event"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// LiquidationEntry is one liquidated position as seen by its owner.
type LiquidationEntry struct {
	Sequence        int64
	PositionID      uuid.UUID
	Owner           uuid.UUID
	Liquidator      uuid.UUID
	Mode            string
	Absorption      string
	CollBefore      *uint256.Int
	DebtBefore      *uint256.Int
	GasCompensation *uint256.Int
	Timestamp       time.Time
}

// LiquidationHistory keeps the most recent liquidations in memory so the
// query API can answer without a projection-table round trip.
type LiquidationHistory struct {
	mu       sync.RWMutex
	entries  []LiquidationEntry
	capacity int
}

func NewLiquidationHistory(capacity int) *LiquidationHistory {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &LiquidationHistory{
		entries:  make([]LiquidationEntry, 0, capacity),
		capacity: capacity,
	}
}

// Record appends the liquidations of an output, evicting the oldest.
func (h *LiquidationHistory) Record(output ProjectionOutput) {
	if output.Rejected {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, rec := range output.Records {
		r, ok := rec.(*event.PositionLiquidated)
		if !ok {
			continue
		}
		if len(h.entries) == h.capacity {
			copy(h.entries, h.entries[1:])
			h.entries = h.entries[:len(h.entries)-1]
		}
		h.entries = append(h.entries, LiquidationEntry{
			Sequence:        output.Sequence,
			PositionID:      r.PositionID,
			Owner:           r.Owner,
			Liquidator:      r.Liquidator,
			Mode:            r.Mode,
			Absorption:      string(r.Absorption),
			CollBefore:      r.CollBefore,
			DebtBefore:      r.DebtBefore,
			GasCompensation: r.GasCompensation,
			Timestamp:       output.Timestamp,
		})
	}
}

// QueryByOwner returns up to limit liquidations of owner, newest first.
func (h *LiquidationHistory) QueryByOwner(owner uuid.UUID, limit int) []LiquidationEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]LiquidationEntry, 0)
	for i := len(h.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if h.entries[i].Owner == owner {
			result = append(result, h.entries[i])
		}
	}
	return result
}

// Len returns the number of entries held.
func (h *LiquidationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
