// internal/event/price.go
package event

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// PartitionPrice orders oracle updates. Gaps are tolerated, stale updates ignored.
const PartitionPrice = "price"

// PriceUpdate represents a collateral price from the oracle
type PriceUpdate struct {
	Price          *uint256.Int `json:"price"`          // 1e18 fixed point, debt units per collateral unit
	PriceSequence  int64        `json:"price_sequence"` // Monotonic
	PriceTimestamp int64        `json:"price_ts"`       // Epoch microseconds (versioned input)
}

func (m *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("price:%d", m.PriceSequence)
}

func (m *PriceUpdate) EventType() EventType {
	return EventTypePriceUpdate
}

func (m *PriceUpdate) Partition() string {
	return PartitionPrice
}

func (m *PriceUpdate) SourceSequence() int64 {
	return m.PriceSequence
}

func (m *PriceUpdate) EventTime() time.Time {
	return time.UnixMicro(m.PriceTimestamp).UTC()
}
