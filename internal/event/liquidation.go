// internal/event/liquidation.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// PartitionLiquidations orders every liquidation command.
const PartitionLiquidations = "liquidations"

// Liquidate targets one position. The caller receives the gas compensation.
type Liquidate struct {
	CommandID  uuid.UUID `json:"command_id"`
	Caller     uuid.UUID `json:"caller"`
	PositionID uuid.UUID `json:"position_id"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *Liquidate) IdempotencyKey() string { return e.CommandID.String() }
func (e *Liquidate) EventType() EventType   { return EventTypeLiquidate }
func (e *Liquidate) Partition() string      { return PartitionLiquidations }
func (e *Liquidate) SourceSequence() int64  { return e.Sequence }
func (e *Liquidate) EventTime() time.Time   { return e.Timestamp }

// LiquidateSequence liquidates up to N positions from the low-ICR tail.
type LiquidateSequence struct {
	CommandID uuid.UUID `json:"command_id"`
	Caller    uuid.UUID `json:"caller"`
	N         int       `json:"n"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *LiquidateSequence) IdempotencyKey() string { return e.CommandID.String() }
func (e *LiquidateSequence) EventType() EventType   { return EventTypeLiquidateSequence }
func (e *LiquidateSequence) Partition() string      { return PartitionLiquidations }
func (e *LiquidateSequence) SourceSequence() int64  { return e.Sequence }
func (e *LiquidateSequence) EventTime() time.Time   { return e.Timestamp }

// LiquidateSet liquidates the eligible members of an explicit ID list.
type LiquidateSet struct {
	CommandID   uuid.UUID   `json:"command_id"`
	Caller      uuid.UUID   `json:"caller"`
	PositionIDs []uuid.UUID `json:"position_ids"`
	Sequence    int64       `json:"sequence"`
	Timestamp   time.Time   `json:"timestamp"`
}

func (e *LiquidateSet) IdempotencyKey() string { return e.CommandID.String() }
func (e *LiquidateSet) EventType() EventType   { return EventTypeLiquidateSet }
func (e *LiquidateSet) Partition() string      { return PartitionLiquidations }
func (e *LiquidateSet) SourceSequence() int64  { return e.Sequence }
func (e *LiquidateSet) EventTime() time.Time   { return e.Timestamp }
