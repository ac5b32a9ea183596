package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Hints bound the expected slot of a position in the sorted index.
type Hints struct {
	UpperHint uuid.UUID `json:"upper_hint"`
	LowerHint uuid.UUID `json:"lower_hint"`
}

// OpenPosition locks collateral from the caller's wallet and mints debt.
type OpenPosition struct {
	CommandID  uuid.UUID    `json:"command_id"`
	Caller     uuid.UUID    `json:"caller"`
	Collateral *uint256.Int `json:"collateral"`
	Debt       *uint256.Int `json:"debt"`
	Hints
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *OpenPosition) IdempotencyKey() string { return e.CommandID.String() }
func (e *OpenPosition) EventType() EventType   { return EventTypeOpenPosition }
func (e *OpenPosition) Partition() string      { return ownerPartition(e.Caller) }
func (e *OpenPosition) SourceSequence() int64  { return e.Sequence }
func (e *OpenPosition) EventTime() time.Time   { return e.Timestamp }

// AdjustPosition changes the collateral and/or debt of an owned position.
// At most one of CollTopUp / CollWithdrawal may be non-zero.
type AdjustPosition struct {
	CommandID      uuid.UUID    `json:"command_id"`
	Caller         uuid.UUID    `json:"caller"`
	PositionID     uuid.UUID    `json:"position_id"`
	CollTopUp      *uint256.Int `json:"coll_top_up"`
	CollWithdrawal *uint256.Int `json:"coll_withdrawal"`
	DebtChange     *uint256.Int `json:"debt_change"`
	IsDebtIncrease bool         `json:"is_debt_increase"`
	Hints
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *AdjustPosition) IdempotencyKey() string { return e.CommandID.String() }
func (e *AdjustPosition) EventType() EventType   { return EventTypeAdjustPosition }
func (e *AdjustPosition) Partition() string      { return ownerPartition(e.Caller) }
func (e *AdjustPosition) SourceSequence() int64  { return e.Sequence }
func (e *AdjustPosition) EventTime() time.Time   { return e.Timestamp }

// ClosePosition repays the full debt and releases all collateral.
type ClosePosition struct {
	CommandID  uuid.UUID `json:"command_id"`
	Caller     uuid.UUID `json:"caller"`
	PositionID uuid.UUID `json:"position_id"`
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *ClosePosition) IdempotencyKey() string { return e.CommandID.String() }
func (e *ClosePosition) EventType() EventType   { return EventTypeClosePosition }
func (e *ClosePosition) Partition() string      { return ownerPartition(e.Caller) }
func (e *ClosePosition) SourceSequence() int64  { return e.Sequence }
func (e *ClosePosition) EventTime() time.Time   { return e.Timestamp }

func ownerPartition(owner uuid.UUID) string {
	return fmt.Sprintf("owner:%s", owner)
}
