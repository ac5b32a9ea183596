package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ProvideToPool deposits debt tokens into the stability pool.
type ProvideToPool struct {
	CommandID uuid.UUID    `json:"command_id"`
	Caller    uuid.UUID    `json:"caller"`
	Amount    *uint256.Int `json:"amount"`
	Sequence  int64        `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e *ProvideToPool) IdempotencyKey() string { return e.CommandID.String() }
func (e *ProvideToPool) EventType() EventType   { return EventTypeProvideToPool }
func (e *ProvideToPool) Partition() string      { return ownerPartition(e.Caller) }
func (e *ProvideToPool) SourceSequence() int64  { return e.Sequence }
func (e *ProvideToPool) EventTime() time.Time   { return e.Timestamp }

// WithdrawFromPool withdraws up to Amount of the compounded deposit.
// A zero amount only claims the pending collateral gain.
type WithdrawFromPool struct {
	CommandID uuid.UUID    `json:"command_id"`
	Caller    uuid.UUID    `json:"caller"`
	Amount    *uint256.Int `json:"amount"`
	Sequence  int64        `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e *WithdrawFromPool) IdempotencyKey() string { return e.CommandID.String() }
func (e *WithdrawFromPool) EventType() EventType   { return EventTypeWithdrawFromPool }
func (e *WithdrawFromPool) Partition() string      { return ownerPartition(e.Caller) }
func (e *WithdrawFromPool) SourceSequence() int64  { return e.Sequence }
func (e *WithdrawFromPool) EventTime() time.Time   { return e.Timestamp }

// ClaimGainToPosition moves the caller's pool collateral gain into one of
// their positions.
type ClaimGainToPosition struct {
	CommandID  uuid.UUID `json:"command_id"`
	Caller     uuid.UUID `json:"caller"`
	PositionID uuid.UUID `json:"position_id"`
	Hints
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *ClaimGainToPosition) IdempotencyKey() string { return e.CommandID.String() }
func (e *ClaimGainToPosition) EventType() EventType   { return EventTypeClaimGainToPosition }
func (e *ClaimGainToPosition) Partition() string      { return ownerPartition(e.Caller) }
func (e *ClaimGainToPosition) SourceSequence() int64  { return e.Sequence }
func (e *ClaimGainToPosition) EventTime() time.Time   { return e.Timestamp }
