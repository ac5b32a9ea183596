package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PartitionWallet orders collateral arriving from outside the system.
const PartitionWallet = "wallet"

// CollateralCredit represents a confirmed collateral deposit into a wallet
type CollateralCredit struct {
	DepositID uuid.UUID    `json:"deposit_id"`
	Account   uuid.UUID    `json:"account"`
	Amount    *uint256.Int `json:"amount"`
	Sequence  int64        `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
}

func (e *CollateralCredit) IdempotencyKey() string { return e.DepositID.String() }
func (e *CollateralCredit) EventType() EventType   { return EventTypeCollateralCredit }
func (e *CollateralCredit) Partition() string      { return PartitionWallet }
func (e *CollateralCredit) SourceSequence() int64  { return e.Sequence }
func (e *CollateralCredit) EventTime() time.Time   { return e.Timestamp }
