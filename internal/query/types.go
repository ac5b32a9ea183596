package query

import (
	"time"

	"github.com/google/uuid"
)

// Amounts in every response are 1e18 fixed-point integers rendered as
// decimal strings.

// PositionResponse is a projected position. Collateral and Debt exclude
// redistribution rewards not yet applied to the position.
type PositionResponse struct {
	PositionID   uuid.UUID `json:"position_id"`
	Owner        uuid.UUID `json:"owner"`
	Collateral   string    `json:"collateral"`
	Debt         string    `json:"debt"`
	Stake        string    `json:"stake"`
	Status       string    `json:"status"`
	LastOp       string    `json:"last_op"`
	Sequence     int64     `json:"sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// DepositResponse is a depositor's stability pool entry as of its last
// operation. The compounded value today may be lower.
type DepositResponse struct {
	Depositor    uuid.UUID `json:"depositor"`
	Amount       string    `json:"amount"`
	LastGain     string    `json:"last_gain"`
	P            string    `json:"p"`
	S            string    `json:"s"`
	Epoch        int64     `json:"epoch"`
	Scale        int64     `json:"scale"`
	Sequence     int64     `json:"sequence"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// SystemResponse carries the protocol globals.
type SystemResponse struct {
	Price         string `json:"price,omitempty"`
	TCR           string `json:"tcr,omitempty"`
	Mode          string `json:"mode,omitempty"`
	LCollateral   string `json:"l_collateral"`
	LDebt         string `json:"l_debt"`
	TotalStakes   string `json:"total_stakes"`
	P             string `json:"p,omitempty"`
	S             string `json:"s,omitempty"`
	CurrentEpoch  int64  `json:"current_epoch"`
	CurrentScale  int64  `json:"current_scale"`
	TotalDeposits string `json:"total_deposits"`
	CollBalance   string `json:"coll_balance"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// LiquidationResponse is one liquidated position.
type LiquidationResponse struct {
	Sequence          int64     `json:"sequence"`
	PositionID        uuid.UUID `json:"position_id"`
	Owner             uuid.UUID `json:"owner"`
	Liquidator        uuid.UUID `json:"liquidator"`
	Mode              string    `json:"mode"`
	Absorption        string    `json:"absorption"`
	ICR               string    `json:"icr,omitempty"`
	CollBefore        string    `json:"coll_before"`
	DebtBefore        string    `json:"debt_before"`
	GasCompensation   string    `json:"gas_compensation"`
	DebtOffset        string    `json:"debt_offset,omitempty"`
	CollToPool        string    `json:"coll_to_pool,omitempty"`
	DebtRedistributed string    `json:"debt_redistributed,omitempty"`
	CollRedistributed string    `json:"coll_redistributed,omitempty"`
	LiquidatedAt      time.Time `json:"liquidated_at"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        string `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	AsOfSequence     int64             `json:"as_of_sequence"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance string `json:"imbalance"`
}
