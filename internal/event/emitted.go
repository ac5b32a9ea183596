package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Emitted is a structured record produced while applying a command. The
// stream of emitted records is enough to rebuild every position, deposit
// and pool global off-chain.
type Emitted interface {
	Kind() string
}

const (
	KindPositionUpdated       = "position_updated"
	KindPositionLiquidated    = "position_liquidated"
	KindLiquidationSummary    = "liquidation_summary"
	KindRedistributionUpdated = "redistribution_updated"
	KindStabilityPoolUpdated  = "stability_pool_updated"
	KindDepositUpdated        = "deposit_updated"
	KindPriceUpdated          = "price_updated"
)

// Absorption tells how a liquidated position's debt was absorbed.
type Absorption string

const (
	AbsorptionOffset         Absorption = "offset"
	AbsorptionRedistribution Absorption = "redistribution"
	AbsorptionBoth           Absorption = "both"
)

// PositionUpdated records a borrower operation on one position.
type PositionUpdated struct {
	PositionID uuid.UUID    `json:"position_id"`
	Owner      uuid.UUID    `json:"owner"`
	Operation  string       `json:"operation"` // open, adjust, close, claim_gain
	CollBefore *uint256.Int `json:"coll_before"`
	DebtBefore *uint256.Int `json:"debt_before"`
	CollAfter  *uint256.Int `json:"coll_after"`
	DebtAfter  *uint256.Int `json:"debt_after"`
	StakeAfter *uint256.Int `json:"stake_after"`
	Status     string       `json:"status"`
}

func (*PositionUpdated) Kind() string { return KindPositionUpdated }

// PositionLiquidated records one liquidated position. CollBefore and
// DebtBefore include redistribution rewards resolved by the liquidation.
type PositionLiquidated struct {
	PositionID        uuid.UUID    `json:"position_id"`
	Owner             uuid.UUID    `json:"owner"`
	Liquidator        uuid.UUID    `json:"liquidator"`
	Mode              string       `json:"mode"`
	ICR               *uint256.Int `json:"icr"`
	CollBefore        *uint256.Int `json:"coll_before"`
	DebtBefore        *uint256.Int `json:"debt_before"`
	GasCompensation   *uint256.Int `json:"gas_compensation"`
	DebtOffset        *uint256.Int `json:"debt_offset"`
	CollToPool        *uint256.Int `json:"coll_to_pool"`
	DebtRedistributed *uint256.Int `json:"debt_redistributed"`
	CollRedistributed *uint256.Int `json:"coll_redistributed"`
	Absorption        Absorption   `json:"absorption"`
}

func (*PositionLiquidated) Kind() string { return KindPositionLiquidated }

// LiquidationSummary closes a liquidation call or batch.
type LiquidationSummary struct {
	Liquidator        uuid.UUID    `json:"liquidator"`
	PositionIDs       []uuid.UUID  `json:"position_ids"`
	Mode              string       `json:"mode"`
	Price             *uint256.Int `json:"price"`
	TotalCollBefore   *uint256.Int `json:"total_coll_before"`
	TotalDebtBefore   *uint256.Int `json:"total_debt_before"`
	GasCompensation   *uint256.Int `json:"gas_compensation"`
	DebtOffset        *uint256.Int `json:"debt_offset"`
	CollToPool        *uint256.Int `json:"coll_to_pool"`
	DebtRedistributed *uint256.Int `json:"debt_redistributed"`
	CollRedistributed *uint256.Int `json:"coll_redistributed"`
}

func (*LiquidationSummary) Kind() string { return KindLiquidationSummary }

// RedistributionUpdated carries the accumulator after a redistribution.
type RedistributionUpdated struct {
	LCollateral             *uint256.Int `json:"l_collateral"`
	LDebt                   *uint256.Int `json:"l_debt"`
	TotalStakes             *uint256.Int `json:"total_stakes"`
	TotalStakesSnapshot     *uint256.Int `json:"total_stakes_snapshot"`
	TotalCollateralSnapshot *uint256.Int `json:"total_collateral_snapshot"`
}

func (*RedistributionUpdated) Kind() string { return KindRedistributionUpdated }

// StabilityPoolUpdated carries the pool globals after an offset.
type StabilityPoolUpdated struct {
	P             *uint256.Int `json:"p"`
	S             *uint256.Int `json:"s"`
	Epoch         uint64       `json:"epoch"`
	Scale         uint64       `json:"scale"`
	TotalDeposits *uint256.Int `json:"total_deposits"`
	CollBalance   *uint256.Int `json:"coll_balance"`
}

func (*StabilityPoolUpdated) Kind() string { return KindStabilityPoolUpdated }

// DepositUpdated records a depositor's resolved and new deposit value.
type DepositUpdated struct {
	Depositor uuid.UUID    `json:"depositor"`
	Operation string       `json:"operation"` // provide, withdraw, claim_gain
	Before    *uint256.Int `json:"before"`
	After     *uint256.Int `json:"after"`
	CollGain  *uint256.Int `json:"coll_gain"`
	P         *uint256.Int `json:"p"`
	S         *uint256.Int `json:"s"`
	Epoch     uint64       `json:"epoch"`
	Scale     uint64       `json:"scale"`
}

func (*DepositUpdated) Kind() string { return KindDepositUpdated }

// PriceUpdated records the system state seen at a new oracle price.
type PriceUpdated struct {
	Price *uint256.Int `json:"price"`
	TCR   *uint256.Int `json:"tcr"`
	Mode  string       `json:"mode"`
}

func (*PriceUpdated) Kind() string { return KindPriceUpdated }

type emittedRecord struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodeEmitted serializes records as a JSON array of {kind, data}.
func EncodeEmitted(records []Emitted) ([]byte, error) {
	out := make([]emittedRecord, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", r.Kind(), err)
		}
		out = append(out, emittedRecord{Kind: r.Kind(), Data: data})
	}
	return json.Marshal(out)
}

// DecodeEmitted is the inverse of EncodeEmitted.
func DecodeEmitted(raw []byte) ([]Emitted, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var records []emittedRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}

	out := make([]Emitted, 0, len(records))
	for _, r := range records {
		var rec Emitted
		switch r.Kind {
		case KindPositionUpdated:
			rec = &PositionUpdated{}
		case KindPositionLiquidated:
			rec = &PositionLiquidated{}
		case KindLiquidationSummary:
			rec = &LiquidationSummary{}
		case KindRedistributionUpdated:
			rec = &RedistributionUpdated{}
		case KindStabilityPoolUpdated:
			rec = &StabilityPoolUpdated{}
		case KindDepositUpdated:
			rec = &DepositUpdated{}
		case KindPriceUpdated:
			rec = &PriceUpdated{}
		default:
			return nil, fmt.Errorf("unknown emitted kind %q", r.Kind)
		}
		if err := json.Unmarshal(r.Data, rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", r.Kind, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
