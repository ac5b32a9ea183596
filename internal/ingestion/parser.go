package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"CDPLedger/internal/event"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ParseRawEvent converts a RawEvent (JSON bytes + command type name) into a
// typed command for the deterministic core. Amounts arrive as decimal
// strings and are converted to 1e18 fixed point here, never inside the core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeOpenPosition:
		return parseOpenPosition(raw.Data)
	case event.EventTypeAdjustPosition:
		return parseAdjustPosition(raw.Data)
	case event.EventTypeClosePosition:
		return parseClosePosition(raw.Data)
	case event.EventTypeLiquidate:
		return parseLiquidate(raw.Data)
	case event.EventTypeLiquidateSequence:
		return parseLiquidateSequence(raw.Data)
	case event.EventTypeLiquidateSet:
		return parseLiquidateSet(raw.Data)
	case event.EventTypeProvideToPool:
		return parseProvideToPool(raw.Data)
	case event.EventTypeWithdrawFromPool:
		return parseWithdrawFromPool(raw.Data)
	case event.EventTypeClaimGainToPosition:
		return parseClaimGainToPosition(raw.Data)
	case event.EventTypePriceUpdate:
		return parsePriceUpdate(raw.Data)
	case event.EventTypeCollateralCredit:
		return parseCollateralCredit(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. UUIDs and
// amounts are strings; timestamps are epoch microseconds.

type commandHeader struct {
	CommandID   string `json:"command_id"`
	Caller      string `json:"caller"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type header struct {
	commandID uuid.UUID
	caller    uuid.UUID
	sequence  int64
	timestamp time.Time
}

func (h commandHeader) parse() (header, error) {
	commandID, err := parseID("command_id", h.CommandID)
	if err != nil {
		return header{}, err
	}
	caller, err := parseID("caller", h.Caller)
	if err != nil {
		return header{}, err
	}
	return header{
		commandID: commandID,
		caller:    caller,
		sequence:  h.Sequence,
		timestamp: time.UnixMicro(h.TimestampUs).UTC(),
	}, nil
}

type hintsJSON struct {
	UpperHint string `json:"upper_hint"`
	LowerHint string `json:"lower_hint"`
}

// parse allows empty hints; the core falls back to a full search.
func (h hintsJSON) parse() (event.Hints, error) {
	var hints event.Hints
	var err error
	if h.UpperHint != "" {
		if hints.UpperHint, err = parseID("upper_hint", h.UpperHint); err != nil {
			return hints, err
		}
	}
	if h.LowerHint != "" {
		if hints.LowerHint, err = parseID("lower_hint", h.LowerHint); err != nil {
			return hints, err
		}
	}
	return hints, nil
}

type openPositionJSON struct {
	commandHeader
	hintsJSON
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
}

func parseOpenPosition(data []byte) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}
	h, err := j.commandHeader.parse()
	if err != nil {
		return nil, err
	}
	hints, err := j.hintsJSON.parse()
	if err != nil {
		return nil, err
	}
	coll, err := parseAmount("collateral", j.Collateral)
	if err != nil {
		return nil, err
	}
	debt, err := parseAmount("debt", j.Debt)
	if err != nil {
		return nil, err
	}

	return &event.OpenPosition{
		CommandID:  h.commandID,
		Caller:     h.caller,
		Collateral: coll,
		Debt:       debt,
		Hints:      hints,
		Sequence:   h.sequence,
		Timestamp:  h.timestamp,
	}, nil
}

type adjustPositionJSON struct {
	commandHeader
	hintsJSON
	PositionID     string `json:"position_id"`
	CollTopUp      string `json:"coll_top_up"`
	CollWithdrawal string `json:"coll_withdrawal"`
	DebtChange     string `json:"debt_change"`
	IsDebtIncrease bool   `json:"is_debt_increase"`
}

func parseAdjustPosition(data []byte) (*event.AdjustPosition, error) {
	var j adjustPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AdjustPosition: %w", err)
	}
	h, err := j.commandHeader.parse()
	if err != nil {
		return nil, err
	}
	hints, err := j.hintsJSON.parse()
	if err != nil {
		return nil, err
	}
	positionID, err := parseID("position_id", j.PositionID)
	if err != nil {
		return nil, err
	}
	topUp, err := parseOptionalAmount("coll_top_up", j.CollTopUp)
	if err != nil {
		return nil, err
	}
	withdrawal, err := parseOptionalAmount("coll_withdrawal", j.CollWithdrawal)
	if err != nil {
		return nil, err
	}
	debtChange, err := parseOptionalAmount("debt_change", j.DebtChange)
	if err != nil {
		return nil, err
	}

	return &event.AdjustPosition{
		CommandID:      h.commandID,
		Caller:         h.caller,
		PositionID:     positionID,
		CollTopUp:      topUp,
		CollWithdrawal: withdrawal,
		DebtChange:     debtChange,
		IsDebtIncrease: j.IsDebtIncrease,
		Hints:          hints,
		Sequence:       h.sequence,
		Timestamp:      h.timestamp,
	}, nil
}

type positionCommandJSON struct {
	commandHeader
	hintsJSON
	PositionID string `json:"position_id"`
}

func (j *positionCommandJSON) decode(name string, data []byte) (header, uuid.UUID, error) {
	if err := json.Unmarshal(data, j); err != nil {
		return header{}, uuid.Nil, fmt.Errorf("parse %s: %w", name, err)
	}
	h, err := j.commandHeader.parse()
	if err != nil {
		return header{}, uuid.Nil, err
	}
	positionID, err := parseID("position_id", j.PositionID)
	if err != nil {
		return header{}, uuid.Nil, err
	}
	return h, positionID, nil
}

func parseClosePosition(data []byte) (*event.ClosePosition, error) {
	var j positionCommandJSON
	h, positionID, err := j.decode("ClosePosition", data)
	if err != nil {
		return nil, err
	}
	return &event.ClosePosition{
		CommandID:  h.commandID,
		Caller:     h.caller,
		PositionID: positionID,
		Sequence:   h.sequence,
		Timestamp:  h.timestamp,
	}, nil
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j positionCommandJSON
	h, positionID, err := j.decode("Liquidate", data)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{
		CommandID:  h.commandID,
		Caller:     h.caller,
		PositionID: positionID,
		Sequence:   h.sequence,
		Timestamp:  h.timestamp,
	}, nil
}

func parseClaimGainToPosition(data []byte) (*event.ClaimGainToPosition, error) {
	var j positionCommandJSON
	h, positionID, err := j.decode("ClaimGainToPosition", data)
	if err != nil {
		return nil, err
	}
	hints, err := j.hintsJSON.parse()
	if err != nil {
		return nil, err
	}
	return &event.ClaimGainToPosition{
		CommandID:  h.commandID,
		Caller:     h.caller,
		PositionID: positionID,
		Hints:      hints,
		Sequence:   h.sequence,
		Timestamp:  h.timestamp,
	}, nil
}

type liquidateSequenceJSON struct {
	commandHeader
	N int `json:"n"`
}

func parseLiquidateSequence(data []byte) (*event.LiquidateSequence, error) {
	var j liquidateSequenceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateSequence: %w", err)
	}
	h, err := j.commandHeader.parse()
	if err != nil {
		return nil, err
	}
	// n == 0 is a valid command that the core rejects.
	if j.N < 0 {
		return nil, fmt.Errorf("invalid n: %d", j.N)
	}
	return &event.LiquidateSequence{
		CommandID: h.commandID,
		Caller:    h.caller,
		N:         j.N,
		Sequence:  h.sequence,
		Timestamp: h.timestamp,
	}, nil
}

type liquidateSetJSON struct {
	commandHeader
	PositionIDs []string `json:"position_ids"`
}

func parseLiquidateSet(data []byte) (*event.LiquidateSet, error) {
	var j liquidateSetJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateSet: %w", err)
	}
	h, err := j.commandHeader.parse()
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(j.PositionIDs))
	for i, s := range j.PositionIDs {
		id, err := parseID(fmt.Sprintf("position_ids[%d]", i), s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return &event.LiquidateSet{
		CommandID:   h.commandID,
		Caller:      h.caller,
		PositionIDs: ids,
		Sequence:    h.sequence,
		Timestamp:   h.timestamp,
	}, nil
}

type poolCommandJSON struct {
	commandHeader
	Amount string `json:"amount"`
}

func parseProvideToPool(data []byte) (*event.ProvideToPool, error) {
	var j poolCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProvideToPool: %w", err)
	}
	h, err := j.commandHeader.parse()
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.ProvideToPool{
		CommandID: h.commandID,
		Caller:    h.caller,
		Amount:    amount,
		Sequence:  h.sequence,
		Timestamp: h.timestamp,
	}, nil
}

func parseWithdrawFromPool(data []byte) (*event.WithdrawFromPool, error) {
	var j poolCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawFromPool: %w", err)
	}
	h, err := j.commandHeader.parse()
	if err != nil {
		return nil, err
	}
	// Empty amount claims the gain only.
	amount, err := parseOptionalAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawFromPool{
		CommandID: h.commandID,
		Caller:    h.caller,
		Amount:    amount,
		Sequence:  h.sequence,
		Timestamp: h.timestamp,
	}, nil
}

type priceUpdateJSON struct {
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	return &event.PriceUpdate{
		Price:          price,
		PriceSequence:  j.PriceSequence,
		PriceTimestamp: j.TimestampUs,
	}, nil
}

type collateralCreditJSON struct {
	DepositID   string `json:"deposit_id"`
	Account     string `json:"account"`
	Amount      string `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseCollateralCredit(data []byte) (*event.CollateralCredit, error) {
	var j collateralCreditJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralCredit: %w", err)
	}
	depositID, err := parseID("deposit_id", j.DepositID)
	if err != nil {
		return nil, err
	}
	account, err := parseID("account", j.Account)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.CollateralCredit{
		DepositID: depositID,
		Account:   account,
		Amount:    amount,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs).UTC(),
	}, nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("parse %s: missing", field)
	}
	v, err := fpmath.ParseDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

func parseOptionalAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return fpmath.Zero(), nil
	}
	return parseAmount(field, s)
}
