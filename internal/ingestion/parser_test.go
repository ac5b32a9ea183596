package ingestion_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"

	"github.com/google/uuid"
)

const (
	commandID = "550e8400-e29b-41d4-a716-446655440000"
	caller    = "660e8400-e29b-41d4-a716-446655440001"
	position  = "770e8400-e29b-41d4-a716-446655440002"
)

func rawFromJSON(t *testing.T, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   "test",
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseOpenPosition(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   commandID,
		"caller":       caller,
		"collateral":   "15",
		"debt":         "2000.5",
		"upper_hint":   position,
		"sequence":     int64(3),
		"timestamp_us": int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "OpenPosition")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	op, ok := evt.(*event.OpenPosition)
	if !ok {
		t.Fatalf("expected *event.OpenPosition, got %T", evt)
	}
	if op.Collateral.Cmp(fpmath.MustParseDecimal("15")) != 0 {
		t.Errorf("collateral: got %s", op.Collateral.Dec())
	}
	if op.Debt.Cmp(fpmath.MustParseDecimal("2000.5")) != 0 {
		t.Errorf("debt: got %s", op.Debt.Dec())
	}
	if op.UpperHint.String() != position {
		t.Errorf("upper hint: got %s", op.UpperHint)
	}
	if op.LowerHint != uuid.Nil {
		t.Errorf("lower hint: got %s, want nil", op.LowerHint)
	}
	if op.Sequence != 3 {
		t.Errorf("sequence: got %d, want 3", op.Sequence)
	}
	if op.Timestamp.UnixMicro() != 1700000000000000 {
		t.Errorf("timestamp: got %d", op.Timestamp.UnixMicro())
	}
	if op.Partition() != "owner:"+caller {
		t.Errorf("partition: got %s", op.Partition())
	}
}

func TestParseAdjustPosition_OptionalAmounts(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":       commandID,
		"caller":           caller,
		"position_id":      position,
		"debt_change":      "100",
		"is_debt_increase": true,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "AdjustPosition")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	adj := evt.(*event.AdjustPosition)
	if !adj.CollTopUp.IsZero() || !adj.CollWithdrawal.IsZero() {
		t.Errorf("missing collateral amounts should be zero")
	}
	if !adj.IsDebtIncrease {
		t.Errorf("is_debt_increase: got false")
	}
	if adj.DebtChange.Cmp(fpmath.Units(100)) != 0 {
		t.Errorf("debt change: got %s", adj.DebtChange.Dec())
	}
}

func TestParseLiquidateSet(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   commandID,
		"caller":       caller,
		"position_ids": []string{position, commandID},
		"sequence":     int64(0),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidateSet")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	ls := evt.(*event.LiquidateSet)
	if len(ls.PositionIDs) != 2 {
		t.Fatalf("position ids: got %d, want 2", len(ls.PositionIDs))
	}
	if ls.Partition() != event.PartitionLiquidations {
		t.Errorf("partition: got %s", ls.Partition())
	}
}

func TestParseLiquidateSet_BadID(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":   commandID,
		"caller":       caller,
		"position_ids": []string{position, "nope"},
	}

	_, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidateSet")
	if err == nil || !strings.Contains(err.Error(), "position_ids[1]") {
		t.Fatalf("expected position_ids[1] error, got %v", err)
	}
}

func TestParseLiquidateSequence_NegativeN(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": commandID,
		"caller":     caller,
		"n":          -1,
	}

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "LiquidateSequence"); err == nil {
		t.Fatal("expected error for negative n")
	}
}

func TestParseWithdrawFromPool_ClaimOnly(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": commandID,
		"caller":     caller,
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "WithdrawFromPool")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !evt.(*event.WithdrawFromPool).Amount.IsZero() {
		t.Errorf("amount: want zero")
	}
}

func TestParseProvideToPool_RequiresAmount(t *testing.T) {
	payload := map[string]interface{}{
		"command_id": commandID,
		"caller":     caller,
	}

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "ProvideToPool"); err == nil {
		t.Fatal("expected error for missing amount")
	}
}

func TestParsePriceUpdate(t *testing.T) {
	payload := map[string]interface{}{
		"price":          "1800.25",
		"price_sequence": int64(42),
		"timestamp_us":   int64(1700000000000000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceUpdate")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	pu := evt.(*event.PriceUpdate)
	if pu.Price.Cmp(fpmath.MustParseDecimal("1800.25")) != 0 {
		t.Errorf("price: got %s", pu.Price.Dec())
	}
	if pu.IdempotencyKey() != "price:42" {
		t.Errorf("idempotency key: got %s", pu.IdempotencyKey())
	}
}

func TestParseCollateralCredit(t *testing.T) {
	payload := map[string]interface{}{
		"deposit_id": commandID,
		"account":    caller,
		"amount":     "0.000000000000000001",
		"sequence":   int64(9),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "CollateralCredit")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	cc := evt.(*event.CollateralCredit)
	if cc.Amount.Uint64() != 1 {
		t.Errorf("amount: got %s, want 1 wei", cc.Amount.Dec())
	}
	if cc.Partition() != event.PartitionWallet {
		t.Errorf("partition: got %s", cc.Partition())
	}
}

func TestParseRejectsTooManyDecimals(t *testing.T) {
	payload := map[string]interface{}{
		"price":          "1.0000000000000000001",
		"price_sequence": int64(1),
	}

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "PriceUpdate"); err == nil {
		t.Fatal("expected error for 19 fractional digits")
	}
}

func TestParseInvalidUUID(t *testing.T) {
	payload := map[string]interface{}{
		"command_id":  "not-a-uuid",
		"caller":      caller,
		"position_id": position,
	}

	if _, err := ingestion.ParseRawEvent(rawFromJSON(t, payload), "ClosePosition"); err == nil {
		t.Fatal("expected error for invalid command_id")
	}
}

func TestParseUnknownType(t *testing.T) {
	raw := ingestion.RawEvent{Data: []byte(`{}`)}
	if _, err := ingestion.ParseRawEvent(raw, "TradeFill"); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestDefaultSubjects_CoverEveryCommand(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range ingestion.DefaultSubjects() {
		if event.ParseEventType(s.EventType) == event.EventTypeUnknown {
			t.Errorf("subject %s maps to unknown type %s", s.Subject, s.EventType)
		}
		if !strings.HasPrefix(s.Subject, "cdp.commands.") {
			t.Errorf("subject %s outside the command stream", s.Subject)
		}
		seen[s.EventType] = true
	}
	if len(seen) != 11 {
		t.Errorf("command types covered: got %d, want 11", len(seen))
	}
}
