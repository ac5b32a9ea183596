package event

import (
	"encoding/json"
	"fmt"
)

// EncodeCommand serializes a command for the event log payload column.
func EncodeCommand(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// DecodeCommand rebuilds a command from its logged payload. Used on replay.
func DecodeCommand(eventType EventType, payload []byte) (Event, error) {
	var evt Event

	switch eventType {
	case EventTypeOpenPosition:
		evt = &OpenPosition{}
	case EventTypeAdjustPosition:
		evt = &AdjustPosition{}
	case EventTypeClosePosition:
		evt = &ClosePosition{}
	case EventTypeLiquidate:
		evt = &Liquidate{}
	case EventTypeLiquidateSequence:
		evt = &LiquidateSequence{}
	case EventTypeLiquidateSet:
		evt = &LiquidateSet{}
	case EventTypeProvideToPool:
		evt = &ProvideToPool{}
	case EventTypeWithdrawFromPool:
		evt = &WithdrawFromPool{}
	case EventTypeClaimGainToPosition:
		evt = &ClaimGainToPosition{}
	case EventTypePriceUpdate:
		evt = &PriceUpdate{}
	case EventTypeCollateralCredit:
		evt = &CollateralCredit{}
	default:
		return nil, fmt.Errorf("unknown event type: %d", eventType)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}
