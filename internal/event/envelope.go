package event

import (
	"time"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOpenPosition
	EventTypeAdjustPosition
	EventTypeClosePosition
	EventTypeLiquidate
	EventTypeLiquidateSequence
	EventTypeLiquidateSet
	EventTypeProvideToPool
	EventTypeWithdrawFromPool
	EventTypeClaimGainToPosition
	EventTypePriceUpdate
	EventTypeCollateralCredit
)

// EventEnvelope wraps every accepted command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition of the source sequence
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command, replayed verbatim on recovery
	Payload []byte

	// JSON-encoded records emitted while applying the command
	Emitted []byte

	// Non-empty when the command was rejected; state is untouched
	Rejection string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all inbound commands implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the source-sequence ordering partition
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned input timestamp
	EventTime() time.Time
}

var eventTypeNames = map[EventType]string{
	EventTypeOpenPosition:        "OpenPosition",
	EventTypeAdjustPosition:      "AdjustPosition",
	EventTypeClosePosition:       "ClosePosition",
	EventTypeLiquidate:           "Liquidate",
	EventTypeLiquidateSequence:   "LiquidateSequence",
	EventTypeLiquidateSet:        "LiquidateSet",
	EventTypeProvideToPool:       "ProvideToPool",
	EventTypeWithdrawFromPool:    "WithdrawFromPool",
	EventTypeClaimGainToPosition: "ClaimGainToPosition",
	EventTypePriceUpdate:         "PriceUpdate",
	EventTypeCollateralCredit:    "CollateralCredit",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(name string) EventType {
	for et, n := range eventTypeNames {
		if n == name {
			return et
		}
	}
	return EventTypeUnknown
}
