package ingestion_test

import (
	"testing"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	fpmath "CDPLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublishableEvents(t *testing.T) {
	env := &event.EventEnvelope{Sequence: 12, EventType: event.EventTypePriceUpdate, IdempotencyKey: "price:3"}
	records := []event.Emitted{
		&event.PriceUpdated{Price: fpmath.Units(200), TCR: fpmath.Units(2), Mode: "Normal"},
		&event.RedistributionUpdated{},
	}

	out := ingestion.NewPublishableEvents(env, records)
	require.Len(t, out, 2)
	assert.Equal(t, "cdp.ledger.events.price_updated", out[0].Subject())
	assert.Equal(t, "12-0", out[0].MsgID())
	assert.Equal(t, "12-1", out[1].MsgID())
	assert.Equal(t, "PriceUpdate", out[1].EventType)

	env.Rejection = "invalid argument: zero price"
	assert.Empty(t, ingestion.NewPublishableEvents(env, records))
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	env := &event.EventEnvelope{Sequence: 1, EventType: event.EventTypePriceUpdate}
	events := ingestion.NewPublishableEvents(env, []event.Emitted{
		&event.RedistributionUpdated{}, &event.RedistributionUpdated{}, &event.RedistributionUpdated{},
	})

	ch := make(chan ingestion.PublishableEvent, 2)
	ingestion.Enqueue(ch, events, nil)
	assert.Len(t, ch, 2)
}
