package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/state"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	results []error
	seen    []event.Event
}

func (f *fakeProcessor) ProcessEvent(evt event.Event) error {
	f.seen = append(f.seen, evt)
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

type acks struct{ ack, nak int }

func tracked(t *testing.T, eventType string, payload interface{}, a *acks) ingestion.RawEvent {
	raw := rawFromJSON(t, payload)
	raw.EventType = eventType
	raw.AckFunc = func() { a.ack++ }
	raw.NakFunc = func() { a.nak++ }
	return raw
}

func TestPump_AckNakByOutcome(t *testing.T) {
	price := map[string]interface{}{"price": "200", "price_sequence": int64(1)}
	rejected := fmt.Errorf("%w: PriceUpdate: %w", core.ErrRejected, state.ErrInvalidArgument)

	var applied, rej, failed, invalid acks
	rawChan := make(chan ingestion.RawEvent, 4)
	rawChan <- tracked(t, "PriceUpdate", price, &applied)
	rawChan <- tracked(t, "PriceUpdate", price, &rej)
	rawChan <- tracked(t, "PriceUpdate", price, &failed)
	rawChan <- tracked(t, "PriceUpdate", map[string]interface{}{"price": "x"}, &invalid)
	close(rawChan)

	proc := &fakeProcessor{results: []error{nil, rejected, errors.New("sequence validation failed")}}
	pump := ingestion.NewPump(rawChan, proc, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pump.Run(ctx))

	assert.Equal(t, acks{ack: 1}, applied)
	assert.Equal(t, acks{ack: 1}, rej)
	assert.Equal(t, acks{nak: 1}, failed)
	assert.Equal(t, acks{ack: 1}, invalid, "malformed payloads are acked, never redelivered")
	assert.Len(t, proc.seen, 3)
}

func TestGRPCIngestService_SubmitRaw(t *testing.T) {
	proc := &fakeProcessor{results: []error{nil}}
	svc := ingestion.NewGRPCIngestService(proc, zerolog.Nop())

	err := svc.SubmitRaw(context.Background(), "PriceUpdate", []byte(`{"price":"1800","price_sequence":7}`))
	require.NoError(t, err)
	require.Len(t, proc.seen, 1)
	assert.Equal(t, "price:7", proc.seen[0].IdempotencyKey())

	err = svc.SubmitRaw(context.Background(), "Borrow", []byte(`{}`))
	assert.ErrorIs(t, err, ingestion.ErrUnknownCommand)
	assert.Len(t, proc.seen, 1)
}
