package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes emitted records to NATS for downstream
// consumers. Subjects follow cdp.ledger.events.<kind>.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is one emitted record with the command that produced it.
type PublishableEvent struct {
	Sequence       int64         `json:"sequence"`
	Index          int           `json:"index"`
	EventType      string        `json:"event_type"`
	IdempotencyKey string        `json:"idempotency_key"`
	Kind           string        `json:"kind"`
	Record         event.Emitted `json:"record"`
	StateHash      string        `json:"state_hash"`
	Timestamp      time.Time     `json:"timestamp"`
}

// NewPublishableEvents fans one processed command out into its records.
// Rejected commands publish nothing.
func NewPublishableEvents(env *event.EventEnvelope, records []event.Emitted) []PublishableEvent {
	if env.Rejection != "" {
		return nil
	}
	out := make([]PublishableEvent, 0, len(records))
	for i, rec := range records {
		out = append(out, PublishableEvent{
			Sequence:       env.Sequence,
			Index:          i,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Kind:           rec.Kind(),
			Record:         rec,
			StateHash:      hex.EncodeToString(env.StateHash[:]),
			Timestamp:      env.Timestamp,
		})
	}
	return out
}

// Subject is the outbound subject for this record.
func (pe PublishableEvent) Subject() string {
	return fmt.Sprintf("cdp.ledger.events.%s", pe.Kind)
}

// MsgID deduplicates republished records inside the stream window.
func (pe PublishableEvent) MsgID() string {
	return fmt.Sprintf("%d-%d", pe.Sequence, pe.Index)
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "publisher").Logger(),
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can read the event log.
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Str("kind", evt.Kind).Msg("outbound publish failed")
				op.observe("error")
				continue
			}
			op.observe("published")
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.MsgID()))
	return err
}

func (op *OutboundPublisher) observe(outcome string) {
	if op.metrics != nil {
		op.metrics.NATSMessages.WithLabelValues("outbound", outcome).Inc()
	}
}

// Enqueue hands records to the publisher without blocking. Records that do
// not fit are dropped and counted.
func Enqueue(ch chan<- PublishableEvent, events []PublishableEvent, metrics *observability.Metrics) {
	for _, evt := range events {
		select {
		case ch <- evt:
		default:
			if metrics != nil {
				metrics.PublishDrops.Inc()
			}
		}
	}
}
