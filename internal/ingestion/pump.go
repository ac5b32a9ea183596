package ingestion

import (
	"context"
	"errors"

	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Pump drains raw commands into the core. Messages are acked once the core
// has decided: applied, rejected, duplicate or unparseable. Only failures
// outside the protocol (sequence gaps, shutdown) are nak'd for redelivery.
type Pump struct {
	rawChan <-chan RawEvent
	core    Processor
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewPump(rawChan <-chan RawEvent, processor Processor, metrics *observability.Metrics, logger zerolog.Logger) *Pump {
	return &Pump{
		rawChan: rawChan,
		core:    processor,
		metrics: metrics,
		logger:  logger.With().Str("component", "pump").Logger(),
	}
}

// Run processes until ctx is cancelled or rawChan is closed.
func (p *Pump) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-p.rawChan:
			if !ok {
				return nil
			}
			p.handle(raw)
		}
	}
}

func (p *Pump) handle(raw RawEvent) {
	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		// Redelivery cannot fix a malformed payload.
		p.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		p.observe("invalid")
		ack(raw)
		return
	}

	err = p.core.ProcessEvent(evt)
	switch {
	case err == nil:
		p.observe("applied")
		ack(raw)
	case errors.Is(err, core.ErrRejected):
		p.observe("rejected")
		ack(raw)
	default:
		p.logger.Error().
			Err(err).
			Str("event_type", raw.EventType).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("process command failed")
		p.observe("failed")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	}
}

func (p *Pump) observe(outcome string) {
	if p.metrics != nil {
		p.metrics.NATSMessages.WithLabelValues("inbound", outcome).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
