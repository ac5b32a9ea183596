package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"

	"github.com/rs/zerolog"
)

// Processor applies one command. *core.DeterministicCore satisfies it.
type Processor interface {
	ProcessEvent(evt event.Event) error
}

var (
	ErrUnknownCommand = errors.New("unknown command type")
	ErrInvalidPayload = errors.New("invalid command payload")
)

// GRPCIngestService submits single commands synchronously for the gRPC
// and HTTP surfaces. Bulk traffic goes through NATS instead.
type GRPCIngestService struct {
	core   Processor
	logger zerolog.Logger
}

func NewGRPCIngestService(processor Processor, logger zerolog.Logger) *GRPCIngestService {
	return &GRPCIngestService{
		core:   processor,
		logger: logger.With().Str("component", "grpc-ingest").Logger(),
	}
}

// SubmitRaw parses a wire payload and applies it. The returned error wraps
// core.ErrRejected when the command was logged but rejected.
func (s *GRPCIngestService) SubmitRaw(ctx context.Context, eventType string, data []byte) error {
	if event.ParseEventType(eventType) == event.EventTypeUnknown {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, eventType)
	}
	evt, err := ParseRawEvent(RawEvent{Subject: "grpc", EventType: eventType, Data: data, Timestamp: time.Now()}, eventType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return s.Submit(ctx, evt)
}

// Submit applies a typed command.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.core.ProcessEvent(evt)
	if err != nil && !errors.Is(err, core.ErrRejected) {
		s.logger.Warn().
			Err(err).
			Str("event_type", evt.EventType().String()).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("submit failed")
	}
	return err
}
