package ingestion

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// CommandStream carries every inbound command.
	CommandStream = "CDP_COMMANDS"
	// EventStream carries emitted records for downstream consumers.
	EventStream = "CDP_EVENTS"

	streamMaxAge = 72 * time.Hour
)

// NATSSubscriber subscribes to NATS JetStream subjects and feeds commands
// into the ingestion loop via eventChan. Each subject maps to one command
// type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is an untyped command from NATS or gRPC. The ingestion loop
// parses it into a typed command before handing it to the core.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the core has processed (or rejected) the command
	NakFunc   func() // NAK on failure, the message is redelivered
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns one durable consumer per command type.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "cdp.commands.open_position.>", EventType: "OpenPosition", ConsumerName: "ledger-open"},
		{Subject: "cdp.commands.adjust_position.>", EventType: "AdjustPosition", ConsumerName: "ledger-adjust"},
		{Subject: "cdp.commands.close_position.>", EventType: "ClosePosition", ConsumerName: "ledger-close"},
		{Subject: "cdp.commands.liquidate.>", EventType: "Liquidate", ConsumerName: "ledger-liquidate"},
		{Subject: "cdp.commands.liquidate_sequence.>", EventType: "LiquidateSequence", ConsumerName: "ledger-liq-sequence"},
		{Subject: "cdp.commands.liquidate_set.>", EventType: "LiquidateSet", ConsumerName: "ledger-liq-set"},
		{Subject: "cdp.commands.provide_to_pool.>", EventType: "ProvideToPool", ConsumerName: "ledger-pool-provide"},
		{Subject: "cdp.commands.withdraw_from_pool.>", EventType: "WithdrawFromPool", ConsumerName: "ledger-pool-withdraw"},
		{Subject: "cdp.commands.claim_gain.>", EventType: "ClaimGainToPosition", ConsumerName: "ledger-claim-gain"},
		{Subject: "cdp.commands.price.>", EventType: "PriceUpdate", ConsumerName: "ledger-prices"},
		{Subject: "cdp.commands.collateral_credit.>", EventType: "CollateralCredit", ConsumerName: "ledger-collateral"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger.With().Str("component", "nats-subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		stream := cfg.StreamName
		if stream == "" {
			stream = CommandStream
		}
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.observe("received")
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc: func() {
					if err := msg.Ack(); err != nil {
						ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
					}
				},
				NakFunc: func() {
					ns.observe("nak")
					_ = msg.Nak()
				},
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

func (ns *NATSSubscriber) observe(outcome string) {
	if ns.metrics != nil {
		ns.metrics.NATSMessages.WithLabelValues("inbound", outcome).Inc()
	}
}

// EnsureStreams creates the command and event streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      CommandStream,
			Subjects:  []string{"cdp.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    streamMaxAge,
			Replicas:  1,
		},
		{
			Name:       EventStream,
			Subjects:   []string{"cdp.ledger.events.>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     streamMaxAge,
			Duplicates: 2 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("cdpledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
