package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/observability"
	"PerpClient/internal/orchestrator"
)

// Invalidator drops cached entities.
type Invalidator interface {
	Invalidate(kind account.Kind, id address.Pubkey)
}

// Subscriber invalidates the entities touched by operations other
// instances confirmed.
type Subscriber struct {
	instance string
	target   Invalidator
	metrics  *observability.Metrics
	logger   zerolog.Logger

	consumer jetstream.ConsumeContext
}

func NewSubscriber(instance string, target Invalidator, metrics *observability.Metrics, logger zerolog.Logger) *Subscriber {
	return &Subscriber{instance: instance, target: target, metrics: metrics, logger: logger}
}

// ConsumerName is unique per instance: every instance must see every record.
func (s *Subscriber) ConsumerName() string {
	return "perpclient-" + s.instance
}

// Start creates this instance's consumer and begins consuming new records.
// The consumer is removed by the server once the instance goes away.
func (s *Subscriber) Start(ctx context.Context, js jetstream.JetStream) error {
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:              s.ConsumerName(),
		FilterSubject:     SubjectPrefix + ".>",
		AckPolicy:         jetstream.AckExplicitPolicy,
		AckWait:           30 * time.Second,
		MaxDeliver:        5,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		InactiveThreshold: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.ConsumerName(), err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := s.Handle(msg.Data()); err != nil {
			s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("discarding broadcast record")
			msg.Term()
			return
		}
		msg.Ack()
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.ConsumerName(), err)
	}
	s.consumer = cc
	s.logger.Info().Str("consumer", s.ConsumerName()).Msg("subscribed to settled operations")
	return nil
}

// Handle applies one published record. Records from this instance and
// operations that did not confirm change nothing.
func (s *Subscriber) Handle(data []byte) error {
	var rec orchestrator.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	if rec.Instance == s.instance {
		return nil
	}
	if s.metrics != nil {
		s.metrics.BroadcastReceived.WithLabelValues(rec.Op).Inc()
	}
	if rec.State != orchestrator.StateConfirmed.String() {
		return nil
	}
	for _, ref := range rec.Touches {
		s.target.Invalidate(ref.Kind, ref.ID)
	}
	s.logger.Debug().
		Str("operation_id", rec.ID.String()).
		Str("from", rec.Instance).
		Int("touches", len(rec.Touches)).
		Msg("applied remote settlement")
	return nil
}

func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
}
