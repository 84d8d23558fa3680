package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpClient/internal/observability"
	"PerpClient/internal/orchestrator"
)

// StreamPublisher is the part of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher announces settled operations to other client instances.
// Notify never blocks settlement: records are queued and published by Run,
// and dropped when the queue is full.
type Publisher struct {
	js      StreamPublisher
	queue   chan orchestrator.Record
	metrics *observability.Metrics
	logger  zerolog.Logger
}

var _ orchestrator.Notifier = (*Publisher)(nil)

func NewPublisher(js StreamPublisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Publisher{
		js:      js,
		queue:   make(chan orchestrator.Record, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

func (p *Publisher) Notify(_ context.Context, rec orchestrator.Record) error {
	select {
	case p.queue <- rec:
		return nil
	default:
		if p.metrics != nil {
			p.metrics.BroadcastDrops.Inc()
		}
		return fmt.Errorf("broadcast queue full, dropped %s", rec.ID)
	}
}

// Run publishes queued records until ctx is done. Remaining records are
// discarded on shutdown; peers recover through their own watchers.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-p.queue:
			if err := p.publish(ctx, rec); err != nil {
				p.logger.Warn().Err(err).Str("operation_id", rec.ID.String()).Msg("publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, rec orchestrator.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	// The operation id doubles as the JetStream dedupe key.
	if _, err := p.js.Publish(ctx, Subject(rec.Op), data, jetstream.WithMsgID(rec.ID.String())); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.BroadcastPublished.WithLabelValues(rec.Op, rec.State).Inc()
	}
	return nil
}
