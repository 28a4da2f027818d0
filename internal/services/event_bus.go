package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/models"
)

// EventPublisher receives reassembly state changes
type EventPublisher interface {
	Publish(ev models.ReassemblyEvent)
}

// EventSink delivers events to one outbound transport
type EventSink interface {
	Name() string
	Deliver(ctx context.Context, ev models.ReassemblyEvent) error
}

// EventBus fans reassembly events out to sinks off the ingestion path.
// Publish never blocks; events are dropped when the buffer is full.
type EventBus struct {
	events      chan models.ReassemblyEvent
	sinks       []EventSink
	sinkTimeout time.Duration
	logger      *zap.Logger
}

func NewEventBus(bufferSize int, logger *zap.Logger, sinks ...EventSink) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{
		events:      make(chan models.ReassemblyEvent, bufferSize),
		sinks:       sinks,
		sinkTimeout: 5 * time.Second,
		logger:      logger.Named("event-bus"),
	}
}

func (b *EventBus) Publish(ev models.ReassemblyEvent) {
	select {
	case b.events <- ev:
	default:
		metrics.EventsPublished.WithLabelValues("bus", "dropped").Inc()
		b.logger.Warn("event buffer full, dropping event",
			zap.String("type", string(ev.Type)), zap.String("key", ev.Key))
	}
}

// Serve delivers buffered events until ctx is cancelled
func (b *EventBus) Serve(ctx context.Context) error {
	b.logger.Info("event bus started", zap.Int("sinks", len(b.sinks)))
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event bus stopped")
			return nil
		case ev := <-b.events:
			b.deliver(ctx, ev)
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, ev models.ReassemblyEvent) {
	for _, sink := range b.sinks {
		sctx, cancel := context.WithTimeout(ctx, b.sinkTimeout)
		err := sink.Deliver(sctx, ev)
		cancel()
		if err != nil {
			metrics.EventsPublished.WithLabelValues(sink.Name(), "error").Inc()
			b.logger.Warn("event delivery failed",
				zap.String("sink", sink.Name()), zap.String("type", string(ev.Type)), zap.Error(err))
			continue
		}
		metrics.EventsPublished.WithLabelValues(sink.Name(), "ok").Inc()
	}
}

func (b *EventBus) String() string { return "event-bus" }
