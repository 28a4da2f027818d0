// Package kafka carries fragments in and reassembly events out over Kafka.
//
// Inbound messages use the fragment label as key and the raw fragment as value,
// so a bridge can mirror the MQTT topics one to one.
package kafka

import (
	"context"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/models"
)

// FragmentSink accepts fragments for reassembly; see services.Dispatcher
type FragmentSink interface {
	Submit(frag models.Fragment) bool
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafkago.Message, error)
	Close() error
}

type SourceConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Source consumes labeled fragments from a Kafka topic
type Source struct {
	config    SourceConfig
	sink      FragmentSink
	newReader func() messageReader
	logger    *zap.Logger
}

func NewSource(config SourceConfig, sink FragmentSink, logger *zap.Logger) *Source {
	s := &Source{config: config, sink: sink, logger: logger.Named("kafka-source")}
	s.newReader = func() messageReader {
		return kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:  config.Brokers,
			Topic:    config.Topic,
			GroupID:  config.GroupID,
			MinBytes: 1e3,
			MaxBytes: 10e6,
		})
	}
	return s
}

// Serve reads until ctx is cancelled. Each call opens a fresh reader.
func (s *Source) Serve(ctx context.Context) error {
	s.logger.Info("kafka ingest enabled",
		zap.Strings("brokers", s.config.Brokers),
		zap.String("topic", s.config.Topic),
		zap.String("group_id", s.config.GroupID))

	reader := s.newReader()
	defer reader.Close()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("kafka read error", zap.Error(err))
			continue
		}
		if len(m.Key) == 0 {
			metrics.FragmentsDropped.WithLabelValues("unknown", "malformed").Inc()
			s.logger.Warn("kafka message without label key",
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))
			continue
		}

		received := m.Time
		if received.IsZero() {
			received = time.Now()
		}
		frag := models.Fragment{
			Label:      string(m.Key),
			Payload:    m.Value,
			ReceivedAt: received,
			Source:     "kafka",
		}
		if !s.sink.Submit(frag) {
			s.logger.Warn("fragment dropped", zap.String("label", frag.Label), zap.Int64("offset", m.Offset))
		}
	}
}

func (s *Source) String() string { return "kafka-source" }
