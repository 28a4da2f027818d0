package mqtt

import (
	"context"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"wildlife-backend/internal/models"
)

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	EventTopic string // e.g., "reassembly/{device_id}/events"
	QoS        byte
}

// Publisher sends reassembly events back to the devices
type Publisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *zap.Logger
}

// NewPublisher creates a new MQTT event publisher
func NewPublisher(client mqtt.Client, config PublisherConfig, logger *zap.Logger) *Publisher {
	return &Publisher{
		client: client,
		topic:  config.EventTopic,
		qos:    config.QoS,
		logger: logger.Named("mqtt-publisher"),
	}
}

func (p *Publisher) Name() string { return "mqtt" }

// Deliver publishes ev on the event topic of its sensor
func (p *Publisher) Deliver(ctx context.Context, ev models.ReassemblyEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Replace {device_id} placeholder with actual device ID
	topic := formatTopic(p.topic, ev.SensorID)

	token := p.client.Publish(topic, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("event published", zap.String("topic", topic), zap.String("type", string(ev.Type)))
	return nil
}

// formatTopic replaces {device_id} placeholder with actual device ID
func formatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}
