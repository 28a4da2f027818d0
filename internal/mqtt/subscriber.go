package mqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"wildlife-backend/internal/models"
)

// FragmentSink accepts fragments for reassembly; see services.Dispatcher
type FragmentSink interface {
	Submit(frag models.Fragment) bool
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	Topics []string // e.g. "sensors/+/data", "camera/+/images/+/chunk/+"
	QoS    byte
}

// Subscriber forwards every message on its topics to a FragmentSink
type Subscriber struct {
	client mqtt.Client
	sink   FragmentSink
	topics []string
	qos    byte
	now    func() time.Time
	logger *zap.Logger
}

// NewSubscriber creates a new MQTT subscriber
func NewSubscriber(client mqtt.Client, config SubscriberConfig, sink FragmentSink, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		client: client,
		sink:   sink,
		topics: config.Topics,
		qos:    config.QoS,
		now:    time.Now,
		logger: logger.Named("mqtt-subscriber"),
	}
}

// SubscribeAll subscribes to all configured topics
func (s *Subscriber) SubscribeAll() error {
	for _, topic := range s.topics {
		if topic == "" {
			continue
		}
		if err := s.subscribeToTopic(topic, s.handleMessage); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		s.logger.Info("subscribed", zap.String("topic", topic), zap.Uint8("qos", s.qos))
	}
	return nil
}

// Resubscribe is an OnConnect hook that restores subscriptions after a reconnect
func (s *Subscriber) Resubscribe(_ mqtt.Client) {
	if err := s.SubscribeAll(); err != nil {
		s.logger.Error("resubscribe failed", zap.Error(err))
	}
}

// subscribeToTopic is a helper function to subscribe to a topic with a handler
func (s *Subscriber) subscribeToTopic(topic string, handler mqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, s.qos, handler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// handleMessage turns a message into a fragment. The topic is the fragment label.
func (s *Subscriber) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	frag := models.Fragment{
		Label:      msg.Topic(),
		Payload:    append([]byte(nil), msg.Payload()...),
		ReceivedAt: s.now(),
		Source:     "mqtt",
	}
	if !s.sink.Submit(frag) {
		s.logger.Warn("fragment dropped", zap.String("topic", msg.Topic()), zap.Int("bytes", len(frag.Payload)))
	}
}
