package mqtt

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Client manages the MQTT connection (low-level connection management only)
// For subscribing and publishing, use Subscriber and Publisher respectively
type Client struct {
	client mqtt.Client
	config ClientConfig
	logger *zap.Logger

	mu    sync.Mutex
	hooks []func(mqtt.Client)
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// NewClient creates a new MQTT client connection
func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{config: config, logger: logger.Named("mqtt")}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(c.unroutedHandler)
	opts.SetOnConnectHandler(c.connectHandler)
	opts.SetConnectionLostHandler(c.connectLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// sensor packets must not be delivered out of order per topic
	opts.SetOrderMatters(true)

	c.client = mqtt.NewClient(opts)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("connected to broker", zap.String("broker", config.Broker), zap.String("client_id", config.ClientID))
	return c, nil
}

// GetNativeClient returns the underlying paho MQTT client
// This is used by Subscriber and Publisher
func (c *Client) GetNativeClient() mqtt.Client {
	return c.client
}

// OnConnect registers fn to run after every reconnect
func (c *Client) OnConnect(fn func(mqtt.Client)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close closes the MQTT client connection
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("disconnected from broker")
}

func (c *Client) unroutedHandler(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Debug("message without subscription handler", zap.String("topic", msg.Topic()))
}

func (c *Client) connectHandler(client mqtt.Client) {
	c.logger.Info("connection established")

	c.mu.Lock()
	hooks := append([]func(mqtt.Client){}, c.hooks...)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(client)
	}
}

func (c *Client) connectLostHandler(_ mqtt.Client, err error) {
	c.logger.Warn("connection lost", zap.Error(err))
}
