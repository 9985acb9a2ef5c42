package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"moonrakerapi/config"
	"moonrakerapi/logger"
	"moonrakerapi/retry"
)

const (
	PUBLISH_RETRY_INITIAL_DELAY = 100 * time.Millisecond
	PUBLISH_RETRY_MAX_DELAY     = 2 * time.Second
	DISCONNECT_QUIESCE_MS       = 250

	STATUS_ONLINE  = "online"
	STATUS_OFFLINE = "offline"
)

var ErrNotConnected = errors.New("not connected to MQTT broker")

type MQTTClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	Publish(topic string, payload []byte, qos byte, retain bool, maxRetries int) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
}

type MessageHandler func(topic string, payload []byte)

type PahoClient struct {
	config      *config.MQTTConfig
	client      mqtt.Client
	logger      logger.Logger
	subscribers map[string]MessageHandler
	subMux      sync.RWMutex
}

func NewPahoClient(cfg *config.MQTTConfig, log logger.Logger) *PahoClient {
	return &PahoClient{
		config:      cfg,
		logger:      log,
		subscribers: make(map[string]MessageHandler),
	}
}

// Topic joins parts under the configured prefix.
func Topic(prefix string, parts ...string) string {
	segments := make([]string, 0, len(parts)+1)
	if p := strings.Trim(prefix, "/"); p != "" {
		segments = append(segments, p)
	}
	for _, part := range parts {
		if part = strings.Trim(part, "/"); part != "" {
			segments = append(segments, part)
		}
	}
	return strings.Join(segments, "/")
}

// StatusTopic carries the retained bridge availability; the broker
// publishes STATUS_OFFLINE there if the bridge drops without saying so.
func (c *PahoClient) StatusTopic() string {
	return Topic(c.config.TopicPrefix, "bridge", "status")
}

func (c *PahoClient) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.GetMQTTBrokerURL())
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
	}

	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}

	opts.SetKeepAlive(60 * time.Second)
	opts.SetDefaultPublishHandler(c.defaultMessageHandler)
	opts.SetPingTimeout(30 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(c.config.AutoReconnect)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectionLostHandler(c.connectionLostHandler)
	opts.SetOnConnectHandler(c.onConnectHandler)
	opts.SetReconnectingHandler(c.reconnectingHandler)

	opts.SetWill(c.StatusTopic(), STATUS_OFFLINE, c.config.QoS, true)

	return opts
}

func (c *PahoClient) Connect() error {
	opts := c.options()
	c.client = mqtt.NewClient(opts)

	brokerURL := c.config.GetMQTTBrokerURL()
	c.logger.Info("Connecting to MQTT broker at %s", brokerURL)

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("Successfully connected to MQTT broker")
	return nil
}

func (c *PahoClient) Disconnect() error {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("Disconnecting from MQTT broker")
		c.client.Disconnect(DISCONNECT_QUIESCE_MS)
	}
	return nil
}

func (c *PahoClient) IsConnected() bool {
	if c.client == nil {
		return false
	}
	return c.client.IsConnected()
}

// Publish sends payload, retrying up to maxRetries times with backoff.
func (c *PahoClient) Publish(topic string, payload []byte, qos byte, retain bool, maxRetries int) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	backoff := retry.NewManager(retry.Policy{
		Enabled:      maxRetries > 0,
		MaxAttempts:  maxRetries,
		InitialDelay: PUBLISH_RETRY_INITIAL_DELAY,
		MaxDelay:     PUBLISH_RETRY_MAX_DELAY,
		Multiplier:   retry.RETRY_BACKOFF_MULTIPLIER,
	}, c.logger)

	for {
		token := c.client.Publish(topic, qos, retain, payload)
		token.Wait()
		err := token.Error()
		if err == nil {
			return nil
		}

		if !backoff.ShouldReconnect() {
			return fmt.Errorf("failed to publish message to %s: %w", topic, err)
		}
		c.logger.Debug("Publish to %s failed: %v", topic, err)
		if err := backoff.WaitBeforeReconnect(context.Background()); err != nil {
			return err
		}
	}
}

func (c *PahoClient) Subscribe(topic string, handler MessageHandler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMux.Lock()
	c.subscribers[topic] = handler
	c.subMux.Unlock()

	token := c.client.Subscribe(topic, c.config.QoS, c.dispatch)
	if token.Wait() && token.Error() != nil {
		c.subMux.Lock()
		delete(c.subscribers, topic)
		c.subMux.Unlock()
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.Info("Successfully subscribed to topic: %s", topic)
	return nil
}

func (c *PahoClient) Unsubscribe(topic string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, token.Error())
	}

	c.subMux.Lock()
	delete(c.subscribers, topic)
	c.subMux.Unlock()

	c.logger.Info("Successfully unsubscribed from topic: %s", topic)
	return nil
}

func (c *PahoClient) dispatch(client mqtt.Client, msg mqtt.Message) {
	c.subMux.RLock()
	handler, exists := c.subscribers[msg.Topic()]
	c.subMux.RUnlock()

	if exists {
		handler(msg.Topic(), msg.Payload())
	}
}

func (c *PahoClient) defaultMessageHandler(client mqtt.Client, msg mqtt.Message) {
	c.logger.Debug("Received message on topic %s: %s", msg.Topic(), string(msg.Payload()))
}

func (c *PahoClient) connectionLostHandler(client mqtt.Client, err error) {
	c.logger.Warn("MQTT connection lost: %v", err)
}

func (c *PahoClient) onConnectHandler(client mqtt.Client) {
	c.logger.Info("MQTT connection established")

	c.subMux.RLock()
	topics := make([]string, 0, len(c.subscribers))
	for topic := range c.subscribers {
		topics = append(topics, topic)
	}
	c.subMux.RUnlock()

	for _, topic := range topics {
		c.logger.Info("Resubscribing to topic: %s", topic)
		token := client.Subscribe(topic, c.config.QoS, c.dispatch)
		if token.Wait() && token.Error() != nil {
			c.logger.Error("Failed to resubscribe to topic %s: %v", topic, token.Error())
		}
	}
}

func (c *PahoClient) reconnectingHandler(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.logger.Info("Attempting to reconnect to MQTT broker...")
}
