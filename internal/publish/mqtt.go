package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"candyline/internal/config"
	"candyline/internal/pipeline"
)

const publishTimeout = 2 * time.Second

// TokenPublisher is the part of mqtt.Client used for publishing.
type TokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

var _ TokenPublisher = mqtt.Client(nil)

// ConnectMQTT connects to the broker with automatic reconnection.
func ConnectMQTT(cfg config.MQTTConfig, logger *zap.Logger) (mqtt.Client, error) {
	logger = logger.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetCleanSession(true)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connection established", zap.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, reconnecting", zap.String("broker", cfg.Broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// RejectPublisher forwards abnormal count events to MQTT, one topic per
// camera: <topic>/<camera_index>.
type RejectPublisher struct {
	client TokenPublisher
	topic  string
	qos    byte
	logger *zap.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewRejectPublisher creates a publisher under the base topic.
func NewRejectPublisher(client TokenPublisher, topic string, qos byte, logger *zap.Logger) *RejectPublisher {
	return &RejectPublisher{
		client: client,
		topic:  topic,
		qos:    qos,
		logger: logger.Named("mqtt"),
	}
}

// Topic returns the topic used for a camera.
func (p *RejectPublisher) Topic(camera int) string {
	return p.topic + "/" + strconv.Itoa(camera)
}

// Publish sends one event. Normal items are ignored.
func (p *RejectPublisher) Publish(event *pipeline.CountEvent) error {
	if !event.Abnormal() {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to marshal reject event: %w", err)
	}

	token := p.client.Publish(p.Topic(event.Camera), p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		return fmt.Errorf("publish to %s timed out", p.Topic(event.Camera))
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("failed to publish to %s: %w", p.Topic(event.Camera), err)
	}
	p.published.Add(1)
	return nil
}

// Consume publishes events until ctx is done or events is closed.
func (p *RejectPublisher) Consume(ctx context.Context, events <-chan *pipeline.CountEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(event); err != nil {
				p.logger.Warn("Reject publish failed",
					zap.String("event_id", event.ID),
					zap.Int("camera", event.Camera),
					zap.Error(err))
			}
		}
	}
}

// Counts returns published and failed totals.
func (p *RejectPublisher) Counts() (published, failed uint64) {
	return p.published.Load(), p.failed.Load()
}
