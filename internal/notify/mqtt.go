package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes notifications as JSON on <topic>/<kind>. Every
// notification is also written to the log.
type MQTTSink struct {
	client  publisher
	topic   string
	timeout time.Duration
	log     *LogSink
	logger  *zap.Logger
}

func NewMQTTSink(client publisher, topic string, logger *zap.Logger) *MQTTSink {
	return &MQTTSink{
		client:  client,
		topic:   topic,
		timeout: 5 * time.Second,
		log:     NewLogSink(logger),
		logger:  logger.Named("notify"),
	}
}

// NewMQTTClient connects to the broker with auto reconnect.
func NewMQTTClient(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

func (s *MQTTSink) Notify(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	s.log.Notify(ctx, n)

	payload, err := json.Marshal(n)
	if err != nil {
		s.logger.Error("failed to encode notification", zap.Error(err))
		return
	}
	topic := s.topic + "/" + string(n.Kind)
	token := s.client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(s.timeout) {
			s.logger.Warn("notification publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Warn("failed to publish notification", zap.String("topic", topic), zap.Error(err))
		}
	}()
}
