package publish

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures an MQTT sink.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883" or "ssl://host:8883".
	Broker    string `yaml:"broker"`
	ClientID  string `yaml:"client_id,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	RootTopic string `yaml:"root_topic,omitempty"`
	QoS       byte   `yaml:"qos,omitempty"`
}

// mqttClient is the part of pahomqtt.Client the sink uses.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes retained messages to <root>/<server>/items/<item>.
type MQTTSink struct {
	config MQTTConfig
	client mqttClient
}

// DialMQTT connects to the broker.
func DialMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("opcda-bridge-%d", time.Now().UnixNano())
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	if strings.HasPrefix(cfg.Broker, "ssl://") || strings.HasPrefix(cfg.Broker, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt %s: connection timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt %s: %w", cfg.Broker, err)
	}
	return newMQTTSink(cfg, client), nil
}

func newMQTTSink(cfg MQTTConfig, client mqttClient) *MQTTSink {
	if cfg.RootTopic == "" {
		cfg.RootTopic = "opcda"
	}
	return &MQTTSink{config: cfg, client: client}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt:" + s.config.Broker }

// Topic returns the topic of an item.
func (s *MQTTSink) Topic(server, item string) string {
	return fmt.Sprintf("%s/%s/items/%s", s.config.RootTopic, topicSegment(server), topicSegment(item))
}

// topicSegment removes the MQTT wildcard and level characters.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

// Publish implements Sink.
func (s *MQTTSink) Publish(ctx context.Context, msg *ValueMessage, payload []byte) error {
	token := s.client.Publish(s.Topic(msg.Server, msg.Item), s.config.QoS, true, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
