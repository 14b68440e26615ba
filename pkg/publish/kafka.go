package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures a Kafka sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	// TopicPrefix precedes the server name in the topic (default "opcda").
	TopicPrefix string `yaml:"topic_prefix,omitempty"`

	// Acks is "all", "none" or "leader" (default).
	Acks string `yaml:"acks,omitempty"`

	AutoCreateTopics bool `yaml:"auto_create_topics,omitempty"`
}

// kafkaWriter is the part of kafka.Writer the sink uses.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes one topic per server with the item ID as message key.
type KafkaSink struct {
	config    KafkaConfig
	newWriter func(topic string) kafkaWriter

	mu      sync.Mutex
	writers map[string]kafkaWriter
}

// NewKafkaSink creates a sink. Writers are created lazily per topic.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: brokers required")
	}
	var acks kafka.RequiredAcks
	switch strings.ToLower(cfg.Acks) {
	case "", "leader", "one":
		acks = kafka.RequireOne
	case "all":
		acks = kafka.RequireAll
	case "none":
		acks = kafka.RequireNone
	default:
		return nil, fmt.Errorf("kafka: unknown acks %q", cfg.Acks)
	}
	return newKafkaSink(cfg, func(topic string) kafkaWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           acks,
			BatchSize:              100,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: cfg.AutoCreateTopics,
		}
	}), nil
}

func newKafkaSink(cfg KafkaConfig, newWriter func(topic string) kafkaWriter) *KafkaSink {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "opcda"
	}
	return &KafkaSink{config: cfg, newWriter: newWriter, writers: make(map[string]kafkaWriter)}
}

// Name implements Sink.
func (s *KafkaSink) Name() string { return "kafka:" + strings.Join(s.config.Brokers, ",") }

// Topic returns the topic of a server. Characters Kafka does not accept
// in topic names are replaced with '_'.
func (s *KafkaSink) Topic(server string) string {
	name := s.config.TopicPrefix + "." + server
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}

func (s *KafkaSink) writer(topic string) kafkaWriter {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[topic]
	if !ok {
		w = s.newWriter(topic)
		s.writers[topic] = w
	}
	return w
}

// Publish implements Sink.
func (s *KafkaSink) Publish(ctx context.Context, msg *ValueMessage, payload []byte) error {
	topic := s.Topic(msg.Server)
	err := s.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Item),
		Value: payload,
		Time:  msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("kafka produce %s: %w", topic, err)
	}
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for topic, w := range s.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.writers, topic)
	}
	return errors.Join(errs...)
}
