package publish

import (
	"context"
	"errors"
)

// Config selects the sinks of a bridge. Nil sections are disabled.
type Config struct {
	MQTT   *MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey *ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka  *KafkaConfig  `yaml:"kafka,omitempty"`
}

// Open connects every configured sink. On error the sinks opened so far
// are closed.
func Open(ctx context.Context, cfg Config) ([]Sink, error) {
	var sinks []Sink
	fail := func(err error) ([]Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}

	if cfg.MQTT != nil {
		s, err := DialMQTT(*cfg.MQTT)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Valkey != nil {
		s, err := DialValkey(ctx, *cfg.Valkey)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Kafka != nil {
		s, err := NewKafkaSink(*cfg.Kafka)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil, errors.New("no sinks configured")
	}
	return sinks, nil
}
