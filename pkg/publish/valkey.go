package publish

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ValkeyConfig configures a Valkey/Redis sink.
type ValkeyConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	Database int    `yaml:"database,omitempty"`
	UseTLS   bool   `yaml:"tls,omitempty"`

	// Prefix is the first key segment (default "opcda").
	Prefix string `yaml:"prefix,omitempty"`

	// KeyTTL expires item keys; zero keeps them.
	KeyTTL time.Duration `yaml:"key_ttl,omitempty"`

	// PublishChanges also publishes every message on
	// <prefix>:<server>:changes.
	PublishChanges bool `yaml:"publish_changes,omitempty"`
}

// valkeyClient is the part of redis.Cmdable the sink uses.
type valkeyClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// ValkeySink stores the latest message of each item under
// <prefix>:<server>:items:<item>.
type ValkeySink struct {
	config ValkeyConfig
	client valkeyClient
}

// DialValkey connects to the server and verifies it with PING.
func DialValkey(ctx context.Context, cfg ValkeyConfig) (*ValkeySink, error) {
	if cfg.Address == "" {
		return nil, errors.New("valkey: address required")
	}
	opts := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("valkey %s: %w", cfg.Address, err)
	}
	return newValkeySink(cfg, client), nil
}

func newValkeySink(cfg ValkeyConfig, client valkeyClient) *ValkeySink {
	if cfg.Prefix == "" {
		cfg.Prefix = "opcda"
	}
	return &ValkeySink{config: cfg, client: client}
}

// joinKey joins key segments with colons, trimming colons from each segment
// so no empty parts appear.
func joinKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// Name implements Sink.
func (s *ValkeySink) Name() string { return "valkey:" + s.config.Address }

// Key returns the key of an item.
func (s *ValkeySink) Key(server, item string) string {
	return joinKey(s.config.Prefix, server, "items", item)
}

// Channel returns the change channel of a server.
func (s *ValkeySink) Channel(server string) string {
	return joinKey(s.config.Prefix, server, "changes")
}

// Publish implements Sink.
func (s *ValkeySink) Publish(ctx context.Context, msg *ValueMessage, payload []byte) error {
	if err := s.client.Set(ctx, s.Key(msg.Server, msg.Item), payload, s.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("valkey set: %w", err)
	}
	if s.config.PublishChanges {
		if err := s.client.Publish(ctx, s.Channel(msg.Server), payload).Err(); err != nil {
			return fmt.Errorf("valkey publish: %w", err)
		}
	}
	return nil
}

// Close implements Sink.
func (s *ValkeySink) Close() error {
	return s.client.Close()
}
