package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opc-classic/opcda-go/pkg/connection"
	"github.com/opc-classic/opcda-go/pkg/publish"
)

// BridgeConfig is the YAML configuration of opcda-bridge.
type BridgeConfig struct {
	Server     string        `yaml:"server"`
	Host       string        `yaml:"host,omitempty"`
	ClientName string        `yaml:"client_name,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`

	Group GroupConfig `yaml:"group,omitempty"`

	// Items are added by item ID.
	Items []string `yaml:"items,omitempty"`

	// Branches are walked and every item below them is added.
	Branches []string `yaml:"branches,omitempty"`

	Reconnect connection.BackoffConfig `yaml:"reconnect,omitempty"`

	Publish publish.Config `yaml:"publish"`
}

// GroupConfig holds the requested parameters of the bridge group.
type GroupConfig struct {
	Name       string        `yaml:"name,omitempty"`
	UpdateRate time.Duration `yaml:"update_rate,omitempty"`
	Deadband   float32       `yaml:"deadband,omitempty"`
	KeepAlive  time.Duration `yaml:"keep_alive,omitempty"`
}

// LoadBridgeConfig reads and validates a config file.
func LoadBridgeConfig(path string) (*BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseBridgeConfig(data)
}

// ParseBridgeConfig decodes YAML, applies defaults and validates.
func ParseBridgeConfig(data []byte) (*BridgeConfig, error) {
	var cfg BridgeConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *BridgeConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.ClientName == "" {
		c.ClientName = "opcda-bridge"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Group.Name == "" {
		c.Group.Name = "bridge"
	}
	if c.Group.UpdateRate == 0 {
		c.Group.UpdateRate = time.Second
	}
	if c.Reconnect.Initial == 0 {
		c.Reconnect.Initial = time.Second
	}
	if c.Reconnect.Max == 0 {
		c.Reconnect.Max = time.Minute
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = connection.JitterFactor
	}
}

// Validate checks the config for errors.
func (c *BridgeConfig) Validate() error {
	if c.Server == "" {
		return errors.New("server is required")
	}
	if len(c.Items) == 0 && len(c.Branches) == 0 {
		return errors.New("at least one item or branch is required")
	}
	if c.Group.UpdateRate < 0 || c.Group.KeepAlive < 0 {
		return errors.New("group rates must not be negative")
	}
	if c.Group.Deadband < 0 || c.Group.Deadband > 100 {
		return fmt.Errorf("group deadband %g outside 0..100", c.Group.Deadband)
	}
	if c.Publish.MQTT == nil && c.Publish.Valkey == nil && c.Publish.Kafka == nil {
		return errors.New("publish: at least one of mqtt, valkey or kafka is required")
	}
	return nil
}
