package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConsoleConfig describes a session opened at startup.
type ConsoleConfig struct {
	Server  string        `yaml:"server"`
	Host    string        `yaml:"host,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
	Groups  []GroupSetup  `yaml:"groups,omitempty"`
}

// GroupSetup is a group created with its items after connecting.
type GroupSetup struct {
	Name       string        `yaml:"name"`
	UpdateRate time.Duration `yaml:"update_rate,omitempty"`
	Items      []string      `yaml:"items,omitempty"`
	Subscribe  bool          `yaml:"subscribe,omitempty"`
}

// LoadConsoleConfig reads a console config file.
func LoadConsoleConfig(path string) (*ConsoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConsoleConfig(data)
}

// ParseConsoleConfig decodes and validates a console config.
func ParseConsoleConfig(data []byte) (*ConsoleConfig, error) {
	var cfg ConsoleConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Server == "" {
		return nil, errors.New("server is required")
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	seen := make(map[string]bool)
	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		if g.Name == "" {
			return nil, fmt.Errorf("groups[%d]: name is required", i)
		}
		if seen[g.Name] {
			return nil, fmt.Errorf("groups[%d]: duplicate name %q", i, g.Name)
		}
		seen[g.Name] = true
		if g.UpdateRate < 0 {
			return nil, fmt.Errorf("group %s: negative update rate", g.Name)
		}
		if g.UpdateRate == 0 {
			g.UpdateRate = time.Second
		}
	}
	return &cfg, nil
}

// Apply connects and creates the configured groups. The last group stays
// selected.
func (cfg *ConsoleConfig) Apply(ctx context.Context, c *Console) error {
	if err := c.Connect(ctx, cfg.Server, cfg.Host); err != nil {
		return err
	}
	for _, g := range cfg.Groups {
		if err := c.AddGroup(ctx, g.Name, g.UpdateRate); err != nil {
			return err
		}
		if len(g.Items) > 0 {
			if err := c.AddItems(ctx, g.Items); err != nil {
				return err
			}
		}
		if g.Subscribe {
			if err := c.cmdSubscribe(ctx, true); err != nil {
				return err
			}
		}
	}
	return nil
}
