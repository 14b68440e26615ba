package simulation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/server"
)

// Defaults applied to items that leave the field empty.
const (
	DefaultRate   = time.Second
	DefaultPeriod = 20 * time.Second

	// DefaultModbusTimeout bounds one Modbus request.
	DefaultModbusTimeout = 2 * time.Second
)

// Signal selects how an item value evolves.
type Signal string

const (
	// SignalStatic keeps the value until written.
	SignalStatic Signal = "static"

	// SignalRandom draws a uniform value in [min, max] every rate.
	SignalRandom Signal = "random"

	// SignalRamp rises linearly from min to max over period, then restarts.
	SignalRamp Signal = "ramp"

	// SignalSine oscillates between min and max with the given period.
	SignalSine Signal = "sine"

	// SignalSquare alternates between max and min every half period.
	SignalSquare Signal = "square"

	// SignalTriangle rises from min to max and back over one period.
	SignalTriangle Signal = "triangle"

	// SignalModbus mirrors a holding register of a Modbus TCP device.
	SignalModbus Signal = "modbus"
)

// Config is the simulation configuration.
type Config struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig describes one simulated server.
type ServerConfig struct {
	server.Info `yaml:",inline"`

	// Separator joins branch names into item IDs (default ".").
	Separator string `yaml:"separator,omitempty"`

	Items []ItemConfig `yaml:"items"`
}

// ItemConfig describes one simulated item.
type ItemConfig struct {
	ID          string             `yaml:"id"`
	Type        model.DataType     `yaml:"type"`
	Access      model.AccessRights `yaml:"access,omitempty"`
	Signal      Signal             `yaml:"signal,omitempty"`
	Min         float64            `yaml:"min,omitempty"`
	Max         float64            `yaml:"max,omitempty"`
	Period      time.Duration      `yaml:"period,omitempty"`
	Rate        time.Duration      `yaml:"rate,omitempty"`
	Initial     any                `yaml:"initial,omitempty"`
	Description string             `yaml:"description,omitempty"`
	EUUnits     string             `yaml:"eu_units,omitempty"`

	// Modbus source, used with signal "modbus".
	Endpoint string        `yaml:"endpoint,omitempty"`
	UnitID   uint8         `yaml:"unit_id,omitempty"`
	Register uint16        `yaml:"register,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// signal returns the configured signal, static when empty.
func (c ItemConfig) signal() Signal {
	if c.Signal == "" {
		return SignalStatic
	}
	return c.Signal
}

func (c ItemConfig) rate() time.Duration {
	if c.Rate <= 0 {
		return DefaultRate
	}
	return c.Rate
}

func (c ItemConfig) period() time.Duration {
	if c.Period <= 0 {
		return DefaultPeriod
	}
	return c.Period
}

// bounds returns [min, max], falling back to the type range when both are
// zero.
func (c ItemConfig) bounds() (float64, float64) {
	if c.Min == 0 && c.Max == 0 {
		return typeRange(c.Type)
	}
	return c.Min, c.Max
}

// metadata converts the item config into namespace metadata.
func (c ItemConfig) metadata() model.VariableMetadata {
	meta := model.VariableMetadata{
		ID:          c.ID,
		Type:        c.Type,
		Access:      c.Access,
		Initial:     c.Initial,
		Description: c.Description,
		EUUnits:     c.EUUnits,
	}
	if c.signal() != SignalStatic {
		meta.ScanRate = c.rate()
	}
	if c.Type.IsNumeric() && (c.Min != 0 || c.Max != 0) {
		lo, hi := c.Min, c.Max
		meta.LowEU, meta.HighEU = &lo, &hi
	}
	return meta
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses and validates a YAML configuration. Unknown fields are
// rejected.
func ParseConfig(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return errors.New("no servers configured")
	}
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.ProgID == "" {
			return fmt.Errorf("servers[%d]: prog_id required", i)
		}
		if seen[s.ProgID] {
			return fmt.Errorf("servers[%d]: duplicate prog_id %q", i, s.ProgID)
		}
		seen[s.ProgID] = true

		ids := make(map[string]bool)
		for j, item := range s.Items {
			if err := item.validate(); err != nil {
				return fmt.Errorf("%s: items[%d]: %w", s.ProgID, j, err)
			}
			if ids[item.ID] {
				return fmt.Errorf("%s: items[%d]: duplicate id %q", s.ProgID, j, item.ID)
			}
			ids[item.ID] = true
		}
	}
	return nil
}

func (c ItemConfig) validate() error {
	if err := model.ValidateItemID(c.ID); err != nil {
		return err
	}
	if !c.Type.Valid() || c.Type == model.DataTypeEmpty {
		return fmt.Errorf("%s: type required", c.ID)
	}
	if c.Min > c.Max {
		return fmt.Errorf("%s: min %v above max %v", c.ID, c.Min, c.Max)
	}
	if c.Rate < 0 || c.Period < 0 {
		return fmt.Errorf("%s: negative rate or period", c.ID)
	}

	switch c.signal() {
	case SignalStatic, SignalRandom:
	case SignalRamp, SignalSine, SignalSquare, SignalTriangle:
		if !c.Type.IsNumeric() && c.Type != model.DataTypeBool {
			return fmt.Errorf("%s: signal %s needs a numeric type", c.ID, c.Signal)
		}
	case SignalModbus:
		if c.Endpoint == "" {
			return fmt.Errorf("%s: modbus endpoint required", c.ID)
		}
		if registerCount(c.Type) == 0 {
			return fmt.Errorf("%s: type %s cannot map to holding registers", c.ID, c.Type)
		}
	default:
		return fmt.Errorf("%s: unknown signal %q", c.ID, c.Signal)
	}
	return nil
}
