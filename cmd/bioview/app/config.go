package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bioview/bioview/internal/display"
)

const (
	DeviceUSRP   = "usrp"
	DeviceBIOPAC = "biopac"
	DeviceSim    = "sim"
)

// Config represents the main application configuration
type Config struct {
	Settings Settings       `yaml:"settings"`
	Session  SessionConfig  `yaml:"session"`
	Devices  []DeviceConfig `yaml:"devices"`
	Display  DisplayConfig  `yaml:"display"`
	Storage  StorageConfig  `yaml:"storage"`
}

func (c *Config) Validate() error {
	if c.Session.Name == "" {
		return fmt.Errorf("config: session name is required")
	}

	var enabled int
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			return fmt.Errorf("config: device %d has no name", i)
		}
		switch d.Type {
		case DeviceUSRP, DeviceBIOPAC, DeviceSim:
		default:
			return fmt.Errorf("config: device %s has unknown type '%s'", d.Name, d.Type)
		}
		if d.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: no devices enabled")
	}
	return nil
}

// Settings represents global application settings
type Settings struct {
	LogLevel LogLevel `yaml:"logLevel"`
}

// SessionConfig identifies and tunes the recording session
type SessionConfig struct {
	Name            string       `yaml:"name"`
	StalenessFactor float64      `yaml:"stalenessFactor"`
	StartTimeout    TimeDuration `yaml:"startTimeout"`
}

// DeviceConfig represents a single device configuration. The type-specific
// block is decoded lazily once the type is known.
type DeviceConfig struct {
	Name    string    `yaml:"name"`
	Type    string    `yaml:"type"`
	Enabled bool      `yaml:"enabled"`
	Config  yaml.Node `yaml:"config"`
}

// DisplayConfig represents the display path settings, including the
// websocket feed endpoint
type DisplayConfig struct {
	display.Config  `yaml:",inline"`
	Listen          string       `yaml:"listen"`
	RefreshInterval TimeDuration `yaml:"refreshInterval"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory  string       `yaml:"dataDirectory"`
	FlushInterval  TimeDuration `yaml:"flushInterval"`
	FlushThreshold int          `yaml:"flushThreshold"`
}

// LoadConfig reads and validates the application configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

type LogLevel slog.Level

func (l *LogLevel) UnmarshalYAML(value *yaml.Node) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(value.Value)); err != nil {
		return fmt.Errorf("app.LogLevel: failed to parse: %s", err)
	}

	*l = LogLevel(level)
	return nil
}

type TimeDuration time.Duration

func (d *TimeDuration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.TimeDuration: failed to parse: %s", err)
	}

	*d = TimeDuration(duration)
	return nil
}

func (d *TimeDuration) String() string {
	return time.Duration(*d).String()
}
