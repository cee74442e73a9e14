package biopac

import (
	"fmt"
	"slices"
)

const (
	// ChannelMin and ChannelMax bound the analog input channel numbers
	ChannelMin = 1
	ChannelMax = 16

	// SampleRateMax is the highest per-channel rate the MP acquisition
	// units sustain across all channels
	SampleRateMax = 2000

	ConnectionAuto ConnectionType = "auto"
	ConnectionUSB  ConnectionType = "usb"
	ConnectionUDP  ConnectionType = "udp"

	ModelMP36  Model = "mp36"
	ModelMP150 Model = "mp150"
	ModelMP160 Model = "mp160"
)

var (
	validConnections = map[ConnectionType]struct{}{
		ConnectionAuto: {},
		ConnectionUSB:  {},
		ConnectionUDP:  {},
	}

	validModels = map[Model]struct{}{
		ModelMP36:  {},
		ModelMP150: {},
		ModelMP160: {},
	}
)

type ConnectionType string

func (c ConnectionType) String() string {
	return string(c)
}

type Model string

func (m Model) String() string {
	return string(m)
}

// Config is the BIOPAC MP unit configuration. Values map onto the
// `mpdevshim` arguments, which in turn drive the vendor mpdev library.
type Config struct {
	Model      Model          `yaml:"model" json:"model"`           // MP unit model (default: mp160)
	Connection ConnectionType `yaml:"connection" json:"connection"` // Transport to the unit (default: auto)

	// Channels lists the active analog input channels, 1 through 16
	Channels []int `yaml:"channels" json:"channels"`

	// SampleRate is the per-channel acquisition rate in Hz
	SampleRate float64 `yaml:"sampleRate" json:"sampleRate"`
}

func (c *Config) Validate() error {
	if c.Model != "" {
		if _, ok := validModels[c.Model]; !ok {
			return fmt.Errorf("biopac.Config: invalid model: %s", c.Model)
		}
	}
	if c.Connection != "" {
		if _, ok := validConnections[c.Connection]; !ok {
			return fmt.Errorf("biopac.Config: invalid connection type: %s", c.Connection)
		}
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("biopac.Config: at least one channel must be active")
	}
	for _, ch := range c.Channels {
		if ch < ChannelMin || ch > ChannelMax {
			return fmt.Errorf("biopac.Config: channel must be between %d and %d: %d given", ChannelMin, ChannelMax, ch)
		}
	}
	sorted := slices.Clone(c.Channels)
	slices.Sort(sorted)
	if len(slices.Compact(sorted)) != len(c.Channels) {
		return fmt.Errorf("biopac.Config: duplicate channels in selection")
	}
	if c.SampleRate <= 0 || c.SampleRate > SampleRateMax {
		return fmt.Errorf("biopac.Config: sample rate must be between 0 and %d Hz: %f given", SampleRateMax, c.SampleRate)
	}
	return nil
}

// Labels returns the logical channel labels for the active channels
func (c *Config) Labels() []string {
	labels := make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		labels[i] = fmt.Sprintf("CH%d", ch)
	}
	return labels
}
