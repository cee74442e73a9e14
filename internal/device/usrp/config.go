package usrp

import (
	"fmt"
)

const (
	// SampleRateMin and SampleRateMax bound the rates the rx streamer accepts
	SampleRateMin = 195_312.5
	SampleRateMax = 61_440_000

	// FrequencyMin and FrequencyMax bound the tunable carrier range
	FrequencyMin = 70_000_000
	FrequencyMax = 6_000_000_000

	GainMin = 0
	GainMax = 76

	SamplesPerBufferDefault = 4096
	SamplesPerBufferMax     = 1_048_576
)

// Config is the USRP rx streamer configuration. Values map onto the
// `uhd_rx_stream` shim arguments.
type Config struct {
	// Address selects the unit, e.g. "addr=192.168.10.2" or "serial=31B9A5E"
	Address string `yaml:"address" json:"address"`

	SampleRate      float64 `yaml:"sampleRate" json:"sampleRate"`           // Samples per second per channel
	CenterFrequency float64 `yaml:"centerFrequency" json:"centerFrequency"` // Carrier frequency in Hz
	Gain            float64 `yaml:"gain" json:"gain"`                       // Rx gain in dB
	Bandwidth       float64 `yaml:"bandwidth" json:"bandwidth"`             // Analog filter bandwidth in Hz, 0 for default

	// Channels lists the rx channel indices to stream. Defaults to channel 0.
	Channels []int `yaml:"channels" json:"channels"`

	// SamplesPerBuffer is the number of complex samples per read per channel
	SamplesPerBuffer int `yaml:"samplesPerBuffer" json:"samplesPerBuffer"`
}

func (c *Config) Validate() error {
	if c.SampleRate < SampleRateMin || c.SampleRate > SampleRateMax {
		return fmt.Errorf("usrp.Config: sample rate must be between %.1f and %d Hz: %f given", SampleRateMin, SampleRateMax, c.SampleRate)
	}
	if c.CenterFrequency < FrequencyMin || c.CenterFrequency > FrequencyMax {
		return fmt.Errorf("usrp.Config: center frequency must be between %d and %d Hz: %f given", FrequencyMin, FrequencyMax, c.CenterFrequency)
	}
	if c.Gain < GainMin || c.Gain > GainMax {
		return fmt.Errorf("usrp.Config: gain must be between %d and %d dB: %f given", GainMin, GainMax, c.Gain)
	}
	if c.Bandwidth < 0 {
		return fmt.Errorf("usrp.Config: bandwidth must not be negative: %f given", c.Bandwidth)
	}
	if c.SamplesPerBuffer < 0 || c.SamplesPerBuffer > SamplesPerBufferMax {
		return fmt.Errorf("usrp.Config: samples per buffer must be between 0 and %d: %d given", SamplesPerBufferMax, c.SamplesPerBuffer)
	}
	for _, ch := range c.Channels {
		if ch < 0 {
			return fmt.Errorf("usrp.Config: invalid rx channel index: %d", ch)
		}
	}
	return nil
}

// Labels returns the logical channel labels produced by this configuration,
// one I and one Q stream per rx channel.
func (c *Config) Labels() []string {
	channels := c.Channels
	if len(channels) == 0 {
		channels = []int{0}
	}

	labels := make([]string, 0, len(channels)*2)
	for _, ch := range channels {
		labels = append(labels, fmt.Sprintf("RX%d/I", ch), fmt.Sprintf("RX%d/Q", ch))
	}
	return labels
}
