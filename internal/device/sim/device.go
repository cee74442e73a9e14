// Package sim provides a deterministic software device implementing the
// full capability contract. It backs hardware-free demo configurations and
// the pipeline tests.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bioview/bioview/internal/device"
)

const (
	WaveformSine Waveform = "sine"
	WaveformRamp Waveform = "ramp"
)

type Waveform string

// Config describes a simulated instrument
type Config struct {
	Name       string   `yaml:"name" json:"name"`
	SampleRate float64  `yaml:"sampleRate" json:"sampleRate"` // Samples per second per channel
	BatchSize  int      `yaml:"batchSize" json:"batchSize"`   // Samples per channel per read
	Channels   []string `yaml:"channels" json:"channels"`

	Waveform  Waveform `yaml:"waveform" json:"waveform"`   // Generated signal shape (default: sine)
	Frequency float64  `yaml:"frequency" json:"frequency"` // Signal frequency in Hz
	Amplitude float64  `yaml:"amplitude" json:"amplitude"` // Peak amplitude

	// FailAfter simulates a mid-run disconnect after this many batches.
	// Zero keeps the device alive.
	FailAfter int `yaml:"failAfter" json:"failAfter"`
}

func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sim.Config: sample rate must be positive: %f given", c.SampleRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sim.Config: batch size must be positive: %d given", c.BatchSize)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("sim.Config: at least one channel is required")
	}
	if c.Waveform != "" && c.Waveform != WaveformSine && c.Waveform != WaveformRamp {
		return fmt.Errorf("sim.Config: invalid waveform: %s", c.Waveform)
	}
	return nil
}

// Device generates waveform batches at the configured native rate. It
// satisfies the same contract as the hardware backends, including the
// recoverable timeout and the fatal disconnect paths.
type Device struct {
	desc device.Descriptor

	mu        sync.Mutex
	config    Config
	connected bool
	ticker    *time.Ticker
	produced  int   // batches emitted since Start
	counter   int64 // samples emitted per channel since Start
}

// New creates a simulated device
func New(config *Config) (*Device, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrInvalidConfig, err)
	}

	c := *config
	if c.Waveform == "" {
		c.Waveform = WaveformSine
	}
	if c.Amplitude == 0 {
		c.Amplitude = 1
	}
	if c.Frequency == 0 {
		c.Frequency = 1
	}

	return &Device{
		desc: device.Descriptor{
			Name:       c.Name,
			Kind:       device.KindSimulated,
			SampleRate: c.SampleRate,
			BatchSize:  c.BatchSize,
			Channels:   c.Channels,
		},
		config: c,
	}, nil
}

func (d *Device) Connect(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connected = true
	return nil
}

func (d *Device) Configure(settings device.Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ticker != nil {
		return device.ErrAlreadyStreaming
	}
	if settings.SampleRate < 0 {
		return fmt.Errorf("%w: negative sample rate", device.ErrInvalidConfig)
	}

	if settings.SampleRate > 0 {
		d.config.SampleRate = settings.SampleRate
		d.desc.SampleRate = settings.SampleRate
	}
	if settings.Gain != 0 {
		d.config.Amplitude = settings.Gain
	}
	return nil
}

func (d *Device) Start(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return fmt.Errorf("%w: device is not connected", device.ErrDeviceUnavailable)
	}
	if d.ticker != nil {
		return device.ErrAlreadyStreaming
	}

	d.produced = 0
	d.counter = 0
	d.ticker = time.NewTicker(d.desc.BatchInterval())
	return nil
}

func (d *Device) ReadBatch(timeout time.Duration) (*device.SampleBatch, error) {
	d.mu.Lock()
	ticker := d.ticker
	d.mu.Unlock()

	if ticker == nil {
		return nil, device.ErrNotStreaming
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ticker.C:
	case <-timer.C:
		return nil, device.ErrReadTimeout
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.config.FailAfter > 0 && d.produced >= d.config.FailAfter {
		return nil, fmt.Errorf("%w: simulated link loss", device.ErrDisconnected)
	}

	batch := device.SampleBatch{
		Device:   d.desc.Name,
		Channels: d.desc.Channels,
		Samples:  make([][]float64, len(d.desc.Channels)),
	}

	for ch := range d.desc.Channels {
		samples := make([]float64, d.config.BatchSize)
		for i := range samples {
			samples[i] = d.value(d.counter+int64(i), ch)
		}
		batch.Samples[ch] = samples
	}

	d.counter += int64(d.config.BatchSize)
	d.produced++
	return &batch, nil
}

func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	return nil
}

func (d *Device) Disconnect() error {
	if err := d.Stop(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.connected = false
	return nil
}

func (d *Device) Descriptor() device.Descriptor {
	return d.desc
}

// value computes the n-th sample for a channel. Channels are phase-shifted
// against each other so traces are distinguishable on screen.
func (d *Device) value(n int64, channel int) float64 {
	t := float64(n) / d.config.SampleRate
	phase := float64(channel) * math.Pi / 4

	switch d.config.Waveform {
	case WaveformRamp:
		period := 1 / d.config.Frequency
		frac := math.Mod(t+phase/(2*math.Pi)*period, period) / period
		return d.config.Amplitude * (2*frac - 1)

	default:
		return d.config.Amplitude * math.Sin(2*math.Pi*d.config.Frequency*t+phase)
	}
}
