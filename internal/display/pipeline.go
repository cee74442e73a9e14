package display

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bioview/bioview/internal/pipeline"
)

const (
	DefaultWindowSize      = 2048
	DefaultAnnotationLimit = 64
)

// Config describes the display processing applied per visible channel.
// Channels are addressed by qualified name, "<device>/<channel>".
type Config struct {
	// Downsample keeps every Nth sample of the native stream
	Downsample int `yaml:"downsample" json:"downsample"`

	// Filter is the smoothing filter applied after decimation
	Filter FilterSpec `yaml:"filter" json:"filter"`

	// WindowSize is the rolling window capacity per channel
	WindowSize int `yaml:"windowSize" json:"windowSize"`

	// Channels lists the visible channels. Invisible channels are skipped
	// entirely; they cost nothing.
	Channels []string `yaml:"channels" json:"channels"`
}

func (c *Config) Validate() error {
	if c.Downsample <= 0 {
		return fmt.Errorf("display.Config: downsample factor must be positive: %d given", c.Downsample)
	}
	if c.WindowSize < 0 {
		return fmt.Errorf("display.Config: window size must not be negative: %d given", c.WindowSize)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("display.Config: at least one visible channel is required")
	}
	return nil
}

// WithPipelineLogger sets the logger for the display pipeline
func WithPipelineLogger(logger *slog.Logger) func(*Pipeline) {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// channelState is the decimation counter, filter and window of one visible
// channel. Fully independent of every other channel.
type channelState struct {
	skip   int // decimation phase, counts down to the next kept sample
	filter *LowPass
	buf    *ChannelBuffer
}

// Pipeline decimates and filters visible channels of the lossy frame feed
// for screen refresh rates. It owns the channel buffers exclusively; the UI
// pulls copies via Windows and must not mutate them.
type Pipeline struct {
	in     <-chan *pipeline.Frame
	config Config

	// rates maps device name to native sample rate, fixed at session start
	rates map[string]float64

	mu          sync.RWMutex
	channels    map[string]*channelState
	visible     map[string]struct{}
	annotations []pipeline.Annotation
	events      []pipeline.Event

	logger *slog.Logger
}

// NewPipeline creates a display pipeline over the fan-out's display sink.
// deviceRates maps device names to native sample rates, used to size each
// channel's filter for the decimated rate.
func NewPipeline(in <-chan *pipeline.Frame, config Config, deviceRates map[string]float64, options ...func(*Pipeline)) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.WindowSize == 0 {
		config.WindowSize = DefaultWindowSize
	}

	p := Pipeline{
		in:       in,
		config:   config,
		rates:    deviceRates,
		channels: make(map[string]*channelState),
		visible:  make(map[string]struct{}, len(config.Channels)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, name := range config.Channels {
		p.visible[name] = struct{}{}
	}

	for _, option := range options {
		option(&p)
	}

	return &p, nil
}

// ChannelName returns the qualified name of a device channel
func ChannelName(device, channel string) string {
	return device + "/" + channel
}

// Run consumes frames until the display feed closes. Frames the fan-out
// dropped are simply never seen; the ones that arrive are processed in
// order.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case frame, ok := <-p.in:
			if !ok {
				return
			}
			p.process(frame)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) process(frame *pipeline.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, df := range frame.Devices {
		if !df.Fresh {
			continue // carried forward, already on screen
		}

		for i, channel := range df.Batch.Channels {
			name := ChannelName(df.Device, channel)
			if _, ok := p.visible[name]; !ok {
				continue // invisible channels cost nothing
			}

			state, err := p.channel(name, df.Device)
			if err != nil {
				p.logger.Error(err.Error(), slog.String("channel", name))
				continue
			}

			for _, v := range df.Batch.Samples[i] {
				if state.skip > 0 {
					state.skip--
					continue
				}
				state.skip = p.config.Downsample - 1
				state.buf.Append(state.filter.Process(v))
			}
		}
	}

	if len(frame.Annotations) > 0 {
		p.annotations = append(p.annotations, frame.Annotations...)
		if n := len(p.annotations) - DefaultAnnotationLimit; n > 0 {
			p.annotations = p.annotations[n:]
		}
	}
	if len(frame.Events) > 0 {
		p.events = append(p.events, frame.Events...)
	}
}

// channel returns the state for a visible channel, creating it on first use
func (p *Pipeline) channel(name, device string) (*channelState, error) {
	if state, ok := p.channels[name]; ok {
		return state, nil
	}

	rate, ok := p.rates[device]
	if !ok || rate <= 0 {
		return nil, fmt.Errorf("unknown sample rate for device %s", device)
	}

	filter, err := NewLowPass(p.config.Filter, rate/float64(p.config.Downsample))
	if err != nil {
		return nil, fmt.Errorf("creating channel filter: %w", err)
	}

	state := &channelState{
		filter: filter,
		buf:    NewChannelBuffer(p.config.WindowSize),
	}
	p.channels[name] = state
	return state, nil
}

// Window returns a copy of one channel's rolling window, oldest first
func (p *Pipeline) Window(name string) ([]float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	state, ok := p.channels[name]
	if !ok {
		return nil, false
	}
	return state.buf.Snapshot(), true
}

// Windows returns copies of every populated channel window
func (p *Pipeline) Windows() map[string][]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]float64, len(p.channels))
	for name, state := range p.channels {
		out[name] = state.buf.Snapshot()
	}
	return out
}

// Annotations returns a copy of the recent annotation overlay
func (p *Pipeline) Annotations() []pipeline.Annotation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]pipeline.Annotation, len(p.annotations))
	copy(out, p.annotations)
	return out
}

// Events returns a copy of the device events seen so far
func (p *Pipeline) Events() []pipeline.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]pipeline.Event, len(p.events))
	copy(out, p.events)
	return out
}

// ResetChannel clears one channel's filter state and window without touching
// any other channel or the storage path
func (p *Pipeline) ResetChannel(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.channels[name]
	if !ok {
		return false
	}

	state.filter.Reset()
	state.buf.Clear()
	state.skip = 0
	return true
}
