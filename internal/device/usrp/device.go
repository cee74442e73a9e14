package usrp

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bioview/bioview/internal/device"
)

const (
	Runtime = "uhd_rx_stream"
	Device  = "USRP"
)

// Handler streams complex samples from a USRP through the `uhd_rx_stream`
// shim. The shim prints one line per buffer: per-channel groups separated by
// ';', each group "label:v1,v2,...".
type Handler struct {
	config *Config
	labels []string
}

// New creates a USRP handler for the given configuration
func New(config *Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrInvalidConfig, err)
	}

	return &Handler{
		config: config,
		labels: config.Labels(),
	}, nil
}

func (h *Handler) Runtime() string {
	return Runtime
}

// Args returns the shim command line for the current configuration
func (h *Handler) Args() []string {
	c := h.config

	args := []string{
		"--rate", strconv.FormatFloat(c.SampleRate, 'f', -1, 64),
		"--freq", strconv.FormatFloat(c.CenterFrequency, 'f', -1, 64),
		"--gain", strconv.FormatFloat(c.Gain, 'f', -1, 64),
	}

	if c.Address != "" {
		args = append(args, "--args", c.Address)
	}
	if c.Bandwidth > 0 {
		args = append(args, "--bandwidth", strconv.FormatFloat(c.Bandwidth, 'f', -1, 64))
	}

	channels := c.Channels
	if len(channels) == 0 {
		channels = []int{0}
	}
	chArgs := make([]string, len(channels))
	for i, ch := range channels {
		chArgs[i] = strconv.Itoa(ch)
	}
	args = append(args, "--channels", strings.Join(chArgs, ","))

	spb := c.SamplesPerBuffer
	if spb == 0 {
		spb = SamplesPerBufferDefault
	}
	args = append(args, "--spb", strconv.Itoa(spb))

	args = append(args, "--format", "csv") // always stream text to stdout

	return args
}

// Apply folds run-time settings into the configuration before streaming
func (h *Handler) Apply(settings device.Settings) error {
	next := *h.config

	if settings.Gain != 0 {
		next.Gain = settings.Gain
	}
	if settings.SampleRate != 0 {
		next.SampleRate = settings.SampleRate
	}
	if len(settings.Channels) > 0 {
		channels, err := selectChannels(h.config, settings.Channels)
		if err != nil {
			return err
		}
		next.Channels = channels
	}

	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %w", device.ErrInvalidConfig, err)
	}

	h.config = &next
	h.labels = next.Labels()
	return nil
}

// Parse turns one shim output line into a sample batch
func (h *Handler) Parse(line string) (*device.SampleBatch, error) {
	groups := strings.Split(line, ";")
	if len(groups) != len(h.labels) {
		return nil, fmt.Errorf("expected %d channel groups, got %d", len(h.labels), len(groups))
	}

	batch := device.SampleBatch{
		Channels: h.labels,
		Samples:  make([][]float64, len(groups)),
	}

	n := -1
	for i, group := range groups {
		label, values, ok := strings.Cut(group, ":")
		if !ok {
			return nil, fmt.Errorf("malformed channel group: %s", group)
		}
		if label != h.labels[i] {
			return nil, fmt.Errorf("unexpected channel %q, want %q", label, h.labels[i])
		}

		fields := strings.Split(values, ",")
		samples := make([]float64, len(fields))
		for j, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid sample value: %w", err)
			}
			samples[j] = v
		}

		if n >= 0 && len(samples) != n {
			return nil, fmt.Errorf("ragged buffer: channel %q has %d samples, want %d", label, len(samples), n)
		}
		n = len(samples)
		batch.Samples[i] = samples
	}

	return &batch, nil
}

// selectChannels maps label selections like "RX0" or "RX1/I" back onto rx
// channel indices
func selectChannels(c *Config, labels []string) ([]int, error) {
	var channels []int
	for _, label := range labels {
		name, _, _ := strings.Cut(label, "/")
		if !strings.HasPrefix(name, "RX") {
			return nil, fmt.Errorf("%w: unknown channel %q", device.ErrInvalidConfig, label)
		}

		ch, err := strconv.Atoi(name[2:])
		if err != nil {
			return nil, fmt.Errorf("%w: unknown channel %q", device.ErrInvalidConfig, label)
		}
		if !slices.Contains(channels, ch) {
			channels = append(channels, ch)
		}
	}
	return channels, nil
}
