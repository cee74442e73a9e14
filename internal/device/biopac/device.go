package biopac

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bioview/bioview/internal/device"
)

const (
	Runtime = "mpdevshim"
	Device  = "BIOPAC"
)

// Handler streams analog channel readings from a BIOPAC MP unit through the
// `mpdevshim` runtime, which links against the vendor mpdev library. A host
// without the library has no shim on the path, so Connect surfaces a driver
// error instead of crashing the pipeline.
//
// The shim prints one line per sample tick: the unit's own tick time followed
// by one value per active channel. The tick time is discarded, alignment is
// host-timestamp based.
type Handler struct {
	config *Config
	labels []string
}

// New creates a BIOPAC handler for the given configuration
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

	model := c.Model
	if model == "" {
		model = ModelMP160
	}
	connection := c.Connection
	if connection == "" {
		connection = ConnectionAuto
	}

	chArgs := make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		chArgs[i] = strconv.Itoa(ch)
	}

	return []string{
		"--model", model.String(),
		"--connect", connection.String(),
		"--channels", strings.Join(chArgs, ","),
		"--rate", strconv.FormatFloat(c.SampleRate, 'f', -1, 64),
	}
}

// Apply folds run-time settings into the configuration before streaming.
// The MP units have no gain stage, so a gain override is rejected.
func (h *Handler) Apply(settings device.Settings) error {
	if settings.Gain != 0 {
		return fmt.Errorf("%w: the digitizer has no gain control", device.ErrInvalidConfig)
	}

	next := *h.config

	if settings.SampleRate != 0 {
		next.SampleRate = settings.SampleRate
	}
	if len(settings.Channels) > 0 {
		channels, err := selectChannels(settings.Channels)
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

// Parse turns one shim output line into a single-sample batch
func (h *Handler) Parse(line string) (*device.SampleBatch, error) {
	fields := strings.Fields(line)
	if len(fields) != len(h.labels)+1 { // leading field is the unit tick time
		return nil, fmt.Errorf("expected %d fields, got %d", len(h.labels)+1, len(fields))
	}

	batch := device.SampleBatch{
		Channels: h.labels,
		Samples:  make([][]float64, len(h.labels)),
	}

	for i, field := range fields[1:] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid channel value: %w", err)
		}
		batch.Samples[i] = []float64{v}
	}

	return &batch, nil
}

// selectChannels maps label selections like "CH3" onto channel numbers
func selectChannels(labels []string) ([]int, error) {
	var channels []int
	for _, label := range labels {
		if !strings.HasPrefix(label, "CH") {
			return nil, fmt.Errorf("%w: unknown channel %q", device.ErrInvalidConfig, label)
		}

		ch, err := strconv.Atoi(label[2:])
		if err != nil {
			return nil, fmt.Errorf("%w: unknown channel %q", device.ErrInvalidConfig, label)
		}
		if !slices.Contains(channels, ch) {
			channels = append(channels, ch)
		}
	}
	return channels, nil
}
