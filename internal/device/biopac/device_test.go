package biopac

import (
	"errors"
	"slices"
	"testing"

	"github.com/bioview/bioview/internal/device"
)

func testConfig() *Config {
	return &Config{
		Channels:   []int{1, 2, 3},
		SampleRate: 1000,
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no channels", func(c *Config) { c.Channels = nil }, true},
		{"channel out of range", func(c *Config) { c.Channels = []int{17} }, true},
		{"duplicate channels", func(c *Config) { c.Channels = []int{2, 2} }, true},
		{"rate too high", func(c *Config) { c.SampleRate = 5000 }, true},
		{"rate zero", func(c *Config) { c.SampleRate = 0 }, true},
		{"bad model", func(c *Config) { c.Model = "mp9000" }, true},
		{"bad connection", func(c *Config) { c.Connection = "serial" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestHandler_Args(t *testing.T) {
	h, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	args := h.Args()

	want := map[string]string{
		"--model":    "mp160", // default applied
		"--connect":  "auto",
		"--channels": "1,2,3",
		"--rate":     "1000",
	}
	for flag, value := range want {
		i := slices.Index(args, flag)
		if i < 0 {
			t.Errorf("missing %s", flag)
			continue
		}
		if i+1 >= len(args) || args[i+1] != value {
			t.Errorf("%s: expected %q, got %q", flag, value, args[i+1])
		}
	}
}

func TestHandler_Parse(t *testing.T) {
	h, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	// leading field is the unit tick time, discarded
	batch, err := h.Parse("0.015625 0.52 -1.25 3.0")
	if err != nil {
		t.Fatalf("failed to parse line: %v", err)
	}

	if len(batch.Samples) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(batch.Samples))
	}
	if batch.Len() != 1 {
		t.Errorf("expected single-sample batch, got %d", batch.Len())
	}
	if batch.Samples[1][0] != -1.25 {
		t.Errorf("expected -1.25, got %f", batch.Samples[1][0])
	}
	if !slices.Equal(batch.Channels, []string{"CH1", "CH2", "CH3"}) {
		t.Errorf("unexpected channel labels: %v", batch.Channels)
	}
}

func TestHandler_ParseErrors(t *testing.T) {
	h, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	tests := []struct {
		name string
		line string
	}{
		{"too few fields", "0.01 0.5 0.5"},
		{"too many fields", "0.01 0.5 0.5 0.5 0.5"},
		{"bad value", "0.01 0.5 abc 0.5"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.Parse(tt.line); err == nil {
				t.Errorf("expected parse error for %q", tt.line)
			}
		})
	}
}

func TestHandler_ApplyRejectsGain(t *testing.T) {
	h, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	if err = h.Apply(device.Settings{Gain: 10}); !errors.Is(err, device.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for gain override, got %v", err)
	}
}

func TestHandler_ApplyChannelSelection(t *testing.T) {
	h, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	if err = h.Apply(device.Settings{Channels: []string{"CH2"}}); err != nil {
		t.Fatalf("failed to apply channel selection: %v", err)
	}
	if !slices.Equal(h.config.Channels, []int{2}) {
		t.Errorf("expected channels [2], got %v", h.config.Channels)
	}

	if err = h.Apply(device.Settings{Channels: []string{"EX1"}}); !errors.Is(err, device.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown channel, got %v", err)
	}
}
