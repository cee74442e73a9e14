package sim

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/bioview/bioview/internal/device"
)

func testConfig() *Config {
	return &Config{
		Name:       "sim0",
		SampleRate: 1000,
		BatchSize:  10,
		Channels:   []string{"CH1", "CH2"},
	}
}

func TestDevice_Lifecycle(t *testing.T) {
	dev, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	if _, err = dev.ReadBatch(time.Millisecond); !errors.Is(err, device.ErrNotStreaming) {
		t.Fatalf("expected ErrNotStreaming before start, got %v", err)
	}

	if err = dev.Start(context.Background()); !errors.Is(err, device.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable before connect, got %v", err)
	}

	if err = dev.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err = dev.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err = dev.Start(context.Background()); !errors.Is(err, device.ErrAlreadyStreaming) {
		t.Fatalf("expected ErrAlreadyStreaming, got %v", err)
	}

	batch, err := dev.ReadBatch(time.Second)
	if err != nil {
		t.Fatalf("failed to read batch: %v", err)
	}
	if len(batch.Samples) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(batch.Samples))
	}
	if batch.Len() != 10 {
		t.Errorf("expected 10 samples per channel, got %d", batch.Len())
	}

	if err = dev.Stop(); err != nil {
		t.Fatalf("failed to stop: %v", err)
	}
	if _, err = dev.ReadBatch(time.Millisecond); !errors.Is(err, device.ErrNotStreaming) {
		t.Errorf("expected ErrNotStreaming after stop, got %v", err)
	}
	if err = dev.Disconnect(); err != nil {
		t.Fatalf("failed to disconnect: %v", err)
	}
}

func TestDevice_ReadTimeout(t *testing.T) {
	config := testConfig()
	config.SampleRate = 1
	config.BatchSize = 10 // 10s per batch, never ready within the timeout

	dev, err := New(config)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	if err = dev.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err = dev.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer dev.Disconnect()

	if _, err = dev.ReadBatch(10 * time.Millisecond); !errors.Is(err, device.ErrReadTimeout) {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
}

func TestDevice_FailAfter(t *testing.T) {
	config := testConfig()
	config.FailAfter = 2

	dev, err := New(config)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	if err = dev.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err = dev.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer dev.Disconnect()

	for i := 0; i < 2; i++ {
		if _, err = dev.ReadBatch(time.Second); err != nil {
			t.Fatalf("batch %d failed: %v", i, err)
		}
	}

	if _, err = dev.ReadBatch(time.Second); !errors.Is(err, device.ErrDisconnected) {
		t.Fatalf("expected ErrDisconnected after %d batches, got %v", config.FailAfter, err)
	}
}

func TestDevice_SineWaveform(t *testing.T) {
	config := testConfig()
	config.Frequency = 10
	config.Amplitude = 2

	dev, err := New(config)
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	if err = dev.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err = dev.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer dev.Disconnect()

	batch, err := dev.ReadBatch(time.Second)
	if err != nil {
		t.Fatalf("failed to read batch: %v", err)
	}

	// channel 0, sample n: 2*sin(2*pi*10*n/1000)
	for n, v := range batch.Samples[0] {
		want := 2 * math.Sin(2*math.Pi*10*float64(n)/1000)
		if math.Abs(v-want) > 1e-9 {
			t.Fatalf("sample %d: expected %f, got %f", n, want, v)
		}
	}

	// channels are phase shifted against each other
	if batch.Samples[0][1] == batch.Samples[1][1] {
		t.Error("expected phase shift between channels")
	}
}

func TestDevice_ConfigureWhileStreaming(t *testing.T) {
	dev, err := New(testConfig())
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	if err = dev.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err = dev.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer dev.Disconnect()

	if err = dev.Configure(device.Settings{SampleRate: 500}); !errors.Is(err, device.ErrAlreadyStreaming) {
		t.Fatalf("expected ErrAlreadyStreaming, got %v", err)
	}
}
