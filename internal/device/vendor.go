package device

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/bioview/bioview/internal/device/driver"

	"log/slog"
)

// VendorHandler is implemented by backends that wrap a vendor runtime as a
// child process. The handler supplies the command and the wire format; the
// VendorDevice owns process lifetime, state transitions and the read queue.
type VendorHandler interface {
	// Runtime returns the vendor runtime binary name to look up on the path
	Runtime() string

	// Args returns the command line arguments for the current configuration
	Args() []string

	// Apply folds run-time settings into the configuration. Called only
	// before streaming starts. Returns ErrInvalidConfig for out-of-range
	// values.
	Apply(settings Settings) error

	// Parse turns one line of runtime output into a sample batch
	Parse(line string) (*SampleBatch, error)
}

// VendorDevice adapts a VendorHandler to the Device contract. One instance
// wraps one hardware unit; the acquisition worker is its only caller.
type VendorDevice struct {
	desc    Descriptor
	handler VendorHandler

	binPath string
	runner  *streamRunner
	logger  *slog.Logger
}

// NewVendorDevice wraps a handler into a Device
func NewVendorDevice(desc Descriptor, h VendorHandler, logger *slog.Logger) *VendorDevice {
	logger = logger.With(
		slog.String("device", desc.Name),
		slog.String("kind", desc.Kind.String()),
	)

	return &VendorDevice{
		desc:    desc,
		handler: h,
		logger:  logger,
		runner:  newStreamRunner(logger),
	}
}

// Connect locates the vendor runtime. A missing native binding fails with
// ErrDriver rather than crashing the pipeline. Idempotent.
func (d *VendorDevice) Connect(_ context.Context) error {
	if d.binPath != "" {
		return nil // already connected
	}

	binPath, err := driver.FindRuntime(d.handler.Runtime())
	if err != nil {
		return fmt.Errorf("%w: runtime %q not found: %w", ErrDriver, d.handler.Runtime(), err)
	}

	d.binPath = binPath
	d.logger.Debug("vendor runtime found", slog.String("path", binPath))
	return nil
}

// Configure applies channel selection and gain or rate overrides. Callable
// only before Start.
func (d *VendorDevice) Configure(settings Settings) error {
	if d.runner.isStreaming.Load() {
		return ErrAlreadyStreaming
	}
	return d.handler.Apply(settings)
}

// Start launches the vendor runtime. The hardware begins producing data that
// must be drained promptly through ReadBatch.
func (d *VendorDevice) Start(ctx context.Context) error {
	if d.binPath == "" {
		return fmt.Errorf("%w: device is not connected", ErrDeviceUnavailable)
	}

	newCmd := func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, d.binPath, d.handler.Args()...)
	}
	return d.runner.start(ctx, newCmd, d.handler)
}

// ReadBatch returns the next batch, blocking for at most timeout
func (d *VendorDevice) ReadBatch(timeout time.Duration) (*SampleBatch, error) {
	return d.runner.read(timeout)
}

// Stop terminates the vendor runtime. Safe to call on every teardown path.
func (d *VendorDevice) Stop() error {
	d.runner.stop()
	return nil
}

// Disconnect releases the device. Safe to call after errors and repeatedly.
func (d *VendorDevice) Disconnect() error {
	d.runner.stop()
	d.binPath = ""
	return nil
}

// Descriptor returns the device identity
func (d *VendorDevice) Descriptor() Descriptor {
	return d.desc
}
