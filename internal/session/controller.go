package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bioview/bioview/internal/device"
	"github.com/bioview/bioview/internal/display"
	"github.com/bioview/bioview/internal/pipeline"
	"github.com/bioview/bioview/internal/storage"
)

const (
	// DefaultStartTimeout bounds the parallel device start fan-out
	DefaultStartTimeout = 5 * time.Second
)

// Config carries everything the controller needs to run one session
type Config struct {
	// Name identifies the session in storage
	Name string

	// Settings holds per-device settings applied while arming, keyed by
	// device name. Devices without an entry keep their defaults.
	Settings map[string]device.Settings

	// StalenessFactor is passed through to the synchronizer; zero keeps the
	// default
	StalenessFactor float64

	// Display configures the lossy display path
	Display display.Config

	// FlushInterval and FlushThreshold tune the storage writer; zero keeps
	// the defaults
	FlushInterval  time.Duration
	FlushThreshold int

	// StartTimeout bounds the parallel device start; zero keeps the default
	StartTimeout time.Duration

	// Dump is stored verbatim with the session record for later inspection
	Dump any
}

// WithControllerLogger sets the logger for the controller
func WithControllerLogger(logger *slog.Logger) func(*Controller) {
	return func(c *Controller) {
		c.logger = logger
	}
}

// Controller drives one recording session through its lifecycle:
// idle, armed, running, stopping, finalized, with errored absorbing.
// Arm connects and configures the hardware, Start is all-or-nothing across
// devices, and Stop drains every buffered sample into storage before the
// session record is finalized.
//
// All exported methods are safe for concurrent use; the pipeline goroutines
// are owned by the controller and never exposed.
type Controller struct {
	store   *storage.SqliteStore
	devices []device.Device
	config  Config

	mu        sync.Mutex
	state     State
	sessionID int64
	startedAt time.Time
	deviceIDs map[string]int64

	synchronizer *pipeline.Synchronizer
	fan          *pipeline.FanOut
	disp         *display.Pipeline
	writer       *storage.Writer

	cancelWorkers context.CancelFunc
	cancelPipe    context.CancelFunc
	pipeDone      chan struct{}
	pipeErr       error

	logger *slog.Logger
}

// NewController creates a controller over the given devices. Device order is
// significant: it decides synchronizer tie-breaks on equal timestamps.
func NewController(store *storage.SqliteStore, devices []device.Device, config Config, options ...func(*Controller)) (*Controller, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("session name is required")
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("at least one device is required")
	}
	if config.StartTimeout == 0 {
		config.StartTimeout = DefaultStartTimeout
	}

	c := Controller{
		store:   store,
		devices: devices,
		config:  config,
		state:   StateIdle,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c, nil
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a snapshot of the session's identity
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Session{
		ID:        c.sessionID,
		Name:      c.config.Name,
		State:     c.state,
		StartedAt: c.startedAt,
	}
	for _, dev := range c.devices {
		s.Devices = append(s.Devices, dev.Descriptor())
	}
	return s
}

// Display returns the display pipeline once the session is running, nil
// before that
func (c *Controller) Display() *display.Pipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disp
}

// Written returns the number of frames persisted so far
func (c *Controller) Written() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writer == nil {
		return 0
	}
	return c.writer.Written()
}

// Dropped returns the number of frames discarded on the display path
func (c *Controller) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fan == nil {
		return 0
	}
	return c.fan.Dropped()
}

// Arm creates the session record, then connects and configures every device.
// Any failure tears down what was already connected and leaves the session
// errored: an experiment must not start with a partial device set.
func (c *Controller) Arm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return fmt.Errorf("%w: arm from %s", ErrInvalidState, c.state)
	}

	sessionID, err := c.store.CreateSession(ctx, c.config.Name, c.config.Dump)
	if err != nil {
		c.state = StateErrored
		return fmt.Errorf("creating session: %w", err)
	}
	c.sessionID = sessionID
	c.startedAt = time.Now()

	deviceIDs := make(map[string]int64, len(c.devices))
	var connected []device.Device

	fail := func(err error) error {
		for _, dev := range connected {
			if dErr := dev.Disconnect(); dErr != nil {
				c.logger.Error("disconnecting device",
					slog.String("device", dev.Descriptor().Name),
					slog.String("error", dErr.Error()))
			}
		}
		c.state = StateErrored
		return err
	}

	for _, dev := range c.devices {
		desc := dev.Descriptor()

		if err = dev.Connect(ctx); err != nil {
			return fail(fmt.Errorf("connecting %s: %w", desc.Name, err))
		}
		connected = append(connected, dev)

		if settings, ok := c.config.Settings[desc.Name]; ok {
			if err = dev.Configure(settings); err != nil {
				return fail(fmt.Errorf("configuring %s: %w", desc.Name, err))
			}
		}

		deviceID, idErr := c.store.AddDevice(ctx, sessionID, desc)
		if idErr != nil {
			return fail(fmt.Errorf("registering %s: %w", desc.Name, idErr))
		}
		deviceIDs[desc.Name] = deviceID

		c.logger.Info("device armed",
			slog.String("device", desc.Name),
			slog.String("kind", desc.Kind.String()))
	}

	c.deviceIDs = deviceIDs
	c.state = StateArmed
	c.logger.Info("session armed", slog.Int64("session", sessionID))
	return nil
}

// Start begins streaming on every device in parallel and wires up the
// pipeline. Starting is all-or-nothing: if any device refuses, the ones that
// already started are stopped again and the session stays armed, so the
// operator can retry or stand down.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateArmed {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, c.state)
	}

	// Devices hold workerCtx for the lifetime of their streams: a vendor
	// backend threads it into its child process, which must keep running
	// long after Start returns. The timeout only bounds how long we wait
	// for the devices to come up.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	g := new(errgroup.Group)
	for _, dev := range c.devices {
		dev := dev
		g.Go(func() error {
			if err := dev.Start(workerCtx); err != nil {
				return fmt.Errorf("starting %s: %w", dev.Descriptor().Name, err)
			}
			return nil
		})
	}

	wait := make(chan error, 1)
	go func() { wait <- g.Wait() }()

	startCtx, cancel := context.WithTimeout(ctx, c.config.StartTimeout)
	defer cancel()

	var err error
	select {
	case err = <-wait:
	case <-startCtx.Done():
		err = fmt.Errorf("starting devices: %w", startCtx.Err())
	}

	if err != nil {
		cancelWorkers()
		for _, dev := range c.devices {
			if sErr := dev.Stop(); sErr != nil && !errors.Is(sErr, device.ErrNotStreaming) {
				c.logger.Error("stopping device after failed start",
					slog.String("device", dev.Descriptor().Name),
					slog.String("error", sErr.Error()))
			}
		}
		return err
	}

	if err := c.startPipeline(workerCtx, cancelWorkers); err != nil {
		cancelWorkers()
		for _, dev := range c.devices {
			_ = dev.Stop()
		}
		return err
	}

	c.state = StateRunning
	c.logger.Info("session running", slog.Int64("session", c.sessionID))
	return nil
}

// startPipeline spawns the workers and the processing chain. Called with the
// lock held from Start; the devices are already streaming under workerCtx.
func (c *Controller) startPipeline(workerCtx context.Context, cancelWorkers context.CancelFunc) error {
	pipeCtx, cancelPipe := context.WithCancel(context.Background())

	inputs := make([]pipeline.Input, 0, len(c.devices))
	workers := make([]*device.Worker, 0, len(c.devices))
	rates := make(map[string]float64, len(c.devices))
	for _, dev := range c.devices {
		w := device.NewWorker(dev, device.WithLogger(c.logger))
		workers = append(workers, w)
		inputs = append(inputs, pipeline.Input{Device: dev.Descriptor(), Items: w.Out()})
		rates[dev.Descriptor().Name] = dev.Descriptor().SampleRate
	}

	var syncOpts []func(*pipeline.Synchronizer)
	syncOpts = append(syncOpts, pipeline.WithSyncLogger(c.logger))
	if c.config.StalenessFactor > 0 {
		syncOpts = append(syncOpts, pipeline.WithStalenessFactor(c.config.StalenessFactor))
	}

	synchronizer, err := pipeline.New(inputs, syncOpts...)
	if err != nil {
		cancelPipe()
		return fmt.Errorf("creating synchronizer: %w", err)
	}

	fan := pipeline.NewFanOut(synchronizer.Out(), pipeline.WithFanOutLogger(c.logger))

	disp, err := display.NewPipeline(fan.Display(), c.config.Display, rates, display.WithPipelineLogger(c.logger))
	if err != nil {
		cancelPipe()
		return fmt.Errorf("creating display pipeline: %w", err)
	}

	var writerOpts []func(*storage.Writer)
	writerOpts = append(writerOpts, storage.WithWriterLogger(c.logger))
	if c.config.FlushInterval > 0 {
		writerOpts = append(writerOpts, storage.WithFlushInterval(c.config.FlushInterval))
	}
	if c.config.FlushThreshold > 0 {
		writerOpts = append(writerOpts, storage.WithFlushThreshold(c.config.FlushThreshold))
	}
	writer := storage.NewWriter(c.store, c.sessionID, c.deviceIDs, fan.Storage(), writerOpts...)

	c.synchronizer = synchronizer
	c.fan = fan
	c.disp = disp
	c.writer = writer
	c.cancelWorkers = cancelWorkers
	c.cancelPipe = cancelPipe
	c.pipeDone = make(chan struct{})

	for _, w := range workers {
		go w.Run(workerCtx)
	}

	g, _ := errgroup.WithContext(pipeCtx)
	g.Go(func() error {
		synchronizer.Run(pipeCtx)
		return nil
	})
	g.Go(func() error {
		fan.Run(pipeCtx)
		return nil
	})
	g.Go(func() error {
		disp.Run(pipeCtx)
		return nil
	})
	g.Go(func() error {
		if err := writer.Run(pipeCtx); err != nil {
			// the pipeline must not keep feeding a dead writer; without the
			// cancel the fan-out would block on the unconsumed storage sink
			// and the failure would never surface
			cancelPipe()
			return err
		}
		return nil
	})

	go func() {
		defer close(c.pipeDone)

		err := g.Wait()
		if err == nil {
			return
		}

		// A storage failure while running poisons the session. Acquisition
		// is cancelled immediately; no further data can be trusted to reach
		// the record.
		c.mu.Lock()
		c.pipeErr = err
		aborting := c.state == StateRunning
		if aborting {
			c.state = StateErrored
		}
		c.mu.Unlock()

		if aborting {
			cancelWorkers()
			cancelPipe()
			for _, dev := range c.devices {
				_ = dev.Stop()
				_ = dev.Disconnect()
			}
			c.logger.Error("session aborted", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Annotate inserts an operator marker into the running stream. The marker is
// stamped with the pipeline's own progress, so it lands on the next aligned
// frame regardless of queue depths.
func (c *Controller) Annotate(label string) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: annotate from %s", ErrInvalidState, c.state)
	}
	synchronizer := c.synchronizer
	c.mu.Unlock()

	ts := synchronizer.LastTimestamp()
	if ts.IsZero() {
		ts = time.Now()
	}

	synchronizer.Annotate(pipeline.Annotation{Timestamp: ts, Label: label})
	return nil
}

// Stop drains the pipeline and finalizes the session record. The display
// path switches to blocking delivery for the drain, the workers are released,
// and every buffered batch flows through to storage before devices are torn
// down. Device teardown runs unconditionally; its errors are reported but do
// not leave hardware streaming.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidState, c.state)
	}
	c.state = StateStopping
	fan := c.fan
	cancelWorkers := c.cancelWorkers
	pipeDone := c.pipeDone
	c.mu.Unlock()

	c.logger.Info("stopping session", slog.Int64("session", c.sessionID))

	fan.BeginDrain()
	cancelWorkers()

	select {
	case <-pipeDone:
	case <-ctx.Done():
		c.cancelPipe()
		<-pipeDone
	}

	var devErrs []error
	for _, dev := range c.devices {
		if err := dev.Stop(); err != nil && !errors.Is(err, device.ErrNotStreaming) {
			devErrs = append(devErrs, fmt.Errorf("stopping %s: %w", dev.Descriptor().Name, err))
		}
		if err := dev.Disconnect(); err != nil {
			devErrs = append(devErrs, fmt.Errorf("disconnecting %s: %w", dev.Descriptor().Name, err))
		}
	}

	c.mu.Lock()
	pipeErr := c.pipeErr
	c.mu.Unlock()

	finErr := c.store.FinishSession(ctx, c.sessionID)

	c.mu.Lock()
	switch {
	case pipeErr != nil || finErr != nil:
		c.state = StateErrored
	default:
		c.state = StateFinalized
	}
	c.mu.Unlock()

	err := errors.Join(append(devErrs, pipeErr, finErr)...)
	if err != nil {
		return err
	}

	c.logger.Info("session finalized",
		slog.Int64("session", c.sessionID),
		slog.Uint64("frames", c.Written()),
		slog.Uint64("dropped", c.Dropped()))
	return nil
}

// Abort cancels everything without draining. Used on fatal shutdown paths
// where waiting for a clean drain is not an option. Aborting an already
// errored session re-runs device teardown, so handles are always releasable.
func (c *Controller) Abort() {
	c.mu.Lock()
	switch c.state {
	case StateRunning, StateStopping, StateErrored:
	default:
		c.mu.Unlock()
		return
	}
	c.state = StateErrored
	cancelWorkers := c.cancelWorkers
	cancelPipe := c.cancelPipe
	pipeDone := c.pipeDone
	c.mu.Unlock()

	// an errored session may never have started its pipeline
	if cancelWorkers != nil {
		cancelWorkers()
	}
	if cancelPipe != nil {
		cancelPipe()
	}
	if pipeDone != nil {
		<-pipeDone
	}

	for _, dev := range c.devices {
		_ = dev.Stop()
		_ = dev.Disconnect()
	}
}
