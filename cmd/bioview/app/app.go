package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bioview/bioview/internal/device"
	"github.com/bioview/bioview/internal/device/biopac"
	"github.com/bioview/bioview/internal/device/sim"
	"github.com/bioview/bioview/internal/device/usrp"
	"github.com/bioview/bioview/internal/display"
	"github.com/bioview/bioview/internal/session"
	"github.com/bioview/bioview/internal/storage"
)

const storageDir = "data"

// Run arms, starts and supervises one recording session. Lines typed on
// stdin become annotations; SIGINT or SIGTERM triggers the draining stop
// sequence.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	devices, err := createDevices(config.Devices, logger)
	if err != nil {
		return fmt.Errorf("failed to create devices: %w", err)
	}

	ctrl, err := session.NewController(store, devices, session.Config{
		Name:            config.Session.Name,
		StalenessFactor: config.Session.StalenessFactor,
		Display:         config.Display.Config,
		FlushInterval:   time.Duration(config.Storage.FlushInterval),
		FlushThreshold:  config.Storage.FlushThreshold,
		StartTimeout:    time.Duration(config.Session.StartTimeout),
		Dump:            config,
	}, session.WithControllerLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create session controller: %w", err)
	}

	if err = ctrl.Arm(ctx); err != nil {
		return fmt.Errorf("failed to arm session: %w", err)
	}
	if err = ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	feedCtx, stopFeed := context.WithCancel(context.Background())
	defer stopFeed()

	if config.Display.Listen != "" {
		serveFeed(feedCtx, config.Display, ctrl.Display(), logger)
	}

	go annotateFromStdin(ctx, ctrl, logger)

	<-ctx.Done()
	stopFeed()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err = ctrl.Stop(stopCtx); err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}

	logger.Info("recording complete",
		slog.String("frames", humanize.Comma(int64(ctrl.Written()))),
		slog.String("display drops", humanize.Comma(int64(ctrl.Dropped()))))
	return nil
}

func createDevices(configs []DeviceConfig, logger *slog.Logger) ([]device.Device, error) {
	var devices []device.Device
	for i := range configs {
		deviceConfig := &configs[i]
		if !deviceConfig.Enabled {
			continue
		}

		dev, err := createDevice(deviceConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("creating device %s: %w", deviceConfig.Name, err)
		}
		devices = append(devices, dev)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices enabled in configuration")
	}
	return devices, nil
}

func createDevice(deviceConfig *DeviceConfig, logger *slog.Logger) (device.Device, error) {
	switch deviceConfig.Type {
	case DeviceUSRP:
		var config usrp.Config
		if err := deviceConfig.Config.Decode(&config); err != nil {
			return nil, fmt.Errorf("decoding USRP config: %w", err)
		}

		handler, err := usrp.New(&config)
		if err != nil {
			return nil, err
		}

		spb := config.SamplesPerBuffer
		if spb == 0 {
			spb = usrp.SamplesPerBufferDefault
		}
		return device.NewVendorDevice(device.Descriptor{
			Name:       deviceConfig.Name,
			Kind:       device.KindRadio,
			SampleRate: config.SampleRate,
			BatchSize:  spb,
			Channels:   config.Labels(),
		}, handler, logger), nil

	case DeviceBIOPAC:
		var config biopac.Config
		if err := deviceConfig.Config.Decode(&config); err != nil {
			return nil, fmt.Errorf("decoding BIOPAC config: %w", err)
		}

		handler, err := biopac.New(&config)
		if err != nil {
			return nil, err
		}

		return device.NewVendorDevice(device.Descriptor{
			Name:       deviceConfig.Name,
			Kind:       device.KindDigitizer,
			SampleRate: config.SampleRate,
			BatchSize:  1,
			Channels:   config.Labels(),
		}, handler, logger), nil

	case DeviceSim:
		var config sim.Config
		if err := deviceConfig.Config.Decode(&config); err != nil {
			return nil, fmt.Errorf("decoding simulator config: %w", err)
		}
		if config.Name == "" {
			config.Name = deviceConfig.Name
		}
		return sim.New(&config)

	default:
		return nil, fmt.Errorf("unknown type '%s'", deviceConfig.Type)
	}
}

func createStorage(config *StorageConfig, logger *slog.Logger) (*storage.SqliteStore, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	var dbDir string
	if config.DataDirectory != "" {
		dbDir = filepath.Join(wd, config.DataDirectory)
	} else {
		dbDir = filepath.Join(wd, storageDir)
	}

	stat, err := os.Stat(dbDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbDir, err)
		}
		return nil, fmt.Errorf("invalid storage directory '%s': %w", dbDir, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbDir)
	}

	dbPath := filepath.Join(dbDir, fmt.Sprintf("bioview_session_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	logger.Info("session database", slog.String("path", dbPath))

	return storage.NewSqliteStore(dbPath), nil
}

func serveFeed(ctx context.Context, config DisplayConfig, pipeline *display.Pipeline, logger *slog.Logger) {
	var feedOpts []func(*display.Feed)
	feedOpts = append(feedOpts, display.WithFeedLogger(logger))
	if config.RefreshInterval > 0 {
		feedOpts = append(feedOpts, display.WithRefreshInterval(time.Duration(config.RefreshInterval)))
	}
	feed := display.NewFeed(pipeline, feedOpts...)

	mux := http.NewServeMux()
	mux.Handle("/feed", feed.Handler())

	srv := &http.Server{Addr: config.Listen, Handler: mux}

	go feed.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info("display feed listening", slog.String("addr", config.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("display feed server failed", slog.String("error", err.Error()))
		}
	}()
}

// annotateFromStdin turns every non-empty stdin line into an annotation on
// the running session
func annotateFromStdin(ctx context.Context, ctrl *session.Controller, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		label := strings.TrimSpace(scanner.Text())
		if label == "" {
			continue
		}

		if err := ctrl.Annotate(label); err != nil {
			logger.Warn("annotation rejected", slog.String("error", err.Error()))
			continue
		}
		logger.Info("annotation recorded", slog.String("label", label))
	}
}
