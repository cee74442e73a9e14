package app

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/bioview/bioview/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	return renderSession(ctx, store, config, logger)
}

func renderSession(ctx context.Context, store *storage.SqliteStore, config *Config, logger *slog.Logger) error {
	session, err := store.Session(ctx, config.SessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	logger.Info("session",
		slog.Int64("id", session.ID),
		slog.String("name", session.Name),
		slog.String("started", session.StartedAt.Local().Format(time.DateTime)))

	iter, err := store.ReadFrames(ctx, config.SessionID)
	if err != nil {
		return fmt.Errorf("creating frame reader: %w", err)
	}
	defer iter.Close()

	logger.Info("reading frames, hold on tight, it may take a while")

	spec := NewTraceData(config.Width, config.Channels)
	for iter.Next(ctx) {
		spec.Update(iter.Current())
	}
	if err = iter.Error(); err != nil {
		return err
	}
	if spec.Frames == 0 {
		return errors.New("session holds no frames")
	}

	if !config.NoAnnotations {
		if spec.Annotations, err = store.Annotations(ctx, config.SessionID); err != nil {
			return fmt.Errorf("loading annotations: %w", err)
		}
		if spec.Events, err = store.Events(ctx, config.SessionID); err != nil {
			return fmt.Errorf("loading events: %w", err)
		}
	}

	logger.Info("finished reading frames",
		slog.Group("stats",
			slog.Int("frames", spec.Frames),
			slog.Int64("samples", spec.Samples()),
			slog.Int("channels", len(spec.Channels())),
			slog.String("start", spec.TimestampStart.Local().Format(time.DateTime)),
			slog.String("end", spec.TimestampEnd.Local().Format(time.DateTime)),
		))

	renderer, err := NewTraceRenderer(RenderConfig{
		FontFile:    config.FontFile,
		StripHeight: config.StripHeight,
	})
	if err != nil {
		return fmt.Errorf("creating trace renderer: %w", err)
	}

	logger.Info("rendering traces",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("width", config.Width),
		))

	img, err := renderer.Render(ctx, spec, !config.NoAnnotations)
	if err != nil {
		return fmt.Errorf("rendering traces: %w", err)
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	switch config.Format {
	case ImagePNG:
		err = png.Encode(out, img)

	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{
			Quality: 98,
		})
	}
	return err
}
