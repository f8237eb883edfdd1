package app

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/obd-logger/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) (err error) {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store, err := storage.NewSqliteStore(config.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer closeWithError(store, &err)

	chart, err := readChart(ctx, store, config, logger)
	if err != nil {
		return err
	}
	if chart.Empty() {
		return fmt.Errorf("no points to plot")
	}

	renderer, err := NewChartRenderer(RenderConfig{
		Width:         config.Width,
		Height:        config.Height,
		NoAnnotations: config.NoAnnotations,
	})
	if err != nil {
		return fmt.Errorf("creating chart renderer: %w", err)
	}

	logger.Info("rendering chart",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
			slog.Int("width", config.Width),
			slog.Int("height", config.Height),
		))

	img, err := renderer.Render(chart)
	if err != nil {
		return fmt.Errorf("rendering chart: %w", err)
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer closeWithError(out, &err)

	return encode(out, img, config.Format)
}

func readChart(ctx context.Context, store *storage.SqliteStore, config *Config, logger *slog.Logger) (*ChartData, error) {
	var opts []storage.ReaderOption
	var filters []any
	switch {
	case config.StartElapsed != nil && config.EndElapsed != nil:
		opts = append(opts, storage.WithElapsedRange(*config.StartElapsed, *config.EndElapsed))

		filters = append(filters,
			slog.Float64("startElapsed", *config.StartElapsed),
			slog.Float64("endElapsed", *config.EndElapsed))

	case config.StartElapsed != nil:
		opts = append(opts, storage.WithStartElapsed(*config.StartElapsed))
		filters = append(filters, slog.Float64("startElapsed", *config.StartElapsed))

	case config.EndElapsed != nil:
		opts = append(opts, storage.WithEndElapsed(*config.EndElapsed))
		filters = append(filters, slog.Float64("endElapsed", *config.EndElapsed))
	}

	logger.Info("reader configuration", filters...)

	chart := NewChartData()
	for _, name := range config.Datasets {
		if err := readSeries(ctx, store, chart, name, opts); err != nil {
			return nil, err
		}
	}

	logger.Info("finished reading data points",
		slog.Group("stats",
			slog.Int("datasets", len(chart.Series)),
			slog.String("points", humanize.Comma(int64(chart.Points))),
			slog.Float64("minValue", chart.ValueMin),
			slog.Float64("maxValue", chart.ValueMax),
		))

	return chart, nil
}

func readSeries(ctx context.Context, store *storage.SqliteStore, chart *ChartData, name string, opts []storage.ReaderOption) (err error) {
	iter, err := store.ReadDataset(ctx, name, opts...)
	if err != nil {
		return fmt.Errorf("reading dataset %s: %w", name, err)
	}
	defer closeWithError(iter, &err)

	info := iter.Dataset()
	s := chart.AddSeries(info.Name, info.Unit)
	for iter.Next(ctx) {
		chart.Update(s, iter.Current())
	}
	if err = iter.Error(); err != nil {
		return fmt.Errorf("reading dataset %s: %w", name, err)
	}
	return nil
}

func encode(w io.Writer, img image.Image, format ImageFormat) error {
	switch format {
	case ImagePNG:
		return png.Encode(w, img)

	case ImageJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{
			Quality: 98,
		})

	default:
		return fmt.Errorf("invalid image format: %s", format)
	}
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
