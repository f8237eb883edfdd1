package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roman-kulish/obd-logger/internal/catalog"
	"github.com/roman-kulish/obd-logger/internal/formula"
	"github.com/roman-kulish/obd-logger/internal/metrics"
	"github.com/roman-kulish/obd-logger/internal/obd"
	"github.com/roman-kulish/obd-logger/internal/session"
	"github.com/roman-kulish/obd-logger/internal/storage"
	"github.com/roman-kulish/obd-logger/internal/transport"
	"github.com/roman-kulish/obd-logger/internal/transport/replay"
	"github.com/roman-kulish/obd-logger/internal/transport/socketcan"
)

// Run logs one session until ctx is cancelled or the source is exhausted.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	cat, err := createCatalog(&config.Catalog, logger)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}
	if cat.Len() == 0 {
		return fmt.Errorf("no sensors in catalog '%s'", config.Catalog.Path)
	}

	decoder, err := createDecoder(cat, config)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	source, err := createSource(cat, config, logger)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	store, err := createStorage(ctx, config, time.Now())
	if err != nil {
		return errors.Join(fmt.Errorf("failed to create storage: %w", err), closeSource(source))
	}

	logger.Info("logging session",
		slog.String("catalog", config.Catalog.Path),
		slog.Int("sensors", cat.Len()),
		slog.String("source", string(config.Source.Type)),
		slog.String("store", store.Path()))

	var m *metrics.Metrics
	var wg sync.WaitGroup
	var metricsErr error

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if config.Metrics.Enabled {
		m = metrics.New()
		srv := metrics.NewServer(config.Metrics.Address, m, metrics.WithLogger(logger))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if metricsErr = srv.Run(ctx); metricsErr != nil {
				cancel() // signal the session about fatal
			}
		}()
	}

	sess := session.New(source, decoder, store,
		session.WithLogger(logger),
		session.WithMetrics(m),
		session.WithFlushInterval(config.Appender.FlushInterval.Duration()),
		session.WithFailureThreshold(config.Appender.FailureThreshold))

	err = sess.Run(ctx)

	cancel()
	wg.Wait()

	return errors.Join(err, metricsErr, closeSource(source))
}

func createCatalog(config *CatalogConfig, logger *slog.Logger) (*catalog.Catalog, error) {
	opts := []catalog.Option{catalog.WithLogger(logger)}
	if config.SkipStandardPIDs {
		opts = append(opts, catalog.WithSkipStandardPIDs())
	}
	return catalog.LoadFile(config.Path, opts...)
}

func createDecoder(cat *catalog.Catalog, config *Config) (*obd.Decoder, error) {
	format, err := config.FrameFormat()
	if err != nil {
		return nil, err
	}

	policy, err := formula.ParseMissingPolicy(config.Decoder.MissingOperands)
	if err != nil {
		return nil, err
	}

	opts := []func(*obd.Decoder){
		obd.WithFormat(format),
		obd.WithKeyWidth(config.Decoder.KeyWidth),
		obd.WithMissingPolicy(policy),
	}
	if config.Decoder.HeaderChars != nil {
		opts = append(opts, obd.WithHeaderChars(*config.Decoder.HeaderChars))
	}
	if config.Decoder.AckOffset != nil {
		opts = append(opts, obd.WithAckOffset(byte(*config.Decoder.AckOffset)))
	}

	return obd.NewDecoder(cat, opts...), nil
}

func createSource(cat *catalog.Catalog, config *Config, logger *slog.Logger) (transport.Source, error) {
	switch config.Source.Type {
	case SourceReplay:
		format, err := config.FrameFormat()
		if err != nil {
			return nil, err
		}

		return replay.NewFile(config.Source.Replay.Path,
			replay.WithLogger(logger),
			replay.WithBinary(format == obd.FormatBinary),
			replay.WithRate(config.Source.Replay.Rate)), nil

	case SourceSocketCAN:
		header, err := config.RequestHeader()
		if err != nil {
			return nil, err
		}

		opts := []func(*socketcan.Source){
			socketcan.WithLogger(logger),
			socketcan.WithRequestHeader(header),
		}
		if interval := config.Source.SocketCAN.PollInterval.Duration(); interval > 0 {
			opts = append(opts, socketcan.WithPoller(cat.Sensors(), interval))
		}

		src, err := socketcan.Open(config.Source.SocketCAN.Interface, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil

	default:
		return nil, fmt.Errorf("creating source: unknown type '%s'", config.Source.Type)
	}
}

// closeSource releases the source, e.g. the SocketCAN bus, when the session
// did not stream it to the end.
func closeSource(source transport.Source) error {
	if c, ok := source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("closing source: %w", err)
		}
	}
	return nil
}

func createStorage(ctx context.Context, config *Config, started time.Time) (*storage.SqliteStore, error) {
	dir := config.Storage.DataDirectory
	if !filepath.IsAbs(dir) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dir = filepath.Join(wd, dir)
	}

	stat, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dir, err)
		}
		return nil, fmt.Errorf("checking storage directory '%s': %w", dir, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dir)
	}

	store, err := storage.NewSqliteStore(filepath.Join(dir, storage.SessionFileName(started)),
		storage.WithSynchronous(config.Storage.Synchronous),
		storage.WithBatchSize(config.Storage.MaxBatchSize))
	if err != nil {
		return nil, fmt.Errorf("creating storage: %w", err)
	}

	if _, err = store.CreateSession(ctx, config.Catalog.Path, config); err != nil {
		return nil, errors.Join(fmt.Errorf("creating session: %w", err), store.Close())
	}

	return store, nil
}
