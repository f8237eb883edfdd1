package cli

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/roman-kulish/obd-logger/internal/catalog"
)

type catalogOptions struct {
	skipStandard bool
}

func loadCatalog(path string, opts catalogOptions, logger *slog.Logger) (*catalog.Catalog, error) {
	loadOpts := []catalog.Option{catalog.WithLogger(logger)}
	if opts.skipStandard {
		loadOpts = append(loadOpts, catalog.WithSkipStandardPIDs())
	}

	cat, err := catalog.LoadFile(path, loadOpts...)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, WrapExitError(ExitCommandError, "catalog not found", err)
		}
		return nil, WrapExitError(ExitFailure, "loading catalog", err)
	}
	return cat, nil
}

func headerString(h []byte) string {
	if len(h) == 0 {
		return "-"
	}
	return catalog.KeyFromBytes(h).String()
}
