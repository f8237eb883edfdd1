package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roman-kulish/obd-logger/internal/storage"
)

// SessionSummary is the datasets command output.
type SessionSummary struct {
	Path     string           `json:"path"`
	UUID     string           `json:"uuid,omitempty"`
	Started  time.Time        `json:"started"`
	Catalog  string           `json:"catalog,omitempty"`
	Datasets []DatasetSummary `json:"datasets"`
}

// DatasetSummary describes one stored dataset. Stats are set with --stats.
type DatasetSummary struct {
	Name     string   `json:"name"`
	LongName string   `json:"long_name"`
	Key      string   `json:"key"`
	Unit     string   `json:"unit,omitempty"`
	Rows     int      `json:"rows"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Mean     *float64 `json:"mean,omitempty"`
}

// NewDatasetsCommand creates the datasets command.
func NewDatasetsCommand(rootOpts *RootOptions) *cobra.Command {
	var stats bool

	cmd := &cobra.Command{
		Use:           "datasets <session.sqlite>",
		Short:         "Summarize the datasets of a logged session",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDatasets(cmd.Context(), rootOpts, args[0], stats, cmd)
		},
	}

	cmd.Flags().BoolVar(&stats, "stats", false, "read every dataset and report min, max and mean values")

	return cmd
}

func runDatasets(ctx context.Context, opts *RootOptions, path string, withStats bool, cmd *cobra.Command) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "session database not found", err)
	}

	store, err := storage.NewSqliteStore(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "opening session database", err)
	}
	defer closeWithError(store, &err)

	summary, err := summarize(ctx, store, withStats)
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), summary)
	}
	return writeSummary(cmd.OutOrStdout(), summary, withStats)
}

func summarize(ctx context.Context, store *storage.SqliteStore, withStats bool) (*SessionSummary, error) {
	summary := SessionSummary{Path: store.Path(), Datasets: []DatasetSummary{}}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}
	if len(sessions) > 0 {
		s := sessions[0]
		summary.UUID = s.UUID.String()
		summary.Started = s.StartTime
		summary.Catalog = s.Catalog
	}

	datasets, err := store.Datasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading datasets: %w", err)
	}

	for _, info := range datasets {
		ds := DatasetSummary{
			Name:     info.Name,
			LongName: info.LongName,
			Key:      info.Key.String(),
			Unit:     info.Unit,
			Rows:     info.Rows,
		}
		if withStats && info.Rows > 0 {
			if err = datasetStats(ctx, store, &ds); err != nil {
				return nil, fmt.Errorf("reading dataset %s: %w", info.Name, err)
			}
		}
		summary.Datasets = append(summary.Datasets, ds)
	}

	return &summary, nil
}

func datasetStats(ctx context.Context, store *storage.SqliteStore, ds *DatasetSummary) (err error) {
	reader, err := store.ReadDataset(ctx, ds.Name)
	if err != nil {
		return err
	}
	defer closeWithError(reader, &err)

	n, sum := 0, 0.0
	lo, hi := math.Inf(1), math.Inf(-1)
	for reader.Next(ctx) {
		v := reader.Current().Value
		n++
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if err = reader.Error(); err != nil {
		return err
	}
	if n == 0 {
		return errors.New("no rows read")
	}

	mean := sum / float64(n)
	ds.Min, ds.Max, ds.Mean = &lo, &hi, &mean
	return nil
}

func writeSummary(w io.Writer, s *SessionSummary, withStats bool) error {
	if s.UUID != "" {
		if _, err := fmt.Fprintf(w, "session %s started %s (%s), catalog %s\n\n",
			s.UUID, s.Started.Format(time.RFC3339), humanize.Time(s.Started), s.Catalog); err != nil {
			return err
		}
	}

	tw := newTable(w)
	if withStats {
		fmt.Fprintln(tw, "NAME\tKEY\tROWS\tMIN\tMAX\tMEAN\tUNIT")
	} else {
		fmt.Fprintln(tw, "NAME\tKEY\tROWS\tUNIT")
	}

	var total int64
	for _, ds := range s.Datasets {
		unit := ds.Unit
		if unit == "" {
			unit = "-"
		}
		rows := humanize.Comma(int64(ds.Rows))
		total += int64(ds.Rows)

		if !withStats {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ds.Name, ds.Key, rows, unit)
			continue
		}
		minV, maxV, meanV := "-", "-", "-"
		if ds.Mean != nil {
			minV = humanize.FtoaWithDigits(*ds.Min, 3)
			maxV = humanize.FtoaWithDigits(*ds.Max, 3)
			meanV = humanize.FtoaWithDigits(*ds.Mean, 3)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ds.Name, ds.Key, rows, minV, maxV, meanV, unit)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%s datasets, %s rows\n",
		humanize.Comma(int64(len(s.Datasets))), humanize.Comma(total))
	return err
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
