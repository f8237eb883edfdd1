package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roman-kulish/obd-logger/internal/catalog"
)

// SensorEntry is one accepted sensor in list output.
type SensorEntry struct {
	Index     int     `json:"index"`
	ShortName string  `json:"short_name"`
	LongName  string  `json:"long_name"`
	Key       string  `json:"key"`
	Formula   string  `json:"formula"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Unit      string  `json:"unit,omitempty"`
	Header    string  `json:"header,omitempty"`
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		catOpts catalogOptions
		names   []string
	)

	cmd := &cobra.Command{
		Use:           "list <catalog.csv>",
		Short:         "List the sensors of a catalog in dataset order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog(args[0], catOpts, newLogger(rootOpts, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			sensors, err := selectSensors(cat, names)
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), sensorEntries(sensors))
			}
			return writeSensors(cmd.OutOrStdout(), cat, sensors)
		},
	}

	cmd.Flags().BoolVar(&catOpts.skipStandard, "skip-standard", false, "reject standard mode 01 PIDs")
	cmd.Flags().StringSliceVarP(&names, "sensor", "s", nil, "list only the named sensors (short names)")

	return cmd
}

// selectSensors returns the named sensors in the given order, or the whole
// catalog when no names are given.
func selectSensors(cat *catalog.Catalog, names []string) ([]*catalog.Descriptor, error) {
	if len(names) == 0 {
		return cat.Sensors(), nil
	}

	sensors := make([]*catalog.Descriptor, 0, len(names))
	for _, name := range names {
		d, ok := cat.ByName(name)
		if !ok {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("no sensor named %q", name))
		}
		sensors = append(sensors, d)
	}
	return sensors, nil
}

func sensorEntries(sensors []*catalog.Descriptor) []SensorEntry {
	entries := make([]SensorEntry, 0, len(sensors))
	for _, d := range sensors {
		e := SensorEntry{
			Index:     d.Index,
			ShortName: d.ShortName,
			LongName:  d.LongName,
			Key:       d.Key.String(),
			Formula:   d.Formula,
			Min:       d.Min,
			Max:       d.Max,
			Unit:      d.Unit,
		}
		if len(d.Header) > 0 {
			e.Header = headerString(d.Header)
		}
		entries = append(entries, e)
	}
	return entries
}

func writeSensors(w io.Writer, cat *catalog.Catalog, sensors []*catalog.Descriptor) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "#\tNAME\tKEY\tHEADER\tMIN\tMAX\tUNIT\tFORMULA")
	for _, d := range sensors {
		unit := d.Unit
		if unit == "" {
			unit = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Index, d.ShortName, d.Key, headerString(d.Header),
			formatFloat(d.Min), formatFloat(d.Max), unit, d.Formula)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "\n%s of %s sensors, %s rejected\n",
		humanize.Comma(int64(len(sensors))), humanize.Comma(int64(cat.Len())), humanize.Comma(int64(len(cat.Rejected()))))
	return err
}
