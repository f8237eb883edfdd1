package cli

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roman-kulish/obd-logger/internal/catalog"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Catalog  string          `json:"catalog"`
	Sensors  int             `json:"sensors"`
	Rejected []RejectedEntry `json:"rejected,omitempty"`
}

// RejectedEntry describes a catalog row that was left out.
type RejectedEntry struct {
	Line   int    `json:"line"`
	Name   string `json:"name"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		catOpts catalogOptions
		strict  bool
	)

	cmd := &cobra.Command{
		Use:   "validate <catalog.csv>",
		Short: "Check a sensor catalog and report rejected rows",
		Long: `Load a sensor catalog the way the logger does and report every row that
was left out, with the reason. Malformed rows fail the command; with --strict
any rejected row does too.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], catOpts, strict, cmd)
		},
	}

	cmd.Flags().BoolVar(&catOpts.skipStandard, "skip-standard", false, "reject standard mode 01 PIDs")
	cmd.Flags().BoolVar(&strict, "strict", false, "fail when any row is rejected")

	return cmd
}

func runValidate(opts *RootOptions, path string, catOpts catalogOptions, strict bool, cmd *cobra.Command) error {
	cat, err := loadCatalog(path, catOpts, newLogger(opts, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	result := ValidationResult{Catalog: path, Sensors: cat.Len()}
	for _, r := range cat.Rejected() {
		entry := RejectedEntry{
			Line:   r.Line,
			Name:   r.Name,
			Key:    r.Key.String(),
			Reason: string(r.Reason),
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		result.Rejected = append(result.Rejected, entry)
	}

	if opts.Format == "json" {
		err = writeJSON(cmd.OutOrStdout(), result)
	} else {
		err = writeValidation(cmd.OutOrStdout(), cat, &result)
	}
	if err != nil {
		return err
	}

	if strict && len(result.Rejected) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d rows rejected", len(result.Rejected)))
	}
	return nil
}

func writeValidation(w io.Writer, cat *catalog.Catalog, result *ValidationResult) error {
	if _, err := fmt.Fprintf(w, "%s: %s sensors accepted, %s rows rejected\n",
		result.Catalog, humanize.Comma(int64(cat.Len())), humanize.Comma(int64(len(result.Rejected)))); err != nil {
		return err
	}
	for _, r := range cat.Rejected() {
		if _, err := fmt.Fprintf(w, "  %s\n", r); err != nil {
			return err
		}
	}
	return nil
}
