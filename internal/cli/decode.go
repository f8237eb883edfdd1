package cli

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roman-kulish/obd-logger/internal/formula"
	"github.com/roman-kulish/obd-logger/internal/obd"
)

type decodeOptions struct {
	catalog      catalogOptions
	frameFormat  string
	keyWidth     int
	headerChars  int
	ackOffset    uint8
	missingInput string
}

// DecodedFrame is the outcome of decoding one frame argument.
type DecodedFrame struct {
	Frame  string   `json:"frame"`
	Sensor string   `json:"sensor,omitempty"`
	Key    string   `json:"key,omitempty"`
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`
	Kind   string   `json:"error_kind,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// NewDecodeCommand creates the decode command.
func NewDecodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := decodeOptions{}

	cmd := &cobra.Command{
		Use:   "decode <catalog.csv> <frame>...",
		Short: "Decode frames with a sensor catalog",
		Long: `Decode one or more frames with a sensor catalog, exactly as the logger would.

In ascii mode a frame is the adapter text, e.g. "7E804410C1AAC". In binary
mode it is the hex encoding of the raw payload, e.g. "410C1AAC". The command
fails when any frame does not decode.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecode(rootOpts, &opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.catalog.skipStandard, "skip-standard", false, "reject standard mode 01 PIDs")
	cmd.Flags().StringVar(&opts.frameFormat, "frames", "ascii", "frame format (ascii|binary)")
	cmd.Flags().IntVar(&opts.keyWidth, "key-width", 0, "key width in bytes, 0 derives it from the mode")
	cmd.Flags().IntVar(&opts.headerChars, "header-chars", obd.DefaultHeaderChars, "leading characters skipped in ascii frames")
	cmd.Flags().Uint8Var(&opts.ackOffset, "ack-offset", obd.DefaultAckOffset, "value subtracted from the response mode")
	cmd.Flags().StringVar(&opts.missingInput, "missing", "zero", "missing operand policy (zero|reject)")

	return cmd
}

func runDecode(rootOpts *RootOptions, opts *decodeOptions, catalogPath string, frames []string, cmd *cobra.Command) error {
	format, err := obd.ParseFrameFormat(opts.frameFormat)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --frames", err)
	}
	policy, err := formula.ParseMissingPolicy(opts.missingInput)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --missing", err)
	}

	cat, err := loadCatalog(catalogPath, opts.catalog, newLogger(rootOpts, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	decoder := obd.NewDecoder(cat,
		obd.WithFormat(format),
		obd.WithKeyWidth(opts.keyWidth),
		obd.WithHeaderChars(opts.headerChars),
		obd.WithAckOffset(opts.ackOffset),
		obd.WithMissingPolicy(policy))

	results := make([]DecodedFrame, 0, len(frames))
	failed := 0
	for _, f := range frames {
		r := decodeFrame(decoder, format, f)
		if r.Error != "" {
			failed++
		}
		results = append(results, r)
	}

	if rootOpts.Format == "json" {
		err = writeJSON(cmd.OutOrStdout(), results)
	} else {
		err = writeDecoded(cmd.OutOrStdout(), results)
	}
	if err != nil {
		return err
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d frames failed to decode", failed, len(frames)))
	}
	return nil
}

func decodeFrame(decoder *obd.Decoder, format obd.FrameFormat, frame string) DecodedFrame {
	result := DecodedFrame{Frame: frame}

	data := []byte(frame)
	if format == obd.FormatBinary {
		var err error
		if data, err = hex.DecodeString(strings.Join(strings.Fields(frame), "")); err != nil {
			result.Kind = obd.KindMalformed.String()
			result.Error = err.Error()
			return result
		}
	}

	reading, err := decoder.Decode(data)
	if err != nil {
		var de *obd.DecodeError
		if errors.As(err, &de) {
			result.Kind = de.Kind.String()
			if de.Key != "" {
				result.Key = de.Key.String()
			}
		}
		result.Error = err.Error()
		return result
	}

	result.Sensor = reading.Sensor.ShortName
	result.Key = reading.Key.String()
	result.Value = &reading.Value
	result.Unit = reading.Sensor.Unit
	return result
}

func writeDecoded(w io.Writer, results []DecodedFrame) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "FRAME\tKEY\tSENSOR\tVALUE")
	for _, r := range results {
		key := r.Key
		if key == "" {
			key = "-"
		}
		if r.Error != "" {
			fmt.Fprintf(tw, "%s\t%s\t-\terror: %s\n", r.Frame, key, r.Error)
			continue
		}
		value := formatFloat(*r.Value)
		if r.Unit != "" {
			value += " " + r.Unit
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Frame, key, r.Sensor, value)
	}
	return tw.Flush()
}
