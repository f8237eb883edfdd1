package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	ImagePNG  = "png"
	ImageJPEG = "jpeg"

	defaultWidth  = 1200
	defaultHeight = 600
)

type ImageFormat string

type Config struct {
	DBPath        string
	Datasets      []string
	OutputFile    string
	Format        ImageFormat
	StartElapsed  *float64
	EndElapsed    *float64
	Width         int
	Height        int
	NoAnnotations bool
}

var validImageFormats = map[ImageFormat]struct{}{
	ImagePNG:  {},
	ImageJPEG: {},
}

func NewConfig() *Config {
	return &Config{
		Format: ImagePNG,
		Width:  defaultWidth,
		Height: defaultHeight,
	}
}

func NewConfigFromCLI() (*Config, error) {
	return NewConfigFromArgs(os.Args[1:], os.Stderr)
}

// NewConfigFromArgs parses command line arguments; usage is written to output
// when they are invalid.
func NewConfigFromArgs(args []string, output io.Writer) (*Config, error) {
	c := NewConfig()

	fs := flag.NewFlagSet("obdplot", flag.ContinueOnError)
	fs.SetOutput(output)

	var imageFormat, datasets string
	var start, end float64
	fs.StringVar(&c.DBPath, "db", "", "Path to the session database file")
	fs.StringVar(&datasets, "d", "", "Comma separated dataset (sensor short name) list")
	fs.StringVar(&c.OutputFile, "o", "", "Path to the output file, without extension")
	fs.StringVar(&imageFormat, "f", string(ImagePNG), "Output image format. [png, jpeg]")
	fs.Float64Var(&start, "start", 0, "Plot from this many seconds into the session")
	fs.Float64Var(&end, "end", 0, "Plot up to this many seconds into the session")
	fs.IntVar(&c.Width, "width", defaultWidth, "Plot area width in pixels")
	fs.IntVar(&c.Height, "height", defaultHeight, "Plot area height in pixels")
	fs.BoolVar(&c.NoAnnotations, "no-annotations", false, "Disable annotations such as scales and legend")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	imageFormat = strings.ToLower(imageFormat)

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "start" {
			c.StartElapsed = &start
		}
		if f.Name == "end" {
			c.EndElapsed = &end
		}
	})

	for _, name := range strings.Split(datasets, ",") {
		if name = strings.TrimSpace(name); name != "" {
			c.Datasets = append(c.Datasets, name)
		}
	}

	var err error
	if c.DBPath == "" {
		err = errors.New("db path is required")
	} else if len(c.Datasets) == 0 {
		err = errors.New("at least one dataset is required")
	} else if c.OutputFile == "" {
		err = errors.New("output file is required")
	} else if _, ok := validImageFormats[ImageFormat(imageFormat)]; !ok {
		err = fmt.Errorf("invalid image format: %s", imageFormat)
	} else if c.Width < minPlotSize || c.Height < minPlotSize {
		err = fmt.Errorf("plot area must be at least %dx%d pixels", minPlotSize, minPlotSize)
	} else if c.StartElapsed != nil && c.EndElapsed != nil && *c.StartElapsed > *c.EndElapsed {
		err = fmt.Errorf("start %gs is after end %gs", *c.StartElapsed, *c.EndElapsed)
	}

	if err != nil {
		fs.Usage()
		return nil, err
	}

	c.Format = ImageFormat(imageFormat)
	c.OutputFile = fmt.Sprintf("%s.%s", c.OutputFile, c.Format)
	return c, nil
}
