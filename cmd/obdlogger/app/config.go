package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/obd-logger/internal/appender"
	"github.com/roman-kulish/obd-logger/internal/formula"
	"github.com/roman-kulish/obd-logger/internal/obd"
	"github.com/roman-kulish/obd-logger/internal/storage"
	"github.com/roman-kulish/obd-logger/internal/transport/socketcan"
)

const (
	SourceReplay    SourceType = "replay"
	SourceSocketCAN SourceType = "socketcan"

	defaultDataDirectory  = "data"
	defaultMetricsAddress = ":9108"
	minFlushInterval      = time.Second
	minPollInterval       = 10 * time.Millisecond
)

type SourceType string

// Config represents the main application configuration
type Config struct {
	Settings Settings       `yaml:"settings" json:"settings"`
	Catalog  CatalogConfig  `yaml:"catalog" json:"catalog"`
	Decoder  DecoderConfig  `yaml:"decoder" json:"decoder"`
	Source   SourceConfig   `yaml:"source" json:"source"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	Appender AppenderConfig `yaml:"appender" json:"appender"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel" json:"logLevel"`
}

// CatalogConfig points at the sensor definitions
type CatalogConfig struct {
	Path             string `yaml:"path" json:"path"`
	SkipStandardPIDs bool   `yaml:"skipStandardPIDs" json:"skipStandardPIDs"`
}

// DecoderConfig describes the frames the source delivers
type DecoderConfig struct {
	Format          string `yaml:"format" json:"format"`                   // ascii or binary, ascii when empty
	KeyWidth        int    `yaml:"keyWidth" json:"keyWidth"`               // 0 selects by mode
	HeaderChars     *int   `yaml:"headerChars" json:"headerChars"`         // ASCII only
	AckOffset       *int   `yaml:"ackOffset" json:"ackOffset"`             // 0 disables
	MissingOperands string `yaml:"missingOperands" json:"missingOperands"` // zero or reject
}

// SourceConfig selects where frames come from
type SourceConfig struct {
	Type      SourceType      `yaml:"type" json:"type"`
	Replay    ReplayConfig    `yaml:"replay" json:"replay"`
	SocketCAN SocketCANConfig `yaml:"socketcan" json:"socketcan"`
}

// ReplayConfig represents a capture file replay
type ReplayConfig struct {
	Path string  `yaml:"path" json:"path"`
	Rate float64 `yaml:"rate" json:"rate"` // 1 is real time, 0 as fast as possible
}

// SocketCANConfig represents a live CAN interface
type SocketCANConfig struct {
	Interface     string       `yaml:"interface" json:"interface"`
	PollInterval  TimeDuration `yaml:"pollInterval" json:"pollInterval"` // 0 listens only
	RequestHeader string       `yaml:"requestHeader" json:"requestHeader"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory" json:"dataDirectory"`
	Synchronous   string `yaml:"synchronous" json:"synchronous"`
	MaxBatchSize  int    `yaml:"maxBatchSize" json:"maxBatchSize"`
}

// AppenderConfig represents flush settings
type AppenderConfig struct {
	FlushInterval    TimeDuration `yaml:"flushInterval" json:"flushInterval"`
	FailureThreshold int          `yaml:"failureThreshold" json:"failureThreshold"`
}

// MetricsConfig represents the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// NewConfig returns a configuration with every default set
func NewConfig() *Config {
	return &Config{
		Settings: Settings{LogLevel: "info"},
		Source: SourceConfig{
			Type:   SourceReplay,
			Replay: ReplayConfig{Rate: 1},
			SocketCAN: SocketCANConfig{
				Interface:    "can0",
				PollInterval: NewTimeDuration(socketcan.DefaultPollInterval),
			},
		},
		Storage: StorageConfig{
			DataDirectory: defaultDataDirectory,
			Synchronous:   storage.DefaultSynchronous,
			MaxBatchSize:  storage.DefaultBatchSize,
		},
		Appender: AppenderConfig{
			FlushInterval:    NewTimeDuration(appender.DefaultInterval),
			FailureThreshold: appender.DefaultFailureThreshold,
		},
		Metrics: MetricsConfig{Address: defaultMetricsAddress},
	}
}

// LoadConfig reads the YAML configuration file at path on top of the defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML configuration on top of the defaults. Unknown
// keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	c := NewConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}

	if c.Catalog.Path == "" {
		return errors.New("app.Config: catalog path is required")
	}

	if _, err := c.FrameFormat(); err != nil {
		return err
	}
	if c.Decoder.KeyWidth < 0 || c.Decoder.KeyWidth > 7 {
		return fmt.Errorf("app.Config: key width must be between 0 and 7: %d given", c.Decoder.KeyWidth)
	}
	if c.Decoder.HeaderChars != nil && *c.Decoder.HeaderChars < 0 {
		return fmt.Errorf("app.Config: header chars must not be negative: %d given", *c.Decoder.HeaderChars)
	}
	if c.Decoder.AckOffset != nil && (*c.Decoder.AckOffset < 0 || *c.Decoder.AckOffset > 0xff) {
		return fmt.Errorf("app.Config: ack offset must fit a byte: %d given", *c.Decoder.AckOffset)
	}
	if _, err := formula.ParseMissingPolicy(c.Decoder.MissingOperands); err != nil {
		return fmt.Errorf("app.Config: %w", err)
	}

	switch c.Source.Type {
	case SourceReplay:
		if c.Source.Replay.Path == "" {
			return errors.New("app.Config: replay path is required")
		}
		if c.Source.Replay.Rate < 0 {
			return fmt.Errorf("app.Config: replay rate must not be negative: %g given", c.Source.Replay.Rate)
		}

	case SourceSocketCAN:
		if c.Source.SocketCAN.Interface == "" {
			return errors.New("app.Config: CAN interface is required")
		}
		if err := c.Source.SocketCAN.PollInterval.Validate(minPollInterval); err != nil {
			return fmt.Errorf("app.Config: invalid poll interval: %w", err)
		}
		if _, err := c.RequestHeader(); err != nil {
			return err
		}

	default:
		return fmt.Errorf("app.Config: unknown source type '%s'", c.Source.Type)
	}

	if c.Storage.MaxBatchSize <= 0 {
		return fmt.Errorf("app.Config: max batch size must be positive: %d given", c.Storage.MaxBatchSize)
	}

	if c.Appender.FlushInterval <= 0 {
		return errors.New("app.Config: flush interval is required")
	}
	if err := c.Appender.FlushInterval.Validate(minFlushInterval); err != nil {
		return fmt.Errorf("app.Config: invalid flush interval: %w", err)
	}
	if c.Appender.FailureThreshold < 0 {
		return fmt.Errorf("app.Config: failure threshold must not be negative: %d given", c.Appender.FailureThreshold)
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("app.Config: metrics address is required")
	}

	return nil
}

// LogLevel parses the configured log level
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Settings.LogLevel)); err != nil {
		return level, fmt.Errorf("app.Config: invalid log level: %w", err)
	}
	return level, nil
}

// FrameFormat returns the frame format. A SocketCAN source always delivers
// binary frames.
func (c *Config) FrameFormat() (obd.FrameFormat, error) {
	format, err := obd.ParseFrameFormat(c.Decoder.Format)
	if err != nil {
		return format, fmt.Errorf("app.Config: %w", err)
	}

	if c.Source.Type == SourceSocketCAN {
		if c.Decoder.Format != "" && format != obd.FormatBinary {
			return format, errors.New("app.Config: socketcan source requires the binary frame format")
		}
		return obd.FormatBinary, nil
	}
	return format, nil
}

// RequestHeader parses the default request identifier of the SocketCAN poller
func (c *Config) RequestHeader() (uint32, error) {
	h := strings.TrimPrefix(strings.ToLower(c.Source.SocketCAN.RequestHeader), "0x")
	if h == "" {
		return socketcan.BroadcastID, nil
	}

	id, err := strconv.ParseUint(h, 16, 29)
	if err != nil {
		return 0, fmt.Errorf("app.Config: invalid request header '%s': %w", c.Source.SocketCAN.RequestHeader, err)
	}
	return uint32(id), nil
}
