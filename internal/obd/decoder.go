// Package obd decodes OBD-II response frames into sensor readings using a
// catalog of sensor definitions.
package obd

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/roman-kulish/obd-logger/internal/catalog"
	"github.com/roman-kulish/obd-logger/internal/formula"
)

const (
	// DefaultHeaderChars is the CAN identifier (3 chars) plus the PCI length (2 chars)
	// that precede the payload in an ASCII frame
	DefaultHeaderChars = 5

	// DefaultAckOffset is added by the ECU to the request mode in a positive response
	DefaultAckOffset = 0x40

	// ModeEnhanced is the manufacturer specific "read data by identifier" mode,
	// whose PIDs are two bytes wide
	ModeEnhanced = 0x22
)

// FrameFormat describes how frames arrive at the decoder.
type FrameFormat int

const (
	// FormatBinary frames are raw bytes: [mode, pid..., operands...]
	FormatBinary FrameFormat = iota

	// FormatASCII frames are hex text as printed by ELM327-style adapters,
	// e.g. "7E804410C1AAC"
	FormatASCII
)

func (f FrameFormat) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatASCII:
		return "ascii"
	default:
		return fmt.Sprintf("FrameFormat(%d)", int(f))
	}
}

// ParseFrameFormat converts "binary" or "ascii" into a FrameFormat.
func ParseFrameFormat(s string) (FrameFormat, error) {
	switch strings.ToLower(s) {
	case "binary":
		return FormatBinary, nil
	case "", "ascii":
		return FormatASCII, nil
	default:
		return FormatBinary, fmt.Errorf("invalid frame format: %q", s)
	}
}

// Reading is a successfully decoded frame.
type Reading struct {
	Key    catalog.Key
	Sensor *catalog.Descriptor
	Value  float64
}

// WithFormat sets the frame format, FormatASCII by default
func WithFormat(f FrameFormat) func(*Decoder) {
	return func(d *Decoder) {
		d.format = f
	}
}

// WithKeyWidth fixes the number of mode+PID bytes. Zero selects the width from
// the mode byte: three for ModeEnhanced, two otherwise.
func WithKeyWidth(width int) func(*Decoder) {
	return func(d *Decoder) {
		d.keyWidth = width
	}
}

// WithHeaderChars sets the number of leading characters skipped in ASCII frames
func WithHeaderChars(n int) func(*Decoder) {
	return func(d *Decoder) {
		d.headerChars = n
	}
}

// WithAckOffset sets the value subtracted from a response mode byte. Zero disables it.
func WithAckOffset(offset byte) func(*Decoder) {
	return func(d *Decoder) {
		d.ackOffset = offset
	}
}

// WithMissingPolicy sets how absent operands are evaluated
func WithMissingPolicy(p formula.MissingPolicy) func(*Decoder) {
	return func(d *Decoder) {
		d.policy = p
	}
}

// Decoder turns frames into readings. It only reads the catalog and holds no
// mutable state, so one Decoder may be shared between goroutines.
type Decoder struct {
	cat *catalog.Catalog

	format      FrameFormat
	keyWidth    int
	headerChars int
	ackOffset   byte
	policy      formula.MissingPolicy
}

// NewDecoder creates a Decoder for cat.
func NewDecoder(cat *catalog.Catalog, options ...func(*Decoder)) *Decoder {
	d := Decoder{
		cat:         cat,
		format:      FormatASCII,
		headerChars: DefaultHeaderChars,
		ackOffset:   DefaultAckOffset,
		policy:      formula.SubstituteZero,
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

// Catalog returns the catalog the decoder resolves keys against.
func (d *Decoder) Catalog() *catalog.Catalog {
	return d.cat
}

// Decode resolves the frame's key in the catalog and evaluates the sensor
// formula over the bytes that follow the key. Errors are *DecodeError.
func (d *Decoder) Decode(frame []byte) (Reading, error) {
	payload, err := d.payload(frame)
	if err != nil {
		return Reading{}, &DecodeError{Kind: KindMalformed, Err: err}
	}

	key, sensor, err := d.resolve(payload)
	if err != nil {
		return Reading{}, &DecodeError{Kind: KindMalformed, Err: err}
	}
	if sensor == nil {
		return Reading{}, &DecodeError{Kind: KindUnknownPID, Key: key}
	}

	data := payload[key.Width():]
	if len(data) > sensor.OperandCount {
		data = data[:sensor.OperandCount]
	}

	value, err := sensor.Expr.Eval(formula.OperandsFrom(data), d.policy)
	if err != nil {
		return Reading{}, &DecodeError{Kind: KindEvalFailed, Key: key, Err: err}
	}

	return Reading{Key: key, Sensor: sensor, Value: value}, nil
}

func (d *Decoder) payload(frame []byte) ([]byte, error) {
	if d.format == FormatBinary {
		if len(frame) == 0 {
			return nil, fmt.Errorf("empty frame")
		}
		return frame, nil
	}

	text := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, string(frame))

	if len(text) <= d.headerChars {
		return nil, fmt.Errorf("frame %q shorter than header", text)
	}
	text = text[d.headerChars:]

	if len(text)%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits in %q", text)
	}
	payload, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	return payload, nil
}

// resolve finds the sensor the payload answers for. A fixed key width is
// used as is. Otherwise the width implied by the mode is tried first, then
// the other widths present in the catalog. An unknown key is returned with a
// nil descriptor, keyed by the mode width.
func (d *Decoder) resolve(payload []byte) (catalog.Key, *catalog.Descriptor, error) {
	mode := payload[0]
	if d.ackOffset != 0 && mode >= d.ackOffset {
		mode -= d.ackOffset
	}

	if d.keyWidth != 0 {
		key, err := makeKey(mode, payload, d.keyWidth)
		if err != nil {
			return "", nil, err
		}
		sensor, _ := d.cat.Lookup(key)
		return key, sensor, nil
	}

	width := 2
	if mode == ModeEnhanced {
		width = 3
	}

	key, err := makeKey(mode, payload, width)
	if err != nil {
		return "", nil, err
	}
	if sensor, ok := d.cat.Lookup(key); ok {
		return key, sensor, nil
	}

	for _, w := range d.cat.KeyWidths() {
		if w == width || w > len(payload) {
			continue
		}
		alt, _ := makeKey(mode, payload, w)
		if sensor, ok := d.cat.Lookup(alt); ok {
			return alt, sensor, nil
		}
	}

	return key, nil, nil
}

func makeKey(mode byte, payload []byte, width int) (catalog.Key, error) {
	if len(payload) < width {
		return "", fmt.Errorf("%d bytes cannot hold a %d byte key", len(payload), width)
	}

	key := make([]byte, width)
	key[0] = mode
	copy(key[1:], payload[1:width])

	return catalog.KeyFromBytes(key), nil
}
