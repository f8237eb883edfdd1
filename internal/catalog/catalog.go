// Package catalog loads sensor definitions from TorquePro-style CSV files.
//
// Each row describes one sensor:
//
//	name, short_name, hex_pid, formula, min, max, unit, hex_header
//
// The first row is a header. Rows that parse but cannot be used (composite
// formulas, empty names, duplicate keys, formulas that do not compile) are
// skipped and reported through Rejected; rows that cannot be parsed abort
// loading with an *Error.
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/roman-kulish/obd-logger/internal/formula"
)

const numFields = 8

var fieldNames = [numFields]string{"name", "short_name", "hex_pid", "formula", "min", "max", "unit", "hex_header"}

// Descriptor is an immutable sensor definition.
type Descriptor struct {
	LongName  string
	ShortName string
	Key       Key
	Formula   string
	Expr      *formula.Expr

	// OperandCount is the number of bytes after the key the formula reads:
	// the position of its highest operand letter plus one.
	OperandCount int

	Min  float64 // advisory
	Max  float64 // advisory
	Unit string

	Header []byte // custom request header, nil when absent

	Index int // position in the catalog
	Line  int // source line
}

// Catalog is the set of accepted sensors, indexed by key. It is immutable
// once loaded and safe for concurrent reads.
type Catalog struct {
	sensors  []Descriptor
	index    map[Key]int
	names    map[string]int
	rejected []Rejection
}

// Option configures Load.
type Option func(*loader)

// WithLogger sets the logger used to report rejected rows
func WithLogger(logger *slog.Logger) Option {
	return func(l *loader) {
		l.logger = logger.With(slog.String("component", "catalog"))
	}
}

// WithSkipStandardPIDs rejects two-byte keys (standard mode 01 PIDs), which
// most adapters already expose through their own command set.
func WithSkipStandardPIDs() Option {
	return func(l *loader) {
		l.skipStandard = true
	}
}

type loader struct {
	logger       *slog.Logger
	skipStandard bool
	cat          *Catalog
}

// LoadFile opens path and loads it with Load.
func LoadFile(path string, opts ...Option) (cat *Catalog, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	return Load(f, opts...)
}

// Load parses a catalog. The returned error is an *Error for malformed rows.
func Load(r io.Reader, opts ...Option) (*Catalog, error) {
	l := loader{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
		cat: &Catalog{
			index: make(map[Key]int),
			names: make(map[string]int),
		},
	}
	for _, opt := range opts {
		opt(&l)
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header := true
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &Error{Line: pe.Line, Err: fmt.Errorf("%w: %w", ErrMalformedRow, pe.Err)}
			}
			return nil, fmt.Errorf("reading catalog: %w", err)
		}

		line, _ := cr.FieldPos(0)
		if header {
			header = false
			continue
		}

		if err = l.addRow(line, record); err != nil {
			return nil, err
		}
	}

	l.logger.Info("catalog loaded",
		slog.Int("sensors", len(l.cat.sensors)),
		slog.Int("rejected", len(l.cat.rejected)))

	return l.cat, nil
}

func (l *loader) addRow(line int, record []string) error {
	if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
		return nil
	}
	if len(record) != numFields {
		return malformed(line, "", "expected %d fields, got %d", numFields, len(record))
	}

	fields := make([]string, numFields)
	for i, v := range record {
		fields[i] = strings.TrimSpace(v)
	}

	keyBytes, err := parseHex(fields[2])
	if err != nil {
		return malformed(line, fieldNames[2], "%s", err)
	}
	if len(keyBytes) == 0 {
		keyBytes = []byte{0}
	}
	key := KeyFromBytes(keyBytes)

	header, err := parseHex(fields[7])
	if err != nil {
		return malformed(line, fieldNames[7], "%s", err)
	}

	minValue, err := parseFloat(fields[4])
	if err != nil {
		return malformed(line, fieldNames[4], "%s", err)
	}
	maxValue, err := parseFloat(fields[5])
	if err != nil {
		return malformed(line, fieldNames[5], "%s", err)
	}

	name, src := fields[0], fields[3]

	switch {
	case strings.ContainsAny(src, "[]"):
		l.reject(Rejection{Line: line, Name: name, Key: key, Reason: RejectCompound}, slog.String("formula", src))
		return nil

	case l.skipStandard && key.Width() == 2:
		l.reject(Rejection{Line: line, Name: name, Key: key, Reason: RejectStandardPID})
		return nil

	case name == "":
		l.reject(Rejection{Line: line, Name: name, Key: key, Reason: RejectEmptyName})
		return nil
	}

	if first, ok := l.cat.index[key]; ok {
		l.reject(Rejection{Line: line, Name: name, Key: key, Reason: RejectDuplicateKey},
			slog.Int("firstLine", l.cat.sensors[first].Line))
		return nil
	}

	expr, err := formula.Compile(src)
	if err != nil {
		l.reject(Rejection{Line: line, Name: name, Key: key, Reason: RejectBadFormula, Err: err}, slog.String("formula", src))
		return nil
	}

	d := Descriptor{
		LongName:     name,
		ShortName:    l.uniqueName(shortName(fields[1], key), key),
		Key:          key,
		Formula:      src,
		Expr:         expr,
		OperandCount: expr.OperandCount(),
		Min:          minValue,
		Max:          maxValue,
		Unit:         fields[6],
		Header:       header,
		Index:        len(l.cat.sensors),
		Line:         line,
	}

	l.cat.sensors = append(l.cat.sensors, d)
	l.cat.index[key] = d.Index
	l.cat.names[d.ShortName] = d.Index
	return nil
}

// uniqueName suffixes colliding short names with the key so that every
// sensor gets its own dataset.
func (l *loader) uniqueName(name string, key Key) string {
	if _, taken := l.cat.names[name]; !taken {
		return name
	}

	candidate := name + "_" + key.String()
	for i := 2; ; i++ {
		if _, taken := l.cat.names[candidate]; !taken {
			l.logger.Warn("short name already in use, renamed",
				slog.String("shortName", name),
				slog.String("renamed", candidate))
			return candidate
		}
		candidate = fmt.Sprintf("%s_%s_%d", name, key, i)
	}
}

func (l *loader) reject(r Rejection, attrs ...any) {
	l.cat.rejected = append(l.cat.rejected, r)

	args := []any{
		slog.Int("line", r.Line),
		slog.String("name", r.Name),
		slog.String("pid", r.Key.String()),
	}
	if r.Err != nil {
		args = append(args, slog.String("error", r.Err.Error()))
	}
	args = append(args, attrs...)

	l.logger.Warn(fmt.Sprintf("skipping row: %s", r.Reason), args...)
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return f, nil
}

// Lookup returns the descriptor for key.
func (c *Catalog) Lookup(key Key) (*Descriptor, bool) {
	i, ok := c.index[key]
	if !ok {
		return nil, false
	}
	return &c.sensors[i], true
}

// ByName returns the descriptor with the given short name.
func (c *Catalog) ByName(shortName string) (*Descriptor, bool) {
	i, ok := c.names[shortName]
	if !ok {
		return nil, false
	}
	return &c.sensors[i], true
}

// Len returns the number of accepted sensors.
func (c *Catalog) Len() int {
	return len(c.sensors)
}

// Sensors returns the accepted sensors in load order.
func (c *Catalog) Sensors() []*Descriptor {
	out := make([]*Descriptor, len(c.sensors))
	for i := range c.sensors {
		out[i] = &c.sensors[i]
	}
	return out
}

// Rejected returns the rows that were skipped, in source order.
func (c *Catalog) Rejected() []Rejection {
	return slices.Clone(c.rejected)
}

// KeyWidths returns the distinct key widths present, ascending.
func (c *Catalog) KeyWidths() []int {
	var widths []int
	for i := range c.sensors {
		w := c.sensors[i].Key.Width()
		if !slices.Contains(widths, w) {
			widths = append(widths, w)
		}
	}
	slices.Sort(widths)
	return widths
}
