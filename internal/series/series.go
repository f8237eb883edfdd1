// Package series holds the in-memory time series accumulated for each sensor
// between two flushes.
package series

import (
	"context"
	"sync"

	"github.com/roman-kulish/obd-logger/internal/catalog"
)

// Sample is one decoded value. Valid is false for the absent value.
type Sample struct {
	Elapsed float64 // seconds since session start
	Value   float64
	Valid   bool
}

// Row is a persisted (elapsed, value) pair.
type Row struct {
	Elapsed float64
	Value   float64
}

// Dataset is an append-only, growable two-column table holding one sensor's
// rows. Append must extend the dataset atomically: either every row is
// written or none is.
type Dataset interface {
	Name() string
	Len() int
	Append(ctx context.Context, rows []Row) error
}

// Buffer is a thread-safe sample list in arrival order.
type Buffer struct {
	mu      sync.Mutex
	samples []Sample
}

// Append adds s to the end of the buffer.
func (b *Buffer) Append(s Sample) {
	b.mu.Lock()
	b.samples = append(b.samples, s)
	b.mu.Unlock()
}

// Drain takes every sample out of the buffer in one step. Samples appended
// after Drain returns land in a fresh slice. Returns nil if the buffer is empty.
func (b *Buffer) Drain() []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.samples) == 0 {
		return nil
	}

	out := b.samples
	b.samples = make([]Sample, 0, cap(out))
	return out
}

// Len returns the number of buffered samples.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// State is the mutable side of one sensor: its pending samples and the
// dataset they are persisted to.
type State struct {
	Sensor *catalog.Descriptor

	buf     Buffer
	dataset Dataset // nil until the first successful flush; flusher only
}

// Accumulate appends a sample to the sensor's buffer.
func (s *State) Accumulate(elapsed, value float64, valid bool) {
	s.buf.Append(Sample{Elapsed: elapsed, Value: value, Valid: valid})
}

// Drain removes and returns the pending samples.
func (s *State) Drain() []Sample {
	return s.buf.Drain()
}

// Pending returns the number of samples waiting to be flushed.
func (s *State) Pending() int {
	return s.buf.Len()
}

// Dataset returns the persisted dataset, or nil if none was created yet.
// It must only be called by the goroutine that flushes the state.
func (s *State) Dataset() Dataset {
	return s.dataset
}

// SetDataset records the dataset created for the sensor.
// It must only be called by the goroutine that flushes the state.
func (s *State) SetDataset(ds Dataset) {
	s.dataset = ds
}

// Set holds one State per catalog sensor, at the sensor's catalog index.
type Set struct {
	cat    *catalog.Catalog
	states []*State
}

// NewSet creates empty states for every sensor in cat.
func NewSet(cat *catalog.Catalog) *Set {
	sensors := cat.Sensors()

	s := Set{
		cat:    cat,
		states: make([]*State, len(sensors)),
	}
	for i, d := range sensors {
		s.states[i] = &State{Sensor: d}
	}
	return &s
}

// State returns the state at catalog index i.
func (s *Set) State(i int) *State {
	return s.states[i]
}

// ByKey returns the state of the sensor with the given key.
func (s *Set) ByKey(key catalog.Key) (*State, bool) {
	d, ok := s.cat.Lookup(key)
	if !ok {
		return nil, false
	}
	return s.states[d.Index], true
}

// States returns every state in catalog order.
func (s *Set) States() []*State {
	return s.states
}

// Len returns the number of states.
func (s *Set) Len() int {
	return len(s.states)
}

// Pending returns the total number of buffered samples across all sensors.
func (s *Set) Pending() int {
	var n int
	for _, st := range s.states {
		n += st.Pending()
	}
	return n
}
