// Package socketcan reads OBD-II responses from a Linux SocketCAN interface
// and polls the ECUs for every sensor in the catalog.
package socketcan

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brutella/can"

	"github.com/roman-kulish/obd-logger/internal/catalog"
	"github.com/roman-kulish/obd-logger/internal/transport"
)

const (
	// BroadcastID is the functional request identifier every emissions ECU answers
	BroadcastID uint32 = 0x7DF

	// ResponseIDMin and ResponseIDMax bound the physical response identifiers
	ResponseIDMin uint32 = 0x7E8
	ResponseIDMax uint32 = 0x7EF

	// DefaultPollInterval is the pause between two polling rounds
	DefaultPollInterval = 100 * time.Millisecond

	// padding fills unused request bytes (ISO 15765-2)
	padding = 0x55
)

// Bus is the part of *can.Bus the source uses.
type Bus interface {
	Subscribe(handler can.Handler)
	ConnectAndPublish() error
	Publish(frame can.Frame) error
	Disconnect() error
}

// WithLogger sets the logger for the source
func WithLogger(logger *slog.Logger) func(*Source) {
	return func(s *Source) {
		s.logger = logger.With(slog.String("source", "socketcan"))
	}
}

// WithPoller makes the source request every sensor in sensors once per interval.
// Without a poller the source only listens, e.g. next to a scan tool.
func WithPoller(sensors []*catalog.Descriptor, interval time.Duration) func(*Source) {
	return func(s *Source) {
		s.poller = &Poller{sensors: sensors, interval: interval, header: BroadcastID}
	}
}

// WithRequestHeader sets the request identifier of sensors without a header of their own
func WithRequestHeader(id uint32) func(*Source) {
	return func(s *Source) {
		s.requestHeader = id
	}
}

// WithClock sets the time source used to stamp frames
func WithClock(now func() time.Time) func(*Source) {
	return func(s *Source) {
		s.now = now
	}
}

// Source streams single-frame ISO-TP responses received on a CAN bus.
type Source struct {
	bus           Bus
	poller        *Poller
	requestHeader uint32
	now           func() time.Time
	logger        *slog.Logger

	disconnectOnce sync.Once
}

var _ transport.Source = (*Source)(nil)

// Open connects to the named interface, e.g. "can0".
func Open(iface string, options ...func(*Source)) (*Source, error) {
	bus, err := can.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, fmt.Errorf("opening CAN interface %s: %w", iface, err)
	}
	return New(bus, options...), nil
}

// New creates a Source reading from bus.
func New(bus Bus, options ...func(*Source)) *Source {
	s := Source{
		bus:           bus,
		requestHeader: BroadcastID,
		now:           time.Now,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)), // nil logger
	}

	for _, option := range options {
		option(&s)
	}

	if s.poller != nil {
		s.poller.header = s.requestHeader
		s.poller.logger = s.logger
	}

	return &s
}

// Stream publishes received responses to frames until ctx is cancelled. The
// bus is disconnected on return.
func (s *Source) Stream(ctx context.Context, frames chan<- transport.Frame) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// frames belongs to the caller once Stream returns; the bus may still be
	// delivering at that point
	var (
		mu      sync.RWMutex
		stopped bool
	)
	s.bus.Subscribe(can.NewHandler(func(cf can.Frame) {
		f, ok := FrameFromCAN(cf)
		if !ok {
			return
		}
		f.Received = s.now()

		mu.RLock()
		defer mu.RUnlock()
		if stopped {
			return
		}
		_ = transport.Send(ctx, frames, f)
	}))

	done := make(chan error, 1)
	go func() {
		done <- s.bus.ConnectAndPublish()
	}()

	var wg sync.WaitGroup
	if s.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.poller.Run(ctx, s.bus)
		}()
	}

	s.logger.Info("listening for responses")

	var err error
	select {
	case <-ctx.Done():
	case err = <-done:
		if err != nil {
			err = fmt.Errorf("%w: %w", transport.ErrBrokenPipe, err)
		}
	}

	cancel()
	wg.Wait()

	mu.Lock()
	stopped = true
	mu.Unlock()

	if dErr := s.disconnect(); dErr != nil && err == nil {
		err = fmt.Errorf("disconnecting: %w", dErr)
	}

	s.logger.Info("stopped listening")
	return err
}

// Close disconnects the bus if Stream has not already done so. Only the first
// disconnect reports an error.
func (s *Source) Close() error {
	return s.disconnect()
}

func (s *Source) disconnect() (err error) {
	s.disconnectOnce.Do(func() {
		err = s.bus.Disconnect()
	})
	return err
}

// FrameFromCAN extracts the response payload of a single ISO-TP frame sent
// by an ECU. It reports false for any other frame.
func FrameFromCAN(cf can.Frame) (transport.Frame, bool) {
	if cf.ID < ResponseIDMin || cf.ID > ResponseIDMax || cf.Length < 2 {
		return transport.Frame{}, false
	}

	pci := cf.Data[0]
	if pci>>4 != 0 { // not a single frame
		return transport.Frame{}, false
	}

	n := int(pci & 0x0f)
	if n == 0 || n > int(cf.Length)-1 {
		return transport.Frame{}, false
	}

	data := make([]byte, n)
	copy(data, cf.Data[1:1+n])
	return transport.Frame{Data: data}, true
}

// RequestFrame builds the single-frame request for key. The identifier comes
// from the descriptor header, or fallback when it has none.
func RequestFrame(d *catalog.Descriptor, fallback uint32) (can.Frame, error) {
	key := d.Key.Bytes()
	if len(key) == 0 || len(key) > 7 {
		return can.Frame{}, fmt.Errorf("cannot request a %d byte key", len(key))
	}

	id := fallback
	if len(d.Header) > 0 {
		if len(d.Header) > 4 {
			return can.Frame{}, fmt.Errorf("header %X is too long", d.Header)
		}
		var buf [4]byte
		copy(buf[4-len(d.Header):], d.Header)
		id = binary.BigEndian.Uint32(buf[:])
	}

	f := can.Frame{ID: id, Length: 8}
	for i := range f.Data {
		f.Data[i] = padding
	}
	f.Data[0] = uint8(len(key))
	copy(f.Data[1:], key)
	return f, nil
}

// Poller requests each sensor in turn.
type Poller struct {
	sensors  []*catalog.Descriptor
	interval time.Duration
	header   uint32
	logger   *slog.Logger
}

// Run sends a polling round every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, bus Bus) {
	if len(p.sensors) == 0 {
		return
	}

	interval := p.interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx, bus); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) poll(ctx context.Context, bus Bus) error {
	for _, d := range p.sensors {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f, err := RequestFrame(d, p.header)
		if err != nil {
			p.logger.Warn(fmt.Sprintf("skipping request: %s", err.Error()), slog.String("sensor", d.ShortName))
			continue
		}

		if err = bus.Publish(f); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Warn(fmt.Sprintf("publishing request: %s", err.Error()), slog.String("sensor", d.ShortName))
		}
	}
	return nil
}
