package socketcan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/obd-logger/internal/catalog"
	"github.com/roman-kulish/obd-logger/internal/transport"
)

type fakeBus struct {
	mu        sync.Mutex
	handlers  []can.Handler
	published []can.Frame

	connected    chan struct{}
	stop         chan struct{}
	connectErr   error
	disconnected bool
	disconnects  int
}

func newFakeBus() *fakeBus {
	return &fakeBus{connected: make(chan struct{}), stop: make(chan struct{})}
}

func (b *fakeBus) Subscribe(h can.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *fakeBus) ConnectAndPublish() error {
	close(b.connected)
	if b.connectErr != nil {
		return b.connectErr
	}
	<-b.stop
	return nil
}

func (b *fakeBus) Publish(f can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, f)
	return nil
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnects++
	if !b.disconnected {
		b.disconnected = true
		close(b.stop)
	}
	return nil
}

func (b *fakeBus) receive(f can.Frame) {
	b.mu.Lock()
	handlers := append([]can.Handler(nil), b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		h.Handle(f)
	}
}

func (b *fakeBus) requests() []can.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]can.Frame(nil), b.published...)
}

func canFrame(id uint32, data ...byte) can.Frame {
	f := can.Frame{ID: id, Length: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func TestFrameFromCAN(t *testing.T) {
	tests := []struct {
		name  string
		frame can.Frame
		want  []byte
		ok    bool
	}{
		{"engine rpm", canFrame(0x7E8, 0x04, 0x41, 0x0c, 0x1a, 0xac, 0x55, 0x55, 0x55), []byte{0x41, 0x0c, 0x1a, 0xac}, true},
		{"last response id", canFrame(0x7EF, 0x03, 0x41, 0x05, 0x7b), []byte{0x41, 0x05, 0x7b}, true},
		{"request", canFrame(0x7DF, 0x02, 0x01, 0x0c), nil, false},
		{"other traffic", canFrame(0x123, 0x04, 0x41, 0x0c, 0x1a, 0xac), nil, false},
		{"first frame", canFrame(0x7E8, 0x10, 0x14, 0x49, 0x02, 0x01, 0x31, 0x47, 0x31), nil, false},
		{"length beyond frame", canFrame(0x7E8, 0x07, 0x41, 0x0c), nil, false},
		{"empty payload", canFrame(0x7E8, 0x00, 0x41), nil, false},
		{"too short", canFrame(0x7E8, 0x01), nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, ok := FrameFromCAN(tc.frame)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, f.Data)
		})
	}
}

func TestRequestFrame(t *testing.T) {
	rpm := &catalog.Descriptor{ShortName: "RPM", Key: catalog.Key("\x01\x0c")}
	f, err := RequestFrame(rpm, BroadcastID)
	require.NoError(t, err)
	assert.Equal(t, BroadcastID, f.ID)
	assert.Equal(t, uint8(8), f.Length)
	assert.Equal(t, [8]uint8{0x02, 0x01, 0x0c, 0x55, 0x55, 0x55, 0x55, 0x55}, f.Data)

	temp := &catalog.Descriptor{ShortName: "BatTemp", Key: catalog.Key("\x22\x28\xfb"), Header: []byte{0x07, 0xe4}}
	f, err = RequestFrame(temp, BroadcastID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x7E4), f.ID)
	assert.Equal(t, [8]uint8{0x03, 0x22, 0x28, 0xfb, 0x55, 0x55, 0x55, 0x55}, f.Data)

	_, err = RequestFrame(&catalog.Descriptor{Key: catalog.Key("\x01\x0c"), Header: []byte{1, 2, 3, 4, 5}}, BroadcastID)
	assert.Error(t, err)

	_, err = RequestFrame(&catalog.Descriptor{}, BroadcastID)
	assert.Error(t, err)
}

func TestSource_Stream(t *testing.T) {
	bus := newFakeBus()
	received := time.Date(2024, 1, 31, 17, 45, 0, 0, time.UTC)

	sensors := []*catalog.Descriptor{
		{ShortName: "RPM", Key: catalog.Key("\x01\x0c")},
		{ShortName: "BatTemp", Key: catalog.Key("\x22\x28\xfb"), Header: []byte{0x07, 0xe4}},
	}
	src := New(bus,
		WithPoller(sensors, 10*time.Millisecond),
		WithRequestHeader(0x7E0),
		WithClock(func() time.Time { return received }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan transport.Frame, 4)

	done := make(chan error, 1)
	go func() { done <- src.Stream(ctx, frames) }()

	<-bus.connected
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.handlers) == 1
	}, time.Second, time.Millisecond)

	bus.receive(canFrame(0x7E8, 0x04, 0x41, 0x0c, 0x1a, 0xac))
	bus.receive(canFrame(0x7DF, 0x02, 0x01, 0x0c))

	select {
	case f := <-frames:
		assert.Equal(t, []byte{0x41, 0x0c, 0x1a, 0xac}, f.Data)
		assert.Equal(t, received, f.Received)
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}

	require.Eventually(t, func() bool { return len(bus.requests()) >= 4 }, time.Second, time.Millisecond)
	reqs := bus.requests()
	assert.Equal(t, uint32(0x7E0), reqs[0].ID)
	assert.Equal(t, uint32(0x7E4), reqs[1].ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
	assert.True(t, bus.disconnected)
	assert.Empty(t, frames)
}

func TestSource_StreamBusError(t *testing.T) {
	bus := newFakeBus()
	bus.connectErr = errors.New("network is down")

	err := New(bus).Stream(context.Background(), make(chan transport.Frame))
	assert.ErrorIs(t, err, transport.ErrBrokenPipe)
	assert.True(t, bus.disconnected)
}

func TestSource_Close(t *testing.T) {
	bus := newFakeBus()
	src := New(bus)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.True(t, bus.disconnected)
	assert.Equal(t, 1, bus.disconnects)

	streamed := newFakeBus()
	streamed.connectErr = errors.New("network is down")
	src = New(streamed)

	require.Error(t, src.Stream(context.Background(), make(chan transport.Frame)))
	require.NoError(t, src.Close())
	assert.Equal(t, 1, streamed.disconnects, "the bus is disconnected once")
}
