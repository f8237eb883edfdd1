package replay

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/obd-logger/internal/transport"
)

var epoch = time.Date(2024, 1, 31, 17, 45, 0, 0, time.UTC)

func fixedClock() time.Time { return epoch }

// collect streams src into a buffered channel and returns every frame.
func collect(t *testing.T, src transport.Source) ([]transport.Frame, error) {
	t.Helper()

	frames := make(chan transport.Frame, 64)
	err := src.Stream(context.Background(), frames)
	close(frames)

	var out []transport.Frame
	for f := range frames {
		out = append(out, f)
	}
	return out, err
}

func TestSource_ASCII(t *testing.T) {
	capture := `# captured on the bench
7E8 04 41 0C 1A AC

7EC046228FB7B
`
	frames, err := collect(t, New(strings.NewReader(capture), WithClock(fixedClock)))
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, []byte("7E8 04 41 0C 1A AC"), frames[0].Data)
	assert.Equal(t, []byte("7EC046228FB7B"), frames[1].Data)
	assert.Equal(t, epoch, frames[0].Received)
}

func TestSource_Binary(t *testing.T) {
	capture := "410C1AAC\n62 28 FB 7B\n"

	frames, err := collect(t, New(strings.NewReader(capture), WithBinary(true)))
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, []byte{0x41, 0x0c, 0x1a, 0xac}, frames[0].Data)
	assert.Equal(t, []byte{0x62, 0x28, 0xfb, 0x7b}, frames[1].Data)
}

func TestSource_Elapsed(t *testing.T) {
	capture := "0.5,410C1AAC\n2.25, 410D32\n"

	frames, err := collect(t, New(strings.NewReader(capture), WithBinary(true), WithClock(fixedClock)))
	require.NoError(t, err)
	require.Len(t, frames, 2)

	assert.Equal(t, epoch.Add(500*time.Millisecond), frames[0].Received)
	assert.Equal(t, epoch.Add(2250*time.Millisecond), frames[1].Received)
	assert.Equal(t, []byte{0x41, 0x0d, 0x32}, frames[1].Data)
}

func TestSource_Rate(t *testing.T) {
	capture := "0,410C1AAC\n0.2,410C1AAC\n"

	start := time.Now()
	frames, err := collect(t, New(strings.NewReader(capture), WithRate(2)))
	require.NoError(t, err)
	assert.Len(t, frames, 2)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestSource_ParseErrors(t *testing.T) {
	t.Run("recovers below threshold", func(t *testing.T) {
		var logs bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&logs, nil))

		capture := "ZZ\nx,410C1AAC\n410C1AAC\n"
		frames, err := collect(t, New(strings.NewReader(capture), WithBinary(true), WithLogger(logger)))
		require.NoError(t, err)
		assert.Len(t, frames, 1)
		assert.Contains(t, logs.String(), "error parsing frame")
		assert.Contains(t, logs.String(), "source=replay")
	})

	t.Run("odd binary frame", func(t *testing.T) {
		capture := "410C1A2\n"
		frames, err := collect(t, New(strings.NewReader(capture), WithBinary(true), WithParseErrorsThreshold(1)))
		assert.ErrorIs(t, err, transport.ErrTooManyParseErrors)
		assert.Empty(t, frames)
	})

	t.Run("consecutive errors stop the stream", func(t *testing.T) {
		capture := "7E8 GG\n-1,7E804410C1AAC\nnope\n7E804410C1AAC\n"
		frames, err := collect(t, New(strings.NewReader(capture), WithParseErrorsThreshold(3)))
		assert.ErrorIs(t, err, transport.ErrTooManyParseErrors)
		assert.Empty(t, frames)
	})
}

func TestSource_Cancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	frames := make(chan transport.Frame) // unbuffered, nobody reads
	err := New(strings.NewReader("410C1AAC\n")).Stream(ctx, frames)
	assert.NoError(t, err)
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.txt")
	require.NoError(t, os.WriteFile(path, []byte("410C1AAC\n"), 0o644))

	frames, err := collect(t, NewFile(path, WithBinary(true)))
	require.NoError(t, err)
	assert.Len(t, frames, 1)

	_, err = collect(t, NewFile(filepath.Join(t.TempDir(), "missing.txt")))
	assert.Error(t, err)
}
