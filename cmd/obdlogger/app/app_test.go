package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/obd-logger/internal/storage"
	"github.com/roman-kulish/obd-logger/internal/transport"
)

func TestRun_Replay(t *testing.T) {
	dir := t.TempDir()

	catalogPath := filepath.Join(dir, "sensors.csv")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`Name,ShortName,ModeAndPID,Equation,Min Value,Max Value,Units,Header
Engine RPM,RPM,010C,((A*256)+B)/4,0,8000,rpm,
Battery Temperature,Bat Temp,2228FB,A-40,-40,60,C,7E4
`), 0o644))

	capturePath := filepath.Join(dir, "capture.txt")
	require.NoError(t, os.WriteFile(capturePath, []byte(`0.0,7E8 04 41 0C 1A AC
0.1,7EC 04 62 28 FB 7B
0.2,7E8 04 41 0C 0F A0
`), 0o644))

	dataDir := filepath.Join(dir, "data")
	require.NoError(t, os.Mkdir(dataDir, 0o755))

	c := NewConfig()
	c.Catalog.Path = catalogPath
	c.Source.Replay.Path = capturePath
	c.Source.Replay.Rate = 0
	c.Storage.DataDirectory = dataDir
	require.NoError(t, c.Validate())

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	require.NoError(t, Run(context.Background(), c, logger))
	assert.Contains(t, logs.String(), "session finished")

	files, err := filepath.Glob(filepath.Join(dataDir, "obd_session_*.sqlite"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	ctx := context.Background()
	store, err := storage.NewSqliteStore(files[0])
	require.NoError(t, err)
	require.NoError(t, store.Open())
	defer store.Close()

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, catalogPath, sessions[0].Catalog)
	require.NotNil(t, sessions[0].Config)
	assert.Contains(t, *sessions[0].Config, `"flushInterval":"1m"`)

	rpm, err := store.Dataset(ctx, "RPM")
	require.NoError(t, err)
	assert.Equal(t, 2, rpm.Rows)

	temp, err := store.Dataset(ctx, "Bat_Temp")
	require.NoError(t, err)
	assert.Equal(t, 1, temp.Rows)
	assert.Equal(t, "C", temp.Unit)
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()

	c := NewConfig()
	c.Catalog.Path = filepath.Join(dir, "missing.csv")
	c.Source.Replay.Path = filepath.Join(dir, "capture.txt")
	c.Storage.DataDirectory = dir

	err := Run(context.Background(), c, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	assert.ErrorContains(t, err, "failed to load catalog")

	catalogPath := filepath.Join(dir, "sensors.csv")
	require.NoError(t, os.WriteFile(catalogPath, []byte("Name,ShortName,ModeAndPID,Equation,Min Value,Max Value,Units,Header\nEngine RPM,RPM,010C,A,0,1,,\n"), 0o644))
	c.Catalog.Path = catalogPath
	c.Storage.DataDirectory = filepath.Join(dir, "nowhere")

	err = Run(context.Background(), c, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	assert.ErrorContains(t, err, "does not exist")
}

type closingSource struct {
	closed int
	err    error
}

func (s *closingSource) Stream(context.Context, chan<- transport.Frame) error { return nil }

func (s *closingSource) Close() error {
	s.closed++
	return s.err
}

type streamOnlySource struct{}

func (streamOnlySource) Stream(context.Context, chan<- transport.Frame) error { return nil }

func TestCloseSource(t *testing.T) {
	src := &closingSource{}
	require.NoError(t, closeSource(src))
	assert.Equal(t, 1, src.closed)

	src = &closingSource{err: errors.New("bus busy")}
	err := closeSource(src)
	assert.ErrorContains(t, err, "closing source: bus busy")

	assert.NoError(t, closeSource(streamOnlySource{}))
}
