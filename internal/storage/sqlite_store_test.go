package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/obd-logger/internal/appender"
	"github.com/roman-kulish/obd-logger/internal/catalog"
)

func newTestStore(t *testing.T, options ...func(*SqliteStore)) *SqliteStore {
	t.Helper()

	store, err := NewSqliteStore(filepath.Join(t.TempDir(), "test.sqlite"), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func rowsOf(values ...float64) []appender.Row {
	rows := make([]appender.Row, len(values))
	for i, v := range values {
		rows[i] = appender.Row{Elapsed: float64(i) * 0.5, Value: v}
	}
	return rows
}

var rpmSpec = appender.DatasetSpec{
	Name:     "RPM",
	LongName: "Engine RPM",
	Unit:     "rpm",
	Key:      catalog.Key("\x01\x0c"),
	Min:      0,
	Max:      8000,
}

func TestSqliteStore_Session(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	config := map[string]string{"format": "ascii"}
	sess, err := store.CreateSession(ctx, "sensors.csv", config)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), sess.UUID.Version())
	require.NotNil(t, sess.Config)
	assert.JSONEq(t, `{"format":"ascii"}`, *sess.Config)

	got, err := store.Session(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.UUID, got.UUID)
	assert.Equal(t, "sensors.csv", got.Catalog)
	assert.WithinDuration(t, sess.StartTime, got.StartTime, time.Second)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, sess.ID, sessions[0].ID)
}

func TestSqliteStore_CreateDatasetRequiresSession(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateDataset(context.Background(), rpmSpec, rowsOf(1))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSqliteStore_CreateAndAppend(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithBatchSize(3))

	_, err := store.CreateSession(ctx, "sensors.csv", nil)
	require.NoError(t, err)

	ds, err := store.CreateDataset(ctx, rpmSpec, rowsOf(800, 810, 820, 830, 840))
	require.NoError(t, err)
	assert.Equal(t, "RPM", ds.Name())
	assert.Equal(t, 5, ds.Len())
	require.NoError(t, store.Sync(ctx))

	extra := []appender.Row{{Elapsed: 3, Value: 900}, {Elapsed: 3.5, Value: 910}}
	require.NoError(t, ds.Append(ctx, extra))
	assert.Equal(t, 7, ds.Len())
	require.NoError(t, ds.Append(ctx, nil))
	require.NoError(t, store.Sync(ctx))

	info, err := store.Dataset(ctx, "RPM")
	require.NoError(t, err)
	assert.Equal(t, 7, info.Rows)
	assert.Equal(t, "Engine RPM", info.LongName)
	assert.Equal(t, "rpm", info.Unit)
	assert.Equal(t, catalog.Key("\x01\x0c"), info.Key)
	assert.Equal(t, 8000.0, info.Max)

	reader, err := store.ReadDataset(ctx, "RPM")
	require.NoError(t, err)
	defer reader.Close()

	var points []Point
	for reader.Next(ctx) {
		points = append(points, reader.Current())
	}
	require.NoError(t, reader.Error())
	require.Len(t, points, 7)
	for i, p := range points {
		assert.Equal(t, int64(i), p.Row)
	}
	assert.Equal(t, 800.0, points[0].Value)
	assert.Equal(t, 910.0, points[6].Value)
	assert.Equal(t, 3.5, points[6].Elapsed)
}

func TestSqliteStore_AppendOutOfStep(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateSession(ctx, "sensors.csv", nil)
	require.NoError(t, err)
	ds, err := store.CreateDataset(ctx, rpmSpec, rowsOf(1, 2, 3))
	require.NoError(t, err)

	db, err := store.getWriteDB()
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "UPDATE datasets SET rows = 10")
	require.NoError(t, err)

	err = ds.Append(ctx, []appender.Row{{Elapsed: 2, Value: 4}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not at row 3")

	reader, err := store.ReadDataset(ctx, "RPM")
	require.NoError(t, err)
	defer reader.Close()

	n := 0
	for reader.Next(ctx) {
		n++
	}
	require.NoError(t, reader.Error())
	assert.Equal(t, 3, n, "the failed append is rolled back")
}

func TestSqliteStore_ReadDatasetRange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateSession(ctx, "", nil)
	require.NoError(t, err)
	_, err = store.CreateDataset(ctx, rpmSpec, rowsOf(1, 2, 3, 4, 5, 6))
	require.NoError(t, err)

	reader, err := store.ReadDataset(ctx, "RPM", WithElapsedRange(1, 2))
	require.NoError(t, err)
	defer reader.Close()

	var values []float64
	for reader.Next(ctx) {
		values = append(values, reader.Current().Value)
	}
	require.NoError(t, reader.Error())
	assert.Equal(t, []float64{3, 4, 5}, values)

	_, err = store.ReadDataset(ctx, "RPM", WithElapsedRange(2, 1))
	assert.Error(t, err)

	onlyStart, err := store.ReadDataset(ctx, "RPM", WithStartElapsed(2.5))
	require.NoError(t, err)
	defer onlyStart.Close()

	require.True(t, onlyStart.Next(ctx))
	assert.Equal(t, 6.0, onlyStart.Current().Value)
	assert.False(t, onlyStart.Next(ctx))
}

func TestSqliteStore_Datasets(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.CreateSession(ctx, "sensors.csv", nil)
	require.NoError(t, err)

	_, err = store.CreateDataset(ctx, rpmSpec, rowsOf(1, 2))
	require.NoError(t, err)

	tempSpec := appender.DatasetSpec{Name: "BatTemp", LongName: "Battery Temperature", Key: catalog.Key("\x22\x28\xfb")}
	_, err = store.CreateDataset(ctx, tempSpec, rowsOf(20))
	require.NoError(t, err)

	_, err = store.CreateDataset(ctx, rpmSpec, rowsOf(3))
	assert.Error(t, err, "dataset names are unique within a session")

	datasets, err := store.Datasets(ctx)
	require.NoError(t, err)
	require.Len(t, datasets, 2)
	assert.Equal(t, "RPM", datasets[0].Name)
	assert.Equal(t, 2, datasets[0].Rows)
	assert.Equal(t, "BatTemp", datasets[1].Name)
	assert.Empty(t, datasets[1].Unit)
	assert.False(t, datasets[1].CreatedAt.IsZero())

	_, err = store.Dataset(ctx, "Missing")
	assert.ErrorIs(t, err, ErrDatasetNotFound)

	_, err = store.ReadDataset(ctx, "Missing")
	assert.ErrorIs(t, err, ErrDatasetNotFound)
}

func TestSqliteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), SessionFileName(time.Date(2024, 1, 31, 17, 45, 2, 0, time.UTC)))
	assert.Equal(t, "obd_session_20240131_174502.sqlite", filepath.Base(path))

	store, err := NewSqliteStore(path)
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, "sensors.csv", "raw config")
	require.NoError(t, err)
	_, err = store.CreateDataset(ctx, rpmSpec, rowsOf(1, 2, 3))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "close is idempotent")

	reopened, err := NewSqliteStore(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	info, err := reopened.Dataset(ctx, "RPM")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Rows)

	sessions, err := reopened.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].Config)
	assert.Equal(t, "raw config", *sessions[0].Config)
}

func TestNewSqliteStore_InvalidOptions(t *testing.T) {
	_, err := NewSqliteStore("x.sqlite", WithSynchronous("sometimes"))
	assert.Error(t, err)

	_, err = NewSqliteStore("x.sqlite", WithBatchSize(0))
	assert.Error(t, err)

	s, err := NewSqliteStore("x.sqlite", WithSynchronous("normal"))
	require.NoError(t, err)
	assert.Equal(t, "NORMAL", s.synchronous)
}
