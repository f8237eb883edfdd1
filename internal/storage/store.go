package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/roman-kulish/obd-logger/internal/appender"
)

const sessionFileLayout = "20060102_150405"

// SessionFileName returns the store file name for a session started at t,
// e.g. "obd_session_20240131_174502.sqlite".
func SessionFileName(t time.Time) string {
	return fmt.Sprintf("obd_session_%s.sqlite", t.UTC().Format(sessionFileLayout))
}

// Store provides an interface for persisting logged sensor data. A store holds
// a single logging session and one dataset per sensor. All operations that
// write to the database are atomic.
type Store interface {
	appender.Container

	// CreateSession records the start of a logging session. Datasets created
	// afterwards belong to it.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - catalogPath: Path of the sensor catalog the session decodes with
	//   - config: Optional logger configuration. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - session: The created session, including its generated UUID
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, catalogPath string, config any) (*Session, error)

	// Session retrieves a session by its ID.
	Session(ctx context.Context, id int64) (*Session, error)

	// Sessions returns all sessions stored in the database.
	Sessions(ctx context.Context) ([]*Session, error)

	// Datasets returns the metadata of every dataset in creation order.
	Datasets(ctx context.Context) ([]*DatasetInfo, error)

	// Dataset returns the metadata of the named dataset.
	//
	// Returns ErrDatasetNotFound if there is no such dataset.
	Dataset(ctx context.Context, name string) (*DatasetInfo, error)

	// ReadDataset creates a reader over the rows of the named dataset, in row order.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - name: Dataset (sensor short name)
	//   - opts: Optional filters (WithStartElapsed, WithEndElapsed, WithElapsedRange)
	//
	// The returned reader must be closed after use to release database resources.
	ReadDataset(ctx context.Context, name string, opts ...ReaderOption) (*SqliteDatasetReader, error)

	// Close releases database resources and builds the read indexes.
	Close() error
}

var _ Store = (*SqliteStore)(nil)
