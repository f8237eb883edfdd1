package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/obd-logger/internal/appender"
)

const (
	// DefaultSynchronous is the SQLite synchronous mode of the write connection
	DefaultSynchronous = "FULL"

	// DefaultBatchSize is the number of rows inserted by a single statement
	DefaultBatchSize = 500
)

var (
	// ErrNoSession is returned when a dataset is created before the session
	ErrNoSession = errors.New("no active session")

	// ErrDatasetNotFound is returned when a dataset does not exist
	ErrDatasetNotFound = errors.New("dataset not found")
)

// WithSynchronous sets the SQLite synchronous mode: OFF, NORMAL, FULL or EXTRA
func WithSynchronous(mode string) func(*SqliteStore) {
	return func(s *SqliteStore) {
		s.synchronous = strings.ToUpper(mode)
	}
}

// WithBatchSize sets the number of rows inserted by a single statement
func WithBatchSize(n int) func(*SqliteStore) {
	return func(s *SqliteStore) {
		s.batchSize = n
	}
}

// SqliteStore handles database operations. It implements appender.Container:
// every sensor gets a dataset, a table slice of (row, elapsed, value) keyed
// by a dense row index.
type SqliteStore struct {
	dbPath      string
	synchronous string
	batchSize   int

	sessionMu sync.Mutex
	sessionID int64

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store backed by the Sqlite database at dbPath.
// Connections are opened lazily; the schema is created with the write connection.
func NewSqliteStore(dbPath string, options ...func(*SqliteStore)) (*SqliteStore, error) {
	s := SqliteStore{
		dbPath:      dbPath,
		synchronous: DefaultSynchronous,
		batchSize:   DefaultBatchSize,
	}

	for _, option := range options {
		option(&s)
	}

	switch s.synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return nil, fmt.Errorf("invalid synchronous mode: %q", s.synchronous)
	}
	if s.batchSize <= 0 {
		return nil, fmt.Errorf("invalid batch size: %d", s.batchSize)
	}

	return &s, nil
}

// Path returns the database file path
func (s *SqliteStore) Path() string {
	return s.dbPath
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=%s&_foreign_keys=1", s.dbPath, s.synchronous)

		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		db.SetMaxOpenConns(1) // single writer

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// Open creates the database file and schema without writing any data.
func (s *SqliteStore) Open() error {
	_, err := s.getWriteDB()
	return err
}

func (s *SqliteStore) CreateSession(ctx context.Context, catalogPath string, config any) (session *Session, err error) {
	configData, err := toConfigData(config)
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating session UUID: %w", err)
	}

	db, err := s.getWriteDB()
	if err != nil {
		return nil, fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	startTime := time.Now().UTC()

	result, err := stmt.ExecContext(ctx, id.String(), startTime, toNullString(catalogPath), configData)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	sessionID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting session ID: %w", err)
	}

	s.sessionMu.Lock()
	s.sessionID = sessionID
	s.sessionMu.Unlock()

	session = &Session{
		ID:        sessionID,
		UUID:      id,
		StartTime: startTime,
		Catalog:   catalogPath,
	}
	if configData.Valid {
		session.Config = &configData.String
	}
	return session, nil
}

func (s *SqliteStore) activeSession() (int64, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.sessionID == 0 {
		return 0, ErrNoSession
	}
	return s.sessionID, nil
}

// CreateDataset creates the dataset described by spec and stores rows in it,
// in a single transaction.
func (s *SqliteStore) CreateDataset(ctx context.Context, spec appender.DatasetSpec, rows []appender.Row) (ds appender.Dataset, err error) {
	sessionID, err := s.activeSession()
	if err != nil {
		return nil, err
	}

	db, err := s.getWriteDB()
	if err != nil {
		return nil, fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	result, err := tx.ExecContext(ctx, insertDatasetSQL,
		sessionID,
		spec.Name,
		spec.LongName,
		toNullString(spec.Unit),
		spec.Key.String(),
		spec.Min,
		spec.Max,
		len(rows),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting dataset: %w", err)
	}

	datasetID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("getting dataset ID: %w", err)
	}

	if err = s.insertRows(ctx, tx, datasetID, 0, rows); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return &sqliteDataset{store: s, id: datasetID, name: spec.Name, rows: len(rows)}, nil
}

// appendRows extends a dataset by rows. Row indexes continue from the
// current length; the dataset length is updated in the same transaction.
func (s *SqliteStore) appendRows(ctx context.Context, datasetID int64, offset int, rows []appender.Row) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	if err = s.insertRows(ctx, tx, datasetID, offset, rows); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, updateDatasetRowsSQL, offset+len(rows), datasetID, offset)
	if err != nil {
		return fmt.Errorf("updating dataset rows: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking updated dataset rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("updating dataset rows: dataset %d is not at row %d", datasetID, offset)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SqliteStore) insertRows(ctx context.Context, tx *sql.Tx, datasetID int64, offset int, rows []appender.Row) error {
	const valuesPlaceholder = "(?, ?, ?, ?)"

	next := offset
	for chunk := range slices.Chunk(rows, s.batchSize) {
		values := make([]any, 0, len(chunk)*4)

		var sb strings.Builder
		sb.WriteString(insertSamplesSQL)

		for i, r := range chunk {
			values = append(values, datasetID, next, r.Elapsed, r.Value)
			next++

			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(valuesPlaceholder)
		}

		if _, err := tx.ExecContext(ctx, sb.String(), values...); err != nil {
			return fmt.Errorf("batch inserting samples: %w", err)
		}
	}
	return nil
}

// Sync checkpoints the write-ahead log into the database file.
func (s *SqliteStore) Sync(ctx context.Context) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	if _, err = db.ExecContext(ctx, checkpointSQL); err != nil {
		return fmt.Errorf("checkpointing: %w", err)
	}
	return nil
}

func (s *SqliteStore) Session(ctx context.Context, id int64) (session *Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if session, err = scanSession(stmt.QueryRowContext(ctx, id)); err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return session, nil
}

func (s *SqliteStore) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SqliteStore) Datasets(ctx context.Context) (datasets []*DatasetInfo, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectDatasetsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying datasets: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		info, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dataset: %w", err)
		}
		datasets = append(datasets, info)
	}
	return datasets, rows.Err()
}

func (s *SqliteStore) Dataset(ctx context.Context, name string) (info *DatasetInfo, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return queryDataset(ctx, db, name)
}

func queryDataset(ctx context.Context, db *sql.DB, name string) (info *DatasetInfo, err error) {
	stmt, err := db.PrepareContext(ctx, selectDatasetSQL)
	if err != nil {
		return nil, fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	info, err = scanDataset(stmt.QueryRowContext(ctx, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning dataset: %w", err)
	}
	return info, nil
}

// ReadDataset creates a reader over the rows of the named dataset. The reader
// must be closed after use. It is safe to call from multiple goroutines, but
// each reader instance should only be used from a single goroutine.
func (s *SqliteStore) ReadDataset(ctx context.Context, name string, opts ...ReaderOption) (*SqliteDatasetReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return newSqliteDatasetReader(ctx, db, name, opts...)
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}

// sqliteDataset is the appender.Dataset handle of a stored dataset.
type sqliteDataset struct {
	store *SqliteStore
	id    int64
	name  string

	mu   sync.Mutex
	rows int
}

func (d *sqliteDataset) Name() string {
	return d.name
}

func (d *sqliteDataset) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rows
}

// Append extends the dataset. Either all rows are stored or none is.
func (d *sqliteDataset) Append(ctx context.Context, rows []appender.Row) error {
	if len(rows) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.appendRows(ctx, d.id, d.rows, rows); err != nil {
		return err
	}
	d.rows += len(rows)
	return nil
}
