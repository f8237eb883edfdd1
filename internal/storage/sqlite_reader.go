package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DatasetReader provides an iterator-based interface for reading the rows of
// a dataset, optionally restricted to an elapsed time range.
type DatasetReader interface {
	// Dataset returns metadata about the dataset this reader is accessing.
	Dataset() *DatasetInfo

	// Next advances the iterator and returns true if there is another point
	// to read, false when the iteration is complete or if an error occurred.
	Next(context.Context) bool

	// Current returns the current point in the iteration.
	// If called after Next() returns false, the behavior is undefined.
	Current() Point

	// Error returns any error that occurred during iteration.
	// If Next() returns false, Error() should be checked to distinguish between
	// end of data and an error condition.
	Error() error

	// Close releases any resources associated with the reader.
	// After Close is called, the reader should not be used.
	Close() error
}

// ReaderOption configures a SqliteDatasetReader with filtering criteria.
type ReaderOption func(*SqliteDatasetReader)

// WithStartElapsed excludes points recorded before the given number of seconds
// into the session.
func WithStartElapsed(seconds float64) ReaderOption {
	return func(r *SqliteDatasetReader) {
		r.start = &seconds
	}
}

// WithEndElapsed excludes points recorded after the given number of seconds
// into the session.
func WithEndElapsed(seconds float64) ReaderOption {
	return func(r *SqliteDatasetReader) {
		r.end = &seconds
	}
}

// WithElapsedRange sets both start and end filters.
func WithElapsedRange(start, end float64) ReaderOption {
	return func(r *SqliteDatasetReader) {
		r.start = &start
		r.end = &end
	}
}

// SqliteDatasetReader implements DatasetReader for SQLite database backend.
type SqliteDatasetReader struct {
	db   *sql.DB
	name string
	info *DatasetInfo

	start *float64 // Optional start of elapsed range filter
	end   *float64 // Optional end of elapsed range filter

	current Point
	rows    *sql.Rows
	err     error
}

var _ DatasetReader = (*SqliteDatasetReader)(nil)

func newSqliteDatasetReader(ctx context.Context, db *sql.DB, name string, opts ...ReaderOption) (*SqliteDatasetReader, error) {
	r := &SqliteDatasetReader{
		db:   db,
		name: name,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return r, nil
}

func (r *SqliteDatasetReader) init(ctx context.Context) error {
	if r.db == nil {
		return errors.New("database connection required")
	}
	if r.name == "" {
		return errors.New("dataset name required")
	}

	steps := []struct {
		msg string
		fn  func(context.Context) error
	}{
		{msg: "loading dataset", fn: r.loadDataset},
		{msg: "initializing filters", fn: r.initFilters},
		{msg: "initializing query", fn: r.initQuery},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.msg, err)
		}
	}
	return nil
}

func (r *SqliteDatasetReader) loadDataset(ctx context.Context) (err error) {
	r.info, err = queryDataset(ctx, r.db, r.name)
	return err
}

func (r *SqliteDatasetReader) initFilters(ctx context.Context) (err error) {
	if r.start != nil && r.end != nil {
		if *r.start > *r.end {
			return fmt.Errorf("start %gs is after end %gs", *r.start, *r.end)
		}
		return nil
	}

	stmt, err := r.db.PrepareContext(ctx, selectElapsedRangeSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var minElapsed, maxElapsed float64
	if err = stmt.QueryRowContext(ctx, r.info.ID).Scan(&minElapsed, &maxElapsed); err != nil {
		return fmt.Errorf("scanning filters data: %w", err)
	}

	if r.start == nil {
		r.start = &minElapsed
	}
	if r.end == nil {
		r.end = &maxElapsed
	}
	return nil
}

func (r *SqliteDatasetReader) initQuery(ctx context.Context) (err error) {
	r.rows, err = r.db.QueryContext(ctx, selectSamplesSQL, r.info.ID, *r.start, *r.end)
	return err
}

func (r *SqliteDatasetReader) Dataset() *DatasetInfo {
	return r.info
}

func (r *SqliteDatasetReader) Next(ctx context.Context) bool {
	if r.err != nil || r.rows == nil {
		return false
	}

	select {
	case <-ctx.Done():
		r.err = ctx.Err()
		return false
	default:
	}

	if !r.rows.Next() {
		return false
	}

	var p Point
	if r.err = r.rows.Scan(&p.Row, &p.Elapsed, &p.Value); r.err != nil {
		r.err = fmt.Errorf("scanning sample: %w", r.err)
		return false
	}

	r.current = p
	return true
}

func (r *SqliteDatasetReader) Current() Point {
	return r.current
}

func (r *SqliteDatasetReader) Error() error {
	if r.err != nil {
		return r.err
	}
	if r.rows != nil {
		return r.rows.Err()
	}
	return nil
}

func (r *SqliteDatasetReader) Close() error {
	if r.rows != nil {
		err := r.rows.Close()
		r.rows = nil
		return err
	}
	return nil
}
