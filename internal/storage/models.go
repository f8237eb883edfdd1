package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/obd-logger/internal/catalog"
)

// Session describes one logging run. A store file holds one session.
type Session struct {
	ID        int64
	UUID      uuid.UUID
	StartTime time.Time
	Catalog   string  // path of the sensor catalog used
	Config    *string // JSON configuration, nil when not recorded
}

// DatasetInfo describes a persisted sensor dataset.
type DatasetInfo struct {
	ID        int64
	SessionID int64
	Name      string
	LongName  string
	Unit      string
	Key       catalog.Key
	Min       float64
	Max       float64
	Rows      int
	CreatedAt time.Time
}

// Point is one stored row of a dataset.
type Point struct {
	Row     int64
	Elapsed float64
	Value   float64
}

type sessionData struct {
	ID        int64
	UUID      string
	StartTime time.Time
	Catalog   sql.NullString
	Config    sql.NullString
}

type datasetData struct {
	ID        int64
	SessionID int64
	Name      string
	LongName  string
	Unit      sql.NullString
	PID       string
	Min       sql.NullFloat64
	Max       sql.NullFloat64
	Rows      int
	CreatedAt time.Time
}
