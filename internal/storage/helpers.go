package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roman-kulish/obd-logger/internal/catalog"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

// rollbackWithError rolls back an unfinished transaction. Rollback after
// Commit returns sql.ErrTxDone, which is not an error here.
func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if rErr := rb.Rollback(); rErr != nil && !errors.Is(rErr, sql.ErrTxDone) && *err == nil {
		*err = rErr
	}
}

func toConfigData(config any) (sql.NullString, error) {
	var data sql.NullString

	switch v := config.(type) {
	case nil:
		return data, nil

	case string:
		data.String = v

	case []byte:
		data.String = string(v)

	default:
		p, err := json.Marshal(v)
		if err != nil {
			return data, fmt.Errorf("marshaling config: %w", err)
		}
		data.String = string(p)
	}

	data.Valid = true
	return data, nil
}

func toSession(d *sessionData) (*Session, error) {
	id, err := uuid.Parse(d.UUID)
	if err != nil {
		return nil, fmt.Errorf("parsing session UUID: %w", err)
	}

	sess := Session{
		ID:        d.ID,
		UUID:      id,
		StartTime: d.StartTime,
		Catalog:   d.Catalog.String,
	}
	if d.Config.Valid {
		sess.Config = &d.Config.String
	}
	return &sess, nil
}

func toDatasetInfo(d *datasetData) (*DatasetInfo, error) {
	key, err := catalog.ParseKey(d.PID)
	if err != nil {
		return nil, fmt.Errorf("parsing PID of dataset %s: %w", d.Name, err)
	}

	return &DatasetInfo{
		ID:        d.ID,
		SessionID: d.SessionID,
		Name:      d.Name,
		LongName:  d.LongName,
		Unit:      d.Unit.String,
		Key:       key,
		Min:       d.Min.Float64,
		Max:       d.Max.Float64,
		Rows:      d.Rows,
		CreatedAt: d.CreatedAt,
	}, nil
}

func toNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(s rowScanner) (*Session, error) {
	var d sessionData
	if err := s.Scan(&d.ID, &d.UUID, &d.StartTime, &d.Catalog, &d.Config); err != nil {
		return nil, err
	}
	return toSession(&d)
}

func scanDataset(s rowScanner) (*DatasetInfo, error) {
	var d datasetData
	if err := s.Scan(&d.ID, &d.SessionID, &d.Name, &d.LongName, &d.Unit, &d.PID, &d.Min, &d.Max, &d.Rows, &d.CreatedAt); err != nil {
		return nil, err
	}
	return toDatasetInfo(&d)
}
