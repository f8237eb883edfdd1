package storage

import (
	_ "embed"
)

//go:embed schema.sql
var initSchemaSQL string

const (
	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_samples_elapsed ON samples (dataset_id, elapsed);
CREATE INDEX IF NOT EXISTS idx_datasets_session ON datasets (session_id);`

	insertSessionSQL = `
INSERT INTO sessions (uuid,
                      start_time,
                      catalog,
                      config)
VALUES (?, ?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    uuid,
    start_time,
    catalog,
    config
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    uuid,
    start_time,
    catalog,
    config
FROM sessions
ORDER BY id`

	insertDatasetSQL = `
INSERT INTO datasets (session_id,
                      name,
                      long_name,
                      unit,
                      pid,
                      min_value,
                      max_value,
                      rows)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	updateDatasetRowsSQL = `
UPDATE datasets
SET rows = ?
WHERE
    id = ?
    AND rows = ?`

	selectDatasetsSQL = `
SELECT
    id,
    session_id,
    name,
    long_name,
    unit,
    pid,
    min_value,
    max_value,
    rows,
    created_at
FROM datasets
ORDER BY id`

	selectDatasetSQL = `
SELECT
    id,
    session_id,
    name,
    long_name,
    unit,
    pid,
    min_value,
    max_value,
    rows,
    created_at
FROM datasets
WHERE
    name = ?
ORDER BY id DESC
LIMIT 1`

	insertSamplesSQL = `
INSERT INTO samples (dataset_id,
                     row,
                     elapsed,
                     value)
VALUES `

	selectSamplesSQL = `
SELECT
    row,
    elapsed,
    value
FROM samples
WHERE
    dataset_id = ?
    AND elapsed BETWEEN ? AND ?
ORDER BY row`

	selectElapsedRangeSQL = `
SELECT
    COALESCE(MIN(elapsed), 0),
    COALESCE(MAX(elapsed), 0)
FROM samples
WHERE
    dataset_id = ?`

	checkpointSQL = `PRAGMA wal_checkpoint(PASSIVE)`
)
