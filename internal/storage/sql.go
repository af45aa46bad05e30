package storage

import (
	_ "embed"
)

const (
	upsertAliasSQL = `
INSERT INTO aliases (key, label, updated_at)
VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT (key) DO UPDATE SET label      = excluded.label,
                                updated_at = CURRENT_TIMESTAMP`

	deleteAliasSQL = `
DELETE
FROM aliases
WHERE key = ?`

	selectAliasesSQL = `
SELECT key,
       label
FROM aliases`

	upsertLookupSQL = `
INSERT INTO lookups (identifier, payload, not_found, fetched_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (identifier) DO UPDATE SET payload    = excluded.payload,
                                       not_found  = excluded.not_found,
                                       fetched_at = excluded.fetched_at`

	selectLookupsSQL = `
SELECT identifier,
       payload,
       not_found,
       fetched_at
FROM lookups`

	insertFlightSQL = `
INSERT INTO flights (key,
                     mac,
                     basic_id,
                     operator_id,
                     alias,
                     ua_type,
                     first_seen,
                     last_seen,
                     receivers)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertFlightPointSQL = `
INSERT INTO flight_points (flight_id,
                           kind,
                           timestamp,
                           latitude,
                           longitude,
                           altitude)
VALUES `
)

//go:embed schema.sql
var schemaSQL string
