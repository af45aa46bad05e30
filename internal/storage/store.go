// Package storage persists the pieces of detection state that outlive the
// process: operator aliases, registration lookup answers, and the flight
// history of purged emitters. The live registry never reads from here on the
// hot path.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store handles database operations. Connections open lazily: a dedicated
// write connection in WAL mode and a read-only connection for queries.
type Store struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// New creates a store for the database at dbPath. The schema is initialized
// on first write.
func New(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if _, err = db.Exec(schemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *Store) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		// Ensure the schema exists before a read-only connection touches it.
		if _, err := s.getWriteDB(); err != nil {
			s.readDBErr = err
			return
		}

		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

// UpsertAlias stores or replaces the label for a key.
func (s *Store) UpsertAlias(key, label string) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.Prepare(upsertAliasSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.Exec(key, label); err != nil {
		return fmt.Errorf("upserting alias: %w", err)
	}
	return
}

// DeleteAlias removes the label for a key, if any.
func (s *Store) DeleteAlias(key string) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.Prepare(deleteAliasSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.Exec(key); err != nil {
		return fmt.Errorf("deleting alias: %w", err)
	}
	return
}

// Aliases returns every persisted alias.
func (s *Store) Aliases() (aliases []AliasRow, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.Query(selectAliasesSQL)
	if err != nil {
		return nil, fmt.Errorf("querying aliases: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var row AliasRow
		if err = rows.Scan(&row.Key, &row.Label); err != nil {
			return nil, fmt.Errorf("scanning alias: %w", err)
		}
		aliases = append(aliases, row)
	}
	return aliases, rows.Err()
}

// UpsertLookup stores or replaces one registration lookup answer.
func (s *Store) UpsertLookup(identifier string, payload []byte, notFound bool, fetchedAt time.Time) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.Prepare(upsertLookupSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	var data sql.NullString
	if payload != nil {
		data.Valid = true
		data.String = string(payload)
	}

	if _, err = stmt.Exec(identifier, data, notFound, fetchedAt.UTC()); err != nil {
		return fmt.Errorf("upserting lookup: %w", err)
	}
	return
}

// Lookups returns every persisted lookup answer, for warming the cache at
// startup.
func (s *Store) Lookups() (lookups []LookupRow, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.Query(selectLookupsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying lookups: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var row LookupRow
		var payload sql.NullString
		if err = rows.Scan(&row.Identifier, &payload, &row.NotFound, &row.FetchedAt); err != nil {
			return nil, fmt.Errorf("scanning lookup: %w", err)
		}
		if payload.Valid {
			row.Payload = []byte(payload.String)
		}
		lookups = append(lookups, row)
	}
	return lookups, rows.Err()
}

// StoreFlight archives a purged emitter's summary and path points in one
// transaction and returns the flight id.
func (s *Store) StoreFlight(ctx context.Context, flight FlightData, points []FlightPointData) (flightID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return 0, fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	result, err := tx.ExecContext(ctx, insertFlightSQL,
		flight.Key,
		flight.MAC,
		flight.BasicID,
		flight.OperatorID,
		flight.Alias,
		flight.UAType,
		flight.FirstSeen.UTC(),
		flight.LastSeen.UTC(),
		flight.Receivers,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting flight: %w", err)
	}

	if flightID, err = result.LastInsertId(); err != nil {
		return 0, fmt.Errorf("getting flight ID: %w", err)
	}

	if len(points) > 0 {
		values := make([]interface{}, 0, len(points)*6)

		var sb strings.Builder
		sb.WriteString(insertFlightPointSQL)

		for i, p := range points {
			values = append(values, flightID, p.Kind, p.Timestamp.UTC(), p.Latitude, p.Longitude, p.Altitude)
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(?, ?, ?, ?, ?, ?)")
		}

		if _, err = tx.ExecContext(ctx, sb.String(), values...); err != nil {
			return 0, fmt.Errorf("batch inserting flight points: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return flightID, nil
}

// Close closes the database connections. It is safe to call multiple times.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}
