package storage

import (
	"database/sql"
	"time"
)

// AliasRow is one persisted key -> label mapping.
type AliasRow struct {
	Key   string
	Label string
}

// LookupRow is one persisted registration lookup answer.
type LookupRow struct {
	Identifier string
	Payload    []byte
	NotFound   bool
	FetchedAt  time.Time
}

// FlightData is the durable summary of a purged emitter record.
type FlightData struct {
	Key        string
	MAC        sql.NullString
	BasicID    sql.NullString
	OperatorID sql.NullString
	Alias      sql.NullString
	UAType     sql.NullInt64
	FirstSeen  time.Time
	LastSeen   time.Time
	Receivers  sql.NullString // comma-joined corroborating receiver ids
}

// FlightPointData is one archived path sample.
type FlightPointData struct {
	Kind      string // "aircraft" or "pilot"
	Timestamp time.Time
	Latitude  float64
	Longitude float64
	Altitude  sql.NullFloat64
}
