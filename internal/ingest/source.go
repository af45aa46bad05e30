// Package ingest runs the receiver sources and the engine that folds their
// messages into the detection registry.
package ingest

import "context"

// Line is one raw message from a source, before normalization.
type Line struct {
	SourceID string // Local id of the receiver or relay link
	Raw      []byte
}

// Source is one concurrent ingestion feed: a directly-attached receiver or a
// mesh relay link. Run delivers raw lines until ctx is cancelled; it owns
// reconnection and returns only on cancellation or an unrecoverable fault.
type Source interface {
	ID() string
	Run(ctx context.Context, lines chan<- Line) error
}

// StatusFunc receives source link-state transitions.
type StatusFunc func(sourceID string, connected bool)
