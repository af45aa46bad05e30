// Package history flushes purged emitter records to the durable flight
// archive. It subscribes to the change stream; nothing on the ingestion path
// waits for it.
package history

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dronewatch/meshmapper/internal/notify"
	"github.com/dronewatch/meshmapper/internal/remoteid"
	"github.com/dronewatch/meshmapper/internal/storage"
	"github.com/dronewatch/meshmapper/internal/tracker"
)

// Writer archives final snapshots carried by Purged changes.
type Writer struct {
	db     *storage.Store
	logger *slog.Logger
}

// NewWriter creates a history writer over the sqlite store.
func NewWriter(db *storage.Store, logger *slog.Logger) *Writer {
	return &Writer{
		db:     db,
		logger: logger.With(slog.String("component", "history")),
	}
}

// Run consumes the subscription until its channel closes or ctx is done.
func (w *Writer) Run(ctx context.Context, sub *notify.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.C:
			if !ok {
				return
			}
			if change.Kind != tracker.ChangePurged {
				continue
			}
			if err := w.Append(ctx, change.Record); err != nil {
				w.logger.Error(err.Error(), slog.String("key", change.Key))
			}
		}
	}
}

// Append writes one final snapshot and its path points to the archive.
func (w *Writer) Append(ctx context.Context, rec tracker.Record) error {
	flight := storage.FlightData{
		Key:        rec.Key,
		MAC:        storage.NullString(rec.MAC),
		BasicID:    storage.NullString(rec.BasicID),
		OperatorID: storage.NullString(rec.OperatorID),
		Alias:      storage.NullString(rec.Alias),
		UAType:     storage.NullInt(rec.UAType),
		FirstSeen:  rec.FirstSeen,
		LastSeen:   rec.LastSeen,
		Receivers:  storage.NullString(strings.Join(rec.Receivers, ",")),
	}

	points := make([]storage.FlightPointData, 0, len(rec.Path)+len(rec.PilotPath))
	points = append(points, toPointData("aircraft", rec.Path)...)
	points = append(points, toPointData("pilot", rec.PilotPath)...)

	flightID, err := w.db.StoreFlight(ctx, flight, points)
	if err != nil {
		return err
	}

	w.logger.Debug("flight archived",
		slog.String("key", rec.Key),
		slog.Int64("flight_id", flightID),
		slog.Int("points", len(points)))
	return nil
}

func toPointData(kind string, pts []remoteid.PathPoint) []storage.FlightPointData {
	out := make([]storage.FlightPointData, len(pts))
	for i, p := range pts {
		out[i] = storage.FlightPointData{
			Kind:      kind,
			Timestamp: p.Timestamp,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Altitude:  storage.NullFloat(p.Altitude),
		}
	}
	return out
}
