package tracker

import (
	"math"

	"github.com/dronewatch/meshmapper/internal/remoteid"
)

// pathBuffer accumulates flight-path points for one emitter with a hard
// length cap: when full, the oldest point is dropped. Appends of points that
// do not move beyond the dedupe epsilon are rejected so heartbeat re-sends at
// identical coordinates cannot bloat the path. Not internally locked; the
// tracker's per-key lock guards it.
type pathBuffer struct {
	capacity   int
	epsilonDeg float64

	head int // index of the oldest point
	size int
	pts  []remoteid.PathPoint
}

func newPathBuffer(capacity int, epsilonDeg float64) *pathBuffer {
	return &pathBuffer{
		capacity:   capacity,
		epsilonDeg: epsilonDeg,
		pts:        make([]remoteid.PathPoint, 0, min(capacity, 64)),
	}
}

// append stores p unless it is within the dedupe epsilon of the most recent
// point. Returns true if the point was stored.
func (b *pathBuffer) append(p remoteid.PathPoint) bool {
	if b.size > 0 && !b.moved(p) {
		return false
	}

	if b.size < b.capacity {
		if len(b.pts) < b.capacity {
			b.pts = append(b.pts, p)
		} else {
			b.pts[(b.head+b.size)%b.capacity] = p
		}
		b.size++
		return true
	}

	// Full: overwrite the oldest slot.
	b.pts[b.head] = p
	b.head = (b.head + 1) % b.capacity
	return true
}

// moved reports whether p differs materially from the newest stored point.
func (b *pathBuffer) moved(p remoteid.PathPoint) bool {
	last := b.pts[(b.head+b.size-1)%len(b.pts)]
	return math.Abs(p.Latitude-last.Latitude) > b.epsilonDeg ||
		math.Abs(p.Longitude-last.Longitude) > b.epsilonDeg
}

// snapshot returns the stored points in arrival order as a fresh slice.
// Exporters hold the copy, never the live buffer.
func (b *pathBuffer) snapshot() []remoteid.PathPoint {
	out := make([]remoteid.PathPoint, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.pts[(b.head+i)%len(b.pts)]
	}
	return out
}

func (b *pathBuffer) len() int {
	return b.size
}
