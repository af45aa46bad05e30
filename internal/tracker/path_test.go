package tracker

import (
	"testing"
	"time"

	"github.com/dronewatch/meshmapper/internal/remoteid"
)

func point(i int) remoteid.PathPoint {
	return remoteid.PathPoint{
		Timestamp: time.Unix(int64(i), 0),
		Latitude:  float64(i) * 0.001,
		Longitude: float64(i) * 0.001,
	}
}

func TestPathBuffer_Bound(t *testing.T) {
	const capacity = 8
	b := newPathBuffer(capacity, DefaultEpsilonDeg)

	// Append capacity+k distinct points; only the most recent capacity
	// survive, in arrival order.
	const total = capacity + 5
	for i := 0; i < total; i++ {
		if !b.append(point(i)) {
			t.Fatalf("Append of distinct point %d rejected", i)
		}
	}

	if b.len() != capacity {
		t.Fatalf("Expected %d points after overflow, got %d", capacity, b.len())
	}

	pts := b.snapshot()
	for i, p := range pts {
		want := point(total - capacity + i)
		if p.Latitude != want.Latitude || !p.Timestamp.Equal(want.Timestamp) {
			t.Errorf("Point %d: expected %v, got %v", i, want, p)
		}
	}
}

func TestPathBuffer_DedupeEpsilon(t *testing.T) {
	b := newPathBuffer(16, DefaultEpsilonDeg)

	p := point(1)
	if !b.append(p) {
		t.Fatal("First append rejected")
	}

	// Same coordinates, later timestamp: a heartbeat re-send, not movement.
	p.Timestamp = p.Timestamp.Add(5 * time.Second)
	if b.append(p) {
		t.Error("Identical coordinates should be deduped")
	}

	// Sub-epsilon jitter is still the same point.
	p.Latitude += DefaultEpsilonDeg / 2
	if b.append(p) {
		t.Error("Sub-epsilon movement should be deduped")
	}

	p.Latitude += 10 * DefaultEpsilonDeg
	if !b.append(p) {
		t.Error("Material movement should append")
	}

	if b.len() != 2 {
		t.Errorf("Expected 2 points, got %d", b.len())
	}
}

func TestPathBuffer_SnapshotIsCopy(t *testing.T) {
	b := newPathBuffer(4, DefaultEpsilonDeg)
	b.append(point(1))

	snap := b.snapshot()
	snap[0].Latitude = 99

	if got := b.snapshot()[0].Latitude; got == 99 {
		t.Error("Mutating a snapshot must not affect the buffer")
	}
}

func TestPathBuffer_Empty(t *testing.T) {
	b := newPathBuffer(4, DefaultEpsilonDeg)
	if got := b.snapshot(); len(got) != 0 {
		t.Errorf("Expected empty snapshot, got %d points", len(got))
	}
}
