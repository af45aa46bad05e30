package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dronewatch/meshmapper/internal/health"
	"github.com/dronewatch/meshmapper/internal/notify"
	"github.com/dronewatch/meshmapper/internal/tracker"
)

// stubSource delivers a fixed set of lines and returns.
type stubSource struct {
	id   string
	raws []string
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Run(ctx context.Context, lines chan<- Line) error {
	for _, raw := range s.raws {
		select {
		case lines <- Line{SourceID: s.id, Raw: []byte(raw)}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func newTestEngine(t *testing.T, sources ...Source) (*Engine, *tracker.Tracker, *notify.Notifier) {
	t.Helper()

	registry := tracker.New(tracker.Config{})
	notifier := notify.New()
	t.Cleanup(notifier.Close)

	engine := NewEngine(registry, notifier, health.NewMonitor(0))
	for _, src := range sources {
		engine.AddSource(src)
	}
	return engine, registry, notifier
}

func TestEngine_NoSources(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if err := engine.Run(context.Background()); err == nil {
		t.Fatal("Expected error running engine without sources")
	}
}

func TestEngine_MergesAcrossSources(t *testing.T) {
	// The same emitter heard by a serial receiver and over the mesh relay
	// folds into one record.
	direct := &stubSource{id: "rooftop", raws: []string{
		`{"mac":"aa:bb:cc:dd:ee:ff","basic_id":"FIN87astrdge12k8","drone_lat":51.5,"drone_long":-0.12,"rssi":-61}`,
	}}
	relay := &stubSource{id: "mesh", raws: []string{
		"v1|field-unit-7|aa:bb:cc:dd:ee:ff|FIN87astrdge12k8|2|51.5001|-0.1201",
	}}

	engine, registry, _ := newTestEngine(t, direct, relay)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := registry.Len(); got != 1 {
		t.Fatalf("Expected one record, got %d", got)
	}

	rec, err := registry.Snapshot("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(rec.Receivers) != 2 {
		t.Errorf("Expected two receivers, got %v", rec.Receivers)
	}
	if len(rec.Path) != 2 {
		t.Errorf("Expected two path points, got %d", len(rec.Path))
	}
}

func TestEngine_MalformedLinesDropped(t *testing.T) {
	src := &stubSource{id: "rooftop", raws: []string{
		`{"mac":"aa:bb:cc:dd:ee:01","drone_lat":200.0,"drone_long":-0.12}`, // latitude out of range
		"v2|node|aa:bb:cc:dd:ee:02|id",                                    // unknown relay version
		"v1|node",                                                         // truncated fragment
		`{"heartbeat":"Device is active and running."}`,                   // keep-alive
		`{"mac":"aa:bb:cc:dd:ee:03"}`,                                     // the one good line
	}}

	engine, registry, _ := newTestEngine(t, src)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := registry.Len(); got != 1 {
		t.Fatalf("Expected only the valid line to land, got %d records", got)
	}
	if _, err := registry.Snapshot("aa:bb:cc:dd:ee:03"); err != nil {
		t.Errorf("Expected record for valid line: %v", err)
	}
}

func TestEngine_PublishesChanges(t *testing.T) {
	src := &stubSource{id: "rooftop", raws: []string{
		`{"mac":"aa:bb:cc:dd:ee:10","drone_lat":51.5,"drone_long":-0.12}`,
		`{"mac":"aa:bb:cc:dd:ee:10","drone_lat":51.6,"drone_long":-0.13}`,
	}}

	engine, _, notifier := newTestEngine(t, src)
	sub := notifier.Subscribe("test", 0)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	kinds := []tracker.ChangeKind{tracker.ChangeCreated, tracker.ChangeUpdated}
	for i, want := range kinds {
		select {
		case change := <-sub.C:
			if change.Kind != want {
				t.Errorf("Change %d: expected %s, got %s", i, want, change.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for change %d", i)
		}
	}
}

func TestEngine_SweepCadence(t *testing.T) {
	tests := []struct {
		stale, purge time.Duration
		want         time.Duration
	}{
		{60 * time.Second, 10 * time.Minute, 15 * time.Second},
		{8 * time.Second, 10 * time.Minute, 2 * time.Second},
		{time.Second, 10 * time.Minute, time.Second},
	}

	for i, tc := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			registry := tracker.New(tracker.Config{StaleTimeout: tc.stale, PurgeTimeout: tc.purge})

			if got := sweepInterval(registry.Config()); got != tc.want {
				t.Errorf("Expected sweep interval %s, got %s", tc.want, got)
			}
		})
	}
}
