package health

import (
	"testing"
	"time"
)

func TestDegraded(t *testing.T) {
	m := NewMonitor(time.Minute)
	m.Register("rooftop")
	m.Register("mesh")

	now := time.Now()

	// Inside the startup grace window silence is not degradation.
	if st := m.Status(now); st.Degraded {
		t.Error("Expected healthy during startup grace")
	}

	// Past the window with no events from any source.
	if st := m.Status(now.Add(2 * time.Minute)); !st.Degraded {
		t.Error("Expected degraded after sustained silence")
	}

	// One live source is enough.
	m.MarkEvent("mesh", now.Add(2*time.Minute))
	if st := m.Status(now.Add(2*time.Minute + time.Second)); st.Degraded {
		t.Error("Expected healthy with a recent event")
	}

	// That event ages out again.
	if st := m.Status(now.Add(4 * time.Minute)); !st.Degraded {
		t.Error("Expected degraded once the last event aged out")
	}
}

func TestStatusSources(t *testing.T) {
	m := NewMonitor(time.Minute)
	m.Register("rooftop")

	now := time.Now()
	st := m.Status(now)
	if len(st.Sources) != 1 {
		t.Fatalf("Expected one source, got %d", len(st.Sources))
	}
	if s := st.Sources["rooftop"]; s.Connected || !s.LastEvent.IsZero() {
		t.Errorf("Expected disconnected source with no events, got %+v", s)
	}

	m.SetConnected("rooftop", true)
	m.MarkEvent("rooftop", now)

	st = m.Status(now.Add(30 * time.Second))
	s := st.Sources["rooftop"]
	if !s.Connected {
		t.Error("Expected connected source")
	}
	if s.LastEventAge == "" {
		t.Error("Expected a human-readable event age")
	}

	// A dropped link shows as disconnected but keeps its event history.
	m.SetConnected("rooftop", false)
	st = m.Status(now.Add(31 * time.Second))
	if s = st.Sources["rooftop"]; s.Connected || s.LastEvent.IsZero() {
		t.Errorf("Expected disconnected source with history, got %+v", s)
	}
}

func TestNoSources(t *testing.T) {
	m := NewMonitor(time.Minute)

	// An instance with nothing configured yet never reports degraded.
	if st := m.Status(time.Now().Add(time.Hour)); st.Degraded {
		t.Error("Expected healthy with no sources")
	}
}
