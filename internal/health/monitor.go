// Package health tracks ingestion liveness. A single malformed message or a
// failed lookup never degrades health; only sustained silence from every
// source does.
package health

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultLivenessWindow is how long all sources may stay silent before the
// instance reports itself degraded.
const DefaultLivenessWindow = 2 * time.Minute

// SourceStatus describes one ingestion source on the status surface.
type SourceStatus struct {
	Connected    bool      `json:"connected"`
	LastEvent    time.Time `json:"last_event,omitempty"`
	LastEventAge string    `json:"last_event_age,omitempty"`
}

// Status is the instance health snapshot.
type Status struct {
	Degraded bool                    `json:"degraded"`
	Sources  map[string]SourceStatus `json:"sources"`
}

type source struct {
	connected bool
	lastEvent time.Time
}

// Monitor aggregates per-source connection state and event recency.
type Monitor struct {
	window time.Duration

	mu        sync.Mutex
	startedAt time.Time
	sources   map[string]*source
}

// NewMonitor creates a monitor. A window of zero or less uses the default.
func NewMonitor(window time.Duration) *Monitor {
	if window <= 0 {
		window = DefaultLivenessWindow
	}
	return &Monitor{
		window:    window,
		startedAt: time.Now(),
		sources:   make(map[string]*source),
	}
}

// Register announces a source before its first connection attempt so the
// status surface lists it from startup.
func (m *Monitor) Register(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		m.sources[id] = &source{}
	}
}

// SetConnected records a source's link state.
func (m *Monitor) SetConnected(id string, connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		s = &source{}
		m.sources[id] = s
	}
	s.connected = connected
}

// MarkEvent records that a source delivered an event.
func (m *Monitor) MarkEvent(id string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		s = &source{}
		m.sources[id] = s
	}
	s.connected = true
	if t.After(s.lastEvent) {
		s.lastEvent = t
	}
}

// Status reports per-source state and whether the instance is degraded:
// degraded means no source delivered any event within the liveness window.
func (m *Monitor) Status(now time.Time) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Startup grace: silence is only "sustained loss" once a full window
	// has passed since the process came up.
	st := Status{
		Degraded: len(m.sources) > 0 && now.Sub(m.startedAt) > m.window,
		Sources:  make(map[string]SourceStatus, len(m.sources)),
	}

	for id, s := range m.sources {
		ss := SourceStatus{Connected: s.connected}
		if !s.lastEvent.IsZero() {
			ss.LastEvent = s.lastEvent
			ss.LastEventAge = humanize.RelTime(s.lastEvent, now, "ago", "from now")
			if now.Sub(s.lastEvent) <= m.window {
				st.Degraded = false
			}
		}
		st.Sources[id] = ss
	}
	return st
}
