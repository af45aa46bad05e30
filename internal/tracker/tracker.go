// Package tracker owns the live registry of observed Remote-ID emitters: the
// active/inactive lifecycle, multi-receiver merge rules, stale eviction and
// bounded path history. All mutation funnels through Merge, Reactivate,
// SetLocked and Sweep.
package tracker

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dronewatch/meshmapper/internal/remoteid"
)

var (
	// ErrNoIdentity is returned for events carrying neither a usable MAC nor
	// a basic ID; they cannot be attributed to any emitter.
	ErrNoIdentity = errors.New("event has no emitter identity")

	// ErrNotFound is returned when the key was never seen or its record has
	// already been purged from the live registry.
	ErrNotFound = errors.New("device not found")
)

const (
	DefaultStaleTimeout  = 60 * time.Second
	DefaultPurgeTimeout  = 10 * time.Minute
	DefaultMaxPathLength = 2048

	// DefaultEpsilonDeg is roughly one meter of latitude: below it two fixes
	// are the same point for path purposes.
	DefaultEpsilonDeg = 1e-5
)

// Config carries the operational tuning constants of the registry. These are
// deployment knobs, not structural behavior.
type Config struct {
	StaleTimeout  time.Duration // no events for this long: Active -> Inactive
	PurgeTimeout  time.Duration // inactive for this long past lastSeen: purged
	MaxPathLength int           // per-device path cap, oldest dropped
	EpsilonDeg    float64       // path dedupe distance in degrees
}

func (c *Config) normalize() {
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.PurgeTimeout <= c.StaleTimeout {
		c.PurgeTimeout = DefaultPurgeTimeout
	}
	if c.MaxPathLength <= 0 {
		c.MaxPathLength = DefaultMaxPathLength
	}
	if c.EpsilonDeg <= 0 {
		c.EpsilonDeg = DefaultEpsilonDeg
	}
}

// AliasFunc joins an operator-assigned label into record snapshots. The alias
// store owns the labels; the registry only reads them.
type AliasFunc func(key string) string

// WithLogger sets the logger for the tracker.
func WithLogger(logger *slog.Logger) func(*Tracker) {
	return func(t *Tracker) {
		t.logger = logger.With(slog.String("component", "tracker"))
	}
}

// WithAliases sets the alias join used when building snapshots.
func WithAliases(fn AliasFunc) func(*Tracker) {
	return func(t *Tracker) {
		t.alias = fn
	}
}

// Tracker is the authoritative in-memory registry of emitter key -> record.
//
// Locking: mu guards the map structure only and its critical sections stay
// short (lookup, insert, delete). Each device carries its own mutex for field
// updates, so concurrent merges for different keys never contend, while
// merges and sweep transitions for the same key are serialized.
type Tracker struct {
	cfg    Config
	alias  AliasFunc
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]*device
	locks   map[string]*sync.Mutex // per-key lock, outlives map entry during a merge/purge race
}

// New creates a tracker with a discard logger.
func New(cfg Config, options ...func(*Tracker)) *Tracker {
	cfg.normalize()

	t := Tracker{
		cfg:     cfg,
		alias:   func(string) string { return "" },
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		devices: make(map[string]*device),
		locks:   make(map[string]*sync.Mutex),
	}

	for _, option := range options {
		option(&t)
	}

	return &t
}

// Config returns the normalized tuning constants the tracker runs with.
func (t *Tracker) Config() Config {
	return t.cfg
}

// keyLock returns the exclusion primitive for key, creating it on first use.
// Merge, Reactivate, SetLocked and Sweep all take it before touching the
// device, so a just-arrived event cannot race a concurrent stale transition.
func (t *Tracker) keyLock(key string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	return l
}

// Merge folds one canonical event into the registry and returns the
// resulting state change. Scalar fields are last write wins; positions append
// to the path buffers unless within the dedupe epsilon of the previous point.
func (t *Tracker) Merge(ev remoteid.DetectionEvent) (StateChange, error) {
	key, ok := ev.Key()
	if !ok {
		return StateChange{}, ErrNoIdentity
	}

	lock := t.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	t.mu.RLock()
	d, exists := t.devices[key]
	t.mu.RUnlock()

	if !exists {
		d = &device{
			key:       key,
			state:     StateActive,
			receivers: make(map[string]struct{}),
			firstSeen: ev.Timestamp,
			path:      newPathBuffer(t.cfg.MaxPathLength, t.cfg.EpsilonDeg),
			pilotPath: newPathBuffer(t.cfg.MaxPathLength, t.cfg.EpsilonDeg),
		}
		d.apply(ev)
		t.appendPaths(d, ev)

		t.mu.Lock()
		t.devices[key] = d
		t.mu.Unlock()

		t.logger.Debug("new emitter", slog.String("key", key), slog.String("receiver", ev.ReceiverID))
		return StateChange{Kind: ChangeCreated, Key: key, Record: d.snapshot(t.alias(key))}, nil
	}

	kind := ChangeUpdated
	if d.state == StateInactive {
		// Reactivation: the path continues, it does not restart.
		d.state = StateActive
		kind = ChangeReactivated
		t.logger.Debug("emitter reactivated", slog.String("key", key))
	}

	d.apply(ev)
	t.appendPaths(d, ev)

	return StateChange{Kind: kind, Key: key, Record: d.snapshot(t.alias(key))}, nil
}

func (t *Tracker) appendPaths(d *device, ev remoteid.DetectionEvent) {
	if ev.HasPosition() {
		d.path.append(remoteid.PathPoint{
			Timestamp: ev.Timestamp,
			Latitude:  *ev.Latitude,
			Longitude: *ev.Longitude,
			Altitude:  ev.Altitude,
		})
	}
	if ev.HasPilotPosition() {
		d.pilotPath.append(remoteid.PathPoint{
			Timestamp: ev.Timestamp,
			Latitude:  *ev.PilotLat,
			Longitude: *ev.PilotLon,
		})
	}
}

// Reactivate moves an inactive record back to Active without a new event,
// refreshing its liveness clock. It fails with ErrNotFound once the record
// has been purged, since the path history is gone from the live registry.
func (t *Tracker) Reactivate(key string) (StateChange, error) {
	lock := t.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	t.mu.RLock()
	d, exists := t.devices[key]
	t.mu.RUnlock()

	if !exists {
		return StateChange{}, ErrNotFound
	}

	d.state = StateActive
	d.lastSeen = time.Now()

	t.logger.Info("emitter manually reactivated", slog.String("key", key))
	return StateChange{Kind: ChangeReactivated, Key: key, Record: d.snapshot(t.alias(key))}, nil
}

// SetLocked marks a record as operator-locked. Locked records are exempt
// from stale deactivation and purging until unlocked.
func (t *Tracker) SetLocked(key string, locked bool) error {
	lock := t.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	t.mu.RLock()
	d, exists := t.devices[key]
	t.mu.RUnlock()

	if !exists {
		return ErrNotFound
	}

	d.locked = locked
	return nil
}

// Snapshot returns a copy of one record.
func (t *Tracker) Snapshot(key string) (Record, error) {
	lock := t.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	t.mu.RLock()
	d, exists := t.devices[key]
	t.mu.RUnlock()

	if !exists {
		return Record{}, ErrNotFound
	}
	return d.snapshot(t.alias(key)), nil
}

// SnapshotAll returns copies of every live record, most recently seen first.
// Used for new-client catch-up and exports; the copies never alias registry
// state.
func (t *Tracker) SnapshotAll() []Record {
	t.mu.RLock()
	keys := make([]string, 0, len(t.devices))
	for key := range t.devices {
		keys = append(keys, key)
	}
	t.mu.RUnlock()

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		if rec, err := t.Snapshot(key); err == nil {
			records = append(records, rec)
		}
	}

	slices.SortFunc(records, func(a, b Record) int {
		return b.LastSeen.Compare(a.LastSeen)
	})
	return records
}

// Len returns the number of live records.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}

// Sweep runs one eviction pass: unlocked Active records older than the stale
// timeout become Inactive, unlocked Inactive records older than the purge
// timeout are removed. Returned changes carry final snapshots for the
// notifier; Purged snapshots feed the durable-history sink. The caller
// schedules exactly one sweep at a time.
func (t *Tracker) Sweep(now time.Time) []StateChange {
	t.mu.RLock()
	keys := make([]string, 0, len(t.devices))
	for key := range t.devices {
		keys = append(keys, key)
	}
	t.mu.RUnlock()

	var changes []StateChange
	for _, key := range keys {
		if change, ok := t.sweepOne(key, now); ok {
			changes = append(changes, change)
		}
	}
	return changes
}

// sweepOne applies at most one lifecycle transition to a single key, under
// the same per-key exclusion as Merge.
func (t *Tracker) sweepOne(key string, now time.Time) (StateChange, bool) {
	lock := t.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	t.mu.RLock()
	d, exists := t.devices[key]
	t.mu.RUnlock()

	if !exists || d.locked {
		return StateChange{}, false
	}

	age := now.Sub(d.lastSeen)

	switch d.state {
	case StateActive:
		if age <= t.cfg.StaleTimeout {
			return StateChange{}, false
		}
		d.state = StateInactive
		t.logger.Debug("emitter went stale", slog.String("key", key), slog.Duration("age", age))
		return StateChange{Kind: ChangeDeactivated, Key: key, Record: d.snapshot(t.alias(key))}, true

	case StateInactive:
		if age <= t.cfg.PurgeTimeout {
			return StateChange{}, false
		}
		final := d.snapshot(t.alias(key))

		t.mu.Lock()
		delete(t.devices, key)
		// The per-key lock entry stays: a merge racing this purge must keep
		// serializing on the same mutex. Its footprint is nothing next to
		// the path buffers it used to guard.
		t.mu.Unlock()

		t.logger.Info("emitter purged",
			slog.String("key", key),
			slog.Int("path_points", len(final.Path)),
			slog.Duration("age", age))
		return StateChange{Kind: ChangePurged, Key: key, Record: final}, true
	}

	return StateChange{}, false
}
