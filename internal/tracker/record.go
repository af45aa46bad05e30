package tracker

import (
	"slices"
	"time"

	"github.com/dronewatch/meshmapper/internal/remoteid"
)

// State is the lifecycle state of a tracked emitter.
type State string

const (
	// StateActive means the emitter broadcast within the stale timeout.
	StateActive State = "active"

	// StateInactive means the emitter went quiet but its record and path are
	// retained until the purge grace period expires.
	StateInactive State = "inactive"
)

// ChangeKind classifies a registry state transition.
type ChangeKind string

const (
	ChangeCreated     ChangeKind = "created"
	ChangeUpdated     ChangeKind = "updated"
	ChangeReactivated ChangeKind = "reactivated"
	ChangeDeactivated ChangeKind = "deactivated"
	ChangePurged      ChangeKind = "purged"
)

// StateChange is the diff produced by one merge, reactivation or sweep
// transition. Record is a snapshot: for Created/Updated/Reactivated the
// current state, for Deactivated/Purged the final state.
type StateChange struct {
	Kind   ChangeKind `json:"kind"`
	Key    string     `json:"key"`
	Record Record     `json:"record"`
}

// Record is a read-only snapshot of one tracked emitter. Path slices are
// copies; holding a Record never aliases live registry state.
type Record struct {
	Key        string              `json:"key"`
	State      State               `json:"state"`
	MAC        string              `json:"mac,omitempty"`
	BasicID    string              `json:"basic_id,omitempty"`
	UAType     *int                `json:"ua_type,omitempty"`
	OperatorID string              `json:"operator_id,omitempty"`
	Latitude   *float64            `json:"lat,omitempty"`
	Longitude  *float64            `json:"lon,omitempty"`
	Altitude   *float64            `json:"altitude,omitempty"`
	Speed      *float64            `json:"speed,omitempty"`
	Heading    *float64            `json:"heading,omitempty"`
	PilotLat   *float64            `json:"pilot_lat,omitempty"`
	PilotLon   *float64            `json:"pilot_lon,omitempty"`
	RSSI       *int                `json:"rssi,omitempty"`
	Protocol   remoteid.Protocol   `json:"protocol,omitempty"`
	Alias      string              `json:"alias,omitempty"`
	Receivers  []string            `json:"receivers"`
	Locked     bool                `json:"locked"`
	FirstSeen  time.Time           `json:"first_seen"`
	LastSeen   time.Time           `json:"last_seen"`
	Path       []remoteid.PathPoint `json:"path"`
	PilotPath  []remoteid.PathPoint `json:"pilot_path"`
}

// device is the live registry entry. All field access happens under the
// tracker's per-key lock; the registry map itself has its own short lock.
type device struct {
	key string

	state      State
	mac        string
	basicID    string
	uaType     *int
	operatorID string
	latitude   *float64
	longitude  *float64
	altitude   *float64
	speed      *float64
	heading    *float64
	pilotLat   *float64
	pilotLon   *float64
	rssi       *int
	protocol   remoteid.Protocol

	receivers map[string]struct{}
	locked    bool
	firstSeen time.Time
	lastSeen  time.Time

	path      *pathBuffer
	pilotPath *pathBuffer
}

// apply copies the event's scalar fields onto the device, last write wins.
// Identity fields are sticky: a later event without a basic ID keeps the one
// already learned for this emitter.
func (d *device) apply(ev remoteid.DetectionEvent) {
	if ev.MAC != "" && ev.MAC != remoteid.PlaceholderMAC {
		d.mac = ev.MAC
	}
	if ev.BasicID != "" {
		d.basicID = ev.BasicID
	}
	if ev.UAType != nil {
		d.uaType = ev.UAType
	}
	if ev.OperatorID != "" {
		d.operatorID = ev.OperatorID
	}
	if ev.HasPosition() {
		d.latitude = ev.Latitude
		d.longitude = ev.Longitude
	}
	if ev.Altitude != nil {
		d.altitude = ev.Altitude
	}
	if ev.Speed != nil {
		d.speed = ev.Speed
	}
	if ev.Heading != nil {
		d.heading = ev.Heading
	}
	if ev.HasPilotPosition() {
		d.pilotLat = ev.PilotLat
		d.pilotLon = ev.PilotLon
	}
	if ev.RSSI != nil {
		d.rssi = ev.RSSI
	}
	if ev.Protocol != "" {
		d.protocol = ev.Protocol
	}

	d.receivers[ev.ReceiverID] = struct{}{}
	d.lastSeen = ev.Timestamp
}

// snapshot builds a Record copy. Caller holds the per-key lock.
func (d *device) snapshot(alias string) Record {
	receivers := make([]string, 0, len(d.receivers))
	for id := range d.receivers {
		receivers = append(receivers, id)
	}
	slices.Sort(receivers)

	return Record{
		Key:        d.key,
		State:      d.state,
		MAC:        d.mac,
		BasicID:    d.basicID,
		UAType:     d.uaType,
		OperatorID: d.operatorID,
		Latitude:   d.latitude,
		Longitude:  d.longitude,
		Altitude:   d.altitude,
		Speed:      d.speed,
		Heading:    d.heading,
		PilotLat:   d.pilotLat,
		PilotLon:   d.pilotLon,
		RSSI:       d.rssi,
		Protocol:   d.protocol,
		Alias:      alias,
		Receivers:  receivers,
		Locked:     d.locked,
		FirstSeen:  d.firstSeen,
		LastSeen:   d.lastSeen,
		Path:       d.path.snapshot(),
		PilotPath:  d.pilotPath.snapshot(),
	}
}
