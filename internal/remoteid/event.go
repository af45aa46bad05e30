package remoteid

import "time"

// Protocol identifies the radio link a Remote-ID broadcast was received on.
type Protocol string

const (
	ProtocolWiFi      Protocol = "wifi"
	ProtocolBluetooth Protocol = "bt"
)

// PlaceholderMAC is broadcast by receivers that could not recover a source
// address from the frame. It never identifies an emitter.
const PlaceholderMAC = "00:00:00:00:00:00"

// DetectionEvent is the canonical, format-independent form of one inbound
// detection message. Optional fields are pointers so that "not reported" can
// be told apart from a legitimate zero value (0,0 is a valid coordinate).
type DetectionEvent struct {
	ReceiverID string    // Receiver that heard the broadcast
	MAC        string    // Source MAC address, empty if not recovered
	BasicID    string    // OpenDroneID basic ID (serial / registration)
	UAType     *int      // OpenDroneID UA type code
	OperatorID string    // Operator ID, if broadcast
	Latitude   *float64  // Aircraft latitude in degrees
	Longitude  *float64  // Aircraft longitude in degrees
	Altitude   *float64  // Aircraft altitude in meters MSL
	Speed      *float64  // Horizontal speed in m/s
	Heading    *float64  // Course over ground in degrees
	PilotLat   *float64  // Pilot / ground-control latitude in degrees
	PilotLon   *float64  // Pilot / ground-control longitude in degrees
	RSSI       *int      // Received signal strength in dBm
	Protocol   Protocol  // Radio link the frame arrived on
	Timestamp  time.Time // Receipt time assigned by the normalizer
}

// HasPosition reports whether the event carries an aircraft fix. Events
// without one are non-positional heartbeats and still refresh liveness.
func (e *DetectionEvent) HasPosition() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// HasPilotPosition reports whether the event carries a pilot fix.
func (e *DetectionEvent) HasPilotPosition() bool {
	return e.PilotLat != nil && e.PilotLon != nil
}

// Key resolves the emitter identity for this event: the MAC address when
// present and not a placeholder, otherwise the basic ID. The second return
// value is false when the event cannot be attributed to any emitter.
func (e *DetectionEvent) Key() (string, bool) {
	if e.MAC != "" && e.MAC != PlaceholderMAC {
		return e.MAC, true
	}
	if e.BasicID != "" {
		return e.BasicID, true
	}
	return "", false
}

// PathPoint is a single sample of an accumulated flight path.
type PathPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lon"`
	Altitude  *float64  `json:"altitude,omitempty"`
}
