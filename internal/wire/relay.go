package wire

import (
	"strconv"
	"strings"
	"time"

	"github.com/dronewatch/meshmapper/internal/remoteid"
)

// The relay format is one pipe-delimited line per detection, abbreviated to
// fit the airtime budget of the mesh link:
//
//	v1|node|mac|basic_id|ua_type|lat|lon|alt|speed|heading|plat|plon|rssi|proto
//
// Fields after basic_id may be omitted by trailing truncation; an omitted
// field is absent, not zero. Empty fields inside the line are absent too.
const (
	relayVersion   = "v1"
	relayMinFields = 4 // version, node, mac, basic_id
	relayMaxFields = 14
)

func normalizeRelay(payload []byte, receiverID string, now time.Time) (remoteid.DetectionEvent, error) {
	fields := strings.Split(string(payload), "|")

	if fields[0] != relayVersion {
		// A bare prefix of the version token is a fragment cut inside the
		// first field, not a foreign format.
		if len(fields) == 1 && strings.HasPrefix(relayVersion, fields[0]) {
			return remoteid.DetectionEvent{}, parseErrorf(Incomplete, "relay line cut inside version field")
		}
		return remoteid.DetectionEvent{}, parseErrorf(Malformed, "unknown relay version %q", fields[0])
	}

	// Anything shorter than the identity prefix cannot be told apart from a
	// frame the mesh cut mid-line; report it as incomplete so the relay
	// source can buffer and retry with the next fragment.
	if len(fields) < relayMinFields {
		return remoteid.DetectionEvent{}, parseErrorf(Incomplete, "relay line has %d of %d identity fields", len(fields), relayMinFields)
	}
	if len(fields) > relayMaxFields {
		return remoteid.DetectionEvent{}, parseErrorf(Malformed, "relay line has %d fields, want at most %d", len(fields), relayMaxFields)
	}

	field := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	ev := remoteid.DetectionEvent{
		ReceiverID: receiverID,
		MAC:        field(2),
		BasicID:    field(3),
		Protocol:   remoteid.ProtocolWiFi,
		Timestamp:  now,
	}

	// The node field names the remote receiver that heard the broadcast;
	// the local relay link id is only a fallback.
	if node := field(1); node != "" {
		ev.ReceiverID = node
	}

	var err error
	if ev.UAType, err = relayInt(field(4), "ua_type"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if ev.Latitude, err = relayFloat(field(5), "lat"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if ev.Longitude, err = relayFloat(field(6), "lon"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if ev.Altitude, err = relayFloat(field(7), "alt"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if ev.Speed, err = relayFloat(field(8), "speed"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if ev.Heading, err = relayFloat(field(9), "heading"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if ev.PilotLat, err = relayFloat(field(10), "pilot_lat"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if ev.PilotLon, err = relayFloat(field(11), "pilot_lon"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if ev.RSSI, err = relayInt(field(12), "rssi"); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if p := field(13); p != "" {
		if ev.Protocol, err = parseProtocol(p); err != nil {
			return remoteid.DetectionEvent{}, err
		}
	}

	if err = validatePosition(ev.Latitude, ev.Longitude); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if err = validatePosition(ev.PilotLat, ev.PilotLon); err != nil {
		return remoteid.DetectionEvent{}, err
	}

	return ev, nil
}

func relayFloat(s, name string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, parseErrorf(Malformed, "field %s: %q is not numeric", name, s)
	}
	return &v, nil
}

func relayInt(s, name string) (*int, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, parseErrorf(Malformed, "field %s: %q is not an integer", name, s)
	}
	return &v, nil
}
