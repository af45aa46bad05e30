package wire

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/dronewatch/meshmapper/internal/remoteid"
)

// directMessage is the verbose JSON shape produced by directly-attached
// receivers. Field names follow the receiver firmware; optional values are
// pointers so an omitted field is never mistaken for a zero coordinate.
type directMessage struct {
	MAC        string   `json:"mac"`
	BasicID    string   `json:"basic_id"`
	RemoteID   string   `json:"remote_id"` // older firmware synonym for basic_id
	UAType     *int     `json:"ua_type"`
	OperatorID string   `json:"operator_id"`
	Lat        *float64 `json:"drone_lat"`
	Lon        *float64 `json:"drone_long"`
	Altitude   *float64 `json:"drone_altitude"`
	Speed      *float64 `json:"speed"`
	Heading    *float64 `json:"heading"`
	PilotLat   *float64 `json:"pilot_lat"`
	PilotLon   *float64 `json:"pilot_long"`
	RSSI       *int     `json:"rssi"`
	Protocol   string   `json:"protocol"`
	Heartbeat  string   `json:"heartbeat"`
}

func normalizeJSON(payload []byte, receiverID string, now time.Time) (remoteid.DetectionEvent, error) {
	var msg directMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		// A payload that never closes its object is a truncated fragment;
		// the serial layer may deliver the rest on the next read.
		if !bytes.ContainsRune(payload, '}') {
			return remoteid.DetectionEvent{}, parseErrorf(Incomplete, "truncated JSON payload")
		}
		return remoteid.DetectionEvent{}, parseErrorf(Malformed, "decoding JSON payload: %v", err)
	}

	if msg.Heartbeat != "" {
		return remoteid.DetectionEvent{}, ErrHeartbeat
	}

	basicID := msg.BasicID
	if basicID == "" {
		basicID = msg.RemoteID
	}

	if err := validatePosition(msg.Lat, msg.Lon); err != nil {
		return remoteid.DetectionEvent{}, err
	}
	if err := validatePosition(msg.PilotLat, msg.PilotLon); err != nil {
		return remoteid.DetectionEvent{}, err
	}

	protocol, err := parseProtocol(msg.Protocol)
	if err != nil {
		return remoteid.DetectionEvent{}, err
	}

	return remoteid.DetectionEvent{
		ReceiverID: receiverID,
		MAC:        msg.MAC,
		BasicID:    basicID,
		UAType:     msg.UAType,
		OperatorID: msg.OperatorID,
		Latitude:   msg.Lat,
		Longitude:  msg.Lon,
		Altitude:   msg.Altitude,
		Speed:      msg.Speed,
		Heading:    msg.Heading,
		PilotLat:   msg.PilotLat,
		PilotLon:   msg.PilotLon,
		RSSI:       msg.RSSI,
		Protocol:   protocol,
		Timestamp:  now,
	}, nil
}

func parseProtocol(s string) (remoteid.Protocol, error) {
	switch s {
	case "", "wifi":
		return remoteid.ProtocolWiFi, nil
	case "bt", "ble":
		return remoteid.ProtocolBluetooth, nil
	default:
		return "", parseErrorf(Malformed, "unknown protocol %q", s)
	}
}
