// Package wire normalizes the two inbound Remote-ID wire formats into the
// canonical detection event: the verbose JSON emitted by directly-attached
// receivers over USB serial, and the compact pipe-delimited line relayed over
// a constrained mesh link. Both transforms are pure.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/dronewatch/meshmapper/internal/remoteid"
)

// ParseKind classifies a normalization failure.
type ParseKind int

const (
	// Malformed input is structurally invalid and must be dropped.
	Malformed ParseKind = iota

	// Incomplete input looks like a truncated mesh fragment; the caller may
	// buffer it and retry once more bytes arrive.
	Incomplete

	// NoIdentity input parsed cleanly but carries neither a usable MAC nor a
	// basic ID, so it cannot be attributed to any emitter.
	NoIdentity
)

func (k ParseKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Incomplete:
		return "incomplete"
	case NoIdentity:
		return "no identity"
	default:
		return fmt.Sprintf("ParseKind(%d)", int(k))
	}
}

// ParseError reports why an inbound message could not be normalized.
// Malformed input from a flaky radio link is expected, not exceptional:
// callers log and drop, they never treat it as fatal.
type ParseError struct {
	Kind ParseKind
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func parseErrorf(kind ParseKind, format string, args ...any) error {
	return &ParseError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a ParseError of the given kind.
func IsKind(err error, kind ParseKind) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Kind == kind
}

// ErrHeartbeat marks a receiver keep-alive message. It carries no emitter
// data; ingestion refreshes the source's liveness and drops it.
var ErrHeartbeat = errors.New("receiver heartbeat")

// Normalize parses one raw inbound message from the given receiver into a
// canonical DetectionEvent. The wire shape is detected from the payload:
// anything containing a JSON object is treated as the direct-serial format,
// anything else as a compact relay line.
func Normalize(raw []byte, receiverID string) (remoteid.DetectionEvent, error) {
	return normalizeAt(raw, receiverID, time.Now())
}

// normalizeAt is Normalize with an injectable receipt time, for tests.
func normalizeAt(raw []byte, receiverID string, now time.Time) (remoteid.DetectionEvent, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return remoteid.DetectionEvent{}, parseErrorf(Incomplete, "empty message")
	}

	// Receivers occasionally prefix JSON output with boot noise; take the
	// payload from the first brace, the way the field units ship it.
	if i := bytes.IndexByte(trimmed, '{'); i >= 0 {
		return normalizeJSON(trimmed[i:], receiverID, now)
	}
	return normalizeRelay(trimmed, receiverID, now)
}

func validatePosition(lat, lon *float64) error {
	if (lat == nil) != (lon == nil) {
		return parseErrorf(Malformed, "latitude and longitude must be reported together")
	}
	if lat == nil {
		return nil
	}
	if *lat < -90 || *lat > 90 {
		return parseErrorf(Malformed, "latitude %f out of range", *lat)
	}
	if *lon < -180 || *lon > 180 {
		return parseErrorf(Malformed, "longitude %f out of range", *lon)
	}
	return nil
}
