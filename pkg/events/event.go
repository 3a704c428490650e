// Package events normalizes the wire shapes a Serf deployment can deliver user events
// in (monitor output, agent log lines, JSON lines, RPC stream records and Redis stream
// messages) into a single tagged Event value.
package events

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// SchemaVersion is stamped on every Event and Report this build produces.
const SchemaVersion = 1

// ReportPrefix marks status report events; the suffix is the reporting peer.
const ReportPrefix = "report-tx-status-"

// PollEventName is the name outcome records carry when published back to a Redis stream.
const PollEventName = "poll-event"

// ErrMalformed is returned when a record cannot be turned into an Event.
var ErrMalformed = errors.New("events: malformed record")

// Kind tags the variant an Event belongs to.
type Kind string

const (
	KindUser    Kind = "user"
	KindReport  Kind = "report"
	KindOutcome Kind = "outcome"
)

// Source names where an Event was read from.
const (
	SourceSerfRPC     = "serf-rpc"
	SourceMonitor     = "serf-monitor"
	SourceRedisStream = "redis-stream"
	SourceAPI         = "api"
)

// Event is a user event as seen on the gossip layer. Payload holds the decoded bytes.
type Event struct {
	SchemaVersion int
	Kind          Kind
	Name          string
	Payload       []byte
	LTime         uint64
	Source        string
	ReceivedAt    time.Time
}

// New builds an Event and classifies its kind from the name.
func New(name string, payload []byte, source string) Event {
	return Event{
		SchemaVersion: SchemaVersion,
		Kind:          KindOf(name),
		Name:          name,
		Payload:       payload,
		Source:        source,
		ReceivedAt:    time.Now().UTC(),
	}
}

// KindOf classifies an event name.
func KindOf(name string) Kind {
	switch {
	case strings.HasPrefix(name, ReportPrefix):
		return KindReport
	case name == PollEventName:
		return KindOutcome
	default:
		return KindUser
	}
}

// ReportingPeer returns the peer suffix of a report event name.
func (e Event) ReportingPeer() string {
	return strings.TrimPrefix(e.Name, ReportPrefix)
}

// Preview renders at most n characters of the payload for display.
func (e Event) Preview(n int) string {
	var s string
	if utf8.Valid(e.Payload) {
		s = string(e.Payload)
	} else {
		s = base64.StdEncoding.EncodeToString(e.Payload)
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// DecodePayload undoes the base64 wrapping publishers apply to payloads. Input that is
// not base64, or that decodes to non UTF-8 bytes, is returned unchanged.
func DecodePayload(wire []byte) []byte {
	trimmed := strings.TrimSpace(string(wire))
	if trimmed == "" {
		return []byte{}
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil || !utf8.Valid(decoded) {
		return wire
	}
	return decoded
}

// EncodePayload applies the base64 wrapping expected by the other peers.
func EncodePayload(payload []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(out, payload)
	return out
}
