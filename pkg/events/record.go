package events

import (
	"fmt"
)

// FromStreamRecord converts a record delivered by the Serf RPC `stream` command.
func FromStreamRecord(rec map[string]interface{}) (Event, error) {
	if typ, _ := rec["Event"].(string); typ != "" && typ != "user" {
		return Event{}, fmt.Errorf("%w: not a user event (%s)", ErrMalformed, typ)
	}
	name, _ := rec["Name"].(string)
	if name == "" {
		return Event{}, fmt.Errorf("%w: missing Name", ErrMalformed)
	}

	var wire []byte
	switch p := rec["Payload"].(type) {
	case []byte:
		wire = p
	case string:
		wire = []byte(p)
	case nil:
	default:
		return Event{}, fmt.Errorf("%w: payload type %T", ErrMalformed, p)
	}

	ev := New(name, DecodePayload(wire), SourceSerfRPC)
	ev.LTime = toUint64(rec["LTime"])
	return ev, nil
}

// FromStreamMessage converts the values of a Redis stream entry (`event`, `payload`).
func FromStreamMessage(values map[string]interface{}) (Event, error) {
	name, _ := values["event"].(string)
	if name == "" {
		return Event{}, fmt.Errorf("%w: missing event field", ErrMalformed)
	}
	var wire []byte
	switch p := values["payload"].(type) {
	case string:
		wire = []byte(p)
	case []byte:
		wire = p
	}
	return New(name, DecodePayload(wire), SourceRedisStream), nil
}

func toUint64(v interface{}) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case int64:
		if n > 0 {
			return uint64(n)
		}
	case int:
		if n > 0 {
			return uint64(n)
		}
	case int8:
		if n > 0 {
			return uint64(n)
		}
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case float64:
		if n > 0 {
			return uint64(n)
		}
	}
	return 0
}
