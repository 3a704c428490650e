package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

const (
	blockStart   = "Event Info:"
	singleMarker = "Received event: user-event:"
	payloadSep   = " Payload: "
)

// Normalizer turns `serf monitor` output into Events one line at a time. It understands
// the multi-line "Event Info:" block, the single-line agent log form and compact JSON
// lines. A Normalizer is not safe for concurrent use; give each line source its own.
type Normalizer struct {
	source string
	logger *slog.Logger

	inBlock    bool
	name       string
	hasName    bool
	payload    []byte
	hasPayload bool
	ltime      uint64
}

func NewNormalizer(source string) *Normalizer {
	return &Normalizer{
		source: source,
		logger: slog.Default().With("component", "normalizer", "source", source),
	}
}

// Feed consumes one line and returns an Event when the line completes one.
func (n *Normalizer) Feed(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}

	if strings.HasPrefix(line, blockStart) {
		if n.inBlock {
			n.logger.Debug("discarding incomplete event block", "name", n.name)
		}
		n.reset()
		n.inBlock = true
		return Event{}, false
	}

	if n.inBlock {
		handled, err := n.feedBlock(line)
		switch {
		case err != nil:
			n.logger.Warn("dropping event block", "error", err)
			n.reset()
			return Event{}, false
		case handled:
			if n.hasName && n.hasPayload {
				ev := New(n.name, DecodePayload(n.payload), n.source)
				ev.LTime = n.ltime
				n.reset()
				return ev, true
			}
			return Event{}, false
		default:
			n.logger.Debug("event block interrupted", "line", line)
			n.reset()
		}
	}

	if idx := strings.Index(line, singleMarker); idx >= 0 {
		return n.parseSingleLine(line[idx+len(singleMarker):])
	}

	if strings.HasPrefix(line, "{") {
		ev, err := ParseJSONLine([]byte(line), n.source)
		if err != nil {
			n.logger.Debug("ignoring json line", "error", err)
			return Event{}, false
		}
		return ev, true
	}

	return Event{}, false
}

func (n *Normalizer) reset() {
	n.inBlock = false
	n.name, n.hasName = "", false
	n.payload, n.hasPayload = nil, false
	n.ltime = 0
}

// feedBlock reports whether the line belongs to the current block.
func (n *Normalizer) feedBlock(line string) (bool, error) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return false, nil
	}
	value = strings.TrimSpace(value)
	switch key {
	case "Name":
		n.name = unquote(value)
		n.hasName = true
	case "Payload":
		b, err := ParseByteLiteral(value)
		if err != nil {
			return true, err
		}
		n.payload, n.hasPayload = b, true
	case "LTime":
		if lt, err := strconv.ParseUint(value, 10, 64); err == nil {
			n.ltime = lt
		}
	case "Coalesce", "Event":
	default:
		return false, nil
	}
	return true, nil
}

func (n *Normalizer) parseSingleLine(rest string) (Event, bool) {
	name, payload, ok := strings.Cut(rest, payloadSep)
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		n.logger.Debug("user-event log line without payload", "name", name)
		return Event{}, false
	}
	return New(name, DecodePayload([]byte(strings.TrimSpace(payload))), n.source), true
}

// ParseJSONLine decodes the compact `{"name":...,"payload":"<base64>"}` form.
func ParseJSONLine(line []byte, source string) (Event, error) {
	var rec struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}
	if err := json.Unmarshal(line, &rec); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if rec.Name == "" {
		return Event{}, fmt.Errorf("%w: missing name", ErrMalformed)
	}
	return New(rec.Name, DecodePayload([]byte(rec.Payload)), source), nil
}

// ParseByteLiteral parses Go's %#v rendering of a byte slice, e.g. `[]byte{0x65, 0x79}`.
func ParseByteLiteral(s string) ([]byte, error) {
	body, ok := strings.CutPrefix(strings.TrimSpace(s), "[]byte{")
	if !ok {
		return nil, fmt.Errorf("%w: payload is not a byte literal", ErrMalformed)
	}
	body, ok = strings.CutSuffix(body, "}")
	if !ok {
		return nil, fmt.Errorf("%w: unterminated byte literal", ErrMalformed)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return []byte{}, nil
	}
	parts := strings.Split(body, ",")
	out := make([]byte, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		p = strings.TrimPrefix(strings.TrimPrefix(p, "0x"), "0X")
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: bad byte %q", ErrMalformed, p)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return strings.Trim(s, `"`)
}
