package events

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUser, KindOf("transfer-n1-to-n2"))
	assert.Equal(t, KindReport, KindOf("report-tx-status-n1"))
	assert.Equal(t, KindOutcome, KindOf(PollEventName))
}

func TestDecodePayload(t *testing.T) {
	assert.Equal(t, transferJSON, string(DecodePayload([]byte(base64.StdEncoding.EncodeToString([]byte(transferJSON))))))
	assert.Equal(t, "not base64!", string(DecodePayload([]byte("not base64!"))))
	assert.Equal(t, []byte{}, DecodePayload([]byte("  ")))

	// Valid base64 that does not decode to text is kept verbatim.
	assert.Equal(t, "abc123", string(DecodePayload([]byte("abc123"))))
}

func TestEncodePayloadRoundTrip(t *testing.T) {
	wire := EncodePayload([]byte(transferJSON))
	assert.Equal(t, transferJSON, string(DecodePayload(wire)))
}

func TestPreview(t *testing.T) {
	ev := New("x", []byte("0123456789"), SourceAPI)
	assert.Equal(t, "01234...", ev.Preview(5))
	assert.Equal(t, "0123456789", ev.Preview(50))

	bin := New("x", []byte{0xff, 0xfe}, SourceAPI)
	assert.Equal(t, "//4=", bin.Preview(50))
}

func TestFromStreamRecord(t *testing.T) {
	ev, err := FromStreamRecord(map[string]interface{}{
		"Event":   "user",
		"Name":    "transfer-n1-to-n2",
		"Payload": []byte(base64.StdEncoding.EncodeToString([]byte(transferJSON))),
		"LTime":   int64(12),
	})
	require.NoError(t, err)
	assert.Equal(t, transferJSON, string(ev.Payload))
	assert.Equal(t, uint64(12), ev.LTime)
	assert.Equal(t, SourceSerfRPC, ev.Source)

	_, err = FromStreamRecord(map[string]interface{}{"Event": "member-join"})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = FromStreamRecord(map[string]interface{}{"Event": "user"})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = FromStreamRecord(map[string]interface{}{"Name": "x", "Payload": 3})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromStreamMessage(t *testing.T) {
	ev, err := FromStreamMessage(map[string]interface{}{
		"event":   "transfer-n1-to-n2",
		"payload": base64.StdEncoding.EncodeToString([]byte(transferJSON)),
	})
	require.NoError(t, err)
	assert.Equal(t, transferJSON, string(ev.Payload))
	assert.Equal(t, SourceRedisStream, ev.Source)

	outcome, err := FromStreamMessage(map[string]interface{}{"event": PollEventName})
	require.NoError(t, err)
	assert.Equal(t, KindOutcome, outcome.Kind)

	_, err = FromStreamMessage(map[string]interface{}{"payload": "x"})
	assert.ErrorIs(t, err, ErrMalformed)
}
