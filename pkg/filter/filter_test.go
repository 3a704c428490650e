package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
)

func TestFilter_EmptyAllowsAll(t *testing.T) {
	f, err := Compile("")
	require.NoError(t, err)
	ok, err := f.Allow(events.New("anything", nil, events.SourceAPI))
	require.NoError(t, err)
	assert.True(t, ok)

	var nilFilter *Filter
	ok, err = nilFilter.Allow(events.New("anything", nil, events.SourceAPI))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilter_ByName(t *testing.T) {
	f, err := Compile(`event.name.startsWith("transfer")`)
	require.NoError(t, err)

	ok, err := f.Allow(events.New("transfer-n1-to-n2", []byte(`{}`), events.SourceSerfRPC))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Allow(events.New("deploy", []byte(`{}`), events.SourceSerfRPC))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilter_ByPayloadField(t *testing.T) {
	f, err := Compile(`has(event.payload.type) && event.payload.type == "transfer" && event.size < 1024`)
	require.NoError(t, err)

	ok, err := f.Allow(events.New("x", []byte(`{"type":"transfer","amount":"3 tokens"}`), events.SourceAPI))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.Allow(events.New("x", []byte(`{"type":"mint"}`), events.SourceAPI))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilter_RawPayload(t *testing.T) {
	f, err := Compile(`event.payload == "ping" && event.source == "serf-monitor"`)
	require.NoError(t, err)
	ok, err := f.Allow(events.New("x", []byte("ping"), events.SourceMonitor))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFilter_CompileErrors(t *testing.T) {
	_, err := Compile(`event.name.startsWith(`)
	assert.Error(t, err)

	_, err = Compile(`"not a bool"`)
	assert.Error(t, err)
}

func TestFilter_EvalError(t *testing.T) {
	f, err := Compile(`event.payload.type == "transfer"`)
	require.NoError(t, err)
	_, err = f.Allow(events.New("x", []byte("plain text"), events.SourceAPI))
	assert.Error(t, err)
	assert.Equal(t, `event.payload.type == "transfer"`, f.String())
}
