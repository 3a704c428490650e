package ledger

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
)

func fixedClock() func() time.Time {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestLedger_InsertNewestFirstAndCapacity(t *testing.T) {
	l := New(MinCapacity)
	for i := 0; i < MinCapacity+5; i++ {
		l.Insert(Entry{EventName: fmt.Sprintf("ev-%d", i)})
	}

	snap := l.Snapshot()
	require.Len(t, snap, MinCapacity)
	assert.Equal(t, fmt.Sprintf("ev-%d", MinCapacity+4), snap[0].EventName)
	assert.Equal(t, "ev-5", snap[len(snap)-1].EventName)
}

func TestLedger_InsertDefaults(t *testing.T) {
	l := New(0).WithClock(fixedClock())
	id := l.Insert(Entry{EventName: "x"})

	e, ok := l.Get(id)
	require.True(t, ok)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, fixedClock()(), e.Timestamp)
	assert.Equal(t, KindRelayed, e.Kind)
	assert.Equal(t, StatePending, e.State)
	assert.Equal(t, DefaultCapacity, l.Capacity())
}

func TestLedger_Update(t *testing.T) {
	l := New(MinCapacity)
	fp := canonicalize.Of([]byte(`{"a":1}`))
	id := l.Insert(Entry{EventName: "x", Fingerprint: fp})

	ok := l.Update(id, func(e *Entry) {
		e.State = StatePolling
		e.TxHash = "ABC"
	})
	require.True(t, ok)

	ok = l.Update(id, func(e *Entry) {
		e.State = StateCommitted
		e.Height = 42
	})
	require.True(t, ok)

	e, _ := l.Get(id)
	assert.Equal(t, StateCommitted, e.State)
	assert.Equal(t, int64(42), e.Height)
	assert.Equal(t, "ABC", e.TxHash)

	assert.False(t, l.Update("missing", func(*Entry) {}))
}

func TestLedger_SnapshotIsDeepCopy(t *testing.T) {
	l := New(MinCapacity)
	fp := canonicalize.Of([]byte(`{}`))
	l.Insert(Entry{EventName: "x", Fingerprint: fp})
	l.Merge(ReportUpdate{EventName: "x", Fingerprint: fp, ReportedBy: "n2", ReportedAt: fixedClock()()})

	snap := l.Snapshot()
	snap[0].EventName = "mutated"
	*snap[0].ReportTimestamp = time.Time{}

	fresh := l.Snapshot()
	assert.Equal(t, "x", fresh[0].EventName)
	assert.Equal(t, fixedClock()(), *fresh[0].ReportTimestamp)
}

func TestLedger_MergeOverwritesMatchingEntry(t *testing.T) {
	l := New(MinCapacity)
	fp := canonicalize.Of([]byte(`{"a":1}`))
	l.Insert(Entry{EventName: "transfer-n1-to-n2", Fingerprint: fp, BroadcastStatus: "Pending..."})

	created := l.Merge(ReportUpdate{
		EventName:       "transfer-n1-to-n2",
		Fingerprint:     fp,
		ReportedBy:      "n2",
		BroadcastStatus: "Code: 0, Log: ",
		ConsensusStatus: "Committed! Height: 42, Code: 0, Log: ",
		State:           StateCommitted,
	})
	assert.False(t, created)
	require.Equal(t, 1, l.Len())

	e, ok := l.Find("transfer-n1-to-n2", fp)
	require.True(t, ok)
	assert.Equal(t, "n2", e.ReportedBy)
	assert.Equal(t, StateCommitted, e.State)
	assert.Equal(t, "Code: 0, Log: ", e.BroadcastStatus)
	assert.NotNil(t, e.ReportTimestamp)
}

func TestLedger_MergeIsIdempotent(t *testing.T) {
	l := New(MinCapacity).WithClock(fixedClock())
	fp := canonicalize.Of([]byte(`{"b":2}`))
	r := ReportUpdate{
		EventName:       "transfer-n3-to-n4",
		Fingerprint:     fp,
		ReportedBy:      "n4",
		BroadcastStatus: "Code: 0, Log: ",
		ConsensusStatus: "Timeout / Not Found after polling",
		State:           StateTimedOut,
		ReportedAt:      fixedClock()(),
	}

	assert.True(t, l.Merge(r))
	first := l.Snapshot()
	assert.False(t, l.Merge(r))
	second := l.Snapshot()

	require.Len(t, second, 1)
	assert.Equal(t, first, second)
	assert.Equal(t, KindReportOnly, second[0].Kind)
	assert.Equal(t, "transfer-n3-to-n4", second[0].EventName)
	assert.Contains(t, second[0].PayloadPreview, fp.Short())
}

func steppingClock(step time.Duration) func() time.Time {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		ts = ts.Add(step)
		return ts
	}
}

func TestLedger_MergeWithoutTimestampIsIdempotent(t *testing.T) {
	l := New(MinCapacity).WithClock(steppingClock(time.Minute))
	fp := canonicalize.Of([]byte("raw"))
	id := l.Insert(Entry{EventName: "transfer-n1-to-n2", Fingerprint: fp, State: StatePolling})
	r := ReportUpdate{
		EventName:       "transfer-n1-to-n2",
		Fingerprint:     fp,
		ReportedBy:      "n2",
		ConsensusStatus: "Committed (Height: 7)",
		State:           StateCommitted,
	}

	assert.False(t, l.Merge(r))
	first, ok := l.Get(id)
	require.True(t, ok)
	require.NotNil(t, first.ReportTimestamp)

	assert.False(t, l.Merge(r))
	second, _ := l.Get(id)
	assert.Equal(t, first, second)

	r.ReportedAt = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	l.Merge(r)
	third, _ := l.Get(id)
	assert.Equal(t, r.ReportedAt, *third.ReportTimestamp)
}

func TestLedger_MergeWithoutStateMarksReported(t *testing.T) {
	l := New(MinCapacity)
	l.Merge(ReportUpdate{EventName: "x", Fingerprint: canonicalize.Of([]byte("x"))})
	assert.Equal(t, StateReported, l.Snapshot()[0].State)
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateCommitted, StateTimedOut, StatePollFailed, StateBroadcastFailed, StateCancelled} {
		assert.True(t, s.Terminal(), s)
		assert.True(t, s.Valid(), s)
	}
	for _, s := range []State{StatePending, StatePolling, StateReported} {
		assert.False(t, s.Terminal(), s)
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, State("BOGUS").Valid())
}
