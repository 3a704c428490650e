package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"
)

func sampleOutcome(name string, at time.Time) Outcome {
	return Outcome{
		EventName:       name,
		Fingerprint:     canonicalize.Of([]byte(`{"event":"` + name + `"}`)),
		State:           ledger.StateCommitted,
		BroadcastStatus: "Code: 0, Log: ",
		ConsensusStatus: "Committed! Height: 42, Code: 0, Log: ",
		TxHash:          "ABC123",
		Height:          42,
		Peer:            "n1",
		CompletedAt:     at,
	}
}

func TestSQLiteOutcomeStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "outcomes.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Record(ctx, sampleOutcome("transfer-n1-to-n2", t0)))
	second := sampleOutcome("transfer-n2-to-n3", t0.Add(time.Second))
	second.State = ledger.StateTimedOut
	second.Height = 0
	require.NoError(t, s.Record(ctx, second))

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "transfer-n2-to-n3", list[0].EventName)
	assert.Equal(t, ledger.StateTimedOut, list[0].State)
	assert.NotEmpty(t, list[0].ID)

	got, err := s.Get(ctx, "transfer-n1-to-n2", sampleOutcome("transfer-n1-to-n2", t0).Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Height)
	assert.Equal(t, t0, got.CompletedAt)
	assert.True(t, got.Committed())

	_, err = s.Get(ctx, "missing", canonicalize.Of(nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteOutcomeStore_RecordSameIDUpdates(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "outcomes.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	o := sampleOutcome("transfer-n1-to-n2", t0)
	o.ID = "2b1f6a52-0a7e-4c36-9f0c-1d7f3c0e9a11"
	o.State = ledger.StateTimedOut
	require.NoError(t, s.Record(ctx, o))

	o.State = ledger.StateCommitted
	o.Height = 43
	o.CompletedAt = t0.Add(time.Minute)
	require.NoError(t, s.Record(ctx, o))

	list, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ledger.StateCommitted, list[0].State)
	assert.Equal(t, int64(43), list[0].Height)
	assert.Equal(t, o.CompletedAt, list[0].CompletedAt)
}

func TestPostgresOutcomeStore_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresOutcomeStore(db)
	o := sampleOutcome("transfer-n1-to-n2", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))

	mock.ExpectExec(`(?s)INSERT INTO outcomes .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs(sqlmock.AnyArg(), o.EventName, o.Fingerprint.String(), "COMMITTED", o.BroadcastStatus, o.ConsensusStatus, "ABC123", int64(42), "n1", o.CompletedAt).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Record(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutcomeStore_RecordError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outcomes")).WillReturnError(errors.New("connection reset"))
	err = NewPostgresOutcomeStore(db).Record(context.Background(), sampleOutcome("x", time.Now()))
	assert.ErrorContains(t, err, "failed to insert outcome")
}

func TestPostgresOutcomeStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS outcomes")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresOutcomeStore(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOutcomeStore_ListAndGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresOutcomeStore(db)
	o := sampleOutcome("transfer-n1-to-n2", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	cols := []string{"id", "event_name", "fingerprint", "state", "broadcast_status", "consensus_status", "tx_hash", "height", "peer", "completed_at"}

	mock.ExpectQuery(regexp.QuoteMeta(postgresSelect + " ORDER BY completed_at DESC LIMIT $1")).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("id-1", o.EventName, o.Fingerprint.String(), "COMMITTED", o.BroadcastStatus, o.ConsensusStatus, "ABC123", int64(42), "n1", o.CompletedAt))

	list, err := s.List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, o.Fingerprint, list[0].Fingerprint)
	assert.Equal(t, ledger.StateCommitted, list[0].State)

	mock.ExpectQuery(regexp.QuoteMeta(postgresSelect + " WHERE event_name = $1")).
		WithArgs("missing", canonicalize.Of(nil).String()).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err = s.Get(context.Background(), "missing", canonicalize.Of(nil))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type recordingSink struct {
	got []Outcome
	err error
}

func (r *recordingSink) Record(_ context.Context, o Outcome) error {
	r.got = append(r.got, o)
	return r.err
}

func TestFanout(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{err: errors.New("disk full")}
	c := &recordingSink{}

	err := Fanout{a, b, c}.Record(context.Background(), sampleOutcome("x", time.Now()))
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, a.got, 1)
	assert.Len(t, c.got, 1)
}

func TestOutcomeValues(t *testing.T) {
	o := sampleOutcome("transfer-n1-to-n2", time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	result, err := json.Marshal(o)
	require.NoError(t, err)

	v := outcomeValues(o, result)
	assert.Equal(t, events.PollEventName, v["event"])
	assert.Equal(t, "true", v["success"])
	assert.Equal(t, o.Fingerprint.String(), v["fingerprint"])
	assert.Equal(t, "2025-03-01T12:00:00Z", v["timestamp"])

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(v["result"].(string)), &decoded))
	assert.Equal(t, "ABC123", decoded["tx_hash"])
}
