package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout has fixed width so completed_at sorts lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteOutcomeStore archives outcomes in a local SQLite file.
type SQLiteOutcomeStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteOutcomeStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewSQLiteOutcomeStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewSQLiteOutcomeStore(db *sql.DB) (*SQLiteOutcomeStore, error) {
	s := &SQLiteOutcomeStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate outcomes: %w", err)
	}
	return s, nil
}

func (s *SQLiteOutcomeStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS outcomes (
        id TEXT PRIMARY KEY,
        event_name TEXT NOT NULL,
        fingerprint TEXT NOT NULL,
        state TEXT NOT NULL,
        broadcast_status TEXT,
        consensus_status TEXT,
        tx_hash TEXT,
        height INTEGER NOT NULL DEFAULT 0,
        peer TEXT,
        completed_at TEXT
    );`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return err
	}
	_, err := s.db.ExecContext(context.Background(),
		`CREATE INDEX IF NOT EXISTS idx_outcomes_key ON outcomes (event_name, fingerprint)`)
	return err
}

func (s *SQLiteOutcomeStore) Record(ctx context.Context, o Outcome) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	query := `INSERT INTO outcomes (
		id, event_name, fingerprint, state, broadcast_status, consensus_status, tx_hash, height, peer, completed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		state = excluded.state,
		broadcast_status = excluded.broadcast_status,
		consensus_status = excluded.consensus_status,
		tx_hash = excluded.tx_hash,
		height = excluded.height,
		peer = excluded.peer,
		completed_at = excluded.completed_at`
	_, err := s.db.ExecContext(ctx, query,
		o.ID, o.EventName, o.Fingerprint.String(), string(o.State), o.BroadcastStatus, o.ConsensusStatus,
		o.TxHash, o.Height, o.Peer, o.CompletedAt.UTC().Format(sqliteTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert outcome: %w", err)
	}
	return nil
}

const sqliteSelect = `
        SELECT id, event_name, fingerprint, state, broadcast_status, consensus_status, tx_hash, height, peer, completed_at
        FROM outcomes`

func (s *SQLiteOutcomeStore) List(ctx context.Context, limit int) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+` ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *SQLiteOutcomeStore) Get(ctx context.Context, eventName string, fp canonicalize.Fingerprint) (*Outcome, error) {
	row := s.db.QueryRowContext(ctx, sqliteSelect+` WHERE event_name = ? AND fingerprint = ? ORDER BY completed_at DESC LIMIT 1`,
		eventName, fp.String())
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *SQLiteOutcomeStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(row scanner) (*Outcome, error) {
	var (
		o           Outcome
		fp          string
		state       string
		bStatus     sql.NullString
		cStatus     sql.NullString
		txHash      sql.NullString
		peer        sql.NullString
		completedAt sql.NullString
	)
	if err := row.Scan(&o.ID, &o.EventName, &fp, &state, &bStatus, &cStatus, &txHash, &o.Height, &peer, &completedAt); err != nil {
		return nil, err
	}
	parsed, err := canonicalize.ParseFingerprint(fp)
	if err != nil {
		return nil, fmt.Errorf("outcome %s: %w", o.ID, err)
	}
	o.Fingerprint = parsed
	o.State = ledger.State(state)
	o.BroadcastStatus = bStatus.String
	o.ConsensusStatus = cStatus.String
	o.TxHash = txHash.String
	o.Peer = peer.String
	o.CompletedAt = parseTime(completedAt.String)
	return &o, nil
}
