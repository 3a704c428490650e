package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"

	_ "github.com/lib/pq"
)

// PostgresOutcomeStore is a durable SQL-based implementation.
type PostgresOutcomeStore struct {
	db *sql.DB
}

// OpenPostgres connects with a lib/pq DSN and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresOutcomeStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresOutcomeStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresOutcomeStore(db *sql.DB) *PostgresOutcomeStore {
	return &PostgresOutcomeStore{db: db}
}

func (s *PostgresOutcomeStore) Migrate(ctx context.Context) error {
	query := `CREATE TABLE IF NOT EXISTS outcomes (
		id UUID PRIMARY KEY,
		event_name TEXT NOT NULL,
		fingerprint CHAR(64) NOT NULL,
		state TEXT NOT NULL,
		broadcast_status TEXT,
		consensus_status TEXT,
		tx_hash TEXT,
		height BIGINT NOT NULL DEFAULT 0,
		peer TEXT,
		completed_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate outcomes: %w", err)
	}
	return nil
}

func (s *PostgresOutcomeStore) Record(ctx context.Context, o Outcome) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	query := `INSERT INTO outcomes (id, event_name, fingerprint, state, broadcast_status, consensus_status, tx_hash, height, peer, completed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
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
		o.TxHash, o.Height, o.Peer, o.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert outcome: %w", err)
	}
	return nil
}

const postgresSelect = `SELECT id, event_name, fingerprint, state, broadcast_status, consensus_status, tx_hash, height, peer, completed_at FROM outcomes`

func (s *PostgresOutcomeStore) List(ctx context.Context, limit int) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx, postgresSelect+` ORDER BY completed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Outcome
	for rows.Next() {
		o, err := scanPostgresOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresOutcomeStore) Get(ctx context.Context, eventName string, fp canonicalize.Fingerprint) (*Outcome, error) {
	row := s.db.QueryRowContext(ctx, postgresSelect+` WHERE event_name = $1 AND fingerprint = $2 ORDER BY completed_at DESC LIMIT 1`,
		eventName, fp.String())
	o, err := scanPostgresOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (s *PostgresOutcomeStore) Close() error { return s.db.Close() }

func scanPostgresOutcome(row scanner) (*Outcome, error) {
	var (
		o       Outcome
		fp      string
		state   string
		bStatus sql.NullString
		cStatus sql.NullString
		txHash  sql.NullString
		peer    sql.NullString
		at      time.Time
	)
	if err := row.Scan(&o.ID, &o.EventName, &fp, &state, &bStatus, &cStatus, &txHash, &o.Height, &peer, &at); err != nil {
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
	o.CompletedAt = at.UTC()
	return &o, nil
}
