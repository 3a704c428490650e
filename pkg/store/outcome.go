// Package store archives terminal transaction outcomes. The relay keeps its working set
// in memory; sinks here only record what happened.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"
)

var ErrNotFound = errors.New("outcome not found")

// Outcome is the terminal record of one relayed transaction.
type Outcome struct {
	ID              string                   `json:"id"`
	EventName       string                   `json:"event_name"`
	Fingerprint     canonicalize.Fingerprint `json:"fingerprint"`
	State           ledger.State             `json:"state"`
	BroadcastStatus string                   `json:"broadcast_status"`
	ConsensusStatus string                   `json:"consensus_status"`
	TxHash          string                   `json:"tx_hash,omitempty"`
	Height          int64                    `json:"height,omitempty"`
	Peer            string                   `json:"peer"`
	CompletedAt     time.Time                `json:"completed_at"`
}

func (o Outcome) Committed() bool { return o.State == ledger.StateCommitted }

// Sink receives outcomes as transactions finish.
type Sink interface {
	Record(ctx context.Context, o Outcome) error
}

// Archive is a Sink that can be queried.
type Archive interface {
	Sink
	List(ctx context.Context, limit int) ([]Outcome, error)
	Get(ctx context.Context, eventName string, fp canonicalize.Fingerprint) (*Outcome, error)
}

// Fanout records to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, o Outcome) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
