// Package ledger keeps the bounded, newest-first recent activity ledger.
//
//   - Bounded, newest-first list of relayed transactions and peer reports
//   - Entries are keyed by (event name, fingerprint)
//   - One mutex guards every read and write; snapshots are deep copies
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
)

const (
	MinCapacity     = 20
	MaxCapacity     = 100
	DefaultCapacity = MaxCapacity
)

// EntryKind distinguishes locally relayed transactions from entries created by a peer
// report with no local counterpart.
type EntryKind string

const (
	KindRelayed    EntryKind = "relayed"
	KindReportOnly EntryKind = "report_only"
)

// Entry is one row of the activity ledger.
type Entry struct {
	ID              string                   `json:"id"`
	Timestamp       time.Time                `json:"timestamp"`
	Kind            EntryKind                `json:"kind"`
	EventName       string                   `json:"event_name"`
	Fingerprint     canonicalize.Fingerprint `json:"fingerprint"`
	PayloadPreview  string                   `json:"payload_preview"`
	BroadcastStatus string                   `json:"broadcast_status"`
	ConsensusStatus string                   `json:"consensus_status"`
	State           State                    `json:"state"`
	TxHash          string                   `json:"tx_hash,omitempty"`
	Height          int64                    `json:"height,omitempty"`
	ProcessedBy     string                   `json:"processed_by,omitempty"`
	ReportedBy      string                   `json:"reported_by,omitempty"`
	ReportTimestamp *time.Time               `json:"report_timestamp,omitempty"`
}

func (e *Entry) clone() Entry {
	c := *e
	if e.ReportTimestamp != nil {
		ts := *e.ReportTimestamp
		c.ReportTimestamp = &ts
	}
	return c
}

// ReportUpdate is a peer's view of a transaction, merged over the matching entry.
type ReportUpdate struct {
	EventName       string
	Fingerprint     canonicalize.Fingerprint
	ReportedBy      string
	BroadcastStatus string
	ConsensusStatus string
	State           State
	ReportedAt      time.Time
}

// Ledger is the bounded activity list.
type Ledger struct {
	mu       sync.Mutex
	entries  []*Entry
	capacity int
	clock    func() time.Time
}

// New creates a ledger holding at most capacity entries. Zero or negative selects
// DefaultCapacity.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		entries:  make([]*Entry, 0, capacity),
		capacity: capacity,
		clock:    time.Now,
	}
}

// WithClock overrides clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Insert places a copy of e at the head, evicting the oldest entry when full. ID and
// Timestamp are assigned when empty. Returns the stored entry's ID.
func (l *Ledger) Insert(e Entry) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.insertLocked(e)
}

func (l *Ledger) insertLocked(e Entry) string {
	stored := e.clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = l.clock().UTC()
	}
	if stored.Kind == "" {
		stored.Kind = KindRelayed
	}
	if stored.State == "" {
		stored.State = StatePending
	}

	l.entries = append(l.entries, nil)
	copy(l.entries[1:], l.entries)
	l.entries[0] = &stored
	if len(l.entries) > l.capacity {
		l.entries[len(l.entries)-1] = nil
		l.entries = l.entries[:l.capacity]
	}
	return stored.ID
}

// Update applies fn to the entry with the given id. It reports false when the entry has
// already been evicted.
func (l *Ledger) Update(id string, fn func(*Entry)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == id {
			fn(e)
			return true
		}
	}
	return false
}

// Merge overwrites the matching entry with a peer report, or inserts a report-only
// entry keyed by the same pair when none exists. Merging the same report twice leaves
// the ledger unchanged after the first call. Returns true when an entry was created.
func (l *Ledger) Merge(r ReportUpdate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	reportedAt := r.ReportedAt
	if e := l.findLocked(r.EventName, r.Fingerprint); e != nil {
		e.BroadcastStatus = r.BroadcastStatus
		e.ConsensusStatus = r.ConsensusStatus
		if r.State != "" {
			e.State = r.State
		}
		e.ReportedBy = r.ReportedBy
		switch {
		case !reportedAt.IsZero():
			e.ReportTimestamp = &reportedAt
		case e.ReportTimestamp == nil:
			// Reports without a timestamp keep the first time they were seen.
			now := l.clock().UTC()
			e.ReportTimestamp = &now
		}
		return false
	}

	if reportedAt.IsZero() {
		reportedAt = l.clock().UTC()
	}

	state := r.State
	if state == "" {
		state = StateReported
	}
	l.insertLocked(Entry{
		Timestamp:       reportedAt,
		Kind:            KindReportOnly,
		EventName:       r.EventName,
		Fingerprint:     r.Fingerprint,
		PayloadPreview:  fmt.Sprintf("Original payload not available (fingerprint: %s...)", r.Fingerprint.Short()),
		BroadcastStatus: r.BroadcastStatus,
		ConsensusStatus: r.ConsensusStatus,
		State:           state,
		ReportedBy:      r.ReportedBy,
		ReportTimestamp: &reportedAt,
	})
	return true
}

func (l *Ledger) findLocked(eventName string, fp canonicalize.Fingerprint) *Entry {
	for _, e := range l.entries {
		if e.EventName == eventName && e.Fingerprint == fp {
			return e
		}
	}
	return nil
}

// Get returns a copy of the entry with the given id.
func (l *Ledger) Get(id string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.ID == id {
			return e.clone(), true
		}
	}
	return Entry{}, false
}

// Find returns a copy of the newest entry matching (eventName, fp).
func (l *Ledger) Find(eventName string, fp canonicalize.Fingerprint) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.findLocked(eventName, fp); e != nil {
		return e.clone(), true
	}
	return Entry{}, false
}

// Snapshot returns a deep copy of the entries, newest first.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.clone()
	}
	return out
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Capacity() int { return l.capacity }
