// Package report builds, publishes and merges the status reports peers gossip about
// relayed transactions.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"
)

// ErrInvalidReport is returned for report payloads that fail decoding or validation.
var ErrInvalidReport = errors.New("report: invalid report")

// legacyTimeLayout is the timestamp format older peers emit.
const legacyTimeLayout = "2006-01-02 15:04:05"

// Report is a peer's view of one relayed transaction. It never carries the payload.
type Report struct {
	SchemaVersion       int                      `json:"schema_version"`
	OriginalEventName   string                   `json:"original_event_name"`
	OriginalFingerprint canonicalize.Fingerprint `json:"original_fingerprint"`
	ReportingPeer       string                   `json:"reporting_peer"`
	BroadcastStatus     string                   `json:"broadcast_status"`
	ConsensusStatus     string                   `json:"consensus_status"`
	State               ledger.State             `json:"state,omitempty"`
	Timestamp           time.Time                `json:"timestamp"`
}

// EventName is the gossip event name a peer publishes its reports under.
func EventName(peer string) string { return events.ReportPrefix + peer }

// Encode renders the compact JSON body.
func (r Report) Encode() ([]byte, error) {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = events.SchemaVersion
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("report: encode: %w", err)
	}
	return b, nil
}

// wireReport accepts current and legacy field names.
type wireReport struct {
	SchemaVersion           int    `json:"schema_version"`
	OriginalEventName       string `json:"original_event_name"`
	OriginalFingerprint     string `json:"original_fingerprint"`
	OriginalTransactionHash string `json:"original_transaction_hash"`
	ReportingPeer           string `json:"reporting_peer"`
	ReportingNode           string `json:"reporting_node"`
	BroadcastStatus         string `json:"broadcast_status"`
	ConsensusStatus         string `json:"consensus_status"`
	State                   string `json:"state"`
	Timestamp               string `json:"timestamp"`
}

// Decode parses a report body that has already passed schema validation.
func Decode(body []byte) (Report, error) {
	var w wireReport
	if err := json.Unmarshal(body, &w); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	fpHex := w.OriginalFingerprint
	if fpHex == "" {
		fpHex = w.OriginalTransactionHash
	}
	fp, err := canonicalize.ParseFingerprint(fpHex)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	peer := w.ReportingPeer
	if peer == "" {
		peer = w.ReportingNode
	}
	if w.OriginalEventName == "" || peer == "" {
		return Report{}, fmt.Errorf("%w: missing event name or reporting peer", ErrInvalidReport)
	}

	state := ledger.State(w.State)
	if state != "" && !state.Valid() {
		return Report{}, fmt.Errorf("%w: unknown state %q", ErrInvalidReport, w.State)
	}

	version := w.SchemaVersion
	if version == 0 {
		version = events.SchemaVersion
	}

	return Report{
		SchemaVersion:       version,
		OriginalEventName:   w.OriginalEventName,
		OriginalFingerprint: fp,
		ReportingPeer:       peer,
		BroadcastStatus:     w.BroadcastStatus,
		ConsensusStatus:     w.ConsensusStatus,
		State:               state,
		Timestamp:           parseTimestamp(w.Timestamp),
	}, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, legacyTimeLayout} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// Update converts the report into the ledger's merge input.
func (r Report) Update() ledger.ReportUpdate {
	return ledger.ReportUpdate{
		EventName:       r.OriginalEventName,
		Fingerprint:     r.OriginalFingerprint,
		ReportedBy:      r.ReportingPeer,
		BroadcastStatus: r.BroadcastStatus,
		ConsensusStatus: r.ConsensusStatus,
		State:           r.State,
		ReportedAt:      r.Timestamp,
	}
}
