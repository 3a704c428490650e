package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/gossip"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"
)

// statusLimits are the successive status string lengths tried when a report does not
// fit the gossip size limit. -1 means untruncated.
var statusLimits = []int{-1, 200, 120, 80, 48, 24, 0}

// Propagator publishes this peer's reports and merges reports received from others.
type Propagator struct {
	emitter    gossip.Emitter
	ledger     *ledger.Ledger
	peer       string
	maxPayload int
	clock      func() time.Time
	logger     *slog.Logger
}

type Option func(*Propagator)

// WithMaxPayload sets the gossip size limit reports must fit in.
func WithMaxPayload(n int) Option { return func(p *Propagator) { p.maxPayload = n } }

// WithClock overrides clock for testing.
func WithClock(clock func() time.Time) Option { return func(p *Propagator) { p.clock = clock } }

func NewPropagator(emitter gossip.Emitter, l *ledger.Ledger, peer string, opts ...Option) *Propagator {
	p := &Propagator{
		emitter:    emitter,
		ledger:     l,
		peer:       peer,
		maxPayload: gossip.DefaultMaxPayload,
		clock:      time.Now,
		logger:     slog.Default().With("component", "report", "peer", peer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Propagator) Peer() string { return p.peer }

// Emit publishes a report for a transaction that reached a terminal state.
func (p *Propagator) Emit(ctx context.Context, eventName string, fp canonicalize.Fingerprint, broadcastStatus, consensusStatus string, state ledger.State) error {
	r := Report{
		SchemaVersion:       events.SchemaVersion,
		OriginalEventName:   eventName,
		OriginalFingerprint: fp,
		ReportingPeer:       p.peer,
		BroadcastStatus:     broadcastStatus,
		ConsensusStatus:     consensusStatus,
		State:               state,
		Timestamp:           p.clock().UTC(),
	}
	name := EventName(p.peer)
	wire, err := p.fit(name, r)
	if err != nil {
		return err
	}
	if err := p.emitter.UserEvent(ctx, name, wire); err != nil {
		return fmt.Errorf("report: emit %s: %w", name, err)
	}
	p.logger.InfoContext(ctx, "report emitted", "event", eventName, "fingerprint", fp.Short(), "state", state)
	return nil
}

// fit encodes r, truncating the status strings until it fits the size limit.
func (p *Propagator) fit(name string, r Report) ([]byte, error) {
	var lastErr error
	for _, limit := range statusLimits {
		trimmed := r
		if limit >= 0 {
			trimmed.BroadcastStatus = truncate(r.BroadcastStatus, limit)
			trimmed.ConsensusStatus = truncate(r.ConsensusStatus, limit)
		}
		body, err := trimmed.Encode()
		if err != nil {
			return nil, err
		}
		wire := events.EncodePayload(body)
		if lastErr = gossip.CheckSize(name, wire, p.maxPayload); lastErr == nil {
			return wire, nil
		}
	}
	return nil, fmt.Errorf("report: %w", lastErr)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// Receive validates a report event and merges it into the ledger. Reports this peer
// emitted itself are ignored. It returns true when the merge created a report-only
// entry.
func (p *Propagator) Receive(ctx context.Context, ev events.Event) (bool, error) {
	if ev.Kind != events.KindReport {
		return false, fmt.Errorf("%w: %s is not a report event", ErrInvalidReport, ev.Name)
	}
	if err := Validate(ev.Payload); err != nil {
		return false, err
	}
	r, err := Decode(ev.Payload)
	if err != nil {
		return false, err
	}
	if r.ReportingPeer == p.peer {
		p.logger.DebugContext(ctx, "ignoring own report", "event", r.OriginalEventName)
		return false, nil
	}
	created := p.ledger.Merge(r.Update())
	p.logger.InfoContext(ctx, "report merged",
		"from", r.ReportingPeer,
		"event", r.OriginalEventName,
		"fingerprint", r.OriginalFingerprint.Short(),
		"created", created)
	return created, nil
}
