// Package relay moves user events from the gossip layer into the consensus engine and
// reports back what happened to them.
//
// Events flow through a staged pipeline:
//
//	source -> ingest -> broadcast workers -> pollers -> report worker
//
// Each stage is a bounded channel drained by a fixed set of goroutines, so a slow
// consensus node pushes back on ingestion instead of growing memory.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/consensus"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/dedup"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/filter"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/gossip"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/observability"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/peersync"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/report"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/store"
)

// ErrStopped is returned by Handle once Run has returned.
var ErrStopped = errors.New("relay: stopped")

// Consensus is the part of the consensus client the relay drives.
type Consensus interface {
	Broadcast(ctx context.Context, tx []byte) consensus.BroadcastResult
	PollCommitment(ctx context.Context, hash string, maxAttempts int, interval time.Duration) consensus.CommitResult
	Status(ctx context.Context) (*consensus.Status, error)
}

type Options struct {
	NodeName         string
	BroadcastWorkers int
	MaxPollers       int
	QueueSize        int
	PollAttempts     int
	PollInterval     time.Duration
	MemberInterval   time.Duration
	StatusInterval   time.Duration
	PreviewLength    int
	// P2PPort, when set, tags members lacking a consensus node id with a derived
	// `<name>@<addr>:<P2PPort>` before they are published in metrics.
	P2PPort int
	// MinConsensusVersion is a semver constraint, e.g. ">= 0.38.0", the consensus node
	// version is checked against. Empty disables the check.
	MinConsensusVersion string
}

func DefaultOptions() Options {
	return Options{
		BroadcastWorkers: 4,
		MaxPollers:       16,
		QueueSize:        256,
		PollAttempts:     20,
		PollInterval:     time.Second,
		MemberInterval:   10 * time.Second,
		StatusInterval:   5 * time.Second,
		PreviewLength:    50,
	}
}

func (o *Options) defaults() {
	d := DefaultOptions()
	if o.BroadcastWorkers <= 0 {
		o.BroadcastWorkers = d.BroadcastWorkers
	}
	if o.MaxPollers <= 0 {
		o.MaxPollers = d.MaxPollers
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = d.PollAttempts
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MemberInterval <= 0 {
		o.MemberInterval = d.MemberInterval
	}
	if o.StatusInterval <= 0 {
		o.StatusInterval = d.StatusInterval
	}
	if o.PreviewLength <= 0 {
		o.PreviewLength = d.PreviewLength
	}
}

// Deps are the collaborators a Relay is assembled from. Consensus and Propagator are
// required; Source, Membership, PeerSync, Filter, Sink and Telemetry are optional.
type Deps struct {
	Source     gossip.Source
	Membership gossip.Membership
	Consensus  Consensus
	Ledger     *ledger.Ledger
	Dedup      *dedup.Window
	Propagator *report.Propagator
	PeerSync   *peersync.Syncer
	Filter     *filter.Filter
	Sink       store.Sink
	Metrics    *Metrics
	Telemetry  *observability.Provider
}

// Disposition says what Handle did with an event.
type Disposition string

const (
	DispositionQueued    Disposition = "queued"
	DispositionDuplicate Disposition = "duplicate"
	DispositionFiltered  Disposition = "filtered"
	DispositionReport    Disposition = "report"
	DispositionIgnored   Disposition = "ignored"
)

type Result struct {
	Disposition Disposition `json:"disposition"`
	EntryID     string      `json:"entry_id,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

// job carries one transaction between stages.
type job struct {
	entryID         string
	eventName       string
	fp              canonicalize.Fingerprint
	tx              []byte
	hash            string
	height          int64
	broadcastStatus string
	consensusStatus string
	state           ledger.State
}

// Relay is the orchestrator. Run may be called once.
type Relay struct {
	opts     Options
	deps     Deps
	versions *semver.Constraints

	broadcastQ chan job
	pollQ      chan job
	reportQ    chan job

	stopped  chan struct{}
	stopOnce sync.Once

	warnedVersion string
	logger        *slog.Logger
}

func New(opts Options, deps Deps) (*Relay, error) {
	if deps.Consensus == nil {
		return nil, errors.New("relay: consensus client is required")
	}
	if deps.Propagator == nil {
		return nil, errors.New("relay: report propagator is required")
	}
	opts.defaults()
	if deps.Ledger == nil {
		deps.Ledger = ledger.New(ledger.DefaultCapacity)
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.NewWindow(dedup.DefaultCapacity)
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if opts.NodeName == "" {
		opts.NodeName = deps.Propagator.Peer()
	}

	r := &Relay{
		opts:       opts,
		deps:       deps,
		broadcastQ: make(chan job, opts.QueueSize),
		pollQ:      make(chan job, opts.QueueSize),
		reportQ:    make(chan job, opts.QueueSize),
		stopped:    make(chan struct{}),
		logger:     slog.Default().With("component", "relay", "node", opts.NodeName),
	}
	if opts.MinConsensusVersion != "" {
		c, err := semver.NewConstraint(opts.MinConsensusVersion)
		if err != nil {
			return nil, fmt.Errorf("relay: consensus version constraint %q: %w", opts.MinConsensusVersion, err)
		}
		r.versions = c
	}
	return r, nil
}

func (r *Relay) Metrics() *Metrics      { return r.deps.Metrics }
func (r *Relay) Ledger() *ledger.Ledger { return r.deps.Ledger }
func (r *Relay) NodeName() string       { return r.opts.NodeName }
func (r *Relay) Options() Options       { return r.opts }

// Run starts every stage and blocks until ctx is cancelled. Transactions still in
// flight are marked Cancelled and are not reported.
func (r *Relay) Run(ctx context.Context) error {
	defer r.stop()

	g, ctx := errgroup.WithContext(ctx)
	in := make(chan events.Event, r.opts.QueueSize)

	if src := r.deps.Source; src != nil {
		g.Go(func() error {
			if err := src.Run(ctx, in); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "event source stopped", "source", src.Name(), "error", err)
				r.deps.Metrics.SourceStatus("Stopped", err)
			}
			return nil
		})
	}
	g.Go(func() error { return r.ingest(ctx, in) })
	for i := 0; i < r.opts.BroadcastWorkers; i++ {
		g.Go(func() error { return r.work(ctx, r.broadcastQ, r.broadcast) })
	}
	for i := 0; i < r.opts.MaxPollers; i++ {
		g.Go(func() error { return r.work(ctx, r.pollQ, r.poll) })
	}
	g.Go(func() error { return r.work(ctx, r.reportQ, r.finish) })
	g.Go(func() error { return every(ctx, r.opts.MemberInterval, r.refreshMembers) })
	g.Go(func() error { return every(ctx, r.opts.StatusInterval, r.refreshStatus) })
	if r.deps.PeerSync != nil {
		g.Go(func() error { return r.deps.PeerSync.Run(ctx) })
	}

	r.logger.InfoContext(ctx, "relay started",
		"broadcast_workers", r.opts.BroadcastWorkers,
		"pollers", r.opts.MaxPollers,
		"queue", r.opts.QueueSize,
		"filter", r.deps.Filter.String())

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.logger.Info("relay stopped")
	return err
}

func (r *Relay) ingest(ctx context.Context, in <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-in:
			if _, err := r.Handle(ctx, ev); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "event dropped", "event", ev.Name, "source", ev.Source, "error", err)
			}
		}
	}
}

func (r *Relay) work(ctx context.Context, q <-chan job, fn func(context.Context, job)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-q:
			fn(ctx, j)
		}
	}
}

// Handle processes one event: reports are merged into the ledger, user events are
// filtered, deduplicated and queued for broadcast.
func (r *Relay) Handle(ctx context.Context, ev events.Event) (Result, error) {
	r.deps.Telemetry.RecordEventReceived(ctx, string(ev.Kind), ev.Source)

	switch ev.Kind {
	case events.KindReport:
		r.deps.Metrics.ReportReceived()
		attrs := append(observability.EventAttributes(ev.Name, string(ev.Kind), ev.Source),
			observability.AttrPeer.String(ev.ReportingPeer()))
		opCtx, done := r.deps.Telemetry.TrackOperation(ctx, "relay.report.receive", attrs...)
		_, err := r.deps.Propagator.Receive(opCtx, ev)
		done(err)
		if err != nil {
			return Result{Disposition: DispositionIgnored}, fmt.Errorf("relay: report %s: %w", ev.Name, err)
		}
		return Result{Disposition: DispositionReport}, nil
	case events.KindOutcome:
		return Result{Disposition: DispositionIgnored}, nil
	}

	r.deps.Metrics.EventReceived()
	allowed, err := r.deps.Filter.Allow(ev)
	if err != nil {
		r.logger.WarnContext(ctx, "filter rejected event", "event", ev.Name, "error", err)
	}
	if !allowed {
		r.deps.Metrics.Filtered()
		return Result{Disposition: DispositionFiltered}, nil
	}

	fp := canonicalize.Of(ev.Payload)
	res := Result{Fingerprint: fp.String()}
	if r.deps.Dedup.SeenOrRecord(fp) {
		r.deps.Metrics.DuplicateSkipped()
		r.logger.InfoContext(ctx, "duplicate event skipped", "event", ev.Name, "fingerprint", fp.Short())
		res.Disposition = DispositionDuplicate
		return res, nil
	}

	id := r.deps.Ledger.Insert(ledger.Entry{
		EventName:       ev.Name,
		Fingerprint:     fp,
		PayloadPreview:  ev.Preview(r.opts.PreviewLength),
		BroadcastStatus: StatusPending,
		ConsensusStatus: StatusWaiting,
		State:           ledger.StatePending,
		ProcessedBy:     r.opts.NodeName,
	})
	r.logger.InfoContext(ctx, "user event accepted", "event", ev.Name, "fingerprint", fp.Short(), "source", ev.Source)

	j := job{entryID: id, eventName: ev.Name, fp: fp, tx: ev.Payload}
	if err := r.enqueue(ctx, r.broadcastQ, j); err != nil {
		r.cancel(j)
		return res, err
	}
	res.Disposition = DispositionQueued
	res.EntryID = id
	return res, nil
}

func (r *Relay) enqueue(ctx context.Context, q chan<- job, j job) error {
	select {
	case <-r.stopped:
		return ErrStopped
	default:
	}
	select {
	case q <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.stopped:
		return ErrStopped
	}
}

func (r *Relay) broadcast(ctx context.Context, j job) {
	r.deps.Metrics.BeginConsensus(StatusBroadcasting)
	opCtx, done := r.deps.Telemetry.TrackOperation(ctx, "relay.broadcast",
		observability.AttrEventName.String(j.eventName),
		observability.AttrFingerprint.String(j.fp.String()))

	res := r.deps.Consensus.Broadcast(opCtx, j.tx)
	if res.Failure == consensus.FailureCancelled {
		r.deps.Metrics.EndConsensus("")
		done(context.Canceled)
		r.cancel(j)
		return
	}
	r.deps.Metrics.EndConsensus(broadcastConnectivity(res))
	if res.Responded() {
		r.deps.Telemetry.RecordBroadcast(ctx, res.Code)
	}

	j.broadcastStatus = broadcastStatus(res)
	if !res.Accepted() {
		done(fmt.Errorf("broadcast failed: code %d: %s", res.Code, res.Log))
		r.deps.Metrics.TxFailed()
		j.consensusStatus = broadcastFailedStatus(res)
		j.state = ledger.StateBroadcastFailed
		r.deps.Ledger.Update(j.entryID, func(e *ledger.Entry) {
			e.BroadcastStatus = j.broadcastStatus
			e.ConsensusStatus = j.consensusStatus
			e.State = j.state
		})
		r.logger.WarnContext(ctx, "broadcast failed",
			"event", j.eventName, "code", res.Code, "failure", res.Failure, "log", res.Log)
		r.report(ctx, j)
		return
	}

	done(nil)
	r.deps.Metrics.TxBroadcast()
	j.hash = res.Hash
	r.deps.Ledger.Update(j.entryID, func(e *ledger.Entry) {
		e.BroadcastStatus = j.broadcastStatus
		e.ConsensusStatus = StatusPolling
		e.State = ledger.StatePolling
		e.TxHash = res.Hash
	})
	r.logger.InfoContext(ctx, "broadcast accepted", "event", j.eventName, "hash", res.Hash)
	if err := r.enqueue(ctx, r.pollQ, j); err != nil {
		r.cancel(j)
	}
}

func (r *Relay) poll(ctx context.Context, j job) {
	r.deps.Metrics.BeginConsensus(StatusPolling)
	opCtx, done := r.deps.Telemetry.TrackOperation(ctx, "relay.poll",
		observability.AttrEventName.String(j.eventName),
		observability.AttrTxHash.String(j.hash))

	cr := r.deps.Consensus.PollCommitment(opCtx, j.hash, r.opts.PollAttempts, r.opts.PollInterval)
	state := commitState(cr)
	if state == ledger.StateCancelled {
		r.deps.Metrics.EndConsensus("")
		done(context.Canceled)
		r.cancel(j)
		return
	}
	r.deps.Metrics.EndConsensus(pollConnectivity(cr))

	j.consensusStatus = cr.Message
	j.state = state
	j.height = cr.Height
	r.deps.Ledger.Update(j.entryID, func(e *ledger.Entry) {
		e.ConsensusStatus = cr.Message
		e.State = state
		e.Height = cr.Height
	})

	if cr.Committed {
		done(nil)
		r.deps.Metrics.TxCommitted()
		r.logger.InfoContext(ctx, "transaction committed",
			"event", j.eventName, "hash", j.hash, "height", cr.Height, "attempts", cr.Attempts)
	} else {
		done(fmt.Errorf("poll %s: %s", cr.Outcome, cr.Message))
		r.deps.Metrics.TxFailed()
		r.logger.WarnContext(ctx, "transaction not committed",
			"event", j.eventName, "hash", j.hash, "outcome", cr.Outcome, "attempts", cr.Attempts)
	}
	r.report(ctx, j)
}

// report hands a terminal job to the report worker.
func (r *Relay) report(ctx context.Context, j job) {
	if err := r.enqueue(ctx, r.reportQ, j); err != nil {
		r.logger.WarnContext(ctx, "report dropped", "event", j.eventName, "state", j.state, "error", err)
	}
}

func (r *Relay) finish(ctx context.Context, j job) {
	opCtx, done := r.deps.Telemetry.TrackOperation(ctx, "relay.report.emit",
		observability.AttrEventName.String(j.eventName),
		observability.AttrState.String(string(j.state)),
		observability.AttrPeer.String(r.opts.NodeName))
	err := r.deps.Propagator.Emit(opCtx, j.eventName, j.fp, j.broadcastStatus, j.consensusStatus, j.state)
	done(err)
	if err != nil {
		r.logger.WarnContext(ctx, "report emit failed", "event", j.eventName, "error", err)
	}
	r.deps.Telemetry.RecordOutcome(ctx, string(j.state))

	if r.deps.Sink == nil {
		return
	}
	o := store.Outcome{
		ID:              j.entryID,
		EventName:       j.eventName,
		Fingerprint:     j.fp,
		State:           j.state,
		BroadcastStatus: j.broadcastStatus,
		ConsensusStatus: j.consensusStatus,
		TxHash:          j.hash,
		Height:          j.height,
		Peer:            r.opts.NodeName,
		CompletedAt:     time.Now().UTC(),
	}
	if err := r.deps.Sink.Record(ctx, o); err != nil {
		r.logger.WarnContext(ctx, "outcome sink failed", "event", j.eventName, "error", err)
	}
}

func (r *Relay) cancel(j job) {
	r.deps.Ledger.Update(j.entryID, func(e *ledger.Entry) {
		if !e.State.Terminal() {
			e.State = ledger.StateCancelled
			e.ConsensusStatus = StatusCancelled
		}
	})
}

// stop rejects further work and cancels every local entry that has not finished.
func (r *Relay) stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		for _, e := range r.deps.Ledger.Snapshot() {
			if e.Kind == ledger.KindRelayed && e.ProcessedBy == r.opts.NodeName && !e.State.Terminal() {
				r.cancel(job{entryID: e.ID})
			}
		}
	})
}
