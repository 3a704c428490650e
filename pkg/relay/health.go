package relay

import (
	"context"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/peersync"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

// every runs fn immediately and then on each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) refreshMembers(ctx context.Context) {
	if r.deps.Membership == nil {
		return
	}
	members, err := r.deps.Membership.Members(ctx)
	if ctx.Err() != nil {
		return
	}
	if err == nil && r.opts.P2PPort > 0 {
		members = peersync.Enrich(members, r.opts.P2PPort)
	}
	r.deps.Metrics.SetMembers(members, err)
	if err != nil {
		r.logger.WarnContext(ctx, "members refresh failed", "error", err)
		return
	}
	r.logger.DebugContext(ctx, "members refreshed", "count", len(members))
}

func (r *Relay) refreshStatus(ctx context.Context) {
	st, err := r.deps.Consensus.Status(ctx)
	if ctx.Err() != nil {
		return
	}
	r.deps.Metrics.RefreshConsensus(resiliency.Classify(err), st)
	if err != nil {
		r.logger.WarnContext(ctx, "consensus status check failed", "error", err)
		return
	}
	r.checkVersion(ctx, st.Version)
}

// checkVersion compares the node version against MinConsensusVersion. Mismatches are
// logged once per version; the relay keeps running either way.
func (r *Relay) checkVersion(ctx context.Context, version string) {
	if r.versions == nil || version == "" {
		return
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		r.logger.DebugContext(ctx, "unparseable consensus version", "version", version, "error", err)
		return
	}
	ok := r.versions.Check(v)
	r.deps.Metrics.SetVersionCompatible(ok)
	if !ok && r.warnedVersion != version {
		r.warnedVersion = version
		r.logger.WarnContext(ctx, "consensus node version outside supported range",
			"version", version, "constraint", r.opts.MinConsensusVersion)
	}
}
