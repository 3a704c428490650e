// Package peersync keeps the consensus node connected to every peer the gossip layer
// knows about: each cycle it derives consensus peer ids from alive members and dials
// only the ones it has not dialed yet.
package peersync

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/gossip"
)

// NodeIDTag is the member tag carrying a peer's `id@host:port` consensus address.
const NodeIDTag = "cometbft_node_id"

// DefaultP2PPort is CometBFT's default p2p listen port.
const DefaultP2PPort = 26656

// Dialer asks the consensus node to connect to peers.
type Dialer interface {
	DialPeers(ctx context.Context, peers []string, persistent bool) error
}

type Config struct {
	Interval time.Duration
	// Derive builds `<name>@<addr>:<P2PPort>` for members without a NodeIDTag.
	Derive  bool
	P2PPort int
	// Prune forgets peers that left so they are dialed again when they rejoin.
	Prune bool
	// Self is this node's member name; it is never dialed.
	Self string
}

// Syncer runs the diff-and-dial loop. Safe for concurrent use.
type Syncer struct {
	cfg     Config
	members gossip.Membership
	dialer  Dialer

	// cycle serializes SyncOnce so concurrent callers never dial the same delta.
	cycle  sync.Mutex
	mu     sync.Mutex
	dialed map[string]struct{}
	logger *slog.Logger
}

func New(members gossip.Membership, dialer Dialer, cfg Config) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.P2PPort <= 0 {
		cfg.P2PPort = DefaultP2PPort
	}
	return &Syncer{
		cfg:     cfg,
		members: members,
		dialer:  dialer,
		dialed:  make(map[string]struct{}),
		logger:  slog.Default().With("component", "peersync"),
	}
}

// PeerIDs derives the sorted consensus peer ids of the alive members.
func PeerIDs(members []gossip.Member, cfg Config) []string {
	port := cfg.P2PPort
	if port <= 0 {
		port = DefaultP2PPort
	}
	seen := make(map[string]struct{})
	for _, m := range members {
		if !m.Alive() || (cfg.Self != "" && m.Name == cfg.Self) {
			continue
		}
		id := m.Tags[NodeIDTag]
		if id == "" && cfg.Derive && m.Addr != "" {
			id = fmt.Sprintf("%s@%s", m.Name, net.JoinHostPort(m.Addr, strconv.Itoa(port)))
		}
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Enrich returns a copy of members where every member without a NodeIDTag gets one
// derived as `<name>@<addr>:<port>`. Input tags are not modified.
func Enrich(members []gossip.Member, port int) []gossip.Member {
	if port <= 0 {
		port = DefaultP2PPort
	}
	out := make([]gossip.Member, len(members))
	for i, m := range members {
		out[i] = m
		if m.Tags[NodeIDTag] != "" || m.Addr == "" {
			continue
		}
		tags := make(map[string]string, len(m.Tags)+1)
		for k, v := range m.Tags {
			tags[k] = v
		}
		tags[NodeIDTag] = fmt.Sprintf("%s@%s", m.Name, net.JoinHostPort(m.Addr, strconv.Itoa(port)))
		out[i].Tags = tags
	}
	return out
}

// SyncOnce performs one cycle and returns the peers it dialed. Membership and dial
// failures are returned for logging; a failed dial is retried next cycle.
func (s *Syncer) SyncOnce(ctx context.Context) ([]string, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	members, err := s.members.Members(ctx)
	if err != nil {
		return nil, fmt.Errorf("peersync: members: %w", err)
	}
	current := PeerIDs(members, s.cfg)

	s.mu.Lock()
	var fresh []string
	for _, id := range current {
		if _, ok := s.dialed[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	if s.cfg.Prune {
		keep := make(map[string]struct{}, len(current))
		for _, id := range current {
			keep[id] = struct{}{}
		}
		for id := range s.dialed {
			if _, ok := keep[id]; !ok {
				delete(s.dialed, id)
			}
		}
	}
	s.mu.Unlock()

	if len(fresh) == 0 {
		return nil, nil
	}
	if err := s.dialer.DialPeers(ctx, fresh, true); err != nil {
		return nil, fmt.Errorf("peersync: dial %d peers: %w", len(fresh), err)
	}

	s.mu.Lock()
	for _, id := range fresh {
		s.dialed[id] = struct{}{}
	}
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "dialed consensus peers", "peers", fresh)
	return fresh, nil
}

// Dialed returns the peers dialed so far, sorted.
func (s *Syncer) Dialed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dialed))
	for id := range s.dialed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run syncs every Interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.WarnContext(ctx, "peer sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
