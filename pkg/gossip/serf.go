package gossip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/serf/client"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

// SerfConfig addresses a Serf agent's RPC endpoint.
type SerfConfig struct {
	Addr       string
	AuthKey    string
	Timeout    time.Duration
	MaxPayload int
}

// serfRPC is the subset of *client.RPCClient the adapter uses.
type serfRPC interface {
	Members() ([]client.Member, error)
	UserEvent(name string, payload []byte, coalesce bool) error
	Stream(filter string, ch chan<- map[string]interface{}) (client.StreamHandle, error)
	Stop(handle client.StreamHandle) error
	IsClosed() bool
	Close() error
}

// Serf talks to a local Serf agent over its RPC protocol. It implements Membership,
// Emitter and Source, reconnecting lazily when the agent restarts.
type Serf struct {
	cfg      SerfConfig
	dial     func() (serfRPC, error)
	mu       sync.Mutex
	rpc      serfRPC
	backoff  resiliency.Backoff
	onStatus StatusFunc
	logger   *slog.Logger
}

func NewSerf(cfg SerfConfig) *Serf {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7373"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	s := &Serf{
		cfg:     cfg,
		backoff: resiliency.Backoff{Base: 500 * time.Millisecond, Max: 15 * time.Second},
		logger:  slog.Default().With("component", "gossip", "transport", "serf-rpc", "addr", cfg.Addr),
	}
	s.dial = func() (serfRPC, error) {
		c, err := client.ClientFromConfig(&client.Config{Addr: cfg.Addr, AuthKey: cfg.AuthKey, Timeout: cfg.Timeout})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return s
}

// OnStatus registers a callback for stream connectivity changes.
func (s *Serf) OnStatus(fn StatusFunc) { s.onStatus = fn }

func (s *Serf) Name() string { return events.SourceSerfRPC }

func (s *Serf) conn() (serfRPC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpc != nil && !s.rpc.IsClosed() {
		return s.rpc, nil
	}
	rpc, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("gossip: connect %s: %w", s.cfg.Addr, err)
	}
	s.rpc = rpc
	return rpc, nil
}

// drop discards a connection that failed so the next call redials.
func (s *Serf) drop(rpc serfRPC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpc == rpc {
		_ = rpc.Close()
		s.rpc = nil
	}
}

func (s *Serf) Members(ctx context.Context) ([]Member, error) {
	rpc, err := s.conn()
	if err != nil {
		return nil, err
	}
	raw, err := rpc.Members()
	if err != nil {
		s.drop(rpc)
		return nil, fmt.Errorf("gossip: members: %w", err)
	}
	out := make([]Member, 0, len(raw))
	for _, m := range raw {
		addr := ""
		if m.Addr != nil {
			addr = m.Addr.String()
		}
		out = append(out, Member{Name: m.Name, Addr: addr, Port: m.Port, Status: m.Status, Tags: m.Tags})
	}
	return out, nil
}

func (s *Serf) UserEvent(ctx context.Context, name string, payload []byte) error {
	if err := CheckSize(name, payload, s.cfg.MaxPayload); err != nil {
		return err
	}
	rpc, err := s.conn()
	if err != nil {
		return err
	}
	if err := rpc.UserEvent(name, payload, false); err != nil {
		s.drop(rpc)
		return fmt.Errorf("gossip: user event %s: %w", name, err)
	}
	return nil
}

// Run streams user events from the agent, reconnecting with backoff until ctx is done.
func (s *Serf) Run(ctx context.Context, out chan<- events.Event) error {
	for attempt := 0; ; attempt++ {
		err := s.streamOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		s.status("Disconnected", err)
		s.logger.WarnContext(ctx, "serf event stream ended, reconnecting", "error", err, "attempt", attempt)
		if s.backoff.Sleep(ctx, attempt) != nil {
			return nil
		}
	}
}

func (s *Serf) streamOnce(ctx context.Context, out chan<- events.Event) error {
	rpc, err := s.conn()
	if err != nil {
		return err
	}
	records := make(chan map[string]interface{}, 64)
	handle, err := rpc.Stream("user", records)
	if err != nil {
		s.drop(rpc)
		return fmt.Errorf("gossip: stream: %w", err)
	}
	defer func() { _ = rpc.Stop(handle) }()

	s.status("Connected", nil)
	s.logger.InfoContext(ctx, "streaming serf user events")

	// The RPC client never closes the record channel, so liveness is polled.
	check := time.NewTicker(time.Second)
	defer check.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-check.C:
			if rpc.IsClosed() {
				s.drop(rpc)
				return fmt.Errorf("gossip: serf rpc connection closed")
			}
		case rec := <-records:
			ev, err := events.FromStreamRecord(rec)
			if err != nil {
				s.logger.DebugContext(ctx, "skipping stream record", "error", err)
				continue
			}
			if !deliver(ctx, out, ev) {
				return ctx.Err()
			}
		}
	}
}

func (s *Serf) status(status string, err error) {
	if s.onStatus != nil {
		s.onStatus(status, err)
	}
}

func (s *Serf) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rpc == nil {
		return nil
	}
	err := s.rpc.Close()
	s.rpc = nil
	return err
}
