package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/canonicalize"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/gossip"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/relay"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/store"
)

const maxTriggerBody = 64 << 10

// EventHandler injects an event straight into the local relay.
type EventHandler interface {
	Handle(ctx context.Context, ev events.Event) (relay.Result, error)
}

type Config struct {
	NodeName   string
	MaxPayload int
}

// Deps are the server's collaborators. Metrics and Ledger are required.
type Deps struct {
	Relay       EventHandler
	Metrics     *relay.Metrics
	Ledger      *ledger.Ledger
	Emitter     gossip.Emitter
	Archive     store.Archive
	Idempotency IdempotencyStorer
	Limiter     *RateLimiter
}

type Server struct {
	cfg    Config
	deps   Deps
	clock  func() time.Time
	mu     sync.Mutex
	rng    *rand.Rand
	logger *slog.Logger
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = gossip.DefaultMaxPayload
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		clock:  time.Now,
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5e7f)),
		logger: slog.Default().With("component", "api"),
	}
}

// Handler returns the routed status surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("GET /api/members", s.handleMembers)
	mux.HandleFunc("GET /api/outcomes", s.handleOutcomes)

	var trigger http.Handler = http.HandlerFunc(s.handleTrigger)
	trigger = IdempotencyMiddleware(s.deps.Idempotency)(trigger)
	if s.deps.Limiter != nil {
		trigger = s.deps.Limiter.Middleware(trigger)
	}
	mux.Handle("POST /api/trigger", trigger)
	return mux
}

type healthResponse struct {
	Status    string `json:"status"`
	Node      string `json:"node"`
	Gossip    string `json:"gossip"`
	Consensus string `json:"consensus"`
	Source    string `json:"source"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	m := s.deps.Metrics.Snapshot()
	status := "ok"
	if m.GossipStatus != "Connected" || m.ConsensusStatus == "Disconnected" || m.ConsensusStatus == "Timeout" {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Node:      s.cfg.NodeName,
		Gossip:    m.GossipStatus,
		Consensus: m.ConsensusStatus,
		Source:    m.MonitorStatus,
	})
}

type statusResponse struct {
	Node     string                `json:"node"`
	Metrics  relay.MetricsSnapshot `json:"metrics"`
	Activity []ledger.Entry        `json:"activity"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Node:     s.cfg.NodeName,
		Metrics:  s.deps.Metrics.Snapshot(),
		Activity: s.deps.Ledger.Snapshot(),
	})
}

func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	entries := s.deps.Ledger.Snapshot()
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members := s.deps.Metrics.Members()
	if r.URL.Query().Get("alive") == "true" {
		members = gossip.Alive(members)
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		WriteNotFound(w, "No outcome archive configured")
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if limit == 0 {
		limit = 100
	}
	outcomes, err := s.deps.Archive.List(r.Context(), limit)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

// TriggerRequest names an explicit event to publish. Payload may be any JSON value; a
// JSON string is sent as its text.
type TriggerRequest struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type TriggerResponse struct {
	Status      string          `json:"status"`
	EventName   string          `json:"event_name"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      *relay.Result   `json:"result,omitempty"`
}

// transfer is the synthetic transaction the trigger generates.
type transfer struct {
	Type      string `json:"type"`
	FromNode  string `json:"from_node"`
	ToNode    string `json:"to_node"`
	Amount    string `json:"amount"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBody))
	if err != nil {
		WritePayloadTooLarge(w, "Request body too large")
		return
	}

	var name string
	var payload []byte
	if len(bytes.TrimSpace(body)) == 0 {
		name, payload, err = s.randomTransfer()
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
	} else {
		name, payload, err = parseTrigger(body)
		if err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	resp := TriggerResponse{
		EventName:   name,
		Fingerprint: canonicalize.Of(payload).String(),
	}
	if json.Valid(payload) {
		resp.Payload = payload
	}

	if r.URL.Query().Get("inject") == "true" {
		s.inject(w, r, resp, payload)
		return
	}

	if s.deps.Emitter == nil {
		WriteServiceUnavailable(w, "No gossip emitter configured; use ?inject=true")
		return
	}
	wire := events.EncodePayload(payload)
	if err := gossip.CheckSize(name, wire, s.cfg.MaxPayload); err != nil {
		WritePayloadTooLarge(w, err.Error())
		return
	}
	if err := s.deps.Emitter.UserEvent(r.Context(), name, wire); err != nil {
		s.logger.ErrorContext(r.Context(), "trigger emit failed", "event", name, "error", err)
		WriteBadGateway(w, "Failed to dispatch gossip event")
		return
	}
	s.logger.InfoContext(r.Context(), "trigger dispatched", "event", name, "fingerprint", resp.Fingerprint[:10])
	resp.Status = "dispatched"
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) inject(w http.ResponseWriter, r *http.Request, resp TriggerResponse, payload []byte) {
	if s.deps.Relay == nil {
		WriteServiceUnavailable(w, "Relay not available")
		return
	}
	res, err := s.deps.Relay.Handle(r.Context(), events.New(resp.EventName, payload, events.SourceAPI))
	if errors.Is(err, relay.ErrStopped) {
		WriteServiceUnavailable(w, "Relay is shutting down")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	resp.Status = "injected"
	resp.Result = &res
	writeJSON(w, http.StatusAccepted, resp)
}

func parseTrigger(body []byte) (string, []byte, error) {
	var req TriggerRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return "", nil, fmt.Errorf("invalid request body")
	}
	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "":
		return "", nil, fmt.Errorf("missing required field: name")
	case events.KindOf(req.Name) != events.KindUser:
		return "", nil, fmt.Errorf("event name %q is reserved", req.Name)
	case len(req.Payload) == 0:
		return "", nil, fmt.Errorf("missing required field: payload")
	}
	var text string
	if err := json.Unmarshal(req.Payload, &text); err == nil {
		return req.Name, []byte(text), nil
	}
	return req.Name, []byte(req.Payload), nil
}

// randomTransfer builds a transfer between two distinct alive members.
func (s *Server) randomTransfer() (string, []byte, error) {
	alive := gossip.Alive(s.deps.Metrics.Members())
	if len(alive) < 2 {
		return "", nil, fmt.Errorf("need at least 2 alive members to generate a transfer, have %d", len(alive))
	}

	s.mu.Lock()
	i := s.rng.IntN(len(alive))
	j := s.rng.IntN(len(alive) - 1)
	amount := s.rng.IntN(100) + 1
	s.mu.Unlock()
	if j >= i {
		j++
	}

	from, to := alive[i].Name, alive[j].Name
	payload, err := json.Marshal(transfer{
		Type:      "transfer",
		FromNode:  from,
		ToNode:    to,
		Amount:    fmt.Sprintf("%d tokens", amount),
		Timestamp: s.clock().Format("2006-01-02 15:04:05"),
	})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("transfer-%s-to-%s", from, to), payload, nil
}
