// Package consensus is a small CometBFT JSON-RPC client covering what the relay needs:
// broadcast_tx_sync, tx lookups, status, health and dial_peers.
package consensus

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

const maxResponseBytes = 4 << 20

// Config configures a Client.
type Config struct {
	URL              string
	PathPrefix       string
	BroadcastTimeout time.Duration
	PollTimeout      time.Duration
	StatusTimeout    time.Duration
	DialTimeout      time.Duration
	BreakerThreshold int
	BreakerReset     time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:              "http://localhost:26657",
		BroadcastTimeout: 5 * time.Second,
		PollTimeout:      3 * time.Second,
		StatusTimeout:    3 * time.Second,
		DialTimeout:      5 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
	}
}

// Client talks to one CometBFT node. Safe for concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	breaker *resiliency.CircuitBreaker
	ids     atomic.Int64
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = def.BroadcastTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = def.StatusTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = def.BreakerReset
	}

	base := strings.TrimRight(cfg.URL, "/")
	if p := strings.Trim(cfg.PathPrefix, "/"); p != "" {
		base += "/" + p
	}

	return &Client{
		cfg:     cfg,
		base:    base,
		http:    &http.Client{},
		breaker: resiliency.NewCircuitBreaker("cometbft-rpc", cfg.BreakerThreshold, cfg.BreakerReset),
		logger:  slog.Default().With("component", "consensus", "url", base),
		tracer:  otel.Tracer("github.com/Edge-Emulator/Edge-Emulator/pkg/consensus"),
	}
}

// URL returns the RPC base URL including any path prefix.
func (c *Client) URL() string { return c.base }

// Breaker exposes the broadcast circuit breaker state.
func (c *Client) Breaker() *resiliency.CircuitBreaker { return c.breaker }

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("http status %d", e.code) }

var errMalformed = errors.New("unexpected RPC response format")

// Broadcast submits tx with broadcast_tx_sync. It never returns an error: every failure
// becomes a Code -1 result with a descriptive Log.
func (c *Client) Broadcast(ctx context.Context, tx []byte) BroadcastResult {
	ctx, span := c.tracer.Start(ctx, "consensus.broadcast_tx_sync",
		trace.WithAttributes(attribute.Int("tx.size", len(tx))))
	defer span.End()

	if !c.breaker.Allow() {
		span.SetStatus(codes.Error, "circuit open")
		return BroadcastResult{Code: -1, Log: "CometBFT RPC circuit open", Failure: FailureCircuitOpen}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.BroadcastTimeout)
	defer cancel()

	resp, err := c.post(callCtx, "broadcast_tx_sync", map[string]string{
		"tx": base64.StdEncoding.EncodeToString(tx),
	})
	var res BroadcastResult
	if err != nil && ctx.Err() != nil {
		res = BroadcastResult{Code: -1, Log: "Broadcast cancelled", Failure: FailureCancelled}
	} else {
		res = c.broadcastResult(resp, err)
	}

	switch res.Failure {
	case FailureUnreachable, FailureTimeout, FailureTransport:
		c.breaker.Failure()
	case FailureCancelled:
	default:
		c.breaker.Success()
	}

	span.SetAttributes(attribute.Int64("abci.code", res.Code), attribute.String("tx.hash", res.Hash))
	if !res.Accepted() {
		span.SetStatus(codes.Error, res.Log)
	}
	return res
}

func (c *Client) broadcastResult(resp *rpcResponse, err error) BroadcastResult {
	var se *statusError
	switch {
	case err == nil:
	case resiliency.IsConnRefused(err):
		return BroadcastResult{Code: -1, Log: fmt.Sprintf("CometBFT RPC Connection Error: %v", err), Failure: FailureUnreachable}
	case resiliency.IsTimeout(err):
		return BroadcastResult{Code: -1, Log: "CometBFT RPC Broadcast Timeout", Failure: FailureTimeout}
	case errors.As(err, &se):
		return BroadcastResult{Code: -1, Log: fmt.Sprintf("CometBFT RPC HTTP Error: %d", se.code), Failure: FailureHTTPStatus}
	case errors.Is(err, errMalformed):
		return BroadcastResult{Code: -1, Log: "Unexpected RPC response format", Failure: FailureMalformed}
	default:
		return BroadcastResult{Code: -1, Log: fmt.Sprintf("CometBFT RPC Request Error: %v", err), Failure: FailureTransport}
	}

	if resp.Error != nil {
		code := resp.Error.Code
		if code == 0 {
			code = -1
		}
		msg := resp.Error.Message
		if resp.Error.Data != "" {
			msg += ": " + resp.Error.Data
		}
		return BroadcastResult{Code: code, Log: "RPC Error: " + msg, Failure: FailureRPCError}
	}
	if !resp.hasResult() {
		return BroadcastResult{Code: -1, Log: "Unexpected RPC response format", Failure: FailureMalformed}
	}

	var br broadcastResult
	if err := json.Unmarshal(resp.Result, &br); err != nil {
		return BroadcastResult{Code: -1, Log: "Unexpected RPC response format", Failure: FailureMalformed}
	}
	res := BroadcastResult{Code: int64(br.Code), Log: br.Log, Hash: br.Hash, Codespace: br.Codespace}
	if res.Code != 0 {
		res.Failure = FailureRejected
	}
	return res
}

// Status fetches node identity and sync info.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	resp, err := c.get(ctx, "status", nil)
	if err != nil {
		return nil, fmt.Errorf("consensus: status: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("consensus: status: %w", resp.Error)
	}
	var sr statusResult
	if err := json.Unmarshal(resp.Result, &sr); err != nil {
		return nil, fmt.Errorf("consensus: status: %w", errMalformed)
	}
	return &Status{
		NodeID:            sr.NodeInfo.ID,
		Moniker:           sr.NodeInfo.Moniker,
		Network:           sr.NodeInfo.Network,
		Version:           sr.NodeInfo.Version,
		LatestBlockHeight: int64(sr.SyncInfo.LatestBlockHeight),
		CatchingUp:        sr.SyncInfo.CatchingUp,
	}, nil
}

// Health returns nil when the node answers /health.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	resp, err := c.get(ctx, "health", nil)
	if err != nil {
		return fmt.Errorf("consensus: health: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("consensus: health: %w", resp.Error)
	}
	return nil
}

// DialPeers asks the node to connect to peers given as `id@host:port`.
func (c *Client) DialPeers(ctx context.Context, peers []string, persistent bool) error {
	if len(peers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	list, err := json.Marshal(peers)
	if err != nil {
		return fmt.Errorf("consensus: dial_peers: %w", err)
	}
	q := url.Values{}
	q.Set("peers", string(list))
	q.Set("persistent", fmt.Sprintf("%t", persistent))

	resp, err := c.get(ctx, "dial_peers", q)
	if err != nil {
		return fmt.Errorf("consensus: dial_peers: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("consensus: dial_peers: %w", resp.Error)
	}
	return nil
}

func (c *Client) post(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.ids.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (*rpcResponse, error) {
	u := c.base + "/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*rpcResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	var out rpcResponse
	if jsonErr := json.Unmarshal(raw, &out); jsonErr != nil || (out.Error == nil && len(out.Result) == 0) {
		if resp.StatusCode >= 300 {
			return nil, &statusError{code: resp.StatusCode}
		}
		return nil, errMalformed
	}
	return &out, nil
}
