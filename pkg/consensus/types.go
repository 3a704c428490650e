package consensus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrInvalidHash is returned for transaction hashes that are not even-length hex.
var ErrInvalidHash = errors.New("consensus: invalid transaction hash")

// FailureKind says why a broadcast did not reach the application.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureRejected    FailureKind = "rejected"
	FailureRPCError    FailureKind = "rpc_error"
	FailureUnreachable FailureKind = "unreachable"
	FailureTimeout     FailureKind = "timeout"
	FailureHTTPStatus  FailureKind = "http_status"
	FailureMalformed   FailureKind = "malformed"
	FailureCircuitOpen FailureKind = "circuit_open"
	FailureTransport   FailureKind = "transport"
	FailureCancelled   FailureKind = "cancelled"
)

// BroadcastResult is the outcome of broadcast_tx_sync. Transport problems are folded into
// Code -1 with a descriptive Log; Failure records which one it was.
type BroadcastResult struct {
	Code      int64       `json:"code"`
	Log       string      `json:"log"`
	Hash      string      `json:"hash"`
	Codespace string      `json:"codespace,omitempty"`
	Failure   FailureKind `json:"failure,omitempty"`
}

// Accepted reports whether CheckTx answered code 0. The hash is checked when polling.
func (r BroadcastResult) Accepted() bool { return r.Code == 0 && r.Failure == FailureNone }

// Responded reports whether the node answered with a broadcast result.
func (r BroadcastResult) Responded() bool {
	return r.Failure == FailureNone || r.Failure == FailureRejected
}

// Outcome is how a commitment poll ended.
type Outcome string

const (
	OutcomeCommitted   Outcome = "committed"
	OutcomeTimedOut    Outcome = "timed_out"
	OutcomeUnreachable Outcome = "unreachable"
	OutcomeInvalidHash Outcome = "invalid_hash"
	OutcomeCancelled   Outcome = "cancelled"
)

// CommitResult is the result of PollCommitment.
type CommitResult struct {
	Outcome   Outcome
	Committed bool
	Height    int64
	ABCICode  int64
	ABCILog   string
	Message   string
	Attempts  int
}

// Status is the subset of the /status result the relay displays.
type Status struct {
	NodeID            string `json:"node_id"`
	Moniker           string `json:"moniker"`
	Network           string `json:"network"`
	Version           string `json:"version"`
	LatestBlockHeight int64  `json:"latest_block_height"`
	CatchingUp        bool   `json:"catching_up"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func (r *rpcResponse) hasResult() bool {
	return len(r.Result) > 0 && !bytes.Equal(bytes.TrimSpace(r.Result), []byte("null"))
}

// flexInt accepts integers encoded either as JSON numbers or strings, as CometBFT
// renders int64 fields as strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(bytes.TrimSpace(b), `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("flexInt: %w", err)
	}
	*f = flexInt(n)
	return nil
}

type broadcastResult struct {
	Code      flexInt `json:"code"`
	Log       string  `json:"log"`
	Hash      string  `json:"hash"`
	Codespace string  `json:"codespace"`
}

type txResult struct {
	Hash     string  `json:"hash"`
	Height   flexInt `json:"height"`
	Index    flexInt `json:"index"`
	TxResult *abciResult `json:"tx_result"`
}

type abciResult struct {
	Code flexInt `json:"code"`
	Log  string  `json:"log"`
}

type statusResult struct {
	NodeInfo struct {
		ID      string `json:"id"`
		Moniker string `json:"moniker"`
		Network string `json:"network"`
		Version string `json:"version"`
	} `json:"node_info"`
	SyncInfo struct {
		LatestBlockHeight flexInt `json:"latest_block_height"`
		CatchingUp        bool    `json:"catching_up"`
	} `json:"sync_info"`
}
