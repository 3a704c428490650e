package consensus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

func writeResult(w http.ResponseWriter, result string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":%s}`, result)
}

func writeError(w http.ResponseWriter, status int, code int, msg, data string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"error":{"code":%d,"message":%q,"data":%q}}`, code, msg, data)
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.URL = srv.URL
	return NewClient(cfg)
}

func refusedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func TestBroadcast_Accepted(t *testing.T) {
	tx := []byte(`{"type":"transfer"}`)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req rpcRequest
		var params struct {
			Tx string `json:"tx"`
		}
		req.Params = &params
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "broadcast_tx_sync", req.Method)
		assert.Equal(t, base64.StdEncoding.EncodeToString(tx), params.Tx)
		writeResult(w, `{"code":0,"data":"","log":"","codespace":"","hash":"ABC123"}`)
	})

	res := c.Broadcast(context.Background(), tx)
	assert.True(t, res.Accepted())
	assert.True(t, res.Responded())
	assert.Equal(t, "ABC123", res.Hash)
	assert.Equal(t, FailureNone, res.Failure)
}

func TestBroadcast_AcceptedWithoutHash(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `{"code":0,"log":""}`)
	})

	res := c.Broadcast(context.Background(), []byte("x"))
	assert.True(t, res.Accepted())
	assert.Empty(t, res.Hash)

	poll := c.PollCommitment(context.Background(), res.Hash, 3, time.Millisecond)
	assert.Equal(t, OutcomeInvalidHash, poll.Outcome)
}

func TestBroadcast_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, `{"code":"5","log":"insufficient funds","codespace":"bank","hash":"DEAD"}`)
	})

	res := c.Broadcast(context.Background(), []byte("x"))
	assert.False(t, res.Accepted())
	assert.True(t, res.Responded())
	assert.Equal(t, int64(5), res.Code)
	assert.Equal(t, "insufficient funds", res.Log)
	assert.Equal(t, "bank", res.Codespace)
	assert.Equal(t, FailureRejected, res.Failure)
}

func TestBroadcast_RPCError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusInternalServerError, -32603, "Internal error", "tx already exists in cache")
	})

	res := c.Broadcast(context.Background(), []byte("x"))
	assert.Equal(t, int64(-32603), res.Code)
	assert.Equal(t, "RPC Error: Internal error: tx already exists in cache", res.Log)
	assert.Equal(t, FailureRPCError, res.Failure)
}

func TestBroadcast_Malformed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>oops</html>")
	})
	res := c.Broadcast(context.Background(), []byte("x"))
	assert.Equal(t, int64(-1), res.Code)
	assert.Equal(t, FailureMalformed, res.Failure)

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, "null")
	})
	res = c.Broadcast(context.Background(), []byte("x"))
	assert.Equal(t, FailureMalformed, res.Failure)
}

func TestBroadcast_HTTPStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	res := c.Broadcast(context.Background(), []byte("x"))
	assert.Equal(t, int64(-1), res.Code)
	assert.Equal(t, FailureHTTPStatus, res.Failure)
	assert.Contains(t, res.Log, "502")
}

func TestBroadcast_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	cfg.BroadcastTimeout = 50 * time.Millisecond
	res := NewClient(cfg).Broadcast(context.Background(), []byte("x"))
	assert.Equal(t, int64(-1), res.Code)
	assert.Equal(t, FailureTimeout, res.Failure)
	assert.Equal(t, "CometBFT RPC Broadcast Timeout", res.Log)
}

func TestBroadcast_UnreachableTripsBreaker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = refusedURL(t)
	cfg.BreakerThreshold = 2
	cfg.BreakerReset = time.Minute
	c := NewClient(cfg)

	for i := 0; i < 2; i++ {
		res := c.Broadcast(context.Background(), []byte("x"))
		assert.Equal(t, FailureUnreachable, res.Failure)
		assert.Contains(t, res.Log, "CometBFT RPC Connection Error")
		assert.False(t, res.Responded())
	}
	assert.Equal(t, resiliency.StateOpen, c.Breaker().State())

	res := c.Broadcast(context.Background(), []byte("x"))
	assert.Equal(t, FailureCircuitOpen, res.Failure)
	assert.Equal(t, int64(-1), res.Code)
}

func TestClient_PathPrefix(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		writeResult(w, `{}`)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.URL = srv.URL + "/"
	cfg.PathPrefix = "/v1/"
	c := NewClient(cfg)
	assert.Equal(t, srv.URL+"/v1", c.URL())

	require.NoError(t, c.Health(context.Background()))
	assert.Equal(t, []string{"/v1/health"}, paths)
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		writeResult(w, `{"node_info":{"id":"abcd","moniker":"node0","network":"testnet","version":"0.38.12"},
			"sync_info":{"latest_block_height":"120","catching_up":false}}`)
	})

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abcd", st.NodeID)
	assert.Equal(t, "node0", st.Moniker)
	assert.Equal(t, "0.38.12", st.Version)
	assert.Equal(t, int64(120), st.LatestBlockHeight)
}

func TestStatus_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = refusedURL(t)
	_, err := NewClient(cfg).Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, resiliency.Disconnected, resiliency.Classify(err))
}

func TestDialPeers(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/dial_peers", r.URL.Path)
		assert.Equal(t, `["id1@10.0.0.1:26656","id2@10.0.0.2:26656"]`, r.URL.Query().Get("peers"))
		assert.Equal(t, "true", r.URL.Query().Get("persistent"))
		writeResult(w, `{"log":"Dialing peers in progress. See /net_info for details"}`)
	})

	require.NoError(t, c.DialPeers(context.Background(), []string{"id1@10.0.0.1:26656", "id2@10.0.0.2:26656"}, true))
	require.NoError(t, c.DialPeers(context.Background(), nil, true))
	assert.Equal(t, int32(1), calls.Load())
}

func TestDialPeers_RPCError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusInternalServerError, -32603, "Internal error", "unsafe routes disabled")
	})
	err := c.DialPeers(context.Background(), []string{"x@1.2.3.4:26656"}, true)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, int64(-32603), rpcErr.Code)
}
