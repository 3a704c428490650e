package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/consensus"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/gossip"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

func TestMetrics_RefreshKeepsTransientStatus(t *testing.T) {
	m := NewMetrics()
	m.BeginConsensus(StatusPolling)

	m.RefreshConsensus(resiliency.Connected, &consensus.Status{Moniker: "n1"})
	s := m.Snapshot()
	assert.Equal(t, StatusPolling, s.ConsensusStatus)
	require.NotNil(t, s.Node)
	assert.Equal(t, "n1", s.Node.Moniker)

	// Losing the node is shown even mid-poll.
	m.RefreshConsensus(resiliency.Disconnected, nil)
	s = m.Snapshot()
	assert.Equal(t, "Disconnected", s.ConsensusStatus)
	assert.Nil(t, s.Node)

	m.EndConsensus("")
	assert.Equal(t, "Disconnected", m.Snapshot().ConsensusStatus)
	m.RefreshConsensus(resiliency.Connected, nil)
	assert.Equal(t, "Connected", m.Snapshot().ConsensusStatus)
}

func TestMetrics_MembersKeepCacheOnError(t *testing.T) {
	m := NewMetrics()
	m.SetMembers([]gossip.Member{{Name: "n1", Status: gossip.StatusAlive}}, nil)
	assert.Equal(t, "Connected", m.Snapshot().GossipStatus)

	m.SetMembers(nil, errors.New("rpc closed"))
	s := m.Snapshot()
	assert.Equal(t, "Error", s.GossipStatus)
	assert.Len(t, s.Members, 1)
	assert.Contains(t, s.LastError, "rpc closed")

	members := m.Members()
	members[0].Name = "mutated"
	assert.Equal(t, "n1", m.Members()[0].Name)
}

func TestMetrics_SourceStatus(t *testing.T) {
	m := NewMetrics()
	var fn gossip.StatusFunc = m.SourceStatus
	fn("Running", nil)
	assert.Equal(t, "Running", m.Snapshot().MonitorStatus)
	fn("Restarting", errors.New("exit status 1"))
	s := m.Snapshot()
	assert.Equal(t, "Restarting", s.MonitorStatus)
	assert.Equal(t, "exit status 1", s.LastError)
}

func TestStatusStrings(t *testing.T) {
	long := "0123456789012345678901234567890123456789012345678901234567890"
	r := consensus.BroadcastResult{Code: 3, Log: long, Failure: consensus.FailureRejected}
	assert.Equal(t, "Code: 3, Log: "+long[:50]+"...", broadcastStatus(r))
	assert.Equal(t, "Broadcast Failed (Code: 3) Log: "+long[:50]+"...", broadcastFailedStatus(r))

	assert.Equal(t, StatusBroadcasted, broadcastConnectivity(consensus.BroadcastResult{Hash: "AA"}))
	assert.Equal(t, "Connected", broadcastConnectivity(r))
	assert.Equal(t, "Disconnected", broadcastConnectivity(consensus.BroadcastResult{Code: -1, Failure: consensus.FailureUnreachable}))
	assert.Equal(t, "Timeout", broadcastConnectivity(consensus.BroadcastResult{Code: -1, Failure: consensus.FailureTimeout}))
	assert.Equal(t, "Broadcast Error", broadcastConnectivity(consensus.BroadcastResult{Code: -1, Failure: consensus.FailureMalformed}))
}
