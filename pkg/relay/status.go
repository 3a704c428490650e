package relay

import (
	"fmt"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/consensus"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

// Human-readable status strings shown next to each ledger entry and in Metrics.
const (
	StatusPending      = "Pending..."
	StatusWaiting      = "Waiting for broadcast..."
	StatusBroadcasting = "Broadcasting..."
	StatusPolling      = "Polling for commitment..."
	StatusBroadcasted  = "Broadcasted (Pending Consensus)"
	StatusCancelled    = "Cancelled (relay shutting down)"
)

const logClip = 50

func clip(s string) string {
	r := []rune(s)
	if len(r) <= logClip {
		return s
	}
	return string(r[:logClip]) + "..."
}

func broadcastStatus(r consensus.BroadcastResult) string {
	return fmt.Sprintf("Code: %d, Log: %s", r.Code, clip(r.Log))
}

func broadcastFailedStatus(r consensus.BroadcastResult) string {
	return fmt.Sprintf("Broadcast Failed (Code: %d) Log: %s", r.Code, clip(r.Log))
}

// commitState maps a poll outcome onto the ledger lifecycle.
func commitState(r consensus.CommitResult) ledger.State {
	switch r.Outcome {
	case consensus.OutcomeCommitted:
		return ledger.StateCommitted
	case consensus.OutcomeTimedOut:
		return ledger.StateTimedOut
	case consensus.OutcomeCancelled:
		return ledger.StateCancelled
	default:
		return ledger.StatePollFailed
	}
}

// broadcastConnectivity is the consensus connectivity implied by a broadcast.
func broadcastConnectivity(r consensus.BroadcastResult) string {
	switch r.Failure {
	case consensus.FailureNone:
		return StatusBroadcasted
	case consensus.FailureRejected, consensus.FailureRPCError:
		return string(resiliency.Connected)
	case consensus.FailureUnreachable, consensus.FailureCircuitOpen:
		return string(resiliency.Disconnected)
	case consensus.FailureTimeout:
		return string(resiliency.Timeout)
	default:
		return "Broadcast Error"
	}
}

func pollConnectivity(r consensus.CommitResult) string {
	if r.Outcome == consensus.OutcomeUnreachable {
		return string(resiliency.Disconnected)
	}
	return string(resiliency.Connected)
}
