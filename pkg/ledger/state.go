package ledger

// State is the lifecycle position of a relayed transaction.
type State string

const (
	StatePending         State = "PENDING"
	StatePolling         State = "POLLING"
	StateCommitted       State = "COMMITTED"
	StateTimedOut        State = "TIMED_OUT"
	StatePollFailed      State = "POLL_FAILED"
	StateBroadcastFailed State = "BROADCAST_FAILED"
	StateCancelled       State = "CANCELLED"
	// StateReported marks a report-only entry whose peer did not say which state it saw.
	StateReported State = "REPORTED"
)

// Terminal reports whether no further local transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateTimedOut, StatePollFailed, StateBroadcastFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StatePolling, StateReported:
		return true
	}
	return s.Terminal()
}
