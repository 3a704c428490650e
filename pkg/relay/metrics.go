package relay

import (
	"sync"
	"time"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/consensus"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/gossip"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

// Metrics holds the process-lifetime counters and connectivity view the status surface
// renders. All methods are safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	startedAt         time.Time
	eventsReceived    int64
	txBroadcast       int64
	txCommitted       int64
	txFailed          int64
	reportsReceived   int64
	duplicatesSkipped int64
	filtered          int64

	gossipStatus     string
	consensusStatus  string
	consensusBusy    int
	monitorStatus    string
	lastError        string
	members          []gossip.Member
	membersUpdatedAt time.Time
	node             *consensus.Status
	versionOK        *bool
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	StartedAt         time.Time         `json:"started_at"`
	EventsReceived    int64             `json:"events_received"`
	TxBroadcast       int64             `json:"tx_broadcast"`
	TxCommitted       int64             `json:"tx_committed"`
	TxFailed          int64             `json:"tx_failed"`
	ReportsReceived   int64             `json:"reports_received"`
	DuplicatesSkipped int64             `json:"duplicates_skipped"`
	Filtered          int64             `json:"filtered"`
	GossipStatus      string            `json:"gossip_status"`
	ConsensusStatus   string            `json:"consensus_status"`
	MonitorStatus     string            `json:"monitor_status"`
	LastError         string            `json:"last_error,omitempty"`
	Members           []gossip.Member   `json:"members"`
	MembersUpdatedAt  time.Time         `json:"members_updated_at,omitempty"`
	Node              *consensus.Status `json:"node,omitempty"`
	VersionCompatible *bool             `json:"version_compatible,omitempty"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		startedAt:       time.Now().UTC(),
		gossipStatus:    "Initializing...",
		consensusStatus: "Initializing...",
		monitorStatus:   "Initializing...",
	}
}

func (m *Metrics) add(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *Metrics) EventReceived()    { m.add(&m.eventsReceived) }
func (m *Metrics) TxBroadcast()      { m.add(&m.txBroadcast) }
func (m *Metrics) TxCommitted()      { m.add(&m.txCommitted) }
func (m *Metrics) TxFailed()         { m.add(&m.txFailed) }
func (m *Metrics) ReportReceived()   { m.add(&m.reportsReceived) }
func (m *Metrics) DuplicateSkipped() { m.add(&m.duplicatesSkipped) }
func (m *Metrics) Filtered()         { m.add(&m.filtered) }

// SourceStatus records the event source's state. It has the gossip.StatusFunc shape.
func (m *Metrics) SourceStatus(status string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorStatus = status
	if err != nil {
		m.lastError = err.Error()
	}
}

// SetMembers records a membership refresh. On error the cached list is kept.
func (m *Metrics) SetMembers(members []gossip.Member, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gossipStatus = string(resiliency.Classify(err))
	if err != nil {
		m.lastError = "Members fetch error: " + err.Error()
		return
	}
	m.members = append(m.members[:0:0], members...)
	m.membersUpdatedAt = time.Now().UTC()
}

// Members returns the cached member list.
func (m *Metrics) Members() []gossip.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gossip.Member(nil), m.members...)
}

// BeginConsensus marks a broadcast or poll in flight. While any are in flight the
// periodic status refresh leaves the consensus status alone.
func (m *Metrics) BeginConsensus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consensusBusy++
	m.consensusStatus = status
}

// EndConsensus closes a BeginConsensus with the status the call ended in. An empty
// status leaves the current one in place.
func (m *Metrics) EndConsensus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consensusBusy > 0 {
		m.consensusBusy--
	}
	if status != "" {
		m.consensusStatus = status
	}
}

// RefreshConsensus records a status poll of the consensus node. A nil node clears the
// cached node info.
func (m *Metrics) RefreshConsensus(conn resiliency.Connectivity, node *consensus.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consensusBusy == 0 || conn != resiliency.Connected {
		m.consensusStatus = string(conn)
	}
	if node == nil {
		m.node = nil
		return
	}
	n := *node
	m.node = &n
}

// SetVersionCompatible records the result of the node version check.
func (m *Metrics) SetVersionCompatible(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versionOK = &ok
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MetricsSnapshot{
		StartedAt:         m.startedAt,
		EventsReceived:    m.eventsReceived,
		TxBroadcast:       m.txBroadcast,
		TxCommitted:       m.txCommitted,
		TxFailed:          m.txFailed,
		ReportsReceived:   m.reportsReceived,
		DuplicatesSkipped: m.duplicatesSkipped,
		Filtered:          m.filtered,
		GossipStatus:      m.gossipStatus,
		ConsensusStatus:   m.consensusStatus,
		MonitorStatus:     m.monitorStatus,
		LastError:         m.lastError,
		Members:           append([]gossip.Member(nil), m.members...),
		MembersUpdatedAt:  m.membersUpdatedAt,
	}
	if m.node != nil {
		n := *m.node
		s.Node = &n
	}
	if m.versionOK != nil {
		ok := *m.versionOK
		s.VersionCompatible = &ok
	}
	return s
}
