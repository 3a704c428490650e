// Package gossip adapts a Serf deployment to the relay: membership, user event emission,
// and the event sources the relay ingests from.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
)

// DefaultMaxPayload is Serf's default UserEventSizeLimit.
const DefaultMaxPayload = 512

// StatusAlive is the Serf member status of a live peer.
const StatusAlive = "alive"

// ErrPayloadTooLarge is returned when name plus payload exceed the gossip size limit.
var ErrPayloadTooLarge = errors.New("gossip: user event payload too large")

// Member is one peer of the gossip cluster.
type Member struct {
	Name   string            `json:"name"`
	Addr   string            `json:"addr"`
	Port   uint16            `json:"port"`
	Status string            `json:"status"`
	Tags   map[string]string `json:"tags,omitempty"`
}

func (m Member) Alive() bool { return m.Status == StatusAlive }

// Membership lists the peers of the cluster.
type Membership interface {
	Members(ctx context.Context) ([]Member, error)
}

// Emitter publishes user events. Payload is sent as given.
type Emitter interface {
	UserEvent(ctx context.Context, name string, payload []byte) error
}

// Source feeds events into out until ctx is done or the source fails for good.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- events.Event) error
}

// StatusFunc receives a source's connectivity updates. err is nil while healthy.
type StatusFunc func(status string, err error)

// Alive filters members down to live peers, sorted by name.
func Alive(members []Member) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Alive() {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckSize enforces the gossip size limit on one event.
func CheckSize(name string, payload []byte, limit int) error {
	if limit <= 0 {
		return nil
	}
	if n := len(name) + len(payload); n > limit {
		return fmt.Errorf("%w: %d bytes exceeds limit %d", ErrPayloadTooLarge, n, limit)
	}
	return nil
}

// deliver hands ev to out unless ctx is done first.
func deliver(ctx context.Context, out chan<- events.Event, ev events.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
