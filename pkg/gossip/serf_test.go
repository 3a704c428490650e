package gossip

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/serf/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
)

type fakeRPC struct {
	mu       sync.Mutex
	members  []client.Member
	sent     []string
	records  []map[string]interface{}
	closed   bool
	eventErr error
}

func (f *fakeRPC) Members() ([]client.Member, error) { return f.members, nil }

func (f *fakeRPC) UserEvent(name string, payload []byte, coalesce bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eventErr != nil {
		return f.eventErr
	}
	f.sent = append(f.sent, name+"="+string(payload))
	return nil
}

func (f *fakeRPC) Stream(filter string, ch chan<- map[string]interface{}) (client.StreamHandle, error) {
	go func() {
		for _, r := range f.records {
			ch <- r
		}
	}()
	return client.StreamHandle(1), nil
}

func (f *fakeRPC) Stop(client.StreamHandle) error { return nil }

func (f *fakeRPC) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeRPC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newFakeSerf(rpc *fakeRPC, maxPayload int) *Serf {
	s := NewSerf(SerfConfig{MaxPayload: maxPayload})
	s.dial = func() (serfRPC, error) { return rpc, nil }
	return s
}

func TestSerf_Members(t *testing.T) {
	rpc := &fakeRPC{members: []client.Member{
		{Name: "n1", Addr: net.ParseIP("10.0.0.1"), Port: 7946, Status: "alive", Tags: map[string]string{"role": "node"}},
		{Name: "n2", Status: "left"},
	}}
	s := newFakeSerf(rpc, 0)

	members, err := s.Members(context.Background())
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, Member{Name: "n1", Addr: "10.0.0.1", Port: 7946, Status: "alive", Tags: map[string]string{"role": "node"}}, members[0])
	assert.Equal(t, "", members[1].Addr)
}

func TestSerf_UserEvent(t *testing.T) {
	rpc := &fakeRPC{}
	s := newFakeSerf(rpc, 16)

	require.NoError(t, s.UserEvent(context.Background(), "ping", []byte("abc")))
	assert.Equal(t, []string{"ping=abc"}, rpc.sent)

	err := s.UserEvent(context.Background(), "ping", make([]byte, 32))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSerf_UserEventFailureRedials(t *testing.T) {
	rpc := &fakeRPC{eventErr: errors.New("broken pipe")}
	dials := 0
	s := NewSerf(SerfConfig{})
	s.dial = func() (serfRPC, error) {
		dials++
		return rpc, nil
	}

	require.Error(t, s.UserEvent(context.Background(), "x", nil))
	rpc.eventErr = nil
	rpc.closed = false
	require.NoError(t, s.UserEvent(context.Background(), "x", nil))
	assert.Equal(t, 2, dials)
}

func TestSerf_ConnectError(t *testing.T) {
	s := NewSerf(SerfConfig{})
	s.dial = func() (serfRPC, error) { return nil, errors.New("dial tcp 127.0.0.1:7373: connect: connection refused") }
	_, err := s.Members(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestSerf_RunStreamsUserEvents(t *testing.T) {
	rpc := &fakeRPC{records: []map[string]interface{}{
		{"Event": "user", "Name": "transfer-n1-to-n2", "Payload": []byte("e30="), "LTime": uint64(1)},
		{"Event": "user"},
		{"Event": "user", "Name": "report-tx-status-n2", "Payload": []byte("e30="), "LTime": uint64(2)},
	}}
	s := newFakeSerf(rpc, 0)

	var statuses []string
	var mu sync.Mutex
	s.OnStatus(func(status string, err error) {
		mu.Lock()
		statuses = append(statuses, status)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan events.Event, 4)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, out) }()

	first := <-out
	second := <-out
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, "transfer-n1-to-n2", first.Name)
	assert.Equal(t, []byte("{}"), first.Payload)
	assert.Equal(t, events.KindReport, second.Kind)
	mu.Lock()
	assert.Contains(t, statuses, "Connected")
	mu.Unlock()
}
