package resiliency

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker("rpc", 2, 10*time.Second).WithClock(func() time.Time { return now })

	assert.True(t, cb.Allow())
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	// A failed probe re-opens immediately.
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(11 * time.Second)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	assert.Equal(t, Connected, Classify(nil))
	assert.Equal(t, Disconnected, Classify(fmt.Errorf("post: %w", syscall.ECONNREFUSED)))
	assert.Equal(t, Disconnected, Classify(errors.New("dial tcp 127.0.0.1:7373: connect: connection refused")))
	assert.Equal(t, Timeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, Timeout, Classify(fmt.Errorf("get: %w", timeoutErr{})))
	assert.Equal(t, Error, Classify(errors.New("boom")))
}

func TestBackoff(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	d0 := b.Delay(0)
	assert.GreaterOrEqual(t, d0, 100*time.Millisecond)
	assert.Less(t, d0, 150*time.Millisecond)

	d10 := b.Delay(10)
	assert.GreaterOrEqual(t, d10, time.Second)
	assert.Less(t, d10, time.Second+50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Backoff{Base: time.Hour}.Sleep(ctx, 0), context.Canceled)
}
