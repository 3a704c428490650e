package gossip

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

func TestScan_DeliversEveryShape(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte(`{"type":"transfer"}`))
	output := strings.Join([]string{
		"==> Starting Serf agent...",
		"Event Info:",
		"    Coalesce: false",
		`    Event: "user"`,
		"    LTime: 3",
		`    Name: "a"`,
		"    Payload: []byte{0x65, 0x33, 0x30, 0x3d}",
		"[INFO] serf: Received event: user-event: b Payload: " + payload,
		`{"name":"c","payload":"` + payload + `"}`,
		"",
	}, "\n")

	out := make(chan events.Event, 8)
	require.NoError(t, Scan(context.Background(), strings.NewReader(output), events.SourceMonitor, out))
	close(out)

	var names []string
	for ev := range out {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

func TestScan_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := make(chan events.Event)
	err := Scan(ctx, strings.NewReader(`{"name":"a","payload":""}`+"\n"), events.SourceMonitor, out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMonitor_RestartsMissingBinary(t *testing.T) {
	m := NewMonitor(MonitorConfig{
		Command: "/nonexistent/serf-binary",
		Restart: resiliency.Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	var mu sync.Mutex
	var statuses []string
	var lastErr error
	m.OnStatus(func(status string, err error) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, status)
		if err != nil {
			lastErr = err
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx, make(chan events.Event)))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, "Restarting")
	assert.Equal(t, "Stopped", statuses[len(statuses)-1])
	require.Error(t, lastErr)
	assert.Contains(t, lastErr.Error(), "start")
}

func TestMonitor_RestartsWhenOutputUnreadable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "serf")
	body := "#!/bin/sh\nhead -c 2100000 /dev/zero | tr '\\0' a\necho\nexec sleep 30\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	m := NewMonitor(MonitorConfig{
		Command: script,
		Restart: resiliency.Backoff{Base: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	})

	var mu sync.Mutex
	var statuses []string
	m.OnStatus(func(status string, err error) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, status)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, make(chan events.Event)) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Contains(statuses, "Restarting")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
