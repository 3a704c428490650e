package gossip

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/events"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/util/resiliency"
)

const maxLineBytes = 1 << 20

// MonitorConfig describes the `serf monitor` process to supervise.
type MonitorConfig struct {
	Command  string
	RPCAddr  string
	LogLevel string
	Restart  resiliency.Backoff
}

// Monitor runs `serf monitor` and parses its output. The process is restarted with
// backoff whenever it exits.
type Monitor struct {
	cfg      MonitorConfig
	onStatus StatusFunc
	logger   *slog.Logger
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Command == "" {
		cfg.Command = "serf"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "debug"
	}
	if cfg.Restart.Base <= 0 {
		cfg.Restart = resiliency.Backoff{Base: time.Second, Max: 30 * time.Second}
	}
	return &Monitor{
		cfg:    cfg,
		logger: slog.Default().With("component", "gossip", "transport", "serf-monitor"),
	}
}

func (m *Monitor) OnStatus(fn StatusFunc) { m.onStatus = fn }

func (m *Monitor) Name() string { return events.SourceMonitor }

func (m *Monitor) args() []string {
	args := []string{"monitor", "-log-level=" + m.cfg.LogLevel}
	if m.cfg.RPCAddr != "" {
		args = append(args, "-rpc-addr="+m.cfg.RPCAddr)
	}
	return args
}

func (m *Monitor) Run(ctx context.Context, out chan<- events.Event) error {
	defer m.status("Stopped", nil)
	for attempt := 0; ; attempt++ {
		started := time.Now()
		err := m.runOnce(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		m.status("Restarting", err)
		m.logger.WarnContext(ctx, "serf monitor exited, restarting", "error", err, "attempt", attempt)
		if m.cfg.Restart.Sleep(ctx, attempt) != nil {
			return nil
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context, out chan<- events.Event) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	//nolint:gosec // G204: command and args come from operator configuration
	cmd := exec.CommandContext(runCtx, m.cfg.Command, m.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("monitor: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("monitor: start %s: %w", m.cfg.Command, err)
	}
	m.status("Running", nil)
	m.logger.InfoContext(ctx, "serf monitor started", "pid", cmd.Process.Pid)

	scanErr := Scan(ctx, stdout, events.SourceMonitor, out)
	if scanErr != nil {
		// The process never exits on its own; stop it so Wait returns.
		cancel()
	}
	waitErr := cmd.Wait()
	if scanErr != nil {
		return scanErr
	}
	if waitErr != nil {
		return fmt.Errorf("monitor: %w", waitErr)
	}
	return fmt.Errorf("monitor: process exited")
}

func (m *Monitor) status(status string, err error) {
	if m.onStatus != nil {
		m.onStatus(status, err)
	}
}

// Scan normalizes every line of r and delivers the resulting events until EOF.
func Scan(ctx context.Context, r io.Reader, source string, out chan<- events.Event) error {
	n := events.NewNormalizer(source)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		ev, ok := n.Feed(sc.Text())
		if !ok {
			continue
		}
		if !deliver(ctx, out, ev) {
			return ctx.Err()
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("monitor: read output: %w", err)
	}
	return nil
}
