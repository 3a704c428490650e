package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/redis/go-redis/v9"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/config"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/consensus"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/gossip"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/store"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file (default $SERFBRIDGE_CONFIG)")
	asJSON := fs.Bool("json", false, "print results as JSON")
	timeout := fs.Duration("timeout", 5*time.Second, "per-check timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		return printDoctor(stdout, results, *asJSON)
	}
	results = append(results, checkResult{Name: "config", Status: "ok", Detail: fmt.Sprintf("node %s, source %s", cfg.NodeName, cfg.Source.Kind)})

	ctx := context.Background()
	results = append(results, checkSerf(ctx, cfg, *timeout))
	results = append(results, checkConsensus(ctx, cfg, *timeout)...)
	if cfg.UsesRedis() {
		results = append(results, checkRedis(ctx, cfg, *timeout))
	}
	if cfg.Store.Kind != config.StoreNone {
		results = append(results, checkStore(ctx, cfg, *timeout))
	}
	return printDoctor(stdout, results, *asJSON)
}

func checkSerf(ctx context.Context, cfg *config.Config, timeout time.Duration) checkResult {
	serf := gossip.NewSerf(gossip.SerfConfig{Addr: cfg.Serf.RPCAddr, AuthKey: cfg.Serf.AuthKey, Timeout: timeout})
	defer serf.Close()
	members, err := serf.Members(ctx)
	if err != nil {
		return checkResult{Name: "serf_rpc", Status: "fail", Detail: err.Error()}
	}
	alive := gossip.Alive(members)
	status := "ok"
	if len(alive) < 2 {
		status = "warn"
	}
	return checkResult{Name: "serf_rpc", Status: status, Detail: fmt.Sprintf("%s: %d members, %d alive", cfg.Serf.RPCAddr, len(members), len(alive))}
}

func checkConsensus(ctx context.Context, cfg *config.Config, timeout time.Duration) []checkResult {
	client := consensus.NewClient(consensus.Config{
		URL:           cfg.Consensus.URL,
		PathPrefix:    cfg.Consensus.PathPrefix,
		StatusTimeout: timeout,
	})
	if err := client.Health(ctx); err != nil {
		return []checkResult{{Name: "cometbft_rpc", Status: "fail", Detail: err.Error()}}
	}
	st, err := client.Status(ctx)
	if err != nil {
		return []checkResult{{Name: "cometbft_rpc", Status: "fail", Detail: err.Error()}}
	}
	out := []checkResult{{
		Name:   "cometbft_rpc",
		Status: "ok",
		Detail: fmt.Sprintf("%s (%s) height %d", st.Moniker, st.Network, st.LatestBlockHeight),
	}}
	if st.CatchingUp {
		out[0].Status = "warn"
		out[0].Detail += ", catching up"
	}

	if cfg.Consensus.MinVersion == "" {
		return out
	}
	version := checkResult{Name: "cometbft_version", Status: "ok", Detail: st.Version}
	constraint, err := semver.NewConstraint(cfg.Consensus.MinVersion)
	if err != nil {
		version.Status, version.Detail = "fail", fmt.Sprintf("bad constraint %q: %v", cfg.Consensus.MinVersion, err)
		return append(out, version)
	}
	v, err := semver.NewVersion(st.Version)
	switch {
	case err != nil:
		version.Status, version.Detail = "warn", fmt.Sprintf("unparseable version %q", st.Version)
	case !constraint.Check(v):
		version.Status, version.Detail = "fail", fmt.Sprintf("%s does not satisfy %s", st.Version, cfg.Consensus.MinVersion)
	}
	return append(out, version)
}

func checkRedis(ctx context.Context, cfg *config.Config, timeout time.Duration) checkResult {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return checkResult{Name: "redis", Status: "fail", Detail: err.Error()}
	}
	n, err := rdb.XLen(ctx, cfg.Redis.Stream).Result()
	if err != nil {
		return checkResult{Name: "redis", Status: "warn", Detail: fmt.Sprintf("stream %s: %v", cfg.Redis.Stream, err)}
	}
	return checkResult{Name: "redis", Status: "ok", Detail: fmt.Sprintf("%s stream %s has %d entries", cfg.Redis.Addr, cfg.Redis.Stream, n)}
}

func checkStore(ctx context.Context, cfg *config.Config, timeout time.Duration) checkResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var (
		archive store.Archive
		closer  func() error
	)
	switch cfg.Store.Kind {
	case config.StoreSQLite:
		s, err := store.OpenSQLite(cfg.Store.DSN)
		if err != nil {
			return checkResult{Name: "outcome_store", Status: "fail", Detail: err.Error()}
		}
		archive, closer = s, s.Close
	case config.StorePostgres:
		s, err := store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return checkResult{Name: "outcome_store", Status: "fail", Detail: err.Error()}
		}
		archive, closer = s, s.Close
	}
	defer func() { _ = closer() }()
	recent, err := archive.List(ctx, 1)
	if err != nil {
		return checkResult{Name: "outcome_store", Status: "fail", Detail: err.Error()}
	}
	detail := cfg.Store.Kind + ": empty"
	if len(recent) > 0 {
		detail = fmt.Sprintf("%s: last outcome %s at %s", cfg.Store.Kind, recent[0].EventName, recent[0].CompletedAt.Format(time.RFC3339))
	}
	return checkResult{Name: "outcome_store", Status: "ok", Detail: detail}
}

func printDoctor(stdout io.Writer, results []checkResult, asJSON bool) int {
	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		fmt.Fprintf(stdout, "\n%sserfbridge doctor%s\n", ColorBold+ColorBlue, ColorReset)
		fmt.Fprintln(stdout, "─────────────────")
		for _, r := range results {
			icon := "✅"
			if r.Status == "warn" {
				icon = "⚠️ "
			} else if r.Status == "fail" {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-18s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
		}
		if allOK {
			fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		}
	}
	if allOK {
		return 0
	}
	return 1
}
