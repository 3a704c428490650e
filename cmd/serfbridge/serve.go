package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Edge-Emulator/Edge-Emulator/pkg/api"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/auth"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/config"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/consensus"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/dedup"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/filter"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/gossip"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/ledger"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/observability"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/peersync"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/relay"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/report"
	"github.com/Edge-Emulator/Edge-Emulator/pkg/store"
)

const shutdownGrace = 10 * time.Second

func runServeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML config file (default $SERFBRIDGE_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%sconfig: %v%s\n", ColorRed, err, ColorReset)
		return 1
	}
	logger := newLogger(cfg, stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	_, _ = fmt.Fprintf(stdout, "%sserfbridge %s%s relaying %s -> %s, api %s\n",
		ColorBold+ColorBlue, version, ColorReset, cfg.Source.Kind, cfg.Consensus.URL, cfg.API.Listen)
	if err := a.run(ctx); err != nil {
		logger.Error("relay failed", "error", err)
		return 1
	}
	return 0
}

// app is a fully wired relay process.
type app struct {
	cfg       *config.Config
	relay     *relay.Relay
	server    *http.Server
	telemetry *observability.Provider
	closers   []func() error
	logger    *slog.Logger
}

type statusReporter interface {
	OnStatus(gossip.StatusFunc)
}

// build assembles every component from cfg. Nothing dials until run.
func build(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: slog.Default().With("component", "main")}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.telemetry, err = observability.New(ctx, &observability.Config{
		ServiceName:    "serfbridge",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	metrics := relay.NewMetrics()
	serf := gossip.NewSerf(gossip.SerfConfig{
		Addr:       cfg.Serf.RPCAddr,
		AuthKey:    cfg.Serf.AuthKey,
		Timeout:    cfg.Serf.Timeout,
		MaxPayload: cfg.Serf.MaxPayload,
	})
	a.closers = append(a.closers, serf.Close)

	var rdb *redis.Client
	var stream *gossip.RedisStream
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.closers = append(a.closers, rdb.Close)
		stream = gossip.NewRedisStreamWithClient(rdb, gossip.RedisStreamConfig{
			Stream:     cfg.Redis.Stream,
			Group:      cfg.Redis.Group,
			Consumer:   cfg.Redis.Consumer,
			MaxPayload: cfg.Serf.MaxPayload,
		})
	}

	var source gossip.Source
	switch cfg.Source.Kind {
	case config.SourceMonitor:
		source = gossip.NewMonitor(gossip.MonitorConfig{Command: cfg.Source.MonitorCommand, RPCAddr: cfg.Serf.RPCAddr})
	case config.SourceRedisStream:
		source = stream
	default:
		source = serf
	}
	if sr, ok := source.(statusReporter); ok {
		sr.OnStatus(metrics.SourceStatus)
	}

	var emitter gossip.Emitter = serf
	if cfg.Source.Emitter == "redis" {
		emitter = stream
	}

	cons := consensus.NewClient(consensus.Config{
		URL:              cfg.Consensus.URL,
		PathPrefix:       cfg.Consensus.PathPrefix,
		BroadcastTimeout: cfg.Consensus.BroadcastTimeout,
		PollTimeout:      cfg.Consensus.PollTimeout,
		StatusTimeout:    cfg.Consensus.StatusTimeout,
		BreakerThreshold: cfg.Consensus.BreakerThreshold,
		BreakerReset:     cfg.Consensus.BreakerReset,
	})

	led := ledger.New(cfg.Relay.LedgerCapacity)
	prop := report.NewPropagator(emitter, led, cfg.NodeName, report.WithMaxPayload(cfg.Serf.MaxPayload))

	var syncer *peersync.Syncer
	if cfg.PeerSync.Enabled {
		syncer = peersync.New(serf, cons, peersync.Config{
			Interval: cfg.PeerSync.Interval,
			Derive:   cfg.PeerSync.Derive,
			P2PPort:  cfg.PeerSync.P2PPort,
			Prune:    cfg.PeerSync.Prune,
			Self:     cfg.NodeName,
		})
	}

	flt, err := filter.Compile(cfg.Relay.Filter)
	if err != nil {
		return nil, err
	}

	archive, sinks, err := a.openStores(ctx, rdb)
	if err != nil {
		return nil, err
	}
	var sink store.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	a.relay, err = relay.New(relay.Options{
		NodeName:            cfg.NodeName,
		BroadcastWorkers:    cfg.Relay.BroadcastWorkers,
		MaxPollers:          cfg.Relay.MaxPollers,
		QueueSize:           cfg.Relay.QueueSize,
		PollAttempts:        cfg.Relay.PollAttempts,
		PollInterval:        cfg.Relay.PollInterval,
		MemberInterval:      cfg.Relay.MemberInterval,
		StatusInterval:      cfg.Relay.StatusInterval,
		P2PPort:             cfg.PeerSync.P2PPort,
		MinConsensusVersion: cfg.Consensus.MinVersion,
	}, relay.Deps{
		Source:     source,
		Membership: serf,
		Consensus:  cons,
		Ledger:     led,
		Dedup:      dedup.NewWindow(cfg.Relay.DedupCapacity),
		Propagator: prop,
		PeerSync:   syncer,
		Filter:     flt,
		Sink:       sink,
		Metrics:    metrics,
		Telemetry:  a.telemetry,
	})
	if err != nil {
		return nil, err
	}

	var idem api.IdempotencyStorer
	if rdb != nil {
		idem = api.NewRedisIdempotencyStore(rdb, cfg.API.IdempotencyTTL)
	} else {
		idem = api.NewMemoryIdempotencyStore(ctx, cfg.API.IdempotencyTTL)
	}
	var limiter *api.RateLimiter
	if cfg.API.RateLimit > 0 {
		limiter = api.NewRateLimiter(ctx, cfg.API.RateLimit, cfg.API.RateBurst)
	}

	srv := api.NewServer(api.Config{NodeName: cfg.NodeName, MaxPayload: cfg.Serf.MaxPayload}, api.Deps{
		Relay:       a.relay,
		Metrics:     metrics,
		Ledger:      led,
		Emitter:     emitter,
		Archive:     archive,
		Idempotency: idem,
		Limiter:     limiter,
	})
	a.server = &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           a.handler(srv.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return a, nil
}

// handler wraps the API routes in the auth, CORS, access-log and request-id layers.
func (a *app) handler(routes http.Handler) http.Handler {
	h := routes
	if a.cfg.API.JWTSecret != "" {
		h = auth.NewMiddleware(auth.NewValidator(a.cfg.API.JWTSecret))(h)
	} else {
		a.logger.Warn("API_JWT_SECRET not set; POST /api/trigger is unauthenticated")
	}
	h = auth.CORSMiddleware(a.cfg.API.CORSOrigins)(h)
	h = auth.AccessLog(slog.Default().With("component", "http"))(h)
	return auth.RequestIDMiddleware(h)
}

func (a *app) openStores(ctx context.Context, rdb *redis.Client) (store.Archive, store.Fanout, error) {
	var archive store.Archive
	switch a.cfg.Store.Kind {
	case config.StoreSQLite:
		s, err := store.OpenSQLite(a.cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite outcome store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		archive = s
	case config.StorePostgres:
		s, err := store.OpenPostgres(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres outcome store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		archive = s
	}

	var sinks store.Fanout
	if archive != nil {
		sinks = append(sinks, archive)
	}
	if a.cfg.Redis.PublishOutcomes && rdb != nil {
		sinks = append(sinks, store.NewRedisOutcomeStream(rdb, a.cfg.Redis.Stream, a.cfg.Redis.MaxLen))
	}
	return archive, sinks, nil
}

// run serves the API and the relay until ctx is done, then drains both.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.relay.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("api listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
		a.telemetry = nil
	}
}
