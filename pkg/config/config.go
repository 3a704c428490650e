// Package config loads relay settings from an optional YAML file overlaid with
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Source kinds.
const (
	SourceSerfRPC     = "serf-rpc"
	SourceMonitor     = "monitor"
	SourceRedisStream = "redis"
)

// Store kinds.
const (
	StoreNone     = ""
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds relay configuration.
type Config struct {
	NodeName string `yaml:"node_name"`
	LogLevel string `yaml:"log_level"`
	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format"`

	Source    SourceConfig    `yaml:"source"`
	Serf      SerfConfig      `yaml:"serf"`
	Redis     RedisConfig     `yaml:"redis"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Relay     RelayConfig     `yaml:"relay"`
	PeerSync  PeerSyncConfig  `yaml:"peer_sync"`
	Store     StoreConfig     `yaml:"store"`
	API       APIConfig       `yaml:"api"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type SourceConfig struct {
	// Kind is one of serf-rpc, monitor or redis.
	Kind           string `yaml:"kind"`
	MonitorCommand string `yaml:"monitor_command"`
	// Emitter publishes reports and triggered events: "serf" or "redis".
	Emitter string `yaml:"emitter"`
}

type SerfConfig struct {
	RPCAddr    string        `yaml:"rpc_addr"`
	AuthKey    string        `yaml:"auth_key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxPayload int           `yaml:"max_payload"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
	// PublishOutcomes appends poll outcomes to Stream.
	PublishOutcomes bool  `yaml:"publish_outcomes"`
	MaxLen          int64 `yaml:"max_len"`
}

type ConsensusConfig struct {
	URL              string        `yaml:"url"`
	PathPrefix       string        `yaml:"path_prefix"`
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
	PollTimeout      time.Duration `yaml:"poll_timeout"`
	StatusTimeout    time.Duration `yaml:"status_timeout"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	// MinVersion is a semver constraint such as ">= 0.38.0".
	MinVersion string `yaml:"min_version"`
}

type RelayConfig struct {
	DedupCapacity    int           `yaml:"dedup_capacity"`
	LedgerCapacity   int           `yaml:"ledger_capacity"`
	BroadcastWorkers int           `yaml:"broadcast_workers"`
	MaxPollers       int           `yaml:"max_pollers"`
	QueueSize        int           `yaml:"queue_size"`
	PollAttempts     int           `yaml:"poll_attempts"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MemberInterval   time.Duration `yaml:"member_interval"`
	StatusInterval   time.Duration `yaml:"status_interval"`
	// Filter is a CEL expression; events for which it is false are skipped.
	Filter string `yaml:"filter"`
}

type PeerSyncConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Derive   bool          `yaml:"derive"`
	P2PPort  int           `yaml:"p2p_port"`
	Prune    bool          `yaml:"prune"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"`
	// DSN is a file path for sqlite or a connection string for postgres.
	DSN string `yaml:"dsn"`
}

type APIConfig struct {
	Listen         string        `yaml:"listen"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
	JWTSecret      string        `yaml:"jwt_secret"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	CORSOrigins    []string      `yaml:"cors_origins"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		NodeName:  host,
		LogLevel:  "INFO",
		LogFormat: "json",
		Source:    SourceConfig{Kind: SourceSerfRPC, MonitorCommand: "serf", Emitter: "serf"},
		Serf: SerfConfig{
			RPCAddr:    "127.0.0.1:7373",
			Timeout:    5 * time.Second,
			MaxPayload: 512,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Stream:   "transEventStream",
			Group:    "execEvents",
			Consumer: host,
			MaxLen:   10000,
		},
		Consensus: ConsensusConfig{
			URL:              "http://localhost:26657",
			BroadcastTimeout: 5 * time.Second,
			PollTimeout:      3 * time.Second,
			StatusTimeout:    3 * time.Second,
			BreakerThreshold: 5,
			BreakerReset:     10 * time.Second,
		},
		Relay: RelayConfig{
			DedupCapacity:    50,
			LedgerCapacity:   20,
			BroadcastWorkers: 4,
			MaxPollers:       16,
			QueueSize:        256,
			PollAttempts:     20,
			PollInterval:     time.Second,
			MemberInterval:   10 * time.Second,
			StatusInterval:   5 * time.Second,
		},
		PeerSync: PeerSyncConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
			P2PPort:  26656,
		},
		API: APIConfig{
			Listen:         ":8080",
			RateLimit:      5,
			RateBurst:      10,
			IdempotencyTTL: 10 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			Insecure:     true,
			SampleRate:   1.0,
			Environment:  "development",
		},
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file, then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

type envReader struct {
	get  func(string) string
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v := e.get(key); v != "" {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v := e.get(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v := e.get(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v := e.get(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v := e.get(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v := e.get(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) list(key string, dst *[]string) {
	if v := e.get(key); v != "" {
		parts := strings.Split(v, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func (c *Config) applyEnv(getenv func(string) string) error {
	e := &envReader{get: getenv}

	e.str("NODE_NAME", &c.NodeName)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("LOG_FORMAT", &c.LogFormat)

	e.str("SOURCE_KIND", &c.Source.Kind)
	e.str("SERF_MONITOR_COMMAND", &c.Source.MonitorCommand)
	e.str("EMITTER", &c.Source.Emitter)

	e.str("SERF_RPC_ADDR", &c.Serf.RPCAddr)
	e.str("SERF_RPC_AUTH", &c.Serf.AuthKey)
	e.duration("SERF_RPC_TIMEOUT", &c.Serf.Timeout)
	e.int("SERF_MAX_PAYLOAD", &c.Serf.MaxPayload)

	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.int("REDIS_DB", &c.Redis.DB)
	e.str("REDIS_STREAM", &c.Redis.Stream)
	e.str("REDIS_GROUP", &c.Redis.Group)
	e.str("REDIS_CONSUMER", &c.Redis.Consumer)
	e.bool("REDIS_PUBLISH_OUTCOMES", &c.Redis.PublishOutcomes)
	e.int64("REDIS_MAX_LEN", &c.Redis.MaxLen)

	e.str("COMETBFT_RPC_URL", &c.Consensus.URL)
	e.str("COMETBFT_RPC_PREFIX", &c.Consensus.PathPrefix)
	e.duration("COMETBFT_BROADCAST_TIMEOUT", &c.Consensus.BroadcastTimeout)
	e.duration("COMETBFT_POLL_TIMEOUT", &c.Consensus.PollTimeout)
	e.duration("COMETBFT_STATUS_TIMEOUT", &c.Consensus.StatusTimeout)
	e.int("COMETBFT_BREAKER_THRESHOLD", &c.Consensus.BreakerThreshold)
	e.duration("COMETBFT_BREAKER_RESET", &c.Consensus.BreakerReset)
	e.str("COMETBFT_MIN_VERSION", &c.Consensus.MinVersion)

	e.int("DEDUP_CAPACITY", &c.Relay.DedupCapacity)
	e.int("LEDGER_CAPACITY", &c.Relay.LedgerCapacity)
	e.int("BROADCAST_WORKERS", &c.Relay.BroadcastWorkers)
	e.int("MAX_POLLERS", &c.Relay.MaxPollers)
	e.int("QUEUE_SIZE", &c.Relay.QueueSize)
	e.int("POLL_ATTEMPTS", &c.Relay.PollAttempts)
	e.duration("POLL_INTERVAL", &c.Relay.PollInterval)
	e.duration("MEMBER_INTERVAL", &c.Relay.MemberInterval)
	e.duration("STATUS_INTERVAL", &c.Relay.StatusInterval)
	e.str("RELAY_FILTER", &c.Relay.Filter)

	e.bool("PEER_SYNC_ENABLED", &c.PeerSync.Enabled)
	e.duration("PEER_SYNC_INTERVAL", &c.PeerSync.Interval)
	e.bool("PEER_SYNC_DERIVE", &c.PeerSync.Derive)
	e.int("COMETBFT_P2P_PORT", &c.PeerSync.P2PPort)
	e.bool("PEER_SYNC_PRUNE", &c.PeerSync.Prune)

	e.str("STORE_KIND", &c.Store.Kind)
	e.str("DATABASE_URL", &c.Store.DSN)

	e.str("API_LISTEN", &c.API.Listen)
	e.float("API_RATE_LIMIT", &c.API.RateLimit)
	e.int("API_RATE_BURST", &c.API.RateBurst)
	e.str("API_JWT_SECRET", &c.API.JWTSecret)
	e.duration("API_IDEMPOTENCY_TTL", &c.API.IdempotencyTTL)
	e.list("CORS_ORIGINS", &c.API.CORSOrigins)

	e.bool("OTEL_ENABLED", &c.Telemetry.Enabled)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	e.bool("OTEL_INSECURE", &c.Telemetry.Insecure)
	e.float("OTEL_SAMPLE_RATE", &c.Telemetry.SampleRate)
	e.str("ENVIRONMENT", &c.Telemetry.Environment)

	if len(e.errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(e.errs...))
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.NodeName != "", "node_name is required")
	switch c.Source.Kind {
	case SourceSerfRPC, SourceMonitor, SourceRedisStream:
	default:
		errs = append(errs, fmt.Errorf("source.kind %q must be one of %s, %s, %s", c.Source.Kind, SourceSerfRPC, SourceMonitor, SourceRedisStream))
	}
	check(c.Source.Emitter == "serf" || c.Source.Emitter == "redis", "source.emitter %q must be serf or redis", c.Source.Emitter)
	check(c.LogFormat == "json" || c.LogFormat == "text", "log_format %q must be json or text", c.LogFormat)

	check(c.Serf.MaxPayload > 0, "serf.max_payload must be positive")
	check(c.Consensus.URL != "", "consensus.url is required")
	check(c.Relay.DedupCapacity >= 1 && c.Relay.DedupCapacity <= 10000, "relay.dedup_capacity %d out of range 1..10000", c.Relay.DedupCapacity)
	check(c.Relay.LedgerCapacity >= 20 && c.Relay.LedgerCapacity <= 100, "relay.ledger_capacity %d out of range 20..100", c.Relay.LedgerCapacity)
	check(c.Relay.PollAttempts >= 1, "relay.poll_attempts must be at least 1")
	check(c.Relay.BroadcastWorkers >= 1, "relay.broadcast_workers must be at least 1")
	check(c.Relay.MaxPollers >= 1, "relay.max_pollers must be at least 1")
	check(c.Relay.QueueSize >= 1, "relay.queue_size must be at least 1")
	check(c.Relay.PollInterval > 0, "relay.poll_interval must be positive")
	check(c.Relay.MemberInterval > 0, "relay.member_interval must be positive")
	check(c.Relay.StatusInterval > 0, "relay.status_interval must be positive")
	if c.PeerSync.Enabled {
		check(c.PeerSync.Interval > 0, "peer_sync.interval must be positive")
		check(c.PeerSync.P2PPort > 0 && c.PeerSync.P2PPort < 65536, "peer_sync.p2p_port %d out of range", c.PeerSync.P2PPort)
	}

	switch c.Store.Kind {
	case StoreNone:
	case StoreSQLite, StorePostgres:
		check(c.Store.DSN != "", "store.dsn is required for %s", c.Store.Kind)
	default:
		errs = append(errs, fmt.Errorf("store.kind %q must be sqlite, postgres or empty", c.Store.Kind))
	}

	check(c.API.RateLimit >= 0, "api.rate_limit must not be negative")
	check(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1, "telemetry.sample_rate must be within 0..1")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Source.Kind == SourceRedisStream || c.Source.Emitter == "redis" || c.Redis.PublishOutcomes
}
