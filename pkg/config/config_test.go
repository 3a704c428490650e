package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.NodeName = "n1"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Relay.DedupCapacity)
	assert.Equal(t, 20, cfg.Relay.LedgerCapacity)
	assert.Equal(t, SourceSerfRPC, cfg.Source.Kind)
	assert.False(t, cfg.UsesRedis())
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"NODE_NAME":           "n2",
		"SERF_RPC_ADDR":       "10.0.0.2:7373",
		"COMETBFT_RPC_URL":    "http://10.0.0.2:26657",
		"COMETBFT_RPC_PREFIX": "/v1",
		"SOURCE_KIND":         "redis",
		"POLL_INTERVAL":       "250ms",
		"PEER_SYNC_PRUNE":     "true",
		"API_RATE_LIMIT":      "2.5",
		"CORS_ORIGINS":        "http://a.local, http://b.local,",
	}))
	require.NoError(t, err)

	assert.Equal(t, "n2", cfg.NodeName)
	assert.Equal(t, "10.0.0.2:7373", cfg.Serf.RPCAddr)
	assert.Equal(t, "/v1", cfg.Consensus.PathPrefix)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.PollInterval)
	assert.True(t, cfg.PeerSync.Prune)
	assert.Equal(t, 2.5, cfg.API.RateLimit)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.API.CORSOrigins)
	assert.True(t, cfg.UsesRedis())
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_MalformedValues(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"POLL_ATTEMPTS":   "many",
		"POLL_INTERVAL":   "soon",
		"PEER_SYNC_PRUNE": "perhaps",
	}))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "POLL_ATTEMPTS")
	assert.Contains(t, err.Error(), "POLL_INTERVAL")
	assert.Contains(t, err.Error(), "PEER_SYNC_PRUNE")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"dedup too small":    func(c *Config) { c.Relay.DedupCapacity = 0 },
		"dedup too large":    func(c *Config) { c.Relay.DedupCapacity = 10001 },
		"ledger too small":   func(c *Config) { c.Relay.LedgerCapacity = 19 },
		"ledger too large":   func(c *Config) { c.Relay.LedgerCapacity = 101 },
		"no poll attempts":   func(c *Config) { c.Relay.PollAttempts = 0 },
		"zero poll interval": func(c *Config) { c.Relay.PollInterval = 0 },
		"unknown source":     func(c *Config) { c.Source.Kind = "kafka" },
		"unknown emitter":    func(c *Config) { c.Source.Emitter = "carrier-pigeon" },
		"store without dsn":  func(c *Config) { c.Store.Kind = StoreSQLite },
		"unknown store":      func(c *Config) { c.Store.Kind = "mongo" },
		"no node name":       func(c *Config) { c.NodeName = "" },
		"bad sample rate":    func(c *Config) { c.Telemetry.SampleRate = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			cfg.NodeName = "n1"
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serfbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_name: n3
source:
  kind: monitor
consensus:
  url: http://cometbft:26657
  min_version: ">= 0.38.0"
relay:
  ledger_capacity: 40
  poll_interval: 500ms
  filter: 'event.name.startsWith("transfer-")'
store:
  kind: sqlite
  dsn: /tmp/outcomes.db
`), 0o600))

	t.Setenv("COMETBFT_RPC_URL", "http://override:26657")
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "n3", cfg.NodeName)
	assert.Equal(t, SourceMonitor, cfg.Source.Kind)
	assert.Equal(t, "http://override:26657", cfg.Consensus.URL, "env wins over file")
	assert.Equal(t, ">= 0.38.0", cfg.Consensus.MinVersion)
	assert.Equal(t, 40, cfg.Relay.LedgerCapacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.PollInterval)
	assert.Equal(t, 20, cfg.Relay.PollAttempts, "unset fields keep defaults")
	assert.Equal(t, StoreSQLite, cfg.Store.Kind)
}

func TestLoadFile_Errors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay: [unclosed"), 0o600))
	_, err = LoadFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("node_name: n1\nrelay:\n  ledger_capacity: 5\n"), 0o600))
	_, err = LoadFile(path)
	assert.ErrorIs(t, err, ErrInvalid)
}
