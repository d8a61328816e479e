package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMarket = "0x1111111111111111111111111111111111111111"
	testToken  = "0x2222222222222222222222222222222222222222"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func validConfig() Config {
	cfg := Defaults()
	cfg.Chain.RPCHTTPURL = "https://rpc.example.com"
	cfg.Chain.RPCWSURL = "wss://rpc.example.com"
	cfg.Chain.MarketAddress = testMarket
	cfg.Chain.TokenAddress = testToken
	return cfg
}

func TestDefaultsNeedOnlyChainSettings(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Watcher.BackoffFloor.Duration)
	assert.Equal(t, 60*time.Second, cfg.Watcher.BackoffCeiling.Duration)
	assert.Equal(t, uint64(10_000), cfg.Indexer.LogChunkSize)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "indexer"

[chain]
rpc_http_url = "https://rpc.example.com"
market_address = "`+testMarket+`"

[indexer]
sync_interval = "2m"
start_block = 1200
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeIndexer, cfg.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Indexer.SyncInterval.Duration)
	assert.Equal(t, uint64(1200), cfg.Indexer.StartBlock)
	// untouched defaults survive
	assert.Equal(t, 50*time.Millisecond, cfg.Indexer.ChunkDelay.Duration)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "[indexer]\nchunk_sise = 5\n"))
	assert.ErrorContains(t, err, "indexer.chunk_sise")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "[watcher]\nbackoff_floor = \"soon\"\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MARKETSYNC_MODE", "watcher")
	t.Setenv("MARKETSYNC_CHAIN_RPC_WS_URL", "wss://override.example.com")
	t.Setenv("MARKETSYNC_CHAIN_TOKEN_ADDRESS", testToken)
	t.Setenv("MARKETSYNC_CHAIN_CHAIN_ID", "137")
	t.Setenv("MARKETSYNC_WATCHER_BACKOFF_CEILING", "2m")
	t.Setenv("MARKETSYNC_INDEXER_LOG_CHUNK_SIZE", "500")
	t.Setenv("MARKETSYNC_NOTIFY_EVENTS", "deposit_received, ,service_started")
	t.Setenv("MARKETSYNC_REDIS_DB", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeWatcher, cfg.Mode)
	assert.Equal(t, "wss://override.example.com", cfg.Chain.RPCWSURL)
	assert.Equal(t, int64(137), cfg.Chain.ChainID)
	assert.Equal(t, 2*time.Minute, cfg.Watcher.BackoffCeiling.Duration)
	assert.Equal(t, uint64(500), cfg.Indexer.LogChunkSize)
	assert.Equal(t, []string{"deposit_received", "service_started"}, cfg.Notify.Events)
	assert.Equal(t, 0, cfg.Redis.DB, "unparseable override is ignored")
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown mode "trade"`)
	assert.Contains(t, err.Error(), `unknown log_level "loud"`)
	assert.Contains(t, err.Error(), "server: port")
}

func TestValidatePerMode(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"indexer needs http rpc", func(c *Config) { c.Mode = ModeIndexer; c.Chain.RPCHTTPURL = "" }, "rpc_http_url"},
		{"rescan needs market address", func(c *Config) { c.Mode = ModeRescan; c.Chain.MarketAddress = "nope" }, "market_address"},
		{"watcher needs ws rpc", func(c *Config) { c.Mode = ModeWatcher; c.Chain.RPCWSURL = "" }, "rpc_ws_url"},
		{"watcher backoff order", func(c *Config) {
			c.Mode = ModeWatcher
			c.Watcher.BackoffCeiling.Duration = time.Second
		}, "backoff_ceiling"},
		{"full needs a component", func(c *Config) {
			c.Indexer.Enabled = false
			c.Watcher.Enabled = false
		}, "at least one"},
		{"snapshot needs bucket", func(c *Config) { c.Snapshot.Enabled = true; c.S3.Bucket = "" }, "s3: bucket"},
		{"snapshot cron fields", func(c *Config) { c.Snapshot.Enabled = true; c.Snapshot.Cron = "hourly" }, "snapshot: cron"},
		{"lock needs ttl", func(c *Config) {
			c.Indexer.DistributedLock = true
			c.Indexer.LockTTL.Duration = 0
		}, "lock_ttl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestWatcherModeSkipsIndexerChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = ModeWatcher
	cfg.Chain.RPCHTTPURL = ""
	cfg.Chain.MarketAddress = ""
	cfg.Supabase.Host = ""
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.NeedsPostgres())
	assert.True(t, cfg.RunsWatcher())
	assert.False(t, cfg.RunsIndexer())
}

func TestModeNormalised(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "  FULL "
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeFull, cfg.Mode)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Chain.RPCHTTPURL = "https://mainnet.infura.io/v3/abc123"
	cfg.Chain.RPCWSURL = "wss://node.example.com"
	cfg.Supabase.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.APIKey = "api-secret"
	cfg.Notify.TelegramToken = "tg-secret"

	out := RedactedConfig(&cfg)

	assert.Equal(t, "https://mainnet.infura.io/***", out.Chain.RPCHTTPURL)
	assert.Equal(t, "wss://node.example.com", out.Chain.RPCWSURL)
	assert.Equal(t, redacted, out.Supabase.Password)
	assert.Equal(t, redacted, out.Redis.Password)
	assert.Equal(t, redacted, out.S3.SecretKey)
	assert.Equal(t, redacted, out.Server.APIKey)
	assert.Equal(t, redacted, out.Notify.TelegramToken)
	assert.Empty(t, out.Notify.DiscordWebhookURL)

	// original untouched
	assert.Equal(t, "pg-secret", cfg.Supabase.Password)
	out.Notify.Events[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Notify.Events[0])
}
