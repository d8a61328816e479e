package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "MARKETSYNC_"

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETSYNC_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			keys := make([]string, len(undec))
			for i, k := range undec {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known MARKETSYNC_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCHTTPURL, "CHAIN_RPC_HTTP_URL")
	setStr(&cfg.Chain.RPCWSURL, "CHAIN_RPC_WS_URL")
	setInt64(&cfg.Chain.ChainID, "CHAIN_CHAIN_ID")
	setStr(&cfg.Chain.MarketAddress, "CHAIN_MARKET_ADDRESS")
	setStr(&cfg.Chain.TokenAddress, "CHAIN_TOKEN_ADDRESS")
	setStr(&cfg.Chain.MulticallAddress, "CHAIN_MULTICALL_ADDRESS")
	setInt(&cfg.Chain.TokenDecimals, "CHAIN_TOKEN_DECIMALS")
	setInt(&cfg.Chain.CollateralDecimals, "CHAIN_COLLATERAL_DECIMALS")

	// ── Indexer ──
	setBool(&cfg.Indexer.Enabled, "INDEXER_ENABLED")
	setDuration(&cfg.Indexer.SyncInterval, "INDEXER_SYNC_INTERVAL")
	setUint64(&cfg.Indexer.LogChunkSize, "INDEXER_LOG_CHUNK_SIZE")
	setDuration(&cfg.Indexer.ChunkDelay, "INDEXER_CHUNK_DELAY")
	setUint64(&cfg.Indexer.StartBlock, "INDEXER_START_BLOCK")
	setDuration(&cfg.Indexer.LockTTL, "INDEXER_LOCK_TTL")
	setBool(&cfg.Indexer.DistributedLock, "INDEXER_DISTRIBUTED_LOCK")
	setDuration(&cfg.Indexer.RPCTimeout, "INDEXER_RPC_TIMEOUT")
	setInt(&cfg.Indexer.RescanLimit, "INDEXER_RESCAN_LIMIT")

	// ── Watcher ──
	setBool(&cfg.Watcher.Enabled, "WATCHER_ENABLED")
	setDuration(&cfg.Watcher.BackoffFloor, "WATCHER_BACKOFF_FLOOR")
	setDuration(&cfg.Watcher.BackoffCeiling, "WATCHER_BACKOFF_CEILING")
	setDuration(&cfg.Watcher.HandshakeTimeout, "WATCHER_HANDSHAKE_TIMEOUT")
	setInt(&cfg.Watcher.QueueSize, "WATCHER_QUEUE_SIZE")
	setBool(&cfg.Watcher.PersistRegistry, "WATCHER_PERSIST_REGISTRY")
	setStr(&cfg.Watcher.CommandChannel, "WATCHER_COMMAND_CHANNEL")
	setStr(&cfg.Watcher.DepositStream, "WATCHER_DEPOSIT_STREAM")
	setStr(&cfg.Watcher.DepositChannel, "WATCHER_DEPOSIT_CHANNEL")
	setDuration(&cfg.Watcher.DedupTTL, "WATCHER_DEDUP_TTL")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "SUPABASE_DSN")
	setStr(&cfg.Supabase.Host, "SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Snapshot ──
	setBool(&cfg.Snapshot.Enabled, "SNAPSHOT_ENABLED")
	setStr(&cfg.Snapshot.Cron, "SNAPSHOT_CRON")
	setStr(&cfg.Snapshot.Prefix, "SNAPSHOT_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the prefixed
// environment variable is present and parses.
// ---------------------------------------------------------------------------

func env(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func setStr(dst *string, key string) {
	if v := env(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if n, err := strconv.Atoi(env(key)); err == nil {
		*dst = n
	}
}

func setInt64(dst *int64, key string) {
	if n, err := strconv.ParseInt(env(key), 10, 64); err == nil {
		*dst = n
	}
}

func setUint64(dst *uint64, key string) {
	if n, err := strconv.ParseUint(env(key), 10, 64); err == nil {
		*dst = n
	}
}

func setBool(dst *bool, key string) {
	if b, err := strconv.ParseBool(env(key)); err == nil {
		*dst = b
	}
}

func setDuration(dst *duration, key string) {
	if d, err := time.ParseDuration(env(key)); err == nil {
		dst.Duration = d
	}
}

func setStringSlice(dst *[]string, key string) {
	v := env(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
