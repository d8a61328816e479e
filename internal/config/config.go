// Package config defines the marketsync configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Mode selects which components a process runs.
const (
	ModeIndexer = "indexer"
	ModeWatcher = "watcher"
	ModeRescan  = "rescan"
	ModeFull    = "full"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETSYNC_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Indexer  IndexerConfig  `toml:"indexer"`
	Watcher  WatcherConfig  `toml:"watcher"`
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds RPC endpoints and contract addresses.
type ChainConfig struct {
	RPCHTTPURL         string `toml:"rpc_http_url"`
	RPCWSURL           string `toml:"rpc_ws_url"`
	ChainID            int64  `toml:"chain_id"`
	MarketAddress      string `toml:"market_address"`
	TokenAddress       string `toml:"token_address"`
	MulticallAddress   string `toml:"multicall_address"`
	TokenDecimals      int    `toml:"token_decimals"`
	CollateralDecimals int    `toml:"collateral_decimals"`
}

// IndexerConfig holds the market indexer parameters.
type IndexerConfig struct {
	Enabled         bool     `toml:"enabled"`
	SyncInterval    duration `toml:"sync_interval"`
	LogChunkSize    uint64   `toml:"log_chunk_size"`
	ChunkDelay      duration `toml:"chunk_delay"`
	StartBlock      uint64   `toml:"start_block"`
	LockTTL         duration `toml:"lock_ttl"`
	DistributedLock bool     `toml:"distributed_lock"`
	RPCTimeout      duration `toml:"rpc_timeout"`
	RescanLimit     int      `toml:"rescan_limit"`
}

// WatcherConfig holds the deposit watcher parameters.
type WatcherConfig struct {
	Enabled          bool     `toml:"enabled"`
	BackoffFloor     duration `toml:"backoff_floor"`
	BackoffCeiling   duration `toml:"backoff_ceiling"`
	HandshakeTimeout duration `toml:"handshake_timeout"`
	QueueSize        int      `toml:"queue_size"`
	PersistRegistry  bool     `toml:"persist_registry"`
	CommandChannel   string   `toml:"command_channel"`
	DepositStream    string   `toml:"deposit_stream"`
	DepositChannel   string   `toml:"deposit_channel"`
	DedupTTL         duration `toml:"dedup_ttl"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	Namespace  string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SnapshotConfig schedules the market table export.
type SnapshotConfig struct {
	Enabled bool   `toml:"enabled"`
	Cron    string `toml:"cron"`
	Prefix  string `toml:"prefix"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	APIKey  string `toml:"api_key"`

	// RateLimitPerMinute caps requests per client IP when Redis is
	// connected. Zero disables it.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			MulticallAddress:   "0xcA11bde05977b3631167028862bE2a173976CA11",
			TokenDecimals:      18,
			CollateralDecimals: 18,
		},
		Indexer: IndexerConfig{
			Enabled:      true,
			SyncInterval: duration{time.Minute},
			LogChunkSize: 10_000,
			ChunkDelay:   duration{50 * time.Millisecond},
			LockTTL:      duration{5 * time.Minute},
			RPCTimeout:   duration{30 * time.Second},
			RescanLimit:  1000,
		},
		Watcher: WatcherConfig{
			Enabled:          true,
			BackoffFloor:     duration{5 * time.Second},
			BackoffCeiling:   duration{60 * time.Second},
			HandshakeTimeout: duration{10 * time.Second},
			QueueSize:        256,
			PersistRegistry:  true,
			CommandChannel:   "watcher:commands",
			DepositStream:    "deposits:credited",
			DepositChannel:   "deposits",
			DedupTTL:         duration{24 * time.Hour},
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			Namespace:  "marketsync",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketsync-data",
			ForcePathStyle: true,
		},
		Snapshot: SnapshotConfig{
			Enabled: false,
			Cron:    "0 * * * *",
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"deposit_received", "scan_gaps_open", "rescan_complete", "service_started"},
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

var validModes = []string{ModeIndexer, ModeWatcher, ModeRescan, ModeFull}

var validLogLevels = []string{"debug", "info", "warn", "error"}

// RunsIndexer reports whether the configured mode includes the indexer or
// rescan path, both of which need Postgres and the HTTP RPC.
func (c *Config) RunsIndexer() bool {
	switch c.Mode {
	case ModeIndexer, ModeRescan:
		return true
	case ModeFull:
		return c.Indexer.Enabled
	}
	return false
}

// RunsWatcher reports whether the configured mode includes the deposit watcher.
func (c *Config) RunsWatcher() bool {
	switch c.Mode {
	case ModeWatcher:
		return true
	case ModeFull:
		return c.Watcher.Enabled
	}
	return false
}

// NeedsPostgres reports whether the process must connect to Postgres.
func (c *Config) NeedsPostgres() bool {
	return c.RunsIndexer() || c.Snapshot.Enabled
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if !slices.Contains(validModes, c.Mode) {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", ")))
	}
	if !slices.Contains(validLogLevels, strings.ToLower(c.LogLevel)) {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: %s)", c.LogLevel, strings.Join(validLogLevels, ", ")))
	}
	if c.Mode == ModeFull && !c.Indexer.Enabled && !c.Watcher.Enabled {
		errs = append(errs, "mode full: at least one of indexer.enabled or watcher.enabled must be true")
	}

	// Chain
	checkAddr := func(field, v string) {
		if !common.IsHexAddress(v) {
			errs = append(errs, fmt.Sprintf("chain: %s %q is not a hex address", field, v))
		}
	}
	if c.RunsIndexer() {
		if c.Chain.RPCHTTPURL == "" {
			errs = append(errs, "chain: rpc_http_url must not be empty")
		}
		checkAddr("market_address", c.Chain.MarketAddress)
		checkAddr("multicall_address", c.Chain.MulticallAddress)
		if c.Chain.CollateralDecimals < 0 || c.Chain.CollateralDecimals > 77 {
			errs = append(errs, "chain: collateral_decimals must be 0-77")
		}
		if c.Indexer.LogChunkSize == 0 {
			errs = append(errs, "indexer: log_chunk_size must be > 0")
		}
		if c.Indexer.SyncInterval.Duration <= 0 {
			errs = append(errs, "indexer: sync_interval must be > 0")
		}
		if c.Indexer.ChunkDelay.Duration < 0 {
			errs = append(errs, "indexer: chunk_delay must be >= 0")
		}
		if c.Indexer.DistributedLock && c.Indexer.LockTTL.Duration <= 0 {
			errs = append(errs, "indexer: lock_ttl must be > 0 when distributed_lock is set")
		}
	}
	if c.RunsWatcher() {
		if c.Chain.RPCWSURL == "" {
			errs = append(errs, "chain: rpc_ws_url must not be empty")
		}
		checkAddr("token_address", c.Chain.TokenAddress)
		if c.Chain.TokenDecimals < 0 || c.Chain.TokenDecimals > 77 {
			errs = append(errs, "chain: token_decimals must be 0-77")
		}
		if c.Watcher.BackoffFloor.Duration <= 0 {
			errs = append(errs, "watcher: backoff_floor must be > 0")
		}
		if c.Watcher.BackoffCeiling.Duration < c.Watcher.BackoffFloor.Duration {
			errs = append(errs, "watcher: backoff_ceiling must be >= backoff_floor")
		}
		if c.Watcher.QueueSize < 1 {
			errs = append(errs, "watcher: queue_size must be >= 1")
		}
		if c.Watcher.DepositStream == "" {
			errs = append(errs, "watcher: deposit_stream must not be empty")
		}
	}

	// Supabase
	if c.NeedsPostgres() {
		if strings.TrimSpace(c.Supabase.DSN) == "" {
			if c.Supabase.Host == "" {
				errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
			}
			if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
				errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
			}
			if c.Supabase.Database == "" {
				errs = append(errs, "supabase: database must not be empty")
			}
		}
		if c.Supabase.PoolMaxConns < 1 {
			errs = append(errs, "supabase: pool_max_conns must be >= 1")
		}
		if c.Supabase.PoolMinConns < 0 || c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
			errs = append(errs, "supabase: pool_min_conns must be 0..pool_max_conns")
		}
	}

	// Redis
	if c.RunsWatcher() || c.Indexer.DistributedLock {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Snapshot
	if c.Snapshot.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when snapshot is enabled")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when snapshot is enabled")
		}
		if len(strings.Fields(c.Snapshot.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("snapshot: cron %q must have 5 fields", c.Snapshot.Cron))
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimitPerMinute < 0 {
			errs = append(errs, "server: rate_limit_per_minute must be >= 0")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
