package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func watcherConfig(redisAddr string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = config.ModeWatcher
	cfg.Chain.RPCWSURL = "ws://127.0.0.1:1"
	cfg.Chain.TokenAddress = "0x2222222222222222222222222222222222222222"
	cfg.Redis.Addr = redisAddr
	cfg.Server.Enabled = false
	return &cfg
}

func TestWireWatcherModeSkipsPostgresAndChain(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := watcherConfig(mr.Addr())
	require.NoError(t, cfg.Validate())

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()

	assert.Nil(t, deps.MarketStore)
	assert.Nil(t, deps.ScanGapStore)
	assert.Nil(t, deps.Reader)
	assert.Nil(t, deps.BlobWriter)
	assert.NotNil(t, deps.SignalBus)
	assert.NotNil(t, deps.WatchStore)
	assert.NotNil(t, deps.LockManager)
	assert.NotNil(t, deps.Notifier)
	assert.Contains(t, deps.HealthChecks, "redis")
	assert.NotContains(t, deps.HealthChecks, "postgres")
	assert.NoError(t, deps.HealthChecks["redis"](context.Background()))
}

func TestWireWithoutRegistryPersistence(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := watcherConfig(mr.Addr())
	cfg.Watcher.PersistRegistry = false

	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer cleanup()
	assert.Nil(t, deps.WatchStore)
}

func TestWireReportsUnreachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, _, err := Wire(context.Background(), watcherConfig(addr), quietLogger())
	assert.ErrorContains(t, err, "wire: redis")
}

func TestWatcherModeStopsOnCancel(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := watcherConfig(mr.Addr())
	cfg.Watcher.BackoffFloor.Duration = 10 * time.Second
	cfg.Watcher.BackoffCeiling.Duration = 10 * time.Second

	a := New(cfg, quietLogger())
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watcher mode did not stop")
	}
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(nil))
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(fmt.Errorf("wrapped: %w", context.Canceled)))
	boom := errors.New("boom")
	assert.ErrorIs(t, ignoreCanceled(boom), boom)
}
