package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsync/internal/chain"
	"github.com/alanyoungcy/marketsync/internal/indexer"
	"github.com/alanyoungcy/marketsync/internal/notify"
	"github.com/alanyoungcy/marketsync/internal/pipeline"
	"github.com/alanyoungcy/marketsync/internal/server"
	"github.com/alanyoungcy/marketsync/internal/server/handler"
	"github.com/alanyoungcy/marketsync/internal/service"
	"github.com/alanyoungcy/marketsync/internal/watcher"
)

// dedupCleanupInterval is how often expired deposit keys are evicted.
const dedupCleanupInterval = 10 * time.Minute

// IndexerMode runs the periodic market sync, plus the snapshot exporter and
// status server when enabled.
func (a *App) IndexerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting indexer mode")

	g, ctx := errgroup.WithContext(ctx)
	ix := a.buildIndexer(deps)
	a.startIndexer(ctx, g, deps, ix)
	a.startSnapshot(ctx, g, deps)
	a.startServer(ctx, g, deps, nil, ix)
	a.announce(ctx, deps)

	return ignoreCanceled(g.Wait())
}

// WatcherMode runs the deposit watcher and its command listener.
func (a *App) WatcherMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watcher mode")

	g, ctx := errgroup.WithContext(ctx)
	w := a.startWatcher(ctx, g, deps)
	a.startSnapshot(ctx, g, deps)
	a.startServer(ctx, g, deps, w, nil)
	a.announce(ctx, deps)

	return ignoreCanceled(g.Wait())
}

// RescanMode makes one pass over the open scan gaps and exits.
func (a *App) RescanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting rescan mode")

	ix := a.buildIndexer(deps)
	report, err := ix.Rescan(ctx, a.cfg.Indexer.RescanLimit)
	if err != nil {
		return fmt.Errorf("app: rescan: %w", err)
	}

	a.logger.InfoContext(ctx, "rescan complete",
		slog.Int("open", report.Open),
		slog.Int("resolved", report.Resolved),
		slog.Int("failed", report.Failed),
	)
	if report.Open > 0 {
		msg := fmt.Sprintf("%d of %d scan gaps resolved, %d still failing", report.Resolved, report.Open, report.Failed)
		if err := deps.Notifier.Notify(ctx, notify.EventRescanComplete, "Rescan complete", msg); err != nil {
			a.logger.WarnContext(ctx, "rescan notification failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// FullMode runs the indexer and the watcher side by side, each subject to
// its enabled flag.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("indexer", a.cfg.RunsIndexer()),
		slog.Bool("watcher", a.cfg.RunsWatcher()),
	)

	g, ctx := errgroup.WithContext(ctx)

	var ix *indexer.Indexer
	if a.cfg.RunsIndexer() {
		ix = a.buildIndexer(deps)
		a.startIndexer(ctx, g, deps, ix)
	}
	var w *watcher.Watcher
	if a.cfg.RunsWatcher() {
		w = a.startWatcher(ctx, g, deps)
	}
	a.startSnapshot(ctx, g, deps)
	a.startServer(ctx, g, deps, w, ix)
	a.announce(ctx, deps)

	return ignoreCanceled(g.Wait())
}

func (a *App) buildIndexer(deps *Dependencies) *indexer.Indexer {
	ixDeps := indexer.Deps{
		Reader:  deps.Reader,
		Batch:   chain.NewMulticall(common.HexToAddress(a.cfg.Chain.MulticallAddress), deps.Reader),
		Market:  chain.NewMarketContract(common.HexToAddress(a.cfg.Chain.MarketAddress)),
		Markets: deps.MarketStore,
		Gaps:    deps.ScanGapStore,
	}
	if a.cfg.Indexer.DistributedLock {
		ixDeps.Locks = deps.LockManager
	}

	return indexer.New(ixDeps, indexer.Config{
		ChunkSize:          a.cfg.Indexer.LogChunkSize,
		ChunkDelay:         a.cfg.Indexer.ChunkDelay.Duration,
		StartBlock:         a.cfg.Indexer.StartBlock,
		CollateralDecimals: a.cfg.Chain.CollateralDecimals,
		LockTTL:            a.cfg.Indexer.LockTTL.Duration,
	}, a.logger)
}

func (a *App) startIndexer(ctx context.Context, g *errgroup.Group, deps *Dependencies, ix *indexer.Indexer) {
	ix.OnReport(func(ctx context.Context, r indexer.CycleReport) {
		if r.Gaps == 0 {
			return
		}
		msg := fmt.Sprintf("%d block ranges failed to load at block %d; run rescan mode to repair volume", r.Gaps, r.Block)
		if err := deps.Notifier.Notify(ctx, notify.EventScanGapsOpen, "Scan gaps recorded", msg); err != nil {
			a.logger.WarnContext(ctx, "scan gap notification failed", slog.String("error", err.Error()))
		}
	})
	g.Go(func() error {
		return ix.Run(ctx, a.cfg.Indexer.SyncInterval.Duration)
	})
}

func (a *App) startWatcher(ctx context.Context, g *errgroup.Group, deps *Dependencies) *watcher.Watcher {
	registry := watcher.NewRegistry(deps.WatchStore)
	w := watcher.New(watcher.Config{
		Token:            common.HexToAddress(a.cfg.Chain.TokenAddress),
		TokenDecimals:    a.cfg.Chain.TokenDecimals,
		ChainID:          a.cfg.Chain.ChainID,
		BackoffFloor:     a.cfg.Watcher.BackoffFloor.Duration,
		BackoffCeiling:   a.cfg.Watcher.BackoffCeiling.Duration,
		HandshakeTimeout: a.cfg.Watcher.HandshakeTimeout.Duration,
		QueueSize:        a.cfg.Watcher.QueueSize,
	}, watcher.WSDialer(a.cfg.Watcher.HandshakeTimeout.Duration), registry, a.logger)

	deposits := service.NewDepositService(deps.SignalBus, deps.Notifier, service.DepositConfig{
		Stream:   a.cfg.Watcher.DepositStream,
		Channel:  a.cfg.Watcher.DepositChannel,
		DedupTTL: a.cfg.Watcher.DedupTTL.Duration,
	}, a.logger)
	w.SetCreditCallback(deposits.Credit)

	g.Go(func() error {
		if err := w.Start(ctx, a.cfg.Chain.RPCWSURL); err != nil {
			return fmt.Errorf("app: start watcher: %w", err)
		}
		<-ctx.Done()
		w.Stop()
		return ctx.Err()
	})
	g.Go(func() error {
		return deposits.RunCleanup(ctx, dedupCleanupInterval)
	})
	if ch := a.cfg.Watcher.CommandChannel; ch != "" {
		g.Go(func() error {
			return w.ConsumeCommands(ctx, deps.SignalBus, ch)
		})
	}
	return w
}

func (a *App) startSnapshot(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Snapshot.Enabled {
		return
	}
	exporter := pipeline.NewSnapshotExporter(deps.MarketStore, deps.BlobWriter, a.logger)
	g.Go(func() error {
		return exporter.RunCron(ctx, a.cfg.Snapshot.Cron)
	})
}

// startServer registers the status server. w and ix are passed as concrete
// pointers and only boxed into the handler interfaces when non-nil.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, w *watcher.Watcher, ix *indexer.Indexer) {
	if !a.cfg.Server.Enabled {
		return
	}

	var (
		ws  handler.WatcherStatus
		ixs handler.IndexerStatus
	)
	if w != nil {
		ws = w
	}
	if ix != nil {
		ixs = ix
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status: handler.NewStatusHandler(a.cfg.Mode, ws, ixs),
	}
	if deps.MarketStore != nil {
		handlers.Markets = handler.NewMarketHandler(deps.MarketStore, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:      a.cfg.Server.Port,
		APIKey:    a.cfg.Server.APIKey,
		Limiter:   deps.RateLimiter,
		RateLimit: a.cfg.Server.RateLimitPerMinute,
	}, handlers, a.logger)
	g.Go(func() error {
		return srv.Run(ctx)
	})
}

func (a *App) announce(ctx context.Context, deps *Dependencies) {
	msg := fmt.Sprintf("marketsync started in %s mode", a.cfg.Mode)
	if err := deps.Notifier.Notify(ctx, notify.EventServiceStarted, "Service started", msg); err != nil {
		a.logger.WarnContext(ctx, "startup notification failed", slog.String("error", err.Error()))
	}
}

// ignoreCanceled treats a shutdown by context cancellation as a clean exit.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
