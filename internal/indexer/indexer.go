// Package indexer mirrors on-chain market state into the market store. Each
// cycle reads every market in one Multicall3 batch, accrues trade volume
// incrementally from SharesPurchased logs and upserts the merged rows.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/marketsync/internal/chain"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

const cycleLockKey = "indexer:cycle"

// ChainReader is the RPC surface the indexer reads from.
type ChainReader interface {
	ethereum.ContractCaller
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Aggregator executes a batch of independent read calls in one round trip.
type Aggregator interface {
	Aggregate(ctx context.Context, calls []chain.Call) ([]chain.Result, error)
}

// Config tunes the indexer.
type Config struct {
	ChunkSize          uint64        // blocks per eth_getLogs request
	ChunkDelay         time.Duration // pause between chunk requests
	StartBlock         uint64        // lower bound for markets with no checkpoint
	CollateralDecimals int
	LockTTL            time.Duration
}

// Deps are the collaborators of an Indexer. Gaps and Locks are optional.
type Deps struct {
	Reader  ChainReader
	Batch   Aggregator
	Market  *chain.MarketContract
	Markets domain.MarketStore
	Gaps    domain.ScanGapStore
	Locks   domain.LockManager
}

// CycleReport summarises one completed sync cycle.
type CycleReport struct {
	Block      uint64        `json:"block"`
	Markets    int           `json:"markets"`
	Updated    int           `json:"updated"`
	Skipped    int           `json:"skipped"`
	Gaps       int           `json:"gaps"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Indexer runs sync cycles. At most one cycle runs at a time per process.
type Indexer struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	syncing atomic.Bool
	phase   atomic.Int32

	mu       sync.RWMutex
	last     CycleReport
	onReport func(ctx context.Context, r CycleReport)

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Indexer.
func New(deps Deps, cfg Config, logger *slog.Logger) *Indexer {
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 10_000
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Indexer{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "indexer")),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Phase returns the phase of the running cycle, or PhaseIdle.
func (ix *Indexer) Phase() Phase {
	return Phase(ix.phase.Load())
}

// Syncing reports whether a cycle is in flight.
func (ix *Indexer) Syncing() bool {
	return ix.syncing.Load()
}

// LastReport returns the report of the most recent completed cycle.
func (ix *Indexer) LastReport() CycleReport {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.last
}

// OnReport registers fn to be called after every successful cycle started
// by Run.
func (ix *Indexer) OnReport(fn func(ctx context.Context, r CycleReport)) {
	ix.mu.Lock()
	ix.onReport = fn
	ix.mu.Unlock()
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled. A tick that arrives while a cycle is still running is dropped.
func (ix *Indexer) Run(ctx context.Context, interval time.Duration) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ix.runCycle(ctx)
		}()
	}

	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("indexer loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if ix.syncing.Load() {
				ix.logger.Debug("cycle still running, tick dropped")
				continue
			}
			tick()
		}
	}
}

func (ix *Indexer) runCycle(ctx context.Context) {
	report, err := ix.Sync(ctx)
	switch {
	case err == nil:
		ix.logger.Info("sync cycle complete",
			slog.Uint64("block", report.Block),
			slog.Int("markets", report.Markets),
			slog.Int("updated", report.Updated),
			slog.Int("skipped", report.Skipped),
			slog.Int("gaps", report.Gaps),
			slog.Duration("duration", report.Duration),
		)
		ix.mu.RLock()
		hook := ix.onReport
		ix.mu.RUnlock()
		if hook != nil {
			hook(ctx, report)
		}
	case errors.Is(err, domain.ErrCycleInProgress), errors.Is(err, domain.ErrLockHeld):
		ix.logger.Debug("tick dropped", slog.String("reason", err.Error()))
	case ctx.Err() != nil:
	default:
		ix.logger.Error("sync cycle failed", slog.String("error", err.Error()))
	}
}

// Sync runs one full cycle. It returns domain.ErrCycleInProgress if another
// cycle is running in this process and domain.ErrLockHeld if one is running
// elsewhere. An error reading the market count, head block or the batch
// aborts the cycle before anything is written.
func (ix *Indexer) Sync(ctx context.Context) (CycleReport, error) {
	release, err := ix.begin(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	defer release()

	started := ix.now()
	report, err := ix.cycle(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	report.Duration = ix.now().Sub(started)
	report.FinishedAt = ix.now()

	ix.mu.Lock()
	ix.last = report
	ix.mu.Unlock()
	return report, nil
}

// begin claims the in-process guard and, when configured, the shared cycle
// lock. The returned func releases both.
func (ix *Indexer) begin(ctx context.Context) (func(), error) {
	if !ix.syncing.CompareAndSwap(false, true) {
		return nil, domain.ErrCycleInProgress
	}
	unlock := func() {}
	if ix.deps.Locks != nil {
		u, err := ix.deps.Locks.Acquire(ctx, cycleLockKey, ix.cfg.LockTTL)
		if err != nil {
			ix.syncing.Store(false)
			if errors.Is(err, domain.ErrLockHeld) {
				return nil, err
			}
			return nil, fmt.Errorf("indexer: acquire cycle lock: %w", err)
		}
		unlock = u
	}
	return func() {
		unlock()
		ix.phase.Store(int32(PhaseIdle))
		ix.syncing.Store(false)
	}, nil
}

// marketState is one market's decoded batch results.
type marketState struct {
	id       *big.Int
	info     chain.BasicInfo
	outcomes []string
	prices   []*big.Int
}

func (ix *Indexer) cycle(ctx context.Context) (CycleReport, error) {
	ix.setPhase(PhaseFetchCount)
	count, err := ix.deps.Market.MarketCount(ctx, ix.deps.Reader)
	if err != nil {
		return CycleReport{}, fmt.Errorf("indexer: market count: %w", err)
	}
	if !count.IsInt64() {
		return CycleReport{}, fmt.Errorf("indexer: market count %s out of range", count)
	}
	head, err := ix.deps.Reader.BlockNumber(ctx)
	if err != nil {
		return CycleReport{}, fmt.Errorf("indexer: head block: %w", err)
	}

	n := int(count.Int64())
	report := CycleReport{Block: head, Markets: n}
	if n == 0 {
		return report, nil
	}

	ix.setPhase(PhaseBuildBatch)
	calls := make([]chain.Call, 0, 3*n)
	for i := 0; i < n; i++ {
		id := big.NewInt(int64(i))
		for _, build := range []func(*big.Int) (chain.Call, error){
			ix.deps.Market.BasicInfoCall,
			ix.deps.Market.OutcomesCall,
			ix.deps.Market.PricesCall,
		} {
			c, err := build(id)
			if err != nil {
				return CycleReport{}, fmt.Errorf("indexer: build batch: %w", err)
			}
			calls = append(calls, c)
		}
	}

	results, err := ix.deps.Batch.Aggregate(ctx, calls)
	if err != nil {
		return CycleReport{}, fmt.Errorf("indexer: batch read: %w", err)
	}
	if len(results) != len(calls) {
		return CycleReport{}, fmt.Errorf("indexer: batch read: %d results for %d calls", len(results), len(calls))
	}

	ix.setPhase(PhaseDecode)
	states := make([]marketState, 0, n)
	for i := 0; i < n; i++ {
		st, err := decodeMarket(int64(i), results[3*i:3*i+3])
		if err != nil {
			report.Skipped++
			ix.logger.Warn("market skipped this cycle",
				slog.Int("market_id", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		states = append(states, st)
	}

	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return CycleReport{}, fmt.Errorf("indexer: cycle cancelled: %w", err)
		}
		gaps, err := ix.syncMarket(ctx, st, head)
		report.Gaps += gaps
		if err != nil {
			if ctx.Err() != nil {
				return CycleReport{}, fmt.Errorf("indexer: cycle cancelled: %w", ctx.Err())
			}
			report.Skipped++
			level := slog.LevelError
			if errors.Is(err, domain.ErrStaleCheckpoint) {
				// Another writer advanced the row; the next cycle starts from its checkpoint.
				level = slog.LevelWarn
			}
			ix.logger.Log(ctx, level, "market update failed",
				slog.Int64("market_id", st.id.Int64()),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Updated++
	}
	return report, nil
}

func decodeMarket(id int64, slots []chain.Result) (marketState, error) {
	for i, r := range slots {
		if !r.OK() {
			return marketState{}, fmt.Errorf("slot %d: %w", i, r.Err)
		}
	}
	info, err := chain.DecodeBasicInfo(slots[0].Data)
	if err != nil {
		return marketState{}, err
	}
	outcomes, err := chain.DecodeOutcomes(slots[1].Data)
	if err != nil {
		return marketState{}, err
	}
	prices, err := chain.DecodePrices(slots[2].Data)
	if err != nil {
		return marketState{}, err
	}
	return marketState{id: big.NewInt(id), info: info, outcomes: outcomes, prices: prices}, nil
}

// syncMarket accrues volume for one market up to head and upserts its row. It
// returns the number of chunks that could not be scanned.
func (ix *Indexer) syncMarket(ctx context.Context, st marketState, head uint64) (int, error) {
	ix.setPhase(PhaseScanVolume)
	marketID := st.id.Int64()

	cp, err := ix.deps.Markets.GetCheckpoint(ctx, marketID)
	if errors.Is(err, domain.ErrNotFound) {
		cp = domain.ZeroCheckpoint
	} else if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}

	prev, err := chain.ParseUnits(cp.Volume, ix.cfg.CollateralDecimals)
	if err != nil {
		return 0, fmt.Errorf("stored volume: %w", err)
	}

	volume := new(big.Int).Set(prev)
	checkpoint := cp.LastIndexedBlock
	var failed []blockRange
	if from := max(cp.LastIndexedBlock+1, ix.cfg.StartBlock); from <= head {
		scan, err := ix.scanVolume(ctx, st.id, from, head)
		if err != nil {
			return 0, err
		}
		volume.Add(volume, scan.total)
		failed = scan.failed
	}
	if head > checkpoint {
		checkpoint = head
	}

	ix.setPhase(PhaseUpsert)
	now := ix.now().UTC()
	rec := domain.MarketRecord{
		MarketID:         marketID,
		Question:         st.info.Question,
		Image:            st.info.Image,
		Description:      st.info.Description,
		Outcomes:         st.outcomes,
		Prices:           toPercent(st.prices),
		Resolved:         st.info.Resolved,
		WinningOutcome:   st.info.WinningOutcome.Int64(),
		EndTime:          st.info.EndTimeUTC(),
		LiquidityParam:   st.info.LiquidityParam.String(),
		OutcomeCount:     int(st.info.OutcomeCount.Int64()),
		Volume:           chain.FormatUnits(volume, ix.cfg.CollateralDecimals),
		LastIndexedBlock: checkpoint,
		LastIndexedAt:    now,
		CreatedAt:        now,
	}
	if err := ix.deps.Markets.Upsert(ctx, rec, cp); err != nil {
		return 0, fmt.Errorf("upsert: %w", err)
	}
	// Gaps are only meaningful once the checkpoint has moved past them. A
	// rejected write leaves them to whichever writer won.
	ix.recordGaps(ctx, marketID, failed)
	return len(failed), nil
}

func (ix *Indexer) recordGaps(ctx context.Context, marketID int64, failed []blockRange) {
	for _, r := range failed {
		if ix.deps.Gaps == nil {
			continue
		}
		gap := domain.ScanGap{
			MarketID:  marketID,
			FromBlock: r.from,
			ToBlock:   r.to,
			Reason:    r.reason,
		}
		if err := ix.deps.Gaps.Record(ctx, gap); err != nil {
			ix.logger.Error("failed to record scan gap",
				slog.Int64("market_id", marketID),
				slog.Uint64("from_block", r.from),
				slog.Uint64("to_block", r.to),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (ix *Indexer) setPhase(p Phase) {
	ix.phase.Store(int32(p))
}

func toPercent(bps []*big.Int) []float64 {
	out := make([]float64, len(bps))
	for i, p := range bps {
		out[i] = chain.BasisPointsToPercent(p)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
