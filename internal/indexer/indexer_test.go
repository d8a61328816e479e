package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketsync/internal/chain"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

const testDecimals = 6

type harness struct {
	chain  *fakeChain
	store  *fakeStore
	gaps   *fakeGaps
	ix     *Indexer
	sleeps []time.Duration
}

func newHarness(t *testing.T, cfg Config, markets ...fakeMarket) *harness {
	t.Helper()
	h := &harness{
		chain: &fakeChain{head: 100, markets: markets},
		store: newFakeStore(testDecimals),
	}
	h.gaps = &fakeGaps{store: h.store, decimals: testDecimals}
	cfg.CollateralDecimals = testDecimals
	h.ix = New(Deps{
		Reader:  h.chain,
		Batch:   chain.NewMulticall(multicallAddr, h.chain),
		Market:  chain.NewMarketContract(marketAddr),
		Markets: h.store,
		Gaps:    h.gaps,
	}, cfg, discardLogger())

	var mu sync.Mutex
	h.ix.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		h.sleeps = append(h.sleeps, d)
		mu.Unlock()
		return nil
	}
	return h
}

// peer returns a second Indexer over the same chain and stores, standing in
// for another process with its own in-flight guard.
func (h *harness) peer(cfg Config) *Indexer {
	cfg.CollateralDecimals = testDecimals
	ix := New(Deps{
		Reader:  h.chain,
		Batch:   chain.NewMulticall(multicallAddr, h.chain),
		Market:  chain.NewMarketContract(marketAddr),
		Markets: h.store,
		Gaps:    h.gaps,
	}, cfg, discardLogger())
	ix.sleep = func(context.Context, time.Duration) error { return nil }
	return ix
}

// pauseAtChunkDelay makes h.ix block in its first chunk delay until the
// returned resume func is called.
func (h *harness) pauseAtChunkDelay() (paused <-chan struct{}, resume func()) {
	p := make(chan struct{}, 1)
	r := make(chan struct{})
	var once sync.Once
	h.ix.sleep = func(ctx context.Context, _ time.Duration) error {
		select {
		case p <- struct{}{}:
		default:
		}
		select {
		case <-r:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p, func() { once.Do(func() { close(r) }) }
}

func binary(question string) fakeMarket {
	return fakeMarket{
		question: question,
		outcomes: []string{"Yes", "No"},
		prices:   []int64{6000, 4000},
	}
}

func TestSyncFirstCycleCreatesRows(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("Will it rain?"))
	h.chain.addTrade(0, 40, 1_500_000)

	report, err := h.ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Block: 100, Markets: 1, Updated: 1}, stripTiming(report))

	row := h.store.row(0)
	assert.Equal(t, "Will it rain?", row.Question)
	assert.Equal(t, []string{"Yes", "No"}, row.Outcomes)
	assert.Equal(t, []float64{60, 40}, row.Prices)
	assert.Equal(t, 2, row.OutcomeCount)
	assert.Equal(t, "1000", row.LiquidityParam)
	assert.Equal(t, time.Unix(1_900_000_000, 0).UTC(), row.EndTime)
	assert.Equal(t, "1.5", row.Volume)
	assert.Equal(t, uint64(100), row.LastIndexedBlock)
	assert.Equal(t, [][2]uint64{{1, 100}}, h.chain.logQueries())
	assert.Equal(t, PhaseIdle, h.ix.Phase())
}

func TestSyncPartialFailureIsolation(t *testing.T) {
	broken := binary("broken")
	broken.revertInfo = true
	h := newHarness(t, Config{ChunkSize: 1000}, binary("zero"), broken, binary("two"))

	before := domain.MarketRecord{
		MarketID:         1,
		Question:         "stale question",
		Outcomes:         []string{"A", "B"},
		Prices:           []float64{50, 50},
		Volume:           "7.25",
		LastIndexedBlock: 80,
		LastIndexedAt:    time.Unix(1_700_000_000, 0).UTC(),
		CreatedAt:        time.Unix(1_600_000_000, 0).UTC(),
	}
	h.store.put(before)
	h.chain.addTrade(1, 90, 5_000_000)

	report, err := h.ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Updated)
	assert.Equal(t, 1, report.Skipped)

	assert.Equal(t, before, h.store.row(1))
	assert.Equal(t, "zero", h.store.row(0).Question)
	assert.Equal(t, "two", h.store.row(2).Question)
}

func TestSyncSkipsMarketWithUndecodableSlot(t *testing.T) {
	garbled := binary("garbled")
	garbled.garbleOutcome = true
	reverted := binary("reverted prices")
	reverted.revertPrices = true
	h := newHarness(t, Config{ChunkSize: 1000}, garbled, reverted, binary("ok"))

	report, err := h.ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 2, report.Skipped)

	n, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "ok", h.store.row(2).Question)
}

func TestSyncEmptyWindowRewritesCheckpoint(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("m"))
	h.store.put(domain.MarketRecord{MarketID: 0, Volume: "12.5", LastIndexedBlock: 100})

	_, err := h.ix.Sync(context.Background())
	require.NoError(t, err)

	row := h.store.row(0)
	assert.Equal(t, "12.5", row.Volume)
	assert.Equal(t, uint64(100), row.LastIndexedBlock)
	assert.Empty(t, h.chain.logQueries())
}

func TestSyncVolumeAdditivity(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("m"), binary("other"))
	h.store.put(domain.MarketRecord{MarketID: 0, Volume: "1.5", LastIndexedBlock: 100})
	h.store.put(domain.MarketRecord{MarketID: 1, Volume: "0.0", LastIndexedBlock: 100})
	h.chain.setHead(200)

	h.chain.addTrade(0, 95, 9_999_999) // already folded in
	h.chain.addTrade(0, 101, 250_000)
	h.chain.addTrade(0, 150, 1_000_000)
	h.chain.addTrade(0, 200, 3)
	h.chain.addTrade(1, 150, 42)

	_, err := h.ix.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2.750003", h.store.row(0).Volume)
	assert.Equal(t, "0.000042", h.store.row(1).Volume)
	assert.Equal(t, uint64(200), h.store.row(0).LastIndexedBlock)
}

func TestSyncIsIdempotentWithoutNewActivity(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("a"), binary("b"))
	h.chain.addTrade(1, 10, 777)

	_, err := h.ix.Sync(context.Background())
	require.NoError(t, err)
	first := []domain.MarketRecord{h.store.row(0), h.store.row(1)}

	_, err = h.ix.Sync(context.Background())
	require.NoError(t, err)
	second := []domain.MarketRecord{h.store.row(0), h.store.row(1)}

	for i := range first {
		first[i].LastIndexedAt = time.Time{}
		second[i].LastIndexedAt = time.Time{}
	}
	assert.Equal(t, first, second)
}

func TestSyncCheckpointNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("m"))
	h.chain.setHead(200)
	h.chain.addTrade(0, 120, 10)

	_, err := h.ix.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(200), h.store.row(0).LastIndexedBlock)

	// A lagging node reports an older head.
	h.chain.setHead(150)
	_, err = h.ix.Sync(context.Background())
	require.NoError(t, err)

	row := h.store.row(0)
	assert.Equal(t, uint64(200), row.LastIndexedBlock)
	assert.Equal(t, "0.00001", row.Volume)
}

func TestSyncScansInChunksWithDelay(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10, ChunkDelay: 250 * time.Millisecond}, binary("m"))
	h.store.put(domain.MarketRecord{MarketID: 0, Volume: "0.0", LastIndexedBlock: 100})
	h.chain.setHead(135)
	h.chain.addTrade(0, 105, 1)
	h.chain.addTrade(0, 120, 2)
	h.chain.addTrade(0, 135, 4)

	_, err := h.ix.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][2]uint64{{101, 110}, {111, 120}, {121, 130}, {131, 135}}, h.chain.logQueries())
	assert.Len(t, h.sleeps, 3)
	assert.Equal(t, "0.000007", h.store.row(0).Volume)
}

func TestSyncHonoursStartBlock(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000, StartBlock: 60}, binary("m"))
	h.chain.addTrade(0, 59, 100)
	h.chain.addTrade(0, 61, 1)

	_, err := h.ix.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][2]uint64{{60, 100}}, h.chain.logQueries())
	assert.Equal(t, "0.000001", h.store.row(0).Volume)
}

func TestSyncChunkFailureRecordsGapAndRescanRepairsIt(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 10}, binary("m"))
	h.store.put(domain.MarketRecord{MarketID: 0, Volume: "1.0", LastIndexedBlock: 100})
	h.chain.setHead(130)
	h.chain.addTrade(0, 105, 1_000_000)
	h.chain.addTrade(0, 115, 2_000_000)
	h.chain.addTrade(0, 125, 3_000_000)
	h.chain.failRange = func(from, _ uint64) error {
		if from == 111 {
			return errors.New("429 too many requests")
		}
		return nil
	}

	report, err := h.ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Gaps)

	row := h.store.row(0)
	assert.Equal(t, "5.0", row.Volume)
	assert.Equal(t, uint64(130), row.LastIndexedBlock)

	open := h.gaps.open()
	require.Len(t, open, 1)
	assert.Equal(t, int64(0), open[0].MarketID)
	assert.Equal(t, uint64(111), open[0].FromBlock)
	assert.Equal(t, uint64(120), open[0].ToBlock)
	assert.Contains(t, open[0].Reason, "429")

	// Still failing: the gap stays open.
	rr, err := h.ix.Rescan(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, RescanReport{Open: 1, Failed: 1}, rr)
	assert.Len(t, h.gaps.open(), 1)

	h.chain.failRange = nil
	rr, err = h.ix.Rescan(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, RescanReport{Open: 1, Resolved: 1}, rr)
	assert.Empty(t, h.gaps.open())

	row = h.store.row(0)
	assert.Equal(t, "7.0", row.Volume)
	assert.Equal(t, uint64(130), row.LastIndexedBlock)
}

func TestSyncAggregateFailureAbortsCycle(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("a"), binary("b"))
	h.chain.aggregateErr = errors.New("execution reverted")

	_, err := h.ix.Sync(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.store.upserts)
	assert.Empty(t, h.chain.logQueries())
	assert.False(t, h.ix.Syncing())
	assert.Equal(t, CycleReport{}, h.ix.LastReport())
}

func TestSyncWithNoMarkets(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000})

	report, err := h.ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Markets)
	assert.Zero(t, h.store.upserts)
}

func TestSyncRejectsOverlappingCycle(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("m"))
	h.chain.gate = make(chan struct{})
	h.chain.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.ix.Sync(context.Background())
		done <- err
	}()
	<-h.chain.entered

	_, err := h.ix.Sync(context.Background())
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)
	assert.True(t, h.ix.Syncing())

	close(h.chain.gate)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), h.chain.headReads.Load())
	assert.Equal(t, 1, h.store.upserts)
}

func TestRunDropsTicksWhileCycleRunning(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("m"))
	h.chain.gate = make(chan struct{})
	h.chain.entered = make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ix.Run(ctx, 5*time.Millisecond) }()

	<-h.chain.entered
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), h.chain.countCalls.Load())

	close(h.chain.gate)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunCallsReportHook(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("m"))

	reports := make(chan CycleReport, 1)
	h.ix.OnReport(func(_ context.Context, r CycleReport) {
		select {
		case reports <- r:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.ix.Run(ctx, time.Hour) }()

	select {
	case r := <-reports:
		assert.Equal(t, 1, r.Markets)
	case <-time.After(5 * time.Second):
		t.Fatal("report hook not called")
	}
}

func TestSyncDropsCycleWhenSharedLockHeld(t *testing.T) {
	h := newHarness(t, Config{ChunkSize: 1000}, binary("m"))
	locks := &fakeLocks{err: domain.ErrLockHeld}
	h.ix.deps.Locks = locks

	_, err := h.ix.Sync(context.Background())
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Zero(t, h.chain.countCalls.Load())
	assert.False(t, h.ix.Syncing())

	locks.err = nil
	_, err = h.ix.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), locks.acquired.Load())
	assert.Equal(t, int32(1), locks.released.Load())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "scan_volume", PhaseScanVolume.String())
	assert.Equal(t, "unknown", Phase(99).String())
}

func stripTiming(r CycleReport) CycleReport {
	r.Duration = 0
	r.FinishedAt = time.Time{}
	return r
}

func TestRescanDuringCycleKeepsRepairedVolume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ChunkSize: 10}, binary("m"))
	h.store.put(domain.MarketRecord{MarketID: 0, Volume: "1.0", LastIndexedBlock: 100})
	require.NoError(t, h.gaps.Record(ctx, domain.ScanGap{MarketID: 0, FromBlock: 91, ToBlock: 100}))
	h.chain.addTrade(0, 95, 2_000_000)
	h.chain.addTrade(0, 105, 1_000_000)
	h.chain.setHead(120)

	paused, resume := h.pauseAtChunkDelay()
	defer resume()

	done := make(chan error, 1)
	go func() {
		_, err := h.ix.Sync(ctx)
		done <- err
	}()
	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never reached the chunk delay")
	}

	rr, err := h.peer(Config{ChunkSize: 10}).Rescan(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, RescanReport{Open: 1, Resolved: 1}, rr)
	require.Equal(t, "3.0", h.store.row(0).Volume)

	resume()
	require.NoError(t, <-done)

	row := h.store.row(0)
	assert.Equal(t, "4.0", row.Volume)
	assert.Equal(t, uint64(120), row.LastIndexedBlock)
	assert.Empty(t, h.gaps.open())
}

func TestSyncStaleWriterCannotRegressCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ChunkSize: 10}, binary("m"))
	h.store.put(domain.MarketRecord{MarketID: 0, Volume: "0.0", LastIndexedBlock: 100})
	h.chain.addTrade(0, 105, 1_000_000)
	h.chain.addTrade(0, 115, 2_000_000)
	h.chain.setHead(120)
	h.chain.failRange = func(from, _ uint64) error {
		if from == 101 {
			return errors.New("timeout")
		}
		return nil
	}

	paused, resume := h.pauseAtChunkDelay()
	defer resume()

	type result struct {
		report CycleReport
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := h.ix.Sync(ctx)
		done <- result{r, err}
	}()
	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never reached the chunk delay")
	}

	// Another writer completes a later cycle first.
	h.chain.mu.Lock()
	h.chain.failRange = nil
	h.chain.mu.Unlock()
	h.chain.addTrade(0, 125, 4_000_000)
	h.chain.setHead(130)
	_, err := h.peer(Config{ChunkSize: 10}).Sync(ctx)
	require.NoError(t, err)

	resume()
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.report.Skipped)
	assert.Zero(t, res.report.Updated)
	assert.Equal(t, 1, h.store.staleWrites())

	row := h.store.row(0)
	assert.Equal(t, uint64(130), row.LastIndexedBlock)
	assert.Equal(t, "7.0", row.Volume)
	// The rejected cycle's failed chunk is not recorded.
	assert.Empty(t, h.gaps.open())
}
