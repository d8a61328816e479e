package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/marketsync/internal/chain"
	"github.com/alanyoungcy/marketsync/internal/domain"
)

var (
	marketAddr    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	multicallAddr = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")
	traderAddr    = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMarket struct {
	question string
	outcomes []string
	prices   []int64
	resolved bool

	revertInfo    bool
	revertPrices  bool
	garbleOutcome bool
}

type aggregateSlot struct {
	Success    bool
	ReturnData []byte
}

// fakeChain answers eth_call for the market contract and Multicall3 using real
// ABI encoding, and serves trade logs from memory.
type fakeChain struct {
	mu           sync.Mutex
	head         uint64
	markets      []fakeMarket
	logs         []types.Log
	failRange    func(from, to uint64) error
	aggregateErr error
	queries      [][2]uint64

	gate       chan struct{}
	entered    chan struct{}
	headReads  atomic.Int32
	countCalls atomic.Int32
}

func (f *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	f.headReads.Add(1)
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) setHead(h uint64) {
	f.mu.Lock()
	f.head = h
	f.mu.Unlock()
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(msg.Data) < 4 {
		return nil, errors.New("short calldata")
	}
	if m, err := chain.MulticallABI.MethodById(msg.Data[:4]); err == nil {
		return f.aggregate(m, msg.Data[4:])
	}
	m, err := chain.MarketABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	if m.Name != "marketCount" {
		return nil, fmt.Errorf("unexpected direct call %s", m.Name)
	}
	f.countCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return m.Outputs.Pack(big.NewInt(int64(len(f.markets))))
}

func (f *fakeChain) aggregate(m *abi.Method, data []byte) ([]byte, error) {
	if f.aggregateErr != nil {
		return nil, f.aggregateErr
	}
	args, err := m.Inputs.Unpack(data)
	if err != nil {
		return nil, err
	}
	calls := *abi.ConvertType(args[0], new([]chain.Call)).(*[]chain.Call)

	out := make([]aggregateSlot, len(calls))
	for i, c := range calls {
		ret, ok := f.answer(c.CallData)
		out[i] = aggregateSlot{Success: ok, ReturnData: ret}
	}
	return m.Outputs.Pack(out)
}

func (f *fakeChain) answer(data []byte) ([]byte, bool) {
	m, err := chain.MarketABI.MethodById(data[:4])
	if err != nil {
		return nil, false
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, false
	}
	id := args[0].(*big.Int).Int64()

	f.mu.Lock()
	defer f.mu.Unlock()
	if id < 0 || id >= int64(len(f.markets)) {
		return nil, false
	}
	mk := f.markets[id]

	switch m.Name {
	case "getMarketBasicInfo":
		if mk.revertInfo {
			return nil, false
		}
		ret, err := m.Outputs.Pack(mk.question, "ipfs://img", "desc",
			big.NewInt(int64(len(mk.outcomes))), big.NewInt(1_900_000_000),
			big.NewInt(1000), mk.resolved, big.NewInt(0))
		return ret, err == nil
	case "getMarketOutcomes":
		if mk.garbleOutcome {
			return []byte{0x01, 0x02, 0x03}, true
		}
		ret, err := m.Outputs.Pack(mk.outcomes)
		return ret, err == nil
	case "getAllPrices":
		if mk.revertPrices {
			return nil, false
		}
		prices := make([]*big.Int, len(mk.prices))
		for i, p := range mk.prices {
			prices[i] = big.NewInt(p)
		}
		ret, err := m.Outputs.Pack(prices)
		return ret, err == nil
	}
	return nil, false
}

func (f *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, [2]uint64{from, to})
	if f.failRange != nil {
		if err := f.failRange(from, to); err != nil {
			return nil, err
		}
	}
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if len(q.Topics) > 1 && len(q.Topics[1]) > 0 && lg.Topics[1] != q.Topics[1][0] {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeChain) addTrade(marketID int64, block uint64, cost int64) {
	ev := chain.MarketABI.Events["SharesPurchased"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(0), big.NewInt(10), big.NewInt(cost))
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, types.Log{
		Address: marketAddr,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(big.NewInt(marketID)),
			common.BytesToHash(traderAddr.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		Index:       uint(len(f.logs)),
	})
}

func (f *fakeChain) logQueries() [][2]uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]uint64(nil), f.queries...)
}

// fakeStore is an in-memory domain.MarketStore with the same write
// conditions as the postgres store.
type fakeStore struct {
	mu       sync.Mutex
	decimals int
	rows     map[int64]domain.MarketRecord
	upserts  int
	stale    int
}

func newFakeStore(decimals int) *fakeStore {
	return &fakeStore{decimals: decimals, rows: make(map[int64]domain.MarketRecord)}
}

func cloneRecord(m domain.MarketRecord) domain.MarketRecord {
	m.Outcomes = append([]string(nil), m.Outcomes...)
	m.Prices = append([]float64(nil), m.Prices...)
	return m
}

func (s *fakeStore) Upsert(_ context.Context, m domain.MarketRecord, base domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.rows[m.MarketID]; ok {
		if prev.LastIndexedBlock != base.LastIndexedBlock {
			s.stale++
			return domain.ErrStaleCheckpoint
		}
		stored, err := chain.ParseUnits(prev.Volume, s.decimals)
		if err != nil {
			return err
		}
		next, err := chain.ParseUnits(m.Volume, s.decimals)
		if err != nil {
			return err
		}
		from, err := chain.ParseUnits(base.Volume, s.decimals)
		if err != nil {
			return err
		}
		stored.Add(stored, next.Sub(next, from))
		m.Volume = chain.FormatUnits(stored, s.decimals)
		m.CreatedAt = prev.CreatedAt
	}
	s.rows[m.MarketID] = cloneRecord(m)
	s.upserts++
	return nil
}

func (s *fakeStore) staleWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

func (s *fakeStore) GetCheckpoint(_ context.Context, id int64) (domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return domain.Checkpoint{}, domain.ErrNotFound
	}
	return m.Checkpoint(), nil
}

func (s *fakeStore) GetByID(_ context.Context, id int64) (domain.MarketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rows[id]
	if !ok {
		return domain.MarketRecord{}, domain.ErrNotFound
	}
	return cloneRecord(m), nil
}

func (s *fakeStore) List(_ context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MarketRecord, 0, len(s.rows))
	for _, m := range s.rows {
		out = append(out, cloneRecord(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (s *fakeStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.rows)), nil
}

func (s *fakeStore) row(id int64) domain.MarketRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecord(s.rows[id])
}

func (s *fakeStore) put(m domain.MarketRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[m.MarketID] = cloneRecord(m)
}

// fakeGaps is an in-memory domain.ScanGapStore backed by a fakeStore.
type fakeGaps struct {
	mu       sync.Mutex
	store    *fakeStore
	decimals int
	nextID   int64
	gaps     []domain.ScanGap
}

func (g *fakeGaps) Record(_ context.Context, gap domain.ScanGap) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	gap.ID = g.nextID
	gap.CreatedAt = time.Now()
	g.gaps = append(g.gaps, gap)
	return nil
}

func (g *fakeGaps) ListOpen(_ context.Context, limit int) ([]domain.ScanGap, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]domain.ScanGap(nil), g.gaps...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *fakeGaps) Resolve(_ context.Context, gap domain.ScanGap, added string) error {
	g.store.mu.Lock()
	row, ok := g.store.rows[gap.MarketID]
	if !ok {
		g.store.mu.Unlock()
		return domain.ErrNotFound
	}
	prev, err := chain.ParseUnits(row.Volume, g.decimals)
	if err != nil {
		g.store.mu.Unlock()
		return err
	}
	add, err := chain.ParseUnits(added, g.decimals)
	if err != nil {
		g.store.mu.Unlock()
		return err
	}
	row.Volume = chain.FormatUnits(prev.Add(prev, add), g.decimals)
	g.store.rows[gap.MarketID] = row
	g.store.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	for i, open := range g.gaps {
		if open.ID == gap.ID {
			g.gaps = append(g.gaps[:i], g.gaps[i+1:]...)
			break
		}
	}
	return nil
}

func (g *fakeGaps) open() []domain.ScanGap {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.ScanGap(nil), g.gaps...)
}

type fakeLocks struct {
	err      error
	acquired atomic.Int32
	released atomic.Int32
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.acquired.Add(1)
	return func() { l.released.Add(1) }, nil
}
