package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/alanyoungcy/marketsync/internal/chain"
)

type blockRange struct {
	from, to uint64
	reason   string
}

type scanResult struct {
	total  *big.Int
	events int
	failed []blockRange
}

// scanVolume sums the cost of every SharesPurchased event for marketID in
// [from, to]. Chunks are fetched sequentially; a chunk that fails is logged
// and returned in failed rather than aborting the scan. Only cancellation of
// ctx is returned as an error.
func (ix *Indexer) scanVolume(ctx context.Context, marketID *big.Int, from, to uint64) (scanResult, error) {
	res := scanResult{total: new(big.Int)}
	size := ix.cfg.ChunkSize

	for start := from; start <= to; {
		end := to
		if to-start >= size {
			end = start + size - 1
		}

		logs, err := ix.deps.Reader.FilterLogs(ctx, ix.deps.Market.TradeFilter(marketID, start, end))
		if err != nil {
			if ctx.Err() != nil {
				return scanResult{}, fmt.Errorf("scan volume: %w", ctx.Err())
			}
			ix.logger.Warn("trade log chunk failed, volume in range not counted",
				slog.Int64("market_id", marketID.Int64()),
				slog.Uint64("from_block", start),
				slog.Uint64("to_block", end),
				slog.String("error", err.Error()),
			)
			res.failed = append(res.failed, blockRange{from: start, to: end, reason: err.Error()})
		} else {
			for _, lg := range logs {
				if lg.Removed {
					continue
				}
				ev, err := chain.DecodeTrade(lg)
				if err != nil {
					ix.logger.Warn("undecodable trade log",
						slog.String("tx_hash", lg.TxHash.Hex()),
						slog.Uint64("log_index", uint64(lg.Index)),
						slog.String("error", err.Error()),
					)
					continue
				}
				if ev.MarketID.Cmp(marketID) != 0 {
					continue
				}
				res.total.Add(res.total, ev.Cost)
				res.events++
			}
		}

		if end == to {
			break
		}
		start = end + 1
		if err := ix.sleep(ctx, ix.cfg.ChunkDelay); err != nil {
			return scanResult{}, fmt.Errorf("scan volume: %w", err)
		}
	}
	return res, nil
}
