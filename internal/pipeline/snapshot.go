// Package pipeline runs the periodic export of the market table to object
// storage.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

const (
	snapshotPageSize    = 500
	snapshotContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart path.
	multipartThreshold = 16 * 1024 * 1024
)

// snapshotRow is the JSON line written for each market.
type snapshotRow struct {
	MarketID         int64     `json:"market_id"`
	Question         string    `json:"question"`
	Image            string    `json:"image,omitempty"`
	Description      string    `json:"description,omitempty"`
	Outcomes         []string  `json:"outcomes"`
	Prices           []float64 `json:"prices"`
	Resolved         bool      `json:"resolved"`
	WinningOutcome   int64     `json:"winning_outcome"`
	EndTime          time.Time `json:"end_time"`
	LiquidityParam   string    `json:"liquidity_param"`
	OutcomeCount     int       `json:"outcome_count"`
	Volume           string    `json:"volume"`
	LastIndexedBlock uint64    `json:"last_indexed_block"`
	LastIndexedAt    time.Time `json:"last_indexed_at"`
}

func toSnapshotRow(m domain.MarketRecord) snapshotRow {
	return snapshotRow{
		MarketID:         m.MarketID,
		Question:         m.Question,
		Image:            m.Image,
		Description:      m.Description,
		Outcomes:         m.Outcomes,
		Prices:           m.Prices,
		Resolved:         m.Resolved,
		WinningOutcome:   m.WinningOutcome,
		EndTime:          m.EndTime,
		LiquidityParam:   m.LiquidityParam,
		OutcomeCount:     m.OutcomeCount,
		Volume:           m.Volume,
		LastIndexedBlock: m.LastIndexedBlock,
		LastIndexedAt:    m.LastIndexedAt,
	}
}

// SnapshotResult describes one completed export.
type SnapshotResult struct {
	Path    string
	Markets int
	Bytes   int
}

// SnapshotExporter writes the full market table as JSON lines to blob storage.
type SnapshotExporter struct {
	markets domain.MarketStore
	writer  domain.BlobWriter
	logger  *slog.Logger
	now     func() time.Time
}

// NewSnapshotExporter creates a SnapshotExporter.
func NewSnapshotExporter(markets domain.MarketStore, writer domain.BlobWriter, logger *slog.Logger) *SnapshotExporter {
	return &SnapshotExporter{
		markets: markets,
		writer:  writer,
		logger:  logger.With(slog.String("component", "snapshot")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// snapshotPath partitions snapshots by day:
//
//	snapshots/markets/2025/01/31/154500.jsonl
func snapshotPath(at time.Time) string {
	return path.Join("snapshots", "markets", at.Format("2006/01/02"), at.Format("150405")+".jsonl")
}

// Run pages through every market and uploads one JSONL object. An empty table
// still produces an (empty) object so consumers can tell the export ran.
func (e *SnapshotExporter) Run(ctx context.Context) (SnapshotResult, error) {
	started := e.now()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	count := 0
	for offset := 0; ; offset += snapshotPageSize {
		page, err := e.markets.List(ctx, domain.ListOpts{Limit: snapshotPageSize, Offset: offset})
		if err != nil {
			return SnapshotResult{}, fmt.Errorf("pipeline: snapshot list markets at offset %d: %w", offset, err)
		}
		for _, m := range page {
			if err := enc.Encode(toSnapshotRow(m)); err != nil {
				return SnapshotResult{}, fmt.Errorf("pipeline: snapshot encode market %d: %w", m.MarketID, err)
			}
		}
		count += len(page)
		if len(page) < snapshotPageSize {
			break
		}
	}

	key := snapshotPath(started)
	size := buf.Len()
	var err error
	if size >= multipartThreshold {
		err = e.writer.PutMultipart(ctx, key, &buf, 0)
	} else {
		err = e.writer.Put(ctx, key, &buf, snapshotContentType)
	}
	if err != nil {
		return SnapshotResult{}, fmt.Errorf("pipeline: snapshot upload: %w", err)
	}

	e.logger.Info("snapshot exported",
		slog.String("path", key),
		slog.Int("markets", count),
		slog.Int("bytes", size),
		slog.Duration("duration", e.now().Sub(started)),
	)
	return SnapshotResult{Path: key, Markets: count, Bytes: size}, nil
}

// RunCron runs the exporter on a cron schedule until ctx is cancelled.
// Failed runs are logged and retried at the next trigger.
func (e *SnapshotExporter) RunCron(ctx context.Context, expr string) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("pipeline: cron expression %q: %w", expr, err)
	}
	e.logger.Info("snapshot cron started", slog.String("cron", expr))

	for {
		next, err := sched.Next(e.now())
		if err != nil {
			return err
		}

		wait := time.Until(next)
		e.logger.Debug("snapshot waiting for next trigger",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("snapshot cron stopped")
			return ctx.Err()
		case <-timer.C:
			if _, err := e.Run(ctx); err != nil {
				e.logger.Error("snapshot export failed", slog.String("error", err.Error()))
			}
		}
	}
}
