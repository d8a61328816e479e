package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// ScanGapStore implements domain.ScanGapStore using PostgreSQL.
type ScanGapStore struct {
	pool *pgxpool.Pool
}

// NewScanGapStore creates a new ScanGapStore backed by the given pool.
func NewScanGapStore(pool *pgxpool.Pool) *ScanGapStore {
	return &ScanGapStore{pool: pool}
}

// Record stores a failed block range. Recording the same range twice is a
// no-op.
func (s *ScanGapStore) Record(ctx context.Context, gap domain.ScanGap) error {
	const query = `
		INSERT INTO scan_gaps (market_id, from_block, to_block, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (market_id, from_block, to_block) DO UPDATE SET
			reason = EXCLUDED.reason`

	_, err := s.pool.Exec(ctx, query,
		gap.MarketID, int64(gap.FromBlock), int64(gap.ToBlock), gap.Reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: record scan gap %d [%d,%d]: %w",
			gap.MarketID, gap.FromBlock, gap.ToBlock, err)
	}
	return nil
}

// ListOpen returns unresolved gaps, oldest first.
func (s *ScanGapStore) ListOpen(ctx context.Context, limit int) ([]domain.ScanGap, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, market_id, from_block, to_block, reason, created_at
		FROM scan_gaps
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list scan gaps: %w", err)
	}
	defer rows.Close()

	var gaps []domain.ScanGap
	for rows.Next() {
		var (
			g        domain.ScanGap
			from, to int64
		)
		if err := rows.Scan(&g.ID, &g.MarketID, &from, &to, &g.Reason, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan gap row: %w", err)
		}
		g.FromBlock, g.ToBlock = uint64(from), uint64(to)
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list scan gaps rows: %w", err)
	}
	return gaps, nil
}

// Resolve deletes the gap and adds addedVolume to its market in one
// transaction. If the gap is already gone, nothing is added and
// domain.ErrNotFound is returned.
func (s *ScanGapStore) Resolve(ctx context.Context, gap domain.ScanGap, addedVolume string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM scan_gaps WHERE id = $1`, gap.ID)
		if err != nil {
			return fmt.Errorf("delete gap: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}

		tag, err = tx.Exec(ctx,
			`UPDATE markets SET volume = volume + $2::numeric WHERE market_id = $1`,
			gap.MarketID, addedVolume,
		)
		if err != nil {
			return fmt.Errorf("add volume: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres: resolve scan gap %d: %w", gap.ID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ScanGapStore = (*ScanGapStore)(nil)
