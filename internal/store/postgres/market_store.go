package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Upsert inserts or overwrites a market row. created_at keeps its first value.
// Volume is applied as the delta over base so rescan repairs committed in the
// meantime survive. The update only happens while last_indexed_block still
// equals base, otherwise domain.ErrStaleCheckpoint is returned.
func (s *MarketStore) Upsert(ctx context.Context, m domain.MarketRecord, base domain.Checkpoint) error {
	const query = `
		INSERT INTO markets (
			market_id, question, image, description, outcomes,
			prices, resolved, winning_outcome, end_time, liquidity_param,
			outcome_count, volume, last_indexed_block, last_indexed_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10::numeric,
			$11, $12::numeric, $13, $14, $15
		)
		ON CONFLICT (market_id) DO UPDATE SET
			question           = EXCLUDED.question,
			image              = EXCLUDED.image,
			description        = EXCLUDED.description,
			outcomes           = EXCLUDED.outcomes,
			prices             = EXCLUDED.prices,
			resolved           = EXCLUDED.resolved,
			winning_outcome    = EXCLUDED.winning_outcome,
			end_time           = EXCLUDED.end_time,
			liquidity_param    = EXCLUDED.liquidity_param,
			outcome_count      = EXCLUDED.outcome_count,
			volume             = markets.volume + (EXCLUDED.volume - $16::numeric),
			last_indexed_block = EXCLUDED.last_indexed_block,
			last_indexed_at    = EXCLUDED.last_indexed_at
		WHERE markets.last_indexed_block = $17`

	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	liquidity := orZero(m.LiquidityParam)
	volume := orZero(m.Volume)
	baseVolume := orZero(base.Volume)

	tag, err := s.pool.Exec(ctx, query,
		m.MarketID, m.Question, m.Image, m.Description, nonNilStrings(m.Outcomes),
		nonNilFloats(m.Prices), m.Resolved, m.WinningOutcome, nullableTime(m.EndTime), liquidity,
		m.OutcomeCount, volume, int64(m.LastIndexedBlock), nullableTime(m.LastIndexedAt), createdAt,
		baseVolume, int64(base.LastIndexedBlock),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %d: %w", m.MarketID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: upsert market %d: %w", m.MarketID, domain.ErrStaleCheckpoint)
	}
	return nil
}

// GetCheckpoint returns the stored (volume, last_indexed_block) for a market.
func (s *MarketStore) GetCheckpoint(ctx context.Context, marketID int64) (domain.Checkpoint, error) {
	var (
		cp    domain.Checkpoint
		block int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT volume::text, last_indexed_block FROM markets WHERE market_id = $1`, marketID,
	).Scan(&cp.Volume, &block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Checkpoint{}, domain.ErrNotFound
		}
		return domain.Checkpoint{}, fmt.Errorf("postgres: get checkpoint %d: %w", marketID, err)
	}
	cp.LastIndexedBlock = uint64(block)
	return cp, nil
}

const marketCols = `market_id, question, image, description, outcomes,
	prices, resolved, winning_outcome, end_time, liquidity_param::text,
	outcome_count, volume::text, last_indexed_block, last_indexed_at, created_at`

// scanMarket scans a single market row into a domain.MarketRecord.
func scanMarket(row pgx.Row) (domain.MarketRecord, error) {
	var (
		m             domain.MarketRecord
		endTime       *time.Time
		lastIndexedAt *time.Time
		block         int64
	)
	err := row.Scan(
		&m.MarketID, &m.Question, &m.Image, &m.Description, &m.Outcomes,
		&m.Prices, &m.Resolved, &m.WinningOutcome, &endTime, &m.LiquidityParam,
		&m.OutcomeCount, &m.Volume, &block, &lastIndexedAt, &m.CreatedAt,
	)
	if err != nil {
		return domain.MarketRecord{}, err
	}
	if endTime != nil {
		m.EndTime = endTime.UTC()
	}
	if lastIndexedAt != nil {
		m.LastIndexedAt = lastIndexedAt.UTC()
	}
	m.LastIndexedBlock = uint64(block)
	return m, nil
}

// GetByID retrieves a market by its on-chain id.
func (s *MarketStore) GetByID(ctx context.Context, marketID int64) (domain.MarketRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE market_id = $1`, marketID)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketRecord{}, domain.ErrNotFound
		}
		return domain.MarketRecord{}, fmt.Errorf("postgres: get market %d: %w", marketID, err)
	}
	return m, nil
}

// List returns markets ordered by id.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketRecord, error) {
	query := `SELECT ` + marketCols + ` FROM markets ORDER BY market_id`
	args := []any{}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.MarketRecord
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, nil
}

// Count returns the number of indexed markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

// orZero maps an empty decimal to "0" so ::numeric casts never see "".
func orZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilFloats(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
