package domain

import "context"

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// MarketStore persists indexed market rows.
type MarketStore interface {
	// Upsert inserts or overwrites a market by MarketID, preserving the
	// earliest CreatedAt. base is the checkpoint m was computed from: the
	// stored volume grows by m.Volume - base.Volume, so volume added by a
	// concurrent ScanGapStore.Resolve is kept. If the stored
	// LastIndexedBlock differs from base.LastIndexedBlock nothing is written
	// and ErrStaleCheckpoint is returned.
	Upsert(ctx context.Context, m MarketRecord, base Checkpoint) error
	// GetCheckpoint returns ErrNotFound when the market has never been stored.
	GetCheckpoint(ctx context.Context, marketID int64) (Checkpoint, error)
	GetByID(ctx context.Context, marketID int64) (MarketRecord, error)
	List(ctx context.Context, opts ListOpts) ([]MarketRecord, error)
	Count(ctx context.Context) (int64, error)
}

// ScanGapStore persists block ranges whose trade logs failed to load.
type ScanGapStore interface {
	Record(ctx context.Context, gap ScanGap) error
	ListOpen(ctx context.Context, limit int) ([]ScanGap, error)
	// Resolve adds volume to the market and deletes the gap atomically.
	Resolve(ctx context.Context, gap ScanGap, addedVolume string) error
}
