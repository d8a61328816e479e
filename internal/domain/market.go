package domain

import "time"

// MarketRecord is the persisted mirror of one on-chain market.
type MarketRecord struct {
	MarketID       int64
	Question       string
	Image          string
	Description    string
	Outcomes       []string
	Prices         []float64 // percent, recomputed every cycle
	Resolved       bool
	WinningOutcome int64
	EndTime        time.Time
	LiquidityParam string // uint256 as a decimal string
	OutcomeCount   int

	// Volume is the cumulative traded collateral as a decimal string. It never
	// decreases between syncs.
	Volume string
	// LastIndexedBlock is the block up to which trade events have been folded
	// into Volume. It never decreases between syncs.
	LastIndexedBlock uint64
	LastIndexedAt    time.Time
	CreatedAt        time.Time
}

// Checkpoint is the incremental-scan anchor stored on each market row.
type Checkpoint struct {
	Volume           string
	LastIndexedBlock uint64
}

// ZeroCheckpoint is used for markets that have never been indexed.
var ZeroCheckpoint = Checkpoint{Volume: "0", LastIndexedBlock: 0}

// Checkpoint returns the market's scan anchor.
func (m MarketRecord) Checkpoint() Checkpoint {
	return Checkpoint{Volume: m.Volume, LastIndexedBlock: m.LastIndexedBlock}
}

// ScanGap records a block range whose trade logs could not be fetched. The
// volume in that range is missing from the market until a rescan resolves it.
type ScanGap struct {
	ID        int64
	MarketID  int64
	FromBlock uint64
	ToBlock   uint64
	Reason    string
	CreatedAt time.Time
}
