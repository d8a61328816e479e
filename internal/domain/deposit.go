package domain

import (
	"strconv"
	"time"
)

// WatchEntry is a custodial address registered for deposit monitoring.
type WatchEntry struct {
	Address  string            `json:"address"` // lower-cased hex
	UserID   string            `json:"user_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Deposit is a matched token transfer into a watched address.
type Deposit struct {
	Address     string            `json:"address"`
	UserID      string            `json:"user_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Amount      string            `json:"amount"` // token units, decimal string
	TxHash      string            `json:"tx_hash"`
	LogIndex    uint              `json:"log_index"`
	BlockNumber uint64            `json:"block_number"`
	ObservedAt  time.Time         `json:"observed_at"`
}

// Key identifies a deposit uniquely on chain.
func (d Deposit) Key() string {
	return d.TxHash + ":" + strconv.FormatUint(uint64(d.LogIndex), 10)
}
