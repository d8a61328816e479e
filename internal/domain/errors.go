package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrLockHeld        = errors.New("lock already held")
	ErrCycleInProgress = errors.New("sync cycle already in progress")
	ErrInvalidAddress  = errors.New("invalid address")
	// ErrStaleCheckpoint is returned by MarketStore.Upsert when the stored
	// checkpoint no longer matches the one the write was computed from.
	ErrStaleCheckpoint = errors.New("market checkpoint moved")
)
