package watcher

import (
	"sync"
	"time"
)

// Backoff yields exponentially growing reconnect delays between a floor and a
// ceiling. It is safe for concurrent use.
type Backoff struct {
	mu      sync.Mutex
	floor   time.Duration
	ceiling time.Duration
	next    time.Duration
}

// NewBackoff returns a Backoff whose first delay is floor.
func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = time.Second
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, next: floor}
}

// Next returns the delay to wait now and doubles the following one, capped
// at the ceiling.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.next
	b.next = min(b.next*2, b.ceiling)
	return d
}

// Reset restores the floor. Call it only after a confirmed connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.next = b.floor
	b.mu.Unlock()
}
