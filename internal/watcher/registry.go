package watcher

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// Registry is the concurrent watch-list keyed by lower-cased address. When a
// WatchStore is set, changes are written through so they survive restarts.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]domain.WatchEntry
	store   domain.WatchStore
	// touched collects addresses changed while Load is reading the store.
	touched map[string]struct{}
}

// NewRegistry creates an empty Registry. store may be nil.
func NewRegistry(store domain.WatchStore) *Registry {
	return &Registry{
		entries: make(map[string]domain.WatchEntry),
		store:   store,
	}
}

// NormalizeAddress validates a hex address and lower-cases it.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidAddress, address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// Watch inserts or replaces the entry for address.
func (r *Registry) Watch(ctx context.Context, address, userID string, metadata map[string]string) error {
	key, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	entry := domain.WatchEntry{Address: key, UserID: userID, Metadata: maps.Clone(metadata)}

	if r.store != nil {
		if err := r.store.Put(ctx, entry); err != nil {
			return fmt.Errorf("watcher: persist %s: %w", key, err)
		}
	}

	r.mu.Lock()
	r.entries[key] = entry
	r.touch(key)
	r.mu.Unlock()
	return nil
}

// Unwatch removes address. Removing an unknown address is not an error.
func (r *Registry) Unwatch(ctx context.Context, address string) error {
	key, err := NormalizeAddress(address)
	if err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("watcher: unpersist %s: %w", key, err)
		}
	}

	r.mu.Lock()
	delete(r.entries, key)
	r.touch(key)
	r.mu.Unlock()
	return nil
}

// Lookup finds the entry for address in any letter case.
func (r *Registry) Lookup(address string) (domain.WatchEntry, bool) {
	r.mu.RLock()
	e, ok := r.entries[strings.ToLower(address)]
	r.mu.RUnlock()
	return e, ok
}

// Len returns the number of watched addresses.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Load merges the persisted entries into memory and returns how many it
// added. Entries already in memory, or watched and unwatched while the store
// is read, win over the persisted copy. It is a no-op without a store.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	r.mu.Lock()
	r.touched = make(map[string]struct{})
	r.mu.Unlock()

	all, err := r.store.All(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	touched := r.touched
	r.touched = nil
	if err != nil {
		return 0, fmt.Errorf("watcher: load registry: %w", err)
	}

	added := 0
	for _, e := range all {
		key, err := NormalizeAddress(e.Address)
		if err != nil {
			continue
		}
		if _, ok := touched[key]; ok {
			continue
		}
		if _, ok := r.entries[key]; ok {
			continue
		}
		e.Address = key
		r.entries[key] = e
		added++
	}
	return added, nil
}

// touch must be called with mu held.
func (r *Registry) touch(key string) {
	if r.touched != nil {
		r.touched[key] = struct{}{}
	}
}
