package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketsync/internal/domain"
)

// WatchStore implements domain.WatchStore as one hash: field is the
// lower-cased address, value the JSON entry.
//
// Key schema:
//
//	{namespace}:watch:registry - hash address -> WatchEntry JSON
type WatchStore struct {
	rdb *redis.Client
	key string
}

// NewWatchStore creates a WatchStore backed by the given Client.
func NewWatchStore(c *Client) *WatchStore {
	return &WatchStore{rdb: c.Underlying(), key: c.Key("watch:registry")}
}

// Put stores or replaces entry.
func (s *WatchStore) Put(ctx context.Context, entry domain.WatchEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: marshal watch entry %s: %w", entry.Address, err)
	}
	if err := s.rdb.HSet(ctx, s.key, entry.Address, data).Err(); err != nil {
		return fmt.Errorf("redis: put watch entry %s: %w", entry.Address, err)
	}
	return nil
}

// Delete removes address.
func (s *WatchStore) Delete(ctx context.Context, address string) error {
	if err := s.rdb.HDel(ctx, s.key, address).Err(); err != nil {
		return fmt.Errorf("redis: delete watch entry %s: %w", address, err)
	}
	return nil
}

// All returns every stored entry. Undecodable values are skipped.
func (s *WatchStore) All(ctx context.Context) ([]domain.WatchEntry, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load watch registry: %w", err)
	}
	entries := make([]domain.WatchEntry, 0, len(raw))
	for addr, v := range raw {
		var e domain.WatchEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		if e.Address == "" {
			e.Address = addr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Compile-time interface check.
var _ domain.WatchStore = (*WatchStore)(nil)
