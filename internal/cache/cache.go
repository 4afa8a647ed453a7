// Package cache provides the TTL-bounded local read cache. Entries are
// durable (they share the engine's SQLite store) and are invalidated by
// table whenever a local write syncs, so reads are never stale relative to
// the client's own writes.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kimhsiao/schooldesk/backend/internal/db"
	apperrors "github.com/kimhsiao/schooldesk/backend/internal/errors"
	"github.com/kimhsiao/schooldesk/backend/internal/logging"
	"github.com/kimhsiao/schooldesk/backend/internal/models"
)

// Cache provides TTL reads over the durable cache store.
type Cache struct {
	store      *db.Store
	defaultTTL time.Duration
	now        func() time.Time
}

// New creates a Cache. A non-positive defaultTTL falls back to 5 minutes.
func New(store *db.Store, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{
		store:      store,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Put stores a snapshot under a table-scoped key. A non-positive ttl uses
// the default.
func (c *Cache) Put(table, key string, data json.RawMessage, ttl time.Duration) error {
	if table == "" || key == "" {
		return apperrors.New(apperrors.ErrInvalid, "cache entries need a table and a key")
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	entry := &models.CacheEntry{
		Key:       key,
		Table:     table,
		Data:      data,
		Timestamp: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	return c.store.PutCacheEntry(entry)
}

// Get returns the cached snapshot, or a miss. An entry at or past its
// expiry is a miss, never a stale hit; expired entries are dropped on read.
func (c *Cache) Get(key string) (json.RawMessage, bool, error) {
	entry, err := c.store.GetCacheEntry(key)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if !entry.Fresh(c.now()) {
		// Drop eagerly so the prune sweep has less to do.
		if derr := c.store.DeleteCacheEntry(key); derr != nil {
			logging.Warn("Failed to drop expired cache entry",
				map[string]interface{}{"key": key, "error": derr.Error()})
		}
		return nil, false, nil
	}

	return entry.Data, true, nil
}

// InvalidateTable removes every entry for a logical table. Called after any
// successful mutation against that table.
func (c *Cache) InvalidateTable(table string) (int, error) {
	removed, err := c.store.InvalidateCacheTable(table)
	if err != nil {
		return 0, err
	}

	if removed > 0 {
		logging.Debug("Cache invalidated",
			map[string]interface{}{"table": table, "removed": removed})
	}

	return removed, nil
}

// PruneExpired removes every entry past its expiry.
func (c *Cache) PruneExpired() (int, error) {
	return c.store.PruneExpiredCache(c.now())
}

// StartPruneLoop runs periodic expiry sweeps until the context is done.
func (c *Cache) StartPruneLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := c.PruneExpired()
			if err != nil {
				logging.Error("Cache prune sweep failed", err)
				continue
			}
			if pruned > 0 {
				logging.Debug("Cache prune sweep",
					map[string]interface{}{"pruned": pruned})
			}
		}
	}
}
