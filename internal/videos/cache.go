package videos

import (
	"context"
	"sync"
	"time"

	"github.com/vidgen/backend/internal/models"
)

type urlEntry struct {
	url     models.CachedVideoURL
	expires time.Time
}

// CachingURLStore fronts a URLStore with a process-local TTL cache so hot
// library reads skip the database. Entries never outlive the row's ExpiresAt.
type CachingURLStore struct {
	base URLStore
	ttl  time.Duration

	mu    sync.RWMutex
	items map[string]urlEntry
}

// NewCachingURLStore returns a URLStore that caches lookups for the provided TTL.
func NewCachingURLStore(base URLStore, ttl time.Duration) *CachingURLStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingURLStore{
		base:  base,
		ttl:   ttl,
		items: make(map[string]urlEntry),
	}
}

// FindValidURL serves from memory when possible, otherwise it delegates to the
// underlying store and remembers the row.
func (c *CachingURLStore) FindValidURL(ctx context.Context, videoID string, now time.Time) (models.CachedVideoURL, error) {
	c.mu.RLock()
	entry, ok := c.items[videoID]
	c.mu.RUnlock()
	if ok && now.Before(entry.expires) && now.Before(entry.url.ExpiresAt) {
		return entry.url, nil
	}

	row, err := c.base.FindValidURL(ctx, videoID, now)
	if err != nil {
		return models.CachedVideoURL{}, err
	}
	c.remember(row, now)
	return row, nil
}

// SaveURL writes through to the underlying store.
func (c *CachingURLStore) SaveURL(ctx context.Context, entry models.CachedVideoURL) error {
	if err := c.base.SaveURL(ctx, entry); err != nil {
		return err
	}
	if entry.IsValid {
		c.remember(entry, entry.GeneratedAt)
	}
	return nil
}

// InvalidateExpired delegates the sweep and drops expired entries from memory.
func (c *CachingURLStore) InvalidateExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := c.base.InvalidateExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	for id, entry := range c.items {
		if entry.url.ExpiresAt.Before(now) {
			delete(c.items, id)
		}
	}
	c.mu.Unlock()

	return n, nil
}

func (c *CachingURLStore) remember(row models.CachedVideoURL, now time.Time) {
	c.mu.Lock()
	c.items[row.VideoID] = urlEntry{url: row, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}
