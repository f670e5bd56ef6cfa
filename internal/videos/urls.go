package videos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/models"
)

const (
	// URLTTL is how long a signed video URL stays cached.
	URLTTL = 6 * time.Hour
	// URLRefreshAfter is the completion age past which a URL should be refreshed.
	URLRefreshAfter = 5 * time.Hour
)

// URLCache hands out signed playback URLs for completed videos.
type URLCache struct {
	store   URLStore
	blobs   BlobStore
	metrics Recorder
	ttl     time.Duration
	now     func() time.Time
}

// NewURLCache constructs a URLCache. A zero ttl uses URLTTL.
func NewURLCache(store URLStore, blobs BlobStore, metrics Recorder, ttl time.Duration) *URLCache {
	if ttl <= 0 {
		ttl = URLTTL
	}
	return &URLCache{store: store, blobs: blobs, metrics: metrics, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// WithNowFunc allows tests to override the time source.
func (c *URLCache) WithNowFunc(now func() time.Time) {
	c.now = now
}

// URL returns a playback URL for video, or "" when it has none. A valid
// cached URL wins; otherwise one is signed on the fly without being stored.
func (c *URLCache) URL(ctx context.Context, video models.Video) (string, error) {
	if video.Status != models.VideoCompleted || video.StorageID == "" {
		return "", nil
	}

	now := c.now()
	cached, err := c.store.FindValidURL(ctx, video.ID, now)
	if err == nil {
		return cached.URL, nil
	}
	if !errors.Is(err, ErrURLNotCached) {
		logging.FromContext(ctx).Warn("cached url lookup failed", "videoId", video.ID, "error", err)
	}

	entry, err := c.derive(ctx, video.ID, video.StorageID, now)
	if err != nil {
		return "", err
	}
	return entry.URL, nil
}

// Refresh signs a new URL for video and stores it as the cached URL.
func (c *URLCache) Refresh(ctx context.Context, video models.Video) (models.CachedVideoURL, error) {
	if video.Status != models.VideoCompleted || video.StorageID == "" {
		return models.CachedVideoURL{}, fmt.Errorf("refresh url for %s video: %w", video.Status, ErrInvalidState)
	}

	entry, err := c.derive(ctx, video.ID, video.StorageID, c.now())
	if err != nil {
		return models.CachedVideoURL{}, err
	}
	if err := c.store.SaveURL(ctx, entry); err != nil {
		return models.CachedVideoURL{}, fmt.Errorf("save video url: %w", err)
	}
	return entry, nil
}

// Sweep invalidates every cached URL that has expired and returns how many
// rows changed.
func (c *URLCache) Sweep(ctx context.Context) (int, error) {
	n, err := c.store.InvalidateExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("invalidate expired urls: %w", err)
	}
	if c.metrics != nil {
		c.metrics.URLsInvalidated(n)
	}
	if n > 0 {
		logging.FromContext(ctx).Info("expired video urls invalidated", "count", n)
	}
	return n, nil
}

// NeedsRefresh reports whether a completed video's URL is close to expiring.
func NeedsRefresh(video models.Video, now time.Time) bool {
	if video.Status != models.VideoCompleted || video.CompletedAt == nil {
		return false
	}
	return now.Sub(*video.CompletedAt) > URLRefreshAfter
}

func (c *URLCache) derive(ctx context.Context, videoID, storageID string, now time.Time) (models.CachedVideoURL, error) {
	if c.blobs == nil {
		return models.CachedVideoURL{}, fmt.Errorf("%w: no blob store configured", ErrStorage)
	}
	url, signedUntil, err := c.blobs.SignedURL(ctx, storageID)
	if err != nil {
		return models.CachedVideoURL{}, fmt.Errorf("%w: sign url: %w", ErrStorage, err)
	}

	expires := now.Add(c.ttl)
	if !signedUntil.IsZero() && signedUntil.Before(expires) {
		expires = signedUntil
	}
	return models.CachedVideoURL{
		ID:          uuid.NewString(),
		VideoID:     videoID,
		URL:         url,
		GeneratedAt: now,
		ExpiresAt:   expires,
		IsValid:     true,
	}, nil
}
