package videos_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vidgen/backend/internal/memstore"
	"github.com/vidgen/backend/internal/models"
	"github.com/vidgen/backend/internal/videos"
)

type recorderStub struct {
	invalidated int
	outcomes    []string
}

func (r *recorderStub) GenerationFinished(outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorderStub) URLsInvalidated(count int) { r.invalidated += count }

func completedVideo(completedAt time.Time) models.Video {
	return models.Video{ID: "v1", UserID: "user-1", Status: models.VideoCompleted, StorageID: "videos/user-1/v1.mp4", CompletedAt: &completedAt}
}

func TestNeedsRefresh(t *testing.T) {
	done := time.Date(2024, 6, 1, 6, 0, 0, 0, time.UTC)
	video := completedVideo(done)

	if videos.NeedsRefresh(video, done.Add(4*time.Hour)) {
		t.Fatalf("4h old video should not need refresh")
	}
	if !videos.NeedsRefresh(video, done.Add(5*time.Hour+time.Second)) {
		t.Fatalf("video older than 5h should need refresh")
	}

	video.Status = models.VideoFailed
	if videos.NeedsRefresh(video, done.Add(10*time.Hour)) {
		t.Fatalf("failed videos never need refresh")
	}
}

func TestURLPrefersCachedRow(t *testing.T) {
	store := memstore.New()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := videos.NewURLCache(store, &blobStub{}, nil, 0)
	cache.WithNowFunc(func() time.Time { return now })

	if err := store.SaveURL(context.Background(), models.CachedVideoURL{ID: "u1", VideoID: "v1", URL: "https://cached", GeneratedAt: now, ExpiresAt: now.Add(time.Hour), IsValid: true}); err != nil {
		t.Fatalf("save: %v", err)
	}

	url, err := cache.URL(context.Background(), completedVideo(now))
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if url != "https://cached" {
		t.Fatalf("expected cached url got %q", url)
	}
}

func TestURLDerivesWithoutStoring(t *testing.T) {
	store := memstore.New()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := videos.NewURLCache(store, &blobStub{}, nil, 0)
	cache.WithNowFunc(func() time.Time { return now })

	url, err := cache.URL(context.Background(), completedVideo(now))
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if url == "" {
		t.Fatalf("expected derived url")
	}
	if _, err := store.FindValidURL(context.Background(), "v1", now); !errors.Is(err, videos.ErrURLNotCached) {
		t.Fatalf("deriving a url must not cache it, got %v", err)
	}

	generating := models.Video{ID: "v2", Status: models.VideoGenerating}
	if url, _ := cache.URL(context.Background(), generating); url != "" {
		t.Fatalf("expected no url for generating video got %q", url)
	}
}

func TestRefreshStoresNewURL(t *testing.T) {
	store := memstore.New()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cache := videos.NewURLCache(store, &blobStub{}, nil, time.Hour)
	cache.WithNowFunc(func() time.Time { return now })

	entry, err := cache.Refresh(context.Background(), completedVideo(now.Add(-6*time.Hour)))
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !entry.IsValid || !entry.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	found, err := store.FindValidURL(context.Background(), "v1", now)
	if err != nil || found.ID != entry.ID {
		t.Fatalf("expected refreshed url cached, got %+v %v", found, err)
	}

	if _, err := cache.Refresh(context.Background(), models.Video{ID: "v3", Status: models.VideoFailed}); !errors.Is(err, videos.ErrInvalidState) {
		t.Fatalf("expected invalid state got %v", err)
	}
}

func TestSweepInvalidatesExpired(t *testing.T) {
	store := memstore.New()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := &recorderStub{}
	cache := videos.NewURLCache(store, &blobStub{}, rec, 0)
	cache.WithNowFunc(func() time.Time { return now })
	ctx := context.Background()

	rows := []models.CachedVideoURL{
		{ID: "expired-1", VideoID: "a", URL: "x", ExpiresAt: now.Add(-time.Minute), IsValid: true},
		{ID: "expired-2", VideoID: "b", URL: "x", ExpiresAt: now.Add(-time.Hour), IsValid: true},
		{ID: "fresh", VideoID: "c", URL: "x", ExpiresAt: now.Add(time.Hour), IsValid: true},
	}
	for _, row := range rows {
		if err := store.SaveURL(ctx, row); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	n, err := cache.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 || rec.invalidated != 2 {
		t.Fatalf("expected 2 invalidated got %d (metric %d)", n, rec.invalidated)
	}
	if n, _ := cache.Sweep(ctx); n != 0 {
		t.Fatalf("second sweep should be a no-op got %d", n)
	}
	if _, err := store.FindValidURL(ctx, "c", now); err != nil {
		t.Fatalf("fresh url should remain valid: %v", err)
	}
}
