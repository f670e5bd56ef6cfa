package videos

import (
	"context"
	"io"
	"time"

	"github.com/vidgen/backend/internal/models"
)

// Limits bounds how many videos a user may have in the rate limit window.
type Limits struct {
	MaxGenerating int
	MaxDaily      int
}

// DefaultLimits are the production generation limits.
var DefaultLimits = Limits{MaxGenerating: 5, MaxDaily: 20}

// RateLimitWindow is the rolling lookback used for generation limits.
const RateLimitWindow = 24 * time.Hour

// StatusUpdate is a status transition recorded by Store.UpdateStatus. Nil
// pointer fields leave the stored value untouched.
type StatusUpdate struct {
	Status        models.VideoStatus
	Error         *string
	FalStatus     *string
	QueuePosition *int
	Log           models.ProcessingLog
	At            time.Time
}

// ProgressUpdate carries asynchronous progress reported by the generation API.
type ProgressUpdate struct {
	FalRequestID  string
	FalStatus     string
	QueuePosition *int
	Logs          []models.ProcessingLog
}

// Completion is the successful end of a generation.
type Completion struct {
	StorageID string
	Metadata  models.VideoMetadata
	Log       models.ProcessingLog
	URL       *models.CachedVideoURL
	At        time.Time
}

// Store persists videos. Each method is one atomic unit against the store.
//
// Implementations keep the user session's active video set in step with
// status: a video enters it when created or reset to generating and leaves it
// on a terminal transition. completedAt is written only when it is still unset.
type Store interface {
	// CreateWithinLimits counts the user's videos created at or after since and
	// inserts video only if neither limit is reached, returning
	// ErrRateLimitExceeded or ErrDailyLimitExceeded otherwise.
	CreateWithinLimits(ctx context.Context, video models.Video, since time.Time, limits Limits) (models.Video, error)
	ListSince(ctx context.Context, userID string, since time.Time) ([]models.Video, error)
	// ListByUser returns videos newest first; a zero limit returns all of them.
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Video, error)
	Get(ctx context.Context, videoID string) (models.Video, error)
	// UpdateStatus applies update only while the video is generating: it may
	// stay generating or move to a terminal status. Any other video returns
	// ErrInvalidState.
	UpdateStatus(ctx context.Context, videoID string, update StatusUpdate) (models.Video, error)
	RecordProgress(ctx context.Context, videoID string, update ProgressUpdate) error
	// Complete sets status completed with storage and metadata, and stores the
	// optional initial cached URL. A video that is no longer generating returns
	// ErrInvalidState.
	Complete(ctx context.Context, videoID string, completion Completion) (models.Video, error)
	// ResetForRetry moves a failed video with fewer than maxRetries retries back
	// to generating, returning ErrInvalidState if the video no longer qualifies.
	// The user's generating videos are recounted in the same unit and
	// ErrRateLimitExceeded returned when limits.MaxGenerating is reached.
	ResetForRetry(ctx context.Context, videoID string, maxRetries int, limits Limits, log models.ProcessingLog) (models.Video, error)
}

// URLStore persists signed URLs for completed videos.
type URLStore interface {
	// FindValidURL returns a row with IsValid set and ExpiresAt after now, or ErrURLNotCached.
	FindValidURL(ctx context.Context, videoID string, now time.Time) (models.CachedVideoURL, error)
	SaveURL(ctx context.Context, entry models.CachedVideoURL) error
	// InvalidateExpired marks rows with ExpiresAt before now invalid.
	InvalidateExpired(ctx context.Context, now time.Time) (int, error)
}

// SessionStore persists per-user sessions and preferences.
type SessionStore interface {
	GetSession(ctx context.Context, userID string) (models.UserSession, error)
	// SavePreferences upserts preferences and lastActivity, leaving active videos untouched.
	SavePreferences(ctx context.Context, userID string, prefs models.Preferences, now time.Time) (models.UserSession, error)
}

// BlobStore is durable storage for generated video files.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (storageID string, err error)
	SignedURL(ctx context.Context, storageID string) (url string, expiresAt time.Time, err error)
}

// WindowCounts summarises a user's videos inside the rate limit window.
type WindowCounts struct {
	Generating int
	Daily      int
	Oldest     time.Time
}

// CountWindow tallies videos already filtered to the rate limit window.
func CountWindow(videos []models.Video) WindowCounts {
	var counts WindowCounts
	for _, v := range videos {
		counts.Daily++
		if v.Status == models.VideoGenerating {
			counts.Generating++
		}
		if counts.Oldest.IsZero() || v.CreatedAt.Before(counts.Oldest) {
			counts.Oldest = v.CreatedAt
		}
	}
	return counts
}

// Check returns the limit error counts would trip by adding one more video.
func (l Limits) Check(counts WindowCounts) error {
	if err := l.CheckConcurrent(counts.Generating); err != nil {
		return err
	}
	if counts.Daily >= l.MaxDaily {
		return ErrDailyLimitExceeded
	}
	return nil
}

// CheckConcurrent reports whether one more video may start generating.
func (l Limits) CheckConcurrent(generating int) error {
	if generating >= l.MaxGenerating {
		return ErrRateLimitExceeded
	}
	return nil
}
