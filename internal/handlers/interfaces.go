package handlers

import (
	"context"

	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/models"
	"github.com/vidgen/backend/internal/videos"
)

// Generations captures the lifecycle operations the video handlers drive.
type Generations interface {
	Begin(ctx context.Context, req videos.GenerationRequest) (models.Video, error)
	Abort(ctx context.Context, video models.Video, cause error) videos.GenerationResult
	Retry(ctx context.Context, userID, videoID string) (models.Video, error)
	UpdateStatus(ctx context.Context, userID, videoID string, change videos.StatusChange) (models.Video, error)
}

// GenerationQueue runs admitted generations in the background.
type GenerationQueue interface {
	Enqueue(ctx context.Context, video models.Video) error
}

// VideoLibrary serves read access to a user's videos.
type VideoLibrary interface {
	List(ctx context.Context, userID string, limit int) ([]videos.VideoView, error)
	Get(ctx context.Context, userID, videoID string) (videos.VideoView, error)
	Refresh(ctx context.Context, userID, videoID string) (models.CachedVideoURL, error)
	Generating(ctx context.Context, userID string) ([]videos.GeneratingStatus, error)
	Stats(ctx context.Context, userID string) (videos.Stats, error)
}

// RateLimitChecker reports a user's standing against the generation limits.
type RateLimitChecker interface {
	Check(ctx context.Context, userID string) videos.RateLimitStatus
}

// SessionService reads and updates user sessions.
type SessionService interface {
	Get(ctx context.Context, userID string) (models.UserSession, error)
	UpdatePreferences(ctx context.Context, userID string, prefs models.Preferences) (models.UserSession, error)
}

// CreditLedger captures the credit operations exposed over HTTP.
type CreditLedger interface {
	Balance(ctx context.Context, userID string) (credits.Balance, error)
	Initialize(ctx context.Context, userID string) (models.CreditAccount, error)
	CheckAvailable(ctx context.Context, userID string, needed int) (credits.Availability, error)
	Consume(ctx context.Context, userID string, amount int, description, relatedVideoID string) (int, error)
	Add(ctx context.Context, req credits.AddRequest) (credits.AddResult, error)
	UpdatePlan(ctx context.Context, userID string, update credits.PlanUpdate) (models.CreditAccount, error)
	CancelSubscription(ctx context.Context, userID string) (models.CreditAccount, error)
	History(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error)
}

// HealthChecker reports whether a backing dependency is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
