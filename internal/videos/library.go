package videos

import (
	"context"
	"fmt"
	"time"

	"github.com/vidgen/backend/internal/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// VideoView is a video as shown to its owner, with a playback URL when completed.
type VideoView struct {
	models.Video
	VideoURL     string `json:"videoUrl,omitempty"`
	NeedsRefresh bool   `json:"needsRefresh"`
}

// Stats summarises a user's library. SuccessRate is completed over terminal
// videos, zero when none have finished.
type Stats struct {
	Total       int     `json:"total"`
	Generating  int     `json:"generating"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"successRate"`
}

// GeneratingStatus is the polling view of one in-flight video.
type GeneratingStatus struct {
	VideoID       string                `json:"videoId"`
	Title         string                `json:"title"`
	FalStatus     string                `json:"falStatus,omitempty"`
	QueuePosition *int                  `json:"queuePosition,omitempty"`
	LastLog       *models.ProcessingLog `json:"lastLog,omitempty"`
	StartedAt     time.Time             `json:"startedAt"`
	// Elapsed is in seconds.
	Elapsed float64 `json:"elapsed"`
}

// Library serves read access to a user's videos.
type Library struct {
	store Store
	urls  *URLCache
	now   func() time.Time
}

// NewLibrary constructs a Library.
func NewLibrary(store Store, urls *URLCache) *Library {
	return &Library{store: store, urls: urls, now: func() time.Time { return time.Now().UTC() }}
}

// WithNowFunc allows tests to override the time source.
func (l *Library) WithNowFunc(now func() time.Time) {
	l.now = now
}

// List returns the user's videos, newest first.
func (l *Library) List(ctx context.Context, userID string, limit int) ([]VideoView, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	videos, err := l.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}

	views := make([]VideoView, 0, len(videos))
	for _, v := range videos {
		views = append(views, l.view(ctx, v))
	}
	return views, nil
}

// Get returns one video owned by userID.
func (l *Library) Get(ctx context.Context, userID, videoID string) (VideoView, error) {
	video, err := l.owned(ctx, userID, videoID)
	if err != nil {
		return VideoView{}, err
	}
	return l.view(ctx, video), nil
}

// Refresh re-signs the playback URL of a completed video.
func (l *Library) Refresh(ctx context.Context, userID, videoID string) (models.CachedVideoURL, error) {
	video, err := l.owned(ctx, userID, videoID)
	if err != nil {
		return models.CachedVideoURL{}, err
	}
	return l.urls.Refresh(ctx, video)
}

// Generating returns the progress of every video the user has in flight,
// oldest first.
func (l *Library) Generating(ctx context.Context, userID string) ([]GeneratingStatus, error) {
	videos, err := l.store.ListByUser(ctx, userID, 0)
	if err != nil {
		return nil, fmt.Errorf("list generating videos: %w", err)
	}

	now := l.now()
	statuses := []GeneratingStatus{}
	for i := len(videos) - 1; i >= 0; i-- {
		v := videos[i]
		if v.Status != models.VideoGenerating {
			continue
		}
		status := GeneratingStatus{
			VideoID:       v.ID,
			Title:         v.Title,
			FalStatus:     v.FalStatus,
			QueuePosition: v.QueuePosition,
			StartedAt:     v.CreatedAt,
			Elapsed:       now.Sub(v.CreatedAt).Seconds(),
		}
		if n := len(v.ProcessingLogs); n > 0 {
			last := v.ProcessingLogs[n-1]
			status.LastLog = &last
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Stats counts the user's videos by status.
func (l *Library) Stats(ctx context.Context, userID string) (Stats, error) {
	videos, err := l.store.ListByUser(ctx, userID, 0)
	if err != nil {
		return Stats{}, fmt.Errorf("video stats: %w", err)
	}
	var stats Stats
	for _, v := range videos {
		stats.Total++
		switch v.Status {
		case models.VideoGenerating:
			stats.Generating++
		case models.VideoCompleted:
			stats.Completed++
		case models.VideoFailed:
			stats.Failed++
		}
	}
	if terminal := stats.Completed + stats.Failed; terminal > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(terminal)
	}
	return stats, nil
}

func (l *Library) owned(ctx context.Context, userID, videoID string) (models.Video, error) {
	video, err := l.store.Get(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	if video.UserID != userID {
		return models.Video{}, ErrUnauthorized
	}
	return video, nil
}

func (l *Library) view(ctx context.Context, video models.Video) VideoView {
	view := VideoView{Video: video, NeedsRefresh: NeedsRefresh(video, l.now())}
	if l.urls == nil {
		return view
	}
	url, err := l.urls.URL(ctx, video)
	if err == nil {
		view.VideoURL = url
	}
	return view
}
